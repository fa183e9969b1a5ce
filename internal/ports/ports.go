package ports

import (
	"context"

	"github.com/forPelevin/vidcap/internal/types"
)

type Transcoder interface {
	Standardize(ctx context.Context, inputPath string) (string, error)
}

// Annotator reports every outcome, including misconfiguration and non-zero exits, in the result.
type Annotator interface {
	Annotate(ctx context.Context, inputPath, outputPath, template string) types.AnnotationResult
}

// Inputs is whatever a Processor produces for its Model; it is opaque to callers.
type Inputs any

type Output struct {
	Text            string
	PromptTokens    int
	GeneratedTokens int
}

type Processor interface {
	Encode(conv types.Conversation, opts types.GenerateOptions) (Inputs, error)
	// Decode returns text for the newly generated tokens only.
	Decode(out Output) string
}

type Model interface {
	ID() string
	Generate(ctx context.Context, in Inputs, opts types.GenerateOptions) (Output, error)
}

type ModelLoader interface {
	Load(ctx context.Context, modelID string, opts types.LoadOptions) (Model, Processor, error)
}

type Downloader interface {
	// Download writes the body at url into dst.
	Download(ctx context.Context, url, dst string) error
}
