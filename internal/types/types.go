package types

import (
	"encoding/json"
	"time"
)

// TimestampLayout is ISO-8601 UTC with a trailing Z, used for created_at and processed_at.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

type AnnotationResult struct {
	Success    bool   `json:"success"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
}

type Record struct {
	RunLabel             string           `json:"run_label"`
	SourceFile           string           `json:"source_file"`
	StandardizedFile     string           `json:"standardized_file"`
	AnnotationOutputFile string           `json:"annotation_output_file"`
	Annotation           AnnotationResult `json:"annotation"`
	ProcessedAt          string           `json:"processed_at"`
}

type Manifest struct {
	RunLabel  string   `json:"run_label"`
	CreatedAt string   `json:"created_at"`
	Count     int      `json:"count"`
	Records   []Record `json:"records"`
}

// Upload is a file handed to the pipeline. Name defaults to the base of Path.
type Upload struct {
	Path string
	Name string
}

type CaptionRequest struct {
	VideoURL string `json:"video_url,omitempty"`
	URL      string `json:"url,omitempty"`
	ModelID  string `json:"model_id,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// VideoRef returns video_url, falling back to url.
func (r CaptionRequest) VideoRef() string {
	if r.VideoURL != "" {
		return r.VideoURL
	}
	return r.URL
}

type CaptionResponse struct {
	Text    string  `json:"text"`
	ModelID string  `json:"model_id"`
	Prompt  string  `json:"prompt"`
	TimingS float64 `json:"timing_s"`
	Error   string  `json:"error,omitempty"`
}

// MarshalJSON emits only {"error": ...} for failed responses.
func (r CaptionResponse) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	type plain CaptionResponse
	return json.Marshal(plain(r))
}

// Conversation is the chat payload handed to a multimodal processor.
type Conversation []Message

type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Video     string `json:"video,omitempty"`
	MaxPixels int    `json:"max_pixels,omitempty"`
}

type GenerateOptions struct {
	MaxNewTokens    int
	DoSample        bool
	UseAudioInVideo bool
}

// LoadOptions mirrors the knobs used when instantiating a model.
type LoadOptions struct {
	DType         string
	DeviceMap     string
	AttnImpl      string
	DisableTalker bool
}
