// Package worker serves one caption request at a time against a cached
// multimodal model. It is transport agnostic; see internal/server for HTTP.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forPelevin/vidcap/internal/ports"
	"github.com/forPelevin/vidcap/internal/types"
)

// SystemPersona is the system turn the Omni models expect before multimodal input.
const SystemPersona = "You are Qwen, a virtual human developed by the Qwen Team, Alibaba Group, capable of perceiving auditory and visual inputs, as well as generating text and speech."

// ErrMissingVideo is returned before any download, load or temp file when
// the request carries neither video_url nor url.
var ErrMissingVideo = errors.New("Missing video_url in input.")

type Kind int

const (
	KindModel Kind = iota + 1
	KindDownload
	KindGenerate
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindModel:
		return "model"
	case KindDownload:
		return "download"
	case KindGenerate:
		return "generate"
	default:
		return "internal"
	}
}

// Error classifies a failed request so transports can pick a status.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// ModelSource hands out the model/processor pair for an id.
// *modelcache.Cache satisfies it.
type ModelSource interface {
	GetOrLoad(ctx context.Context, modelID string) (ports.Model, ports.Processor, error)
	Loaded() string
}

type Config struct {
	DefaultModelID  string
	DefaultPrompt   string
	UseAudioInVideo bool
	MaxNewTokens    int
	VideoMaxPixels  int
	// TempDir holds per-request downloads; empty means os.TempDir().
	TempDir string
}

type Worker struct {
	cfg    Config
	models ModelSource
	dl     ports.Downloader
	log    logrus.FieldLogger
	now    func() time.Time

	// infer serializes encode/generate/decode on the shared model.
	infer sync.Mutex
}

func New(cfg Config, models ModelSource, dl ports.Downloader, log logrus.FieldLogger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{cfg: cfg, models: models, dl: dl, log: log, now: time.Now}
}

// LoadedModel reports the id currently held by the model source.
func (w *Worker) LoadedModel() string { return w.models.Loaded() }

// Handle always answers with a response; failures are carried in its error field.
func (w *Worker) Handle(ctx context.Context, req types.CaptionRequest) types.CaptionResponse {
	resp, err := w.Caption(ctx, req)
	if err != nil {
		return types.CaptionResponse{Error: err.Error()}
	}
	return resp
}

// Caption is Handle with the failure returned as an error, either
// ErrMissingVideo or an *Error.
func (w *Worker) Caption(ctx context.Context, req types.CaptionRequest) (types.CaptionResponse, error) {
	videoURL := strings.TrimSpace(req.VideoRef())
	if videoURL == "" {
		return types.CaptionResponse{}, ErrMissingVideo
	}
	modelID := firstNonEmpty(req.ModelID, w.cfg.DefaultModelID)
	prompt := firstNonEmpty(req.Prompt, w.cfg.DefaultPrompt)
	log := w.log.WithFields(logrus.Fields{"model_id": modelID, "video_url": videoURL})

	model, proc, err := w.models.GetOrLoad(ctx, modelID)
	if err != nil {
		log.WithError(err).Error("model load failed")
		return types.CaptionResponse{}, &Error{Op: "load model", Kind: KindModel, Err: err}
	}

	start := w.now()

	tmp, err := os.CreateTemp(w.cfg.TempDir, "vidcap-*.mp4")
	if err != nil {
		return types.CaptionResponse{}, &Error{Op: "create temp file", Kind: KindInternal, Err: err}
	}
	videoPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		if rmErr := os.Remove(videoPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithError(rmErr).Debug("temp file cleanup failed")
		}
	}()

	if err := w.dl.Download(ctx, videoURL, videoPath); err != nil {
		log.WithError(err).Warn("download failed")
		return types.CaptionResponse{}, &Error{Op: "download video", Kind: KindDownload, Err: err}
	}

	conv := types.Conversation{
		{Role: "system", Content: []types.ContentPart{{Type: "text", Text: SystemPersona}}},
		{Role: "user", Content: []types.ContentPart{
			{Type: "video", Video: videoPath, MaxPixels: w.cfg.VideoMaxPixels},
			{Type: "text", Text: prompt},
		}},
	}
	opts := types.GenerateOptions{
		MaxNewTokens:    w.cfg.MaxNewTokens,
		DoSample:        false,
		UseAudioInVideo: w.cfg.UseAudioInVideo,
	}

	text, err := w.generate(ctx, model, proc, conv, opts)
	if err != nil {
		log.WithError(err).Error("generation failed")
		return types.CaptionResponse{}, err
	}

	timing := roundMillis(w.now().Sub(start))
	log.WithFields(logrus.Fields{"timing_s": timing, "chars": len(text)}).Info("caption generated")
	return types.CaptionResponse{
		Text:    text,
		ModelID: modelID,
		Prompt:  prompt,
		TimingS: timing,
	}, nil
}

func (w *Worker) generate(ctx context.Context, model ports.Model, proc ports.Processor, conv types.Conversation, opts types.GenerateOptions) (string, error) {
	w.infer.Lock()
	defer w.infer.Unlock()

	in, err := proc.Encode(conv, opts)
	if err != nil {
		return "", &Error{Op: "encode inputs", Kind: KindGenerate, Err: err}
	}
	out, err := model.Generate(ctx, in, opts)
	if err != nil {
		return "", &Error{Op: "generate", Kind: KindGenerate, Err: fmt.Errorf("model %s: %w", model.ID(), err)}
	}
	return strings.TrimSpace(proc.Decode(out)), nil
}

func roundMillis(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
