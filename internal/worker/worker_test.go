package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forPelevin/vidcap/internal/ports"
	"github.com/forPelevin/vidcap/internal/types"
)

type fakeModel struct {
	id      string
	text    string
	genErr  error
	gotOpts types.GenerateOptions
}

func (m *fakeModel) ID() string { return m.id }

func (m *fakeModel) Generate(_ context.Context, in ports.Inputs, opts types.GenerateOptions) (ports.Output, error) {
	m.gotOpts = opts
	if m.genErr != nil {
		return ports.Output{}, m.genErr
	}
	return ports.Output{Text: m.text}, nil
}

type fakeProcessor struct {
	conv types.Conversation
	// seen records whether the video existed on disk when encoding.
	seen bool
}

func (p *fakeProcessor) Encode(conv types.Conversation, _ types.GenerateOptions) (ports.Inputs, error) {
	p.conv = conv
	for _, part := range conv[len(conv)-1].Content {
		if part.Type == "video" {
			_, err := os.Stat(part.Video)
			p.seen = err == nil
		}
	}
	return "inputs", nil
}

func (p *fakeProcessor) Decode(out ports.Output) string { return out.Text }

type fakeModels struct {
	mu      sync.Mutex
	calls   []string
	model   *fakeModel
	proc    *fakeProcessor
	loadErr error
}

func (f *fakeModels) GetOrLoad(_ context.Context, id string) (ports.Model, ports.Processor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.loadErr != nil {
		return nil, nil, f.loadErr
	}
	f.model.id = id
	return f.model, f.proc, nil
}

func (f *fakeModels) Loaded() string { return "" }

type fakeDownloader struct {
	calls int
	dst   string
	err   error
}

func (d *fakeDownloader) Download(_ context.Context, _ string, dst string) error {
	d.calls++
	d.dst = dst
	if d.err != nil {
		return d.err
	}
	return os.WriteFile(dst, []byte("mp4"), 0o644)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(tmp string) Config {
	return Config{
		DefaultModelID:  "Qwen/Qwen2.5-Omni-7B",
		DefaultPrompt:   "Give a detailed audio-visual analysis of this video.",
		UseAudioInVideo: true,
		MaxNewTokens:    2048,
		VideoMaxPixels:  20070400,
		TempDir:         tmp,
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to be empty, found %d entries (first %s)", dir, len(entries), entries[0].Name())
	}
}

func TestHandle_MissingVideoURL(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	models := &fakeModels{model: &fakeModel{}, proc: &fakeProcessor{}}
	dl := &fakeDownloader{}
	w := New(testConfig(tmp), models, dl, quietLogger())

	resp := w.Handle(context.Background(), types.CaptionRequest{Prompt: "only a prompt"})

	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"error":"Missing video_url in input."}` {
		t.Fatalf("unexpected response %s", b)
	}
	if dl.calls != 0 || len(models.calls) != 0 {
		t.Fatalf("expected no download and no load, got downloads=%d loads=%d", dl.calls, len(models.calls))
	}
	assertEmptyDir(t, tmp)

	if _, err := w.Caption(context.Background(), types.CaptionRequest{VideoURL: "   "}); !errors.Is(err, ErrMissingVideo) {
		t.Fatalf("expected ErrMissingVideo for blank url, got %v", err)
	}
}

func TestHandle_SuccessUsesDefaultsAndCleansUp(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	model := &fakeModel{text: "  A dog runs on the beach.\n"}
	proc := &fakeProcessor{}
	models := &fakeModels{model: model, proc: proc}
	dl := &fakeDownloader{}
	w := New(testConfig(tmp), models, dl, quietLogger())

	ticks := []time.Time{time.Unix(100, 0), time.Unix(100, 0).Add(1234567 * time.Microsecond)}
	w.now = func() time.Time {
		t0 := ticks[0]
		if len(ticks) > 1 {
			ticks = ticks[1:]
		}
		return t0
	}

	resp := w.Handle(context.Background(), types.CaptionRequest{URL: "https://example.com/v.mp4"})
	if resp.Error != "" {
		t.Fatalf("unexpected error %q", resp.Error)
	}
	if resp.Text != "A dog runs on the beach." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.ModelID != "Qwen/Qwen2.5-Omni-7B" || resp.Prompt != "Give a detailed audio-visual analysis of this video." {
		t.Fatalf("defaults not applied: %+v", resp)
	}
	if resp.TimingS != 1.235 {
		t.Fatalf("expected timing rounded to ms, got %v", resp.TimingS)
	}

	if !strings.HasSuffix(dl.dst, ".mp4") || filepath.Dir(dl.dst) != tmp {
		t.Fatalf("unexpected temp path %q", dl.dst)
	}
	if !proc.seen {
		t.Fatalf("expected the video to exist while encoding")
	}
	assertEmptyDir(t, tmp)

	if got := proc.conv[0]; got.Role != "system" || got.Content[0].Text != SystemPersona {
		t.Fatalf("unexpected system turn %+v", got)
	}
	user := proc.conv[1]
	if user.Role != "user" || len(user.Content) != 2 {
		t.Fatalf("unexpected user turn %+v", user)
	}
	if user.Content[0].Video != dl.dst || user.Content[0].MaxPixels != 20070400 {
		t.Fatalf("unexpected video part %+v", user.Content[0])
	}
	if user.Content[1].Text != resp.Prompt {
		t.Fatalf("unexpected prompt part %+v", user.Content[1])
	}
	want := types.GenerateOptions{MaxNewTokens: 2048, DoSample: false, UseAudioInVideo: true}
	if model.gotOpts != want {
		t.Fatalf("unexpected generate options %+v", model.gotOpts)
	}
}

func TestHandle_RequestOverrides(t *testing.T) {
	t.Parallel()

	models := &fakeModels{model: &fakeModel{text: "ok"}, proc: &fakeProcessor{}}
	w := New(testConfig(t.TempDir()), models, &fakeDownloader{}, quietLogger())

	resp := w.Handle(context.Background(), types.CaptionRequest{
		VideoURL: "https://example.com/a.mp4",
		URL:      "https://example.com/ignored.mp4",
		ModelID:  "Qwen/Qwen2.5-Omni-3B",
		Prompt:   "Describe the audio only.",
	})
	if resp.ModelID != "Qwen/Qwen2.5-Omni-3B" || resp.Prompt != "Describe the audio only." {
		t.Fatalf("overrides not applied: %+v", resp)
	}
	if len(models.calls) != 1 || models.calls[0] != "Qwen/Qwen2.5-Omni-3B" {
		t.Fatalf("unexpected loads %v", models.calls)
	}
}

func TestHandle_DownloadFailureCleansUp(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	model := &fakeModel{}
	dl := &fakeDownloader{err: errors.New("HTTP 404: Not Found")}
	w := New(testConfig(tmp), &fakeModels{model: model, proc: &fakeProcessor{}}, dl, quietLogger())

	_, err := w.Caption(context.Background(), types.CaptionRequest{VideoURL: "https://example.com/missing.mp4"})
	var werr *Error
	if !errors.As(err, &werr) || werr.Kind != KindDownload {
		t.Fatalf("expected download error, got %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status in error, got %v", err)
	}
	if dl.calls != 1 {
		t.Fatalf("expected one download attempt, got %d", dl.calls)
	}
	assertEmptyDir(t, tmp)
}

func TestHandle_GenerationFailureCleansUp(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	model := &fakeModel{genErr: errors.New("CUDA out of memory")}
	w := New(testConfig(tmp), &fakeModels{model: model, proc: &fakeProcessor{}}, &fakeDownloader{}, quietLogger())

	resp := w.Handle(context.Background(), types.CaptionRequest{VideoURL: "https://example.com/v.mp4"})
	if !strings.Contains(resp.Error, "CUDA out of memory") {
		t.Fatalf("expected generation error, got %+v", resp)
	}
	assertEmptyDir(t, tmp)
}

func TestHandle_LoadFailureCreatesNoTempFile(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	dl := &fakeDownloader{}
	models := &fakeModels{loadErr: errors.New("model not served")}
	w := New(testConfig(tmp), models, dl, quietLogger())

	_, err := w.Caption(context.Background(), types.CaptionRequest{VideoURL: "https://example.com/v.mp4"})
	var werr *Error
	if !errors.As(err, &werr) || werr.Kind != KindModel {
		t.Fatalf("expected model error, got %v", err)
	}
	if dl.calls != 0 {
		t.Fatalf("expected no download after load failure")
	}
	assertEmptyDir(t, tmp)
}

func TestHTTPDownloader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp4" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	d := NewHTTPDownloader(5 * time.Second)
	dst := filepath.Join(t.TempDir(), "v.mp4")
	if err := os.WriteFile(dst, []byte("stale content that is longer"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := d.Download(context.Background(), srv.URL+"/v.mp4", dst); err != nil {
		t.Fatalf("download: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "video-bytes" {
		t.Fatalf("unexpected body %q", b)
	}

	err = d.Download(context.Background(), srv.URL+"/missing.mp4", filepath.Join(t.TempDir(), "m.mp4"))
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}
