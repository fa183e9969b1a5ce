// Package omni talks to an OpenAI-compatible multimodal inference server
// (for example vLLM serving Qwen2.5-Omni). Loading a model checks that the
// server is serving it; generation goes through /v1/chat/completions.
package omni

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/forPelevin/vidcap/internal/ports"
	"github.com/forPelevin/vidcap/internal/types"
)

const (
	loadTimeout     = 2 * time.Minute
	generateTimeout = 15 * time.Minute
)

// Loader implements ports.ModelLoader against one inference server.
type Loader struct {
	key     string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string) *Loader {
	return &Loader{
		key:     apiKey,
		baseURL: normalizeBaseURL(baseURL),
		client:  &http.Client{Timeout: generateTimeout + time.Minute},
	}
}

// WithHTTPClient replaces the transport; used by tests.
func (l *Loader) WithHTTPClient(c *http.Client) *Loader {
	l.client = c
	return l
}

func (l *Loader) Load(ctx context.Context, modelID string, opts types.LoadOptions) (ports.Model, ports.Processor, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, l.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, nil, err
	}
	l.authorize(req)

	resp, err := l.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("inference server timeout after %s listing models", loadTimeout)
		}
		return nil, nil, err
	}
	defer resp.Body.Close()
	if err := l.checkStatus(resp); err != nil {
		return nil, nil, err
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, nil, fmt.Errorf("decode model listing: %w", err)
	}
	served := make([]string, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.ID == modelID {
			return &Model{loader: l, id: modelID, opts: opts}, &Processor{modelID: modelID, textOnly: opts.DisableTalker}, nil
		}
		served = append(served, m.ID)
	}
	return nil, nil, fmt.Errorf("model %q is not served by %s (serving: %s)", modelID, l.baseURL, strings.Join(served, ", "))
}

func (l *Loader) authorize(req *http.Request) {
	if l.key != "" {
		req.Header.Set("Authorization", "Bearer "+l.key)
	}
}

func (l *Loader) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	rb, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr != nil {
		return fmt.Errorf("inference server status %d and read body failed: %v", resp.StatusCode, readErr)
	}
	return fmt.Errorf("inference server status %d: %s", resp.StatusCode, truncate(redactSecrets(string(rb), l.key), 400))
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chatMessage  `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Modalities  []string       `json:"modalities,omitempty"`
	MMKwargs    map[string]any `json:"mm_processor_kwargs,omitempty"`
}

type chatMessage struct {
	Role    string     `json:"role"`
	Content []chatPart `json:"content"`
}

type chatPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	VideoURL *videoURL `json:"video_url,omitempty"`
}

type videoURL struct {
	URL string `json:"url"`
}

// Processor turns a conversation into a chat-completions request. Video parts
// that reference local files are inlined as data URLs.
type Processor struct {
	modelID  string
	textOnly bool
}

func (p *Processor) Encode(conv types.Conversation, opts types.GenerateOptions) (ports.Inputs, error) {
	req := &chatRequest{
		Model:    p.modelID,
		Messages: make([]chatMessage, 0, len(conv)),
		MMKwargs: map[string]any{"use_audio_in_video": opts.UseAudioInVideo},
	}
	if p.textOnly {
		req.Modalities = []string{"text"}
	}

	for _, msg := range conv {
		cm := chatMessage{Role: msg.Role}
		for _, part := range msg.Content {
			switch part.Type {
			case "text":
				cm.Content = append(cm.Content, chatPart{Type: "text", Text: part.Text})
			case "video":
				u, err := videoDataURL(part.Video)
				if err != nil {
					return nil, err
				}
				cm.Content = append(cm.Content, chatPart{Type: "video_url", VideoURL: &videoURL{URL: u}})
				if part.MaxPixels > 0 {
					req.MMKwargs["max_pixels"] = part.MaxPixels
				}
			default:
				return nil, fmt.Errorf("omni: unsupported content type %q", part.Type)
			}
		}
		req.Messages = append(req.Messages, cm)
	}
	return req, nil
}

// Decode returns the completion text. The server reports only generated
// tokens, so there is no prompt prefix to strip.
func (p *Processor) Decode(out ports.Output) string {
	return strings.TrimSpace(out.Text)
}

func videoDataURL(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	b, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		return "", fmt.Errorf("omni: read video: %w", err)
	}
	return "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(b), nil
}

type Model struct {
	loader *Loader
	id     string
	opts   types.LoadOptions
}

func (m *Model) ID() string { return m.id }

// Options reports the load options the model was created with.
func (m *Model) Options() types.LoadOptions { return m.opts }

func (m *Model) Generate(ctx context.Context, in ports.Inputs, opts types.GenerateOptions) (ports.Output, error) {
	req, ok := in.(*chatRequest)
	if !ok {
		return ports.Output{}, fmt.Errorf("omni: unexpected inputs %T", in)
	}
	payload := *req
	payload.Model = m.id
	payload.MaxTokens = opts.MaxNewTokens
	if !opts.DoSample {
		zero := 0.0
		payload.Temperature = &zero
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ports.Output{}, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.loader.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ports.Output{}, err
	}
	m.loader.authorize(hreq)
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := m.loader.client.Do(hreq)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return ports.Output{}, fmt.Errorf("inference timeout after %s (model=%s)", generateTimeout, m.id)
		}
		return ports.Output{}, err
	}
	defer resp.Body.Close()
	if err := m.loader.checkStatus(resp); err != nil {
		return ports.Output{}, err
	}

	var raw struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return ports.Output{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(raw.Choices) == 0 {
		return ports.Output{}, errors.New("omni: completion has no choices")
	}
	text, err := messageContentToString(raw.Choices[0].Message.Content)
	if err != nil {
		return ports.Output{}, err
	}
	return ports.Output{
		Text:            text,
		PromptTokens:    raw.Usage.PromptTokens,
		GeneratedTokens: raw.Usage.CompletionTokens,
	}, nil
}

func messageContentToString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case nil:
		return "", nil
	case []any:
		// Some servers return an array of {type,text} parts.
		var b strings.Builder
		for _, it := range x {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				b.WriteString(t)
			}
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("omni: unexpected content type %T", v)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	bearerTokenRE = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]+\b`)
	authHeaderRE  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)([^\n\r,;]+)`)
	apiKeyFieldRE = regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)([^\n\r,;]+)`)
)

func redactSecrets(s, apiKey string) string {
	if s == "" {
		return s
	}
	out := s
	if apiKey != "" {
		out = strings.ReplaceAll(out, apiKey, "[REDACTED]")
	}
	out = bearerTokenRE.ReplaceAllString(out, "Bearer [REDACTED]")
	out = authHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyFieldRE.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}
