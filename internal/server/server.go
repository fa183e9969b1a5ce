// Package server exposes the caption worker over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/forPelevin/vidcap/internal/types"
	"github.com/forPelevin/vidcap/internal/worker"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 30 * time.Second
	requestIDHeader = "X-Request-ID"
)

// Captioner is the worker surface the transport needs.
type Captioner interface {
	Caption(ctx context.Context, req types.CaptionRequest) (types.CaptionResponse, error)
	LoadedModel() string
}

type Options struct {
	Addr string
	// RateLimit is requests per second; zero or less disables limiting.
	RateLimit float64
	RateBurst int
}

type Server struct {
	captioner Captioner
	log       logrus.FieldLogger
	limiter   *rate.Limiter
	server    *http.Server
}

func New(c Captioner, opts Options, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{captioner: c, log: log}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	// No write timeout: a caption can take minutes.
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/caption", s.handleCaption)
	mux.HandleFunc("/run", s.handleCaption)
	mux.HandleFunc("/runsync", s.handleCaption)
	mux.HandleFunc("/healthz", s.handleHealth)
	return s.withRequestID(mux)
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("worker listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", ln.Addr().String()).Info("caption worker listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down caption worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("worker shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type ctxKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) requestLog(r *http.Request) logrus.FieldLogger {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return s.log.WithFields(logrus.Fields{
		"request_id": id,
		"method":     r.Method,
		"path":       r.URL.Path,
	})
}

// captionBody accepts both a bare request and a {"input": {...}} envelope.
type captionBody struct {
	Input *types.CaptionRequest `json:"input"`
	types.CaptionRequest
}

func (s *Server) handleCaption(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r)
	log.Info("received request")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		log.Warn("rate limit exceeded")
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var body captionBody
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	req := body.CaptionRequest
	if body.Input != nil {
		req = *body.Input
	}

	resp, err := s.captioner.Caption(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		log.WithError(err).WithField("status", status).Warn("caption failed")
		writeError(w, status, err.Error())
		return
	}
	log.WithFields(logrus.Fields{"model_id": resp.ModelID, "timing_s": resp.TimingS}).Info("caption served")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"model_id": s.captioner.LoadedModel(),
	})
}

func statusFor(err error) int {
	if errors.Is(err, worker.ErrMissingVideo) {
		return http.StatusBadRequest
	}
	var werr *worker.Error
	if errors.As(err, &werr) {
		switch werr.Kind {
		case worker.KindDownload, worker.KindModel, worker.KindGenerate:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.CaptionResponse{Error: message})
}
