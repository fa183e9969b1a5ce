package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DefaultDownloadTimeout bounds one video fetch.
const DefaultDownloadTimeout = 120 * time.Second

// HTTPDownloader fetches a video with a single GET. There is no retry; the
// caller's request fails instead.
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
}

func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	return &HTTPDownloader{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgent: "vidcap-worker/1.0",
	}
}

// WithHTTPClient replaces the client; used by tests.
func (d *HTTPDownloader) WithHTTPClient(c *http.Client) *HTTPDownloader {
	d.client = c
	return d
}

// Download streams the body at url into dst, truncating dst first.
func (d *HTTPDownloader) Download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
