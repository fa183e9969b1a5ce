package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, nil, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a := &app{}
	root := newRootCommand(a)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", cfgPath, "--log-format", "json", "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	a.close()
	return out.String(), err
}

// fakeFFmpeg writes a script that copies the -i input to the last argument.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nin=\"\"\nprev=\"\"\nfor a; do\n  [ \"$prev\" = \"-i\" ] && in=\"$a\"\n  prev=\"$a\"\n  last=\"$a\"\ndone\ncp \"$in\" \"$last\"\n"
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return p
}

func TestProcess_NoFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	out, err := execute(t, "process", "--data-root", root)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if strings.TrimSpace(out) != "No files uploaded." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestProcess_EndToEndWithFakeFFmpeg(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	video := filepath.Join(t.TempDir(), "My Clip.mov")
	if err := os.WriteFile(video, []byte("raw"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}

	out, err := execute(t, "process", video,
		"--data-root", root,
		"--ffmpeg", fakeFFmpeg(t),
		"--cmd", `printf '{"n":1}' > {output}`,
	)
	if err != nil {
		t.Fatalf("process: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "Processing complete.\nRun label: ") || !strings.Contains(out, "Manifest: "+root) {
		t.Fatalf("unexpected summary %q", out)
	}

	std := filepath.Join(root, "standardized_videos", "My Clip_720p.mp4")
	if b, err := os.ReadFile(std); err != nil || string(b) != "raw" {
		t.Fatalf("expected standardized copy, got %q err=%v", b, err)
	}

	out, err = execute(t, "runs", "list", "--data-root", root)
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(out, "Videos") || strings.Contains(out, "No runs yet.") {
		t.Fatalf("unexpected list output %q", out)
	}
}

func TestProcess_FailurePrintsStatus(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	video := filepath.Join(t.TempDir(), "a.mp4")
	if err := os.WriteFile(video, []byte("raw"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	out, err := execute(t, "process", video, "--data-root", root, "--ffmpeg", filepath.Join(root, "no-such-ffmpeg"))

	var exit exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("expected exit error, got %v", err)
	}
	if !strings.HasPrefix(out, "Processing failed: ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestProcess_MissingInputIsConfigError(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "process", filepath.Join(t.TempDir(), "nope.mp4"), "--data-root", t.TempDir())
	if err == nil || !strings.HasPrefix(err.Error(), "config: stat input") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRuns_EmptyAndUnknown(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	out, err := execute(t, "runs", "list", "--data-root", root)
	if err != nil || strings.TrimSpace(out) != "No runs yet." {
		t.Fatalf("unexpected list: %q err=%v", out, err)
	}
	if _, err := execute(t, "runs", "show", "2020-01-01T00-00-00", "--data-root", root); err == nil {
		t.Fatalf("expected error for unknown run")
	}
	out, err = execute(t, "runs", "reindex", "--data-root", root)
	if err != nil || !strings.HasPrefix(out, "Indexed 0 runs into ") {
		t.Fatalf("unexpected reindex: %q err=%v", out, err)
	}
}

func TestWorkerServe_RejectsRemoteBackend(t *testing.T) {
	t.Setenv("INFERENCE_BASE_URL", "https://gpu.example.com")
	_, err := execute(t, "worker", "serve", "--listen", "127.0.0.1:0")
	if err == nil || !strings.Contains(err.Error(), "INFERENCE_ALLOWED_HOSTS") {
		t.Fatalf("expected backend validation error, got %v", err)
	}
}

func TestRenderTable(t *testing.T) {
	t.Parallel()

	got := renderTable([]string{"Run", "Videos"}, [][]string{{"2025-01-01T00-00-00", "3"}, {"short"}}, 1)
	for _, want := range []string{"Run", "Videos", "2025-01-01T00-00-00", "3"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in\n%s", want, got)
		}
	}
	if renderTable(nil, nil) != "" {
		t.Fatalf("expected empty render for no headers")
	}
}
