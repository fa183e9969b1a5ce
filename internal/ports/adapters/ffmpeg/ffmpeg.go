package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// StandardizedSuffix is appended to the input stem.
	StandardizedSuffix = "_720p.mp4"
	targetHeight       = 720
)

type Adapter struct {
	ffmpeg string
	outDir string
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func New(ffmpegPath, outDir string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Adapter{ffmpeg: ffmpegPath, outDir: outDir, run: combinedOutput}
}

// WithRunner replaces process execution; used by tests.
func (a *Adapter) WithRunner(run func(ctx context.Context, name string, args ...string) ([]byte, error)) *Adapter {
	a.run = run
	return a
}

// OutputPath is the standardized location for inputPath.
func (a *Adapter) OutputPath(inputPath string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(a.outDir, stem+StandardizedSuffix)
}

func (a *Adapter) Standardize(ctx context.Context, inputPath string) (string, error) {
	out := a.OutputPath(inputPath)
	b, err := a.run(ctx, a.ffmpeg, standardizeArgs(inputPath, out)...)
	if err != nil {
		return "", fmt.Errorf("ffmpeg standardize: %w\n%s", err, string(b))
	}
	return out, nil
}

func standardizeArgs(in, out string) []string {
	return []string{
		"-y",
		"-i", in,
		"-map", "0:v:0",
		"-map", "0:a?",
		"-vf", fmt.Sprintf("scale=-2:%d,format=yuv420p", targetHeight),
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		out,
	}
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
