//go:build integration

package itest

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

func probe(path string, args ...string) (string, error) {
	full := append([]string{"-v", "error"}, args...)
	full = append(full, path)
	b, err := exec.Command("ffprobe", full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	return strings.TrimSpace(string(b)), nil
}

func probeDurationSeconds(mp4Path string) (float64, error) {
	s, err := probe(mp4Path, "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1")
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return sec, nil
}

// probeVideoStream returns codec name, width and height of the first video stream.
func probeVideoStream(mp4Path string) (string, int, int, error) {
	s, err := probe(mp4Path,
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height",
		"-of", "csv=p=0",
	)
	if err != nil {
		return "", 0, 0, err
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("unexpected ffprobe output %q", s)
	}
	w, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("parse width %q: %w", parts[1], err)
	}
	h, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("parse height %q: %w", parts[2], err)
	}
	return parts[0], w, h, nil
}

func probeAudioCodec(mp4Path string) (string, error) {
	return probe(mp4Path, "-select_streams", "a:0", "-show_entries", "stream=codec_name", "-of", "csv=p=0")
}
