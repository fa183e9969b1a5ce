package shellcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/forPelevin/vidcap/internal/types"
)

const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

var (
	ErrNoCommand     = errors.New("annotator command is not set; pass --cmd or set ANNOTATOR_CMD")
	ErrMissingOutput = errors.New("annotator command must reference the {output} placeholder")
)

// Runner executes script through shell and reports its exit code. A non-nil
// error means the process could not be run at all.
type Runner func(ctx context.Context, shell, script string) (stdout, stderr string, exitCode int, err error)

type Adapter struct {
	shell string
	run   Runner
}

func New(shell string) *Adapter {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Adapter{shell: shell, run: runShell}
}

// WithRunner replaces process execution; used by tests.
func (a *Adapter) WithRunner(r Runner) *Adapter {
	a.run = r
	return a
}

func (a *Adapter) Annotate(ctx context.Context, inputPath, outputPath, template string) types.AnnotationResult {
	script, err := Render(template, inputPath, outputPath)
	if err != nil {
		return types.AnnotationResult{Success: false, Error: err.Error()}
	}

	stdout, stderr, code, runErr := a.run(ctx, a.shell, script)
	res := types.AnnotationResult{
		Success:    runErr == nil && code == 0,
		ReturnCode: code,
		Stdout:     stdout,
		Stderr:     stderr,
	}
	if runErr != nil {
		res.ReturnCode = -1
		res.Error = fmt.Sprintf("run annotator: %v", runErr)
	}

	if b, err := os.ReadFile(outputPath); err == nil {
		res.Output = string(b)
	}
	return res
}

// Render substitutes shell-escaped paths for {input} and {output}. "{{" and
// "}}" produce literal braces; any other brace is copied as is.
func Render(template, inputPath, outputPath string) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", ErrNoCommand
	}
	if !strings.Contains(strings.ReplaceAll(template, "{{", ""), OutputPlaceholder) {
		return "", ErrMissingOutput
	}

	in := shellquote.Join(inputPath)
	out := shellquote.Join(outputPath)

	var b strings.Builder
	for i := 0; i < len(template); {
		rest := template[i:]
		switch {
		case strings.HasPrefix(rest, "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(rest, "}}"):
			b.WriteByte('}')
			i += 2
		case strings.HasPrefix(rest, InputPlaceholder):
			b.WriteString(in)
			i += len(InputPlaceholder)
		case strings.HasPrefix(rest, OutputPlaceholder):
			b.WriteString(out)
			i += len(OutputPlaceholder)
		default:
			b.WriteByte(template[i])
			i++
		}
	}
	return b.String(), nil
}

func runShell(ctx context.Context, shell, script string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), stderr.String(), -1, err
}
