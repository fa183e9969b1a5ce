package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/vidcap/internal/pipeline"
)

func newProcessCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [videos...]",
		Short: "Standardize and annotate videos into a new dataset run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, a, args)
		},
	}
	cmd.Flags().String("cmd", "", "Annotator command template with {input} and {output} (default $ANNOTATOR_CMD)")
	cmd.Flags().String("data-root", "", "Data root directory (default $DATA_ROOT or /data)")
	cmd.Flags().Duration("timeout", 0, "Abort the run after this long (0 = no limit)")

	cmd.Flags().String("ffmpeg", "", "ffmpeg binary")
	_ = cmd.Flags().MarkHidden("ffmpeg")
	return cmd
}

func runProcess(cmd *cobra.Command, a *app, args []string) error {
	cfg := a.cfg
	flags := cmd.Flags()
	if flags.Changed("cmd") {
		cfg.AnnotatorCmd, _ = flags.GetString("cmd")
	}
	if flags.Changed("data-root") {
		cfg.DataRoot, _ = flags.GetString("data-root")
	}
	if flags.Changed("ffmpeg") {
		cfg.FFmpegPath, _ = flags.GetString("ffmpeg")
	}
	timeout, _ := flags.GetDuration("timeout")

	if err := cfg.ValidatePipeline(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	inputs := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		inputs = append(inputs, abs)
	}

	pcfg := pipeline.Config{
		DataRoot:     cfg.DataRoot,
		Inputs:       inputs,
		AnnotatorCmd: cfg.AnnotatorCmd,
		FFmpegPath:   cfg.FFmpegPath,
		Log:          a.log,
		Now:          time.Now,
	}
	if err := pcfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rep, err := pipeline.Run(ctx, pcfg)
	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintf(out, "Processing failed: %v\n", err)
		return exitError{code: 1}
	}
	fmt.Fprintln(out, rep.Summary())
	if rep.Failed > 0 {
		a.log.WithField("failed", rep.Failed).Warn("some annotations failed; see the manifest for details")
	}
	return nil
}
