package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forPelevin/vidcap/internal/modelcache"
	"github.com/forPelevin/vidcap/internal/ports/adapters/omni"
	"github.com/forPelevin/vidcap/internal/server"
	"github.com/forPelevin/vidcap/internal/worker"
)

func newWorkerCommand(a *app) *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Caption worker",
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve caption requests over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("listen") {
				cfg.Worker.Listen, _ = cmd.Flags().GetString("listen")
			}
			if err := cfg.ValidateWorker(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			wc := cfg.Worker

			loader := omni.New(wc.BackendAPIKey, wc.BackendURL)
			cache := modelcache.New(loader, modelcache.DefaultLoadOptions(wc.AttnImpl), a.log)
			cw := worker.New(worker.Config{
				DefaultModelID:  wc.ModelID,
				DefaultPrompt:   wc.DefaultPrompt,
				UseAudioInVideo: wc.UseAudioInVideo,
				MaxNewTokens:    wc.MaxNewTokens,
				VideoMaxPixels:  wc.VideoMaxPixels,
				TempDir:         wc.TempDir,
			}, cache, worker.NewHTTPDownloader(wc.DownloadTimeout.Std()), a.log)

			srv := server.New(cw, server.Options{
				Addr:      wc.Listen,
				RateLimit: wc.RateLimit,
				RateBurst: wc.RateBurst,
			}, a.log)
			return srv.ListenAndServe(cmd.Context())
		},
	}
	serve.Flags().String("listen", "", "Listen address (default $WORKER_LISTEN or :8080)")
	w.AddCommand(serve)
	return w
}
