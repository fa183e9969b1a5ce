package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/forPelevin/vidcap/internal/pipeline"
	"github.com/forPelevin/vidcap/internal/runstore"
)

func newRunsCommand(a *app) *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect dataset runs",
	}
	runs.PersistentFlags().String("data-root", "", "Data root directory (default $DATA_ROOT or /data)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := pipeline.ListRuns(cmd.Context(), dataRoot(cmd, a))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No runs yet.")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.RunLabel,
					e.CreatedAt,
					strconv.Itoa(e.Count),
					strconv.Itoa(e.Failed),
					e.ManifestPath,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Run", "Created", "Videos", "Failed", "Manifest"}, rows, 2, 3))
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <run-label>",
		Short: "Show the records of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := pipeline.ShowRun(dataRoot(cmd, a), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run label: %s\nCreated: %s\nRecords: %d\n", m.RunLabel, m.CreatedAt, m.Count)
			rows := make([][]string, 0, len(m.Records))
			for i, r := range m.Records {
				status := "ok"
				if !r.Annotation.Success {
					status = "failed"
				}
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					filepath.Base(r.SourceFile),
					filepath.Base(r.StandardizedFile),
					status,
					strconv.Itoa(r.Annotation.ReturnCode),
					strconv.Itoa(len(r.Annotation.Output)),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"#", "Source", "Standardized", "Status", "Exit", "Output bytes"}, rows, 0, 4, 5))
			return nil
		},
	}

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the run catalog from manifests on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root := dataRoot(cmd, a)
			n, err := pipeline.Reindex(cmd.Context(), root)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d runs into %s\n", n, runstore.Layout{Root: root}.CatalogPath())
			return nil
		},
	}

	runs.AddCommand(list, show, reindex)
	return runs
}

func dataRoot(cmd *cobra.Command, a *app) string {
	if cmd.Flags().Changed("data-root") {
		v, _ := cmd.Flags().GetString("data-root")
		return v
	}
	return a.cfg.DataRoot
}
