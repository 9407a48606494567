package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aschepis/backscratcher/relay/vectorsync"
	"github.com/spf13/cobra"
)

// SyncFlags holds flags for the sync command.
type SyncFlags struct {
	Template string
	All      bool
}

func createSyncCommand(global *GlobalFlags) *cobra.Command {
	flags := &SyncFlags{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile template files with their remote index",
		Long: `Fetch every manifest entry of a template, upload what changed, and remove
remote files that are no longer listed.

Examples:
  relay sync --template support
  relay sync --template 3
  relay sync --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (flags.Template == "") == !flags.All {
				return errors.New("exactly one of --template or --all is required")
			}
			a, err := bootstrap(global)
			if err != nil {
				return err
			}
			defer a.close()

			syncer, err := a.synchronizer()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var reports []*vectorsync.Report
			if flags.All {
				reports, err = syncer.SyncAll(ctx)
			} else {
				var report *vectorsync.Report
				report, err = syncer.SyncRef(ctx, flags.Template)
				if report != nil {
					reports = append(reports, report)
				}
			}
			printReports(cmd.OutOrStdout(), reports)
			if err != nil {
				return err
			}
			for _, r := range reports {
				if !r.OK() {
					return fmt.Errorf("%d file(s) of template %q failed to sync", len(r.Failed), r.Template)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Template, "template", "", "template id or name")
	cmd.Flags().BoolVar(&flags.All, "all", false, "sync every template that has files")
	return cmd
}

func printReports(w io.Writer, reports []*vectorsync.Report) {
	for _, r := range reports {
		_, _ = fmt.Fprintf(w, "%s (index %s): %d uploaded, %d unchanged, %d removed",
			r.Template, r.IndexID, r.Uploaded, r.Unchanged, r.Removed)
		if len(r.Failed) > 0 {
			_, _ = fmt.Fprintf(w, ", failed: %s", strings.Join(r.Failed, ", "))
		}
		_, _ = fmt.Fprintln(w)
	}
}
