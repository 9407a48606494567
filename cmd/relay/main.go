package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	DBPath     string
	LogFile    string
	Pretty     bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Deduplicated, audited requests to a remote completion API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		Long: `relay sends prompts to an OpenAI-compatible responses API, guards each
correlation key against concurrent duplicates, resolves tool calls and keeps
template knowledge bases in sync with their source documents.

Examples:
  relay serve                                   # HTTP intake, scheduled sync, metrics
  relay ask --template support "Where is my order?"
  relay template apply -f support.yaml
  relay sync --all`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to YAML config file (default $RELAY_CONFIG_PATH or ~/.relay/config.yaml)")
	root.PersistentFlags().StringVar(&flags.DBPath, "db", "", "path to SQLite database file (overrides database.path)")
	root.PersistentFlags().StringVar(&flags.LogFile, "logfile", "", "path to log file (overrides log.file)")
	root.PersistentFlags().BoolVar(&flags.Pretty, "pretty", false, "use pretty console output (not valid with a log file)")

	root.AddCommand(
		createServeCommand(flags),
		createAskCommand(flags),
		createSyncCommand(flags),
		createTemplateCommand(flags),
		createMigrateCommand(flags),
	)
	return root
}
