package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aschepis/backscratcher/relay/orchestrator"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// AskFlags holds flags for the ask command.
type AskFlags struct {
	Key             string
	Template        string
	Model           string
	Instructions    string
	User            string
	Attach          []string
	RegisteredTools bool
	JSON            bool
}

func createAskCommand(global *GlobalFlags) *cobra.Command {
	flags := &AskFlags{}
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one request through the orchestrator and print the answer",
		Long: `Send a single request. Without --key a random correlation key is used, so
the request is never treated as a duplicate.

Examples:
  relay ask "Summarize today's tickets"
  relay ask --template support --user alice "Where is my order?"
  relay ask --attach invoice.pdf --json "Extract the total"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(global)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			orch, err := a.buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			store, err := a.templateStore()
			if err != nil {
				return err
			}

			var atts []orchestrator.Attachment
			for _, path := range flags.Attach {
				att, err := orchestrator.AttachLocalFile(ctx, a.client, path)
				if err != nil {
					return err
				}
				atts = append(atts, att)
			}

			req, err := askRequest(ctx, store, flags, strings.Join(args, " "), atts)
			if err != nil {
				return err
			}
			res, err := orch.Execute(ctx, req)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, flags.JSON)
		},
	}

	cmd.Flags().StringVar(&flags.Key, "key", "", "correlation key (default: random)")
	cmd.Flags().StringVar(&flags.Template, "template", "", "template id or name")
	cmd.Flags().StringVar(&flags.Model, "model", "", "model override")
	cmd.Flags().StringVar(&flags.Instructions, "instructions", "", "instructions override")
	cmd.Flags().StringVar(&flags.User, "user", "", "continue the active conversation of this user")
	cmd.Flags().StringSliceVar(&flags.Attach, "attach", nil, "image or PDF file to upload and attach (repeatable)")
	cmd.Flags().BoolVar(&flags.RegisteredTools, "tools", false, "offer the locally registered tools to the model")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the full result as JSON")
	return cmd
}

// askRequest builds the request for the ask command. Flag values override the template.
func askRequest(ctx context.Context, src orchestrator.TemplateSource, flags *AskFlags, message string, atts []orchestrator.Attachment) (orchestrator.Request, error) {
	key := flags.Key
	if key == "" {
		key = "cli-" + uuid.NewString()
	}

	var opts []orchestrator.Option
	if flags.Template != "" {
		opt, err := orchestrator.FromTemplate(ctx, src, flags.Template)
		if err != nil {
			return orchestrator.Request{}, fmt.Errorf("template %q: %w", flags.Template, err)
		}
		opts = append(opts, opt)
	}
	opts = append(opts, orchestrator.WithMessage(message))
	if flags.Model != "" {
		opts = append(opts, orchestrator.WithModel(flags.Model))
	}
	if flags.Instructions != "" {
		opts = append(opts, orchestrator.WithInstructions(flags.Instructions))
	}
	if flags.User != "" {
		opts = append(opts, orchestrator.WithConversation(flags.User))
	}
	if flags.RegisteredTools {
		opts = append(opts, orchestrator.WithRegisteredTools())
	}
	if len(atts) > 0 {
		opts = append(opts, orchestrator.WithAttachments(atts...))
	}
	return orchestrator.NewRequest(key, opts...), nil
}

func printResult(w io.Writer, res *orchestrator.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	switch {
	case res.Successful():
		if !asJSON {
			_, _ = fmt.Fprintln(w, res.Text())
		}
		return nil
	case res.InProgress():
		return fmt.Errorf("request %s", strings.ToLower(res.Status))
	default:
		return fmt.Errorf("request failed: %s", res.Error)
	}
}
