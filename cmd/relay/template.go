package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aschepis/backscratcher/relay/templates"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// templateSpec is the YAML form of a template and its manifest.
type templateSpec struct {
	templates.Template `yaml:",inline"`
	Tools              any         `yaml:"tools,omitempty"`
	JSONSchema         any         `yaml:"json_schema,omitempty"`
	Files              []fileEntry `yaml:"files,omitempty"`
}

type fileEntry struct {
	SourceURL string `yaml:"source_url"`
	FileName  string `yaml:"file_name,omitempty"`
	FileType  string `yaml:"file_type,omitempty"`
}

// TemplateStore is the part of templates.Store the template commands use.
type TemplateStore interface {
	Create(ctx context.Context, t *templates.Template) error
	Update(ctx context.Context, t *templates.Template) error
	GetByName(ctx context.Context, name string) (*templates.Template, error)
	AddFile(ctx context.Context, f *templates.File) error
	RemoveFile(ctx context.Context, id int64) error
	Files(ctx context.Context, templateID int64) ([]templates.File, error)
}

// parseTemplateSpec decodes YAML into a template. Tools and the JSON schema are
// written as YAML and stored as JSON.
func parseTemplateSpec(data []byte) (*templateSpec, error) {
	var spec templateSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse template file: %w", err)
	}
	if spec.Name == "" {
		return nil, errors.New("template file: name is required")
	}
	if spec.Tools != nil {
		raw, err := json.Marshal(spec.Tools)
		if err != nil {
			return nil, fmt.Errorf("template file: tools: %w", err)
		}
		spec.Template.Tools = raw
	}
	if spec.JSONSchema != nil {
		raw, err := json.Marshal(spec.JSONSchema)
		if err != nil {
			return nil, fmt.Errorf("template file: json_schema: %w", err)
		}
		spec.Template.JSONSchema = raw
	}
	for i, f := range spec.Files {
		if f.SourceURL == "" {
			return nil, fmt.Errorf("template file: files[%d]: source_url is required", i)
		}
	}
	return &spec, nil
}

// applyTemplate creates or updates the template named in spec and upserts its
// manifest. With prune, entries missing from spec are removed.
func applyTemplate(ctx context.Context, store TemplateStore, spec *templateSpec, prune bool) (t *templates.Template, created bool, err error) {
	t = &spec.Template
	existing, err := store.GetByName(ctx, t.Name)
	switch {
	case errors.Is(err, templates.ErrNotFound):
		if err := store.Create(ctx, t); err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, err
	default:
		t.ID = existing.ID
		if err := store.Update(ctx, t); err != nil {
			return nil, false, err
		}
	}

	for _, entry := range spec.Files {
		f := &templates.File{
			TemplateID: t.ID,
			SourceURL:  entry.SourceURL,
			FileName:   entry.FileName,
			FileType:   entry.FileType,
		}
		if err := store.AddFile(ctx, f); err != nil {
			return nil, false, err
		}
	}

	if prune {
		current, err := store.Files(ctx, t.ID)
		if err != nil {
			return nil, false, err
		}
		wanted := lo.Map(spec.Files, func(f fileEntry, _ int) string { return f.SourceURL })
		stale := lo.Filter(current, func(f templates.File, _ int) bool { return !lo.Contains(wanted, f.SourceURL) })
		for _, f := range stale {
			if err := store.RemoveFile(ctx, f.ID); err != nil {
				return nil, false, err
			}
		}
	}
	return t, created, nil
}

func createTemplateCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage request templates",
	}
	cmd.AddCommand(createTemplateApplyCommand(global), createTemplateShowCommand(global))
	return cmd
}

func createTemplateApplyCommand(global *GlobalFlags) *cobra.Command {
	var (
		file  string
		prune bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update a template from a YAML file",
		Long: `Create or update a template and its file manifest. Entries are matched
by source_url; run "relay sync" afterwards to upload them.

Template file example:
  name: support
  instructions: Answer using the knowledge base.
  model: gpt-4o
  temperature: 0.2
  response_format: json_schema
  json_schema:
    name: answer
    schema: {type: object, properties: {reply: {type: string}}}
  files:
    - source_url: https://docs.google.com/document/d/abc123/edit
      file_name: faq`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file) //#nosec G304 -- operator-supplied path
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			spec, err := parseTemplateSpec(data)
			if err != nil {
				return err
			}

			a, err := bootstrap(global)
			if err != nil {
				return err
			}
			defer a.close()
			store, err := a.templateStore()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			t, created, err := applyTemplate(ctx, store, spec, prune)
			if err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "template %q %s (id %d, %d files)\n", t.Name, verb, t.ID, len(spec.Files))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file (required)")
	cmd.Flags().BoolVar(&prune, "prune", false, "remove manifest entries that are not in the file")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

func createTemplateShowCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|name>",
		Short: "Print a template with its manifest and revision count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(global)
			if err != nil {
				return err
			}
			defer a.close()
			store, err := a.templateStore()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return showTemplate(ctx, cmd.OutOrStdout(), store, args[0])
		},
	}
}

func showTemplate(ctx context.Context, w io.Writer, store *templates.Store, ref string) error {
	t, err := store.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	files, err := store.Files(ctx, t.ID)
	if err != nil {
		return err
	}
	revisions, err := store.Revisions(ctx, t.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*templates.Template
		Files     []templates.File `json:"files"`
		Revisions int              `json:"revisions"`
	}{t, files, len(revisions)})
}
