package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// defaultMaxReadBytes caps read_file output when the caller does not ask for less.
const defaultMaxReadBytes = 256 * 1024

// resolveInWorkspace returns the absolute form of target, rejecting anything that
// escapes root.
func resolveInWorkspace(root, target string) (string, error) {
	absRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("invalid workspace path: %w", err)
	}
	if target == "" {
		target = "."
	}

	var abs string
	if filepath.IsAbs(target) {
		abs = filepath.Clean(target)
	} else {
		abs = filepath.Join(absRoot, target)
	}
	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside workspace: %s", target)
	}
	return abs, nil
}

// RegisterWorkspaceTools registers read-only file tools confined to root.
func (r *Registry) RegisterWorkspaceTools(root string) {
	r.logger.Info().Str("workspace", root).Msg("Registering workspace tools")

	r.Define("read_file", "Read a text file from the workspace.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path relative to the workspace root"},
			"max_bytes": map[string]any{"type": "integer", "description": "Maximum number of bytes to return"},
		},
		"required": []string{"path"},
	})
	r.Register("read_file", func(ctx context.Context, args json.RawMessage) (any, error) {
		var payload struct {
			Path     string `json:"path"`
			MaxBytes int64  `json:"max_bytes"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		if payload.MaxBytes <= 0 || payload.MaxBytes > defaultMaxReadBytes {
			payload.MaxBytes = defaultMaxReadBytes
		}

		path, err := resolveInWorkspace(root, payload.Path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("path is a directory, not a file: %s", payload.Path)
		}

		f, err := os.Open(path) //#nosec G304 -- confined to the workspace above
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close() //nolint:errcheck // read-only handle

		content, err := io.ReadAll(io.LimitReader(f, payload.MaxBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return map[string]any{
			"path":      payload.Path,
			"content":   string(content),
			"size":      info.Size(),
			"truncated": int64(len(content)) < info.Size(),
		}, nil
	})

	r.Define("list_directory", "List the entries of a workspace directory.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":           map[string]any{"type": "string", "description": "Directory relative to the workspace root"},
			"include_hidden": map[string]any{"type": "boolean"},
		},
	})
	r.Register("list_directory", func(ctx context.Context, args json.RawMessage) (any, error) {
		var payload struct {
			Path          string `json:"path"`
			IncludeHidden bool   `json:"include_hidden"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}

		path, err := resolveInWorkspace(root, payload.Path)
		if err != nil {
			return nil, err
		}
		dirEntries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory: %w", err)
		}

		entries := make([]map[string]any, 0, len(dirEntries))
		for _, e := range dirEntries {
			if !payload.IncludeHidden && strings.HasPrefix(e.Name(), ".") {
				continue
			}
			entry := map[string]any{"name": e.Name(), "is_dir": e.IsDir()}
			if info, err := e.Info(); err == nil && !e.IsDir() {
				entry["size"] = info.Size()
			}
			entries = append(entries, entry)
		}
		return map[string]any{"path": payload.Path, "entries": entries}, nil
	})
}
