package templates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var fileColumns = []string{
	"id", "template_id", "source_url", "file_name", "file_type", "file_size", "content_hash",
	"remote_index_id", "remote_file_id", "upload_status", "error_message", "created_at", "updated_at",
}

// AddFile adds a manifest entry to a template. An entry with the same source URL is
// updated in place and keeps its sync state.
func (s *Store) AddFile(ctx context.Context, f *File) error {
	if f.TemplateID == 0 || f.SourceURL == "" {
		return fmt.Errorf("template id and source url are required")
	}
	if f.FileName == "" {
		f.FileName = path.Base(strings.TrimRight(f.SourceURL, "/"))
	}
	if f.FileType == "" {
		f.FileType = "txt"
	}

	now := time.Now().Unix()
	queryStr, args, err := sq.Insert("template_files").
		Columns("template_id", "source_url", "file_name", "file_type", "upload_status", "created_at", "updated_at").
		Values(f.TemplateID, f.SourceURL, f.FileName, f.FileType, string(UploadPending), now, now).
		Suffix("ON CONFLICT(template_id, source_url) DO UPDATE SET file_name = excluded.file_name, file_type = excluded.file_type, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("upsert template file: %w", err)
	}

	stored, err := s.fileWhere(ctx, sq.Eq{"template_id": f.TemplateID, "source_url": f.SourceURL})
	if err != nil {
		return err
	}
	*f = *stored
	return nil
}

// RemoveFile drops a manifest entry. The next sync deletes its remote copy.
func (s *Store) RemoveFile(ctx context.Context, id int64) error {
	queryStr, args, err := sq.Delete("template_files").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("delete template file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFile loads one manifest entry.
func (s *Store) GetFile(ctx context.Context, id int64) (*File, error) {
	return s.fileWhere(ctx, sq.Eq{"id": id})
}

// Files returns the manifest of a template in insertion order.
func (s *Store) Files(ctx context.Context, templateID int64) ([]File, error) {
	queryStr, args, err := sq.Select(fileColumns...).
		From("template_files").
		Where(sq.Eq{"template_id": templateID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query template files: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows close error can be ignored

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// IndexIDs returns the distinct remote index ids referenced by a template's manifest.
func (s *Store) IndexIDs(ctx context.Context, templateID int64) ([]string, error) {
	queryStr, args, err := sq.Select("DISTINCT remote_index_id").
		From("template_files").
		Where(sq.Eq{"template_id": templateID}).
		Where(sq.NotEq{"remote_index_id": nil}).
		Where(sq.NotEq{"remote_index_id": ""}).
		OrderBy("remote_index_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query index ids: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows close error can be ignored

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan index id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkUploading flags an entry as being uploaded and clears any previous error.
func (s *Store) MarkUploading(ctx context.Context, id int64) error {
	return s.updateFile(ctx, id, map[string]any{
		"upload_status": string(UploadUploading),
		"error_message": nil,
	})
}

// MarkCompleted records a successful upload into indexID.
func (s *Store) MarkCompleted(ctx context.Context, id int64, indexID, fileID, hash string, size int64) error {
	return s.updateFile(ctx, id, map[string]any{
		"upload_status":   string(UploadCompleted),
		"remote_index_id": indexID,
		"remote_file_id":  fileID,
		"content_hash":    hash,
		"file_size":       size,
		"error_message":   nil,
	})
}

// MarkFailed records a failed sync attempt for an entry.
func (s *Store) MarkFailed(ctx context.Context, id int64, msg string) error {
	return s.updateFile(ctx, id, map[string]any{
		"upload_status": string(UploadFailed),
		"error_message": msg,
	})
}

func (s *Store) updateFile(ctx context.Context, id int64, fields map[string]any) error {
	fields["updated_at"] = time.Now().Unix()
	queryStr, args, err := sq.Update("template_files").
		SetMap(fields).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("update template file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) fileWhere(ctx context.Context, pred sq.Eq) (*File, error) {
	queryStr, args, err := sq.Select(fileColumns...).From("template_files").Where(pred).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	f, err := scanFile(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var (
		f                                       File
		size                                    sql.NullInt64
		hash, indexID, fileID, status, errorMsg sql.NullString
		createdAt, updatedAt                    int64
	)
	if err := row.Scan(&f.ID, &f.TemplateID, &f.SourceURL, &f.FileName, &f.FileType, &size, &hash,
		&indexID, &fileID, &status, &errorMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.FileSize = size.Int64
	f.ContentHash = hash.String
	f.RemoteIndexID = indexID.String
	f.RemoteFileID = fileID.String
	f.UploadStatus = UploadStatus(status.String)
	f.ErrorMessage = errorMsg.String
	f.CreatedAt = time.Unix(createdAt, 0)
	f.UpdatedAt = time.Unix(updatedAt, 0)
	return &f, nil
}
