package templates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

const defaultModel = "gpt-4o"

var templateColumns = []string{
	"id", "name", "instructions", "model", "tools", "temperature", "response_format", "json_schema",
	"created_at", "updated_at",
}

// Store persists templates, their revisions and their file manifests.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new template Store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "templateStore").Logger()}
}

// Create inserts t and records its first revision. t.ID is set on success.
func (s *Store) Create(ctx context.Context, t *Template) error {
	if err := normalize(t); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now()
	queryStr, args, err := sq.Insert("templates").
		Columns("name", "instructions", "model", "tools", "temperature", "response_format", "json_schema",
			"created_at", "updated_at").
		Values(t.Name, nullString(t.Instructions), t.Model, nullJSON(t.Tools), t.Temperature,
			string(t.ResponseFormat), nullJSON(t.JSONSchema), now.Unix(), now.Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := tx.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("read template id: %w", err)
	}
	t.CreatedAt = time.Unix(now.Unix(), 0)
	t.UpdatedAt = t.CreatedAt

	if err := insertRevision(ctx, tx, t, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info().Int64("template_id", t.ID).Str("name", t.Name).Msg("Created template")
	return nil
}

// Update overwrites the stored template with t and records a revision.
func (s *Store) Update(ctx context.Context, t *Template) error {
	if t.ID == 0 {
		return fmt.Errorf("update template: id is required")
	}
	if err := normalize(t); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now()
	queryStr, args, err := sq.Update("templates").
		Set("name", t.Name).
		Set("instructions", nullString(t.Instructions)).
		Set("model", t.Model).
		Set("tools", nullJSON(t.Tools)).
		Set("temperature", t.Temperature).
		Set("response_format", string(t.ResponseFormat)).
		Set("json_schema", nullJSON(t.JSONSchema)).
		Set("updated_at", now.Unix()).
		Where(sq.Eq{"id": t.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := tx.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	t.UpdatedAt = time.Unix(now.Unix(), 0)

	if err := insertRevision(ctx, tx, t, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info().Int64("template_id", t.ID).Str("name", t.Name).Msg("Updated template")
	return nil
}

// Get loads a template by id.
func (s *Store) Get(ctx context.Context, id int64) (*Template, error) {
	return s.getWhere(ctx, sq.Eq{"id": id})
}

// GetByName loads a template by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*Template, error) {
	return s.getWhere(ctx, sq.Eq{"name": name})
}

// Resolve loads a template from a reference that is either a numeric id or a name.
func (s *Store) Resolve(ctx context.Context, ref string) (*Template, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		t, err := s.Get(ctx, id)
		if !errors.Is(err, ErrNotFound) {
			return t, err
		}
	}
	return s.GetByName(ctx, ref)
}

func (s *Store) getWhere(ctx context.Context, pred sq.Eq) (*Template, error) {
	queryStr, args, err := sq.Select(templateColumns...).From("templates").Where(pred).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	t, err := scanTemplate(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListWithFiles returns every template that owns at least one manifest entry.
func (s *Store) ListWithFiles(ctx context.Context) ([]Template, error) {
	queryStr, args, err := sq.Select(templateColumns...).
		From("templates").
		Where("EXISTS (SELECT 1 FROM template_files f WHERE f.template_id = templates.id)").
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows close error can be ignored

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Revisions returns the snapshots of a template, oldest first.
func (s *Store) Revisions(ctx context.Context, templateID int64) ([]Revision, error) {
	queryStr, args, err := sq.Select("id", "template_id", "name", "instructions", "model", "tools",
		"temperature", "response_format", "json_schema", "created_at").
		From("template_revisions").
		Where(sq.Eq{"template_id": templateID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows close error can be ignored

	var out []Revision
	for rows.Next() {
		var (
			r                           Revision
			instructions, tools, schema sql.NullString
			temperature                 sql.NullFloat64
			format                      string
			createdAt                   int64
		)
		if err := rows.Scan(&r.ID, &r.TemplateID, &r.Name, &instructions, &r.Model, &tools,
			&temperature, &format, &schema, &createdAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		r.Instructions = instructions.String
		r.Tools = rawJSON(tools)
		r.JSONSchema = rawJSON(schema)
		r.ResponseFormat = ResponseFormat(format)
		if temperature.Valid {
			v := temperature.Float64
			r.Temperature = &v
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertRevision(ctx context.Context, tx *sql.Tx, t *Template, now time.Time) error {
	queryStr, args, err := sq.Insert("template_revisions").
		Columns("template_id", "name", "instructions", "model", "tools", "temperature", "response_format",
			"json_schema", "created_at").
		Values(t.ID, t.Name, nullString(t.Instructions), t.Model, nullJSON(t.Tools), t.Temperature,
			string(t.ResponseFormat), nullJSON(t.JSONSchema), now.Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert template revision: %w", err)
	}
	return nil
}

func normalize(t *Template) error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Model == "" {
		t.Model = defaultModel
	}
	if t.ResponseFormat == "" {
		t.ResponseFormat = FormatText
	}
	if !t.ResponseFormat.Valid() {
		return fmt.Errorf("unknown response format %q", t.ResponseFormat)
	}
	if len(t.Tools) > 0 && !json.Valid(t.Tools) {
		return fmt.Errorf("template tools are not valid JSON")
	}
	if len(t.JSONSchema) > 0 && !json.Valid(t.JSONSchema) {
		return fmt.Errorf("template json_schema is not valid JSON")
	}
	return nil
}

func scanTemplate(row interface{ Scan(...any) error }) (*Template, error) {
	var (
		t                           Template
		instructions, tools, schema sql.NullString
		temperature                 sql.NullFloat64
		format                      string
		createdAt, updatedAt        int64
	)
	if err := row.Scan(&t.ID, &t.Name, &instructions, &t.Model, &tools, &temperature, &format, &schema,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Instructions = instructions.String
	t.Tools = rawJSON(tools)
	t.JSONSchema = rawJSON(schema)
	t.ResponseFormat = ResponseFormat(format)
	if temperature.Valid {
		v := temperature.Float64
		t.Temperature = &v
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
