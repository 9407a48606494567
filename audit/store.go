package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a request log row does not exist.
var ErrNotFound = errors.New("audit record not found")

var recordColumns = []string{
	"id", "attempt_id", "correlation_key", "request_payload", "response_payload", "status",
	"owner_pid", "owner_start_time", "conversation_id", "comments", "duration_seconds",
	"created_at", "updated_at",
}

// Store persists request logs and tool call records.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// NewStore creates a new audit Store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		now:    time.Now,
		logger: logger.With().Str("component", "auditStore").Logger(),
	}
}

// Create inserts a pending row for a new attempt, tagged with the owner fingerprint when known.
func (s *Store) Create(ctx context.Context, correlationKey, requestPayload string, owner *Fingerprint) (*Record, error) {
	now := s.now()
	rec := &Record{
		AttemptID:      uuid.NewString(),
		CorrelationKey: correlationKey,
		RequestPayload: requestPayload,
		Status:         StatusPending,
		Owner:          owner,
		CreatedAt:      time.Unix(now.Unix(), 0),
		UpdatedAt:      time.Unix(now.Unix(), 0),
	}

	var pid, start any
	if owner != nil {
		pid, start = owner.PID, owner.StartTime
	}

	query := sq.Insert("request_logs").
		Columns("attempt_id", "correlation_key", "request_payload", "status",
			"owner_pid", "owner_start_time", "comments", "created_at", "updated_at").
		Values(rec.AttemptID, correlationKey, requestPayload, string(StatusPending),
			pid, start, "", now.Unix(), now.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("insert request log: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read request log id: %w", err)
	}

	s.logger.Debug().
		Int64("record_id", rec.ID).
		Str("attempt_id", rec.AttemptID).
		Str("correlation_key", correlationKey).
		Msg("Created pending request log")
	return rec, nil
}

// Get loads a single row by id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	queryStr, args, err := sq.Select(recordColumns...).
		From("request_logs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListActive returns the non-terminal rows for correlationKey other than excludeID, oldest first.
func (s *Store) ListActive(ctx context.Context, correlationKey string, excludeID int64) ([]Record, error) {
	queryStr, args, err := sq.Select(recordColumns...).
		From("request_logs").
		Where(sq.Eq{"correlation_key": correlationKey}).
		Where(sq.Eq{"status": statusStrings(NonTerminal)}).
		Where(sq.NotEq{"id": excludeID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query active request logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows close error can be ignored

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Transition moves a row to status `to` when its current status is one of `from`,
// appending comment in the same statement. It reports whether the row changed.
func (s *Store) Transition(ctx context.Context, id int64, from []Status, to Status, comment string) (bool, error) {
	now := s.now()
	query := sq.Update("request_logs").
		Set("status", string(to)).
		Set("updated_at", now.Unix()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": statusStrings(from)})
	if comment != "" {
		query = query.Set("comments", sq.Expr("comments || ?", FormatComment(now, comment)))
	}
	return s.execUpdate(ctx, query)
}

// Close writes the terminal status, response and duration of an in-progress row.
func (s *Store) Close(ctx context.Context, id int64, status Status, response string, durationSeconds float64, comment string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("close with non-terminal status %q", status)
	}
	now := s.now()
	query := sq.Update("request_logs").
		Set("status", string(status)).
		Set("response_payload", response).
		Set("duration_seconds", durationSeconds).
		Set("updated_at", now.Unix()).
		Where(sq.Eq{"id": id, "status": string(StatusInProgress)})
	if comment != "" {
		query = query.Set("comments", sq.Expr("comments || ?", FormatComment(now, comment)))
	}
	return s.execUpdate(ctx, query)
}

// RecordResponse stores the latest raw response of an in-progress row.
func (s *Store) RecordResponse(ctx context.Context, id int64, response, comment string) error {
	now := s.now()
	query := sq.Update("request_logs").
		Set("response_payload", response).
		Set("updated_at", now.Unix()).
		Where(sq.Eq{"id": id, "status": string(StatusInProgress)})
	if comment != "" {
		query = query.Set("comments", sq.Expr("comments || ?", FormatComment(now, comment)))
	}
	_, err := s.execUpdate(ctx, query)
	return err
}

// SetConversation binds an in-flight row to a remote conversation.
func (s *Store) SetConversation(ctx context.Context, id int64, conversationID string) error {
	query := sq.Update("request_logs").
		Set("conversation_id", conversationID).
		Set("updated_at", s.now().Unix()).
		Where(sq.Eq{"id": id, "status": statusStrings(NonTerminal)})
	_, err := s.execUpdate(ctx, query)
	return err
}

// AppendComment adds a timestamped line to the comment log. Allowed in any status.
func (s *Store) AppendComment(ctx context.Context, id int64, text string) error {
	now := s.now()
	query := sq.Update("request_logs").
		Set("comments", sq.Expr("comments || ?", FormatComment(now, text))).
		Set("updated_at", now.Unix()).
		Where(sq.Eq{"id": id})
	changed, err := s.execUpdate(ctx, query)
	if err != nil {
		return err
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

func (s *Store) execUpdate(ctx context.Context, query sq.UpdateBuilder) (bool, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return false, fmt.Errorf("update request log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                       Record
		status                    string
		request, response, convID sql.NullString
		pid, start                sql.NullInt64
		duration                  sql.NullFloat64
		createdAt, updatedAt      int64
	)
	if err := row.Scan(&rec.ID, &rec.AttemptID, &rec.CorrelationKey, &request, &response, &status,
		&pid, &start, &convID, &rec.Comments, &duration, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.RequestPayload = request.String
	rec.ResponsePayload = response.String
	rec.ConversationID = convID.String
	if pid.Valid && start.Valid {
		rec.Owner = &Fingerprint{PID: int(pid.Int64), StartTime: start.Int64}
	}
	if duration.Valid {
		d := duration.Float64
		rec.DurationSeconds = &d
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
