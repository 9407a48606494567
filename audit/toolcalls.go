package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// CreateToolCall inserts a pending tool call row and returns it with its id set.
func (s *Store) CreateToolCall(ctx context.Context, call ToolCall) (*ToolCall, error) {
	now := s.now()
	call.Status = ToolCallPending
	call.CreatedAt = time.Unix(now.Unix(), 0)
	call.UpdatedAt = call.CreatedAt

	queryStr, args, err := sq.Insert("tool_calls").
		Columns("request_log_id", "correlation_key", "call_id", "function_name", "arguments",
			"status", "created_at", "updated_at").
		Values(call.RequestLogID, call.CorrelationKey, call.CallID, call.FunctionName, call.Arguments,
			string(ToolCallPending), now.Unix(), now.Unix()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("insert tool call: %w", err)
	}
	if call.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("read tool call id: %w", err)
	}
	return &call, nil
}

// FinishToolCall closes a pending tool call. Rows already closed are left untouched.
func (s *Store) FinishToolCall(ctx context.Context, id int64, status ToolCallStatus, output, errMsg string, durationSeconds float64) error {
	if status == ToolCallPending {
		return fmt.Errorf("finish tool call with pending status")
	}
	query := sq.Update("tool_calls").
		Set("status", string(status)).
		Set("output", output).
		Set("duration_seconds", durationSeconds).
		Set("updated_at", s.now().Unix()).
		Where(sq.Eq{"id": id, "status": string(ToolCallPending)})
	if errMsg != "" {
		query = query.Set("error_message", errMsg)
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns the tool calls recorded for one request log, in call order.
func (s *Store) ListToolCalls(ctx context.Context, requestLogID int64) ([]ToolCall, error) {
	queryStr, args, err := sq.Select("id", "request_log_id", "correlation_key", "call_id", "function_name",
		"arguments", "output", "status", "error_message", "duration_seconds", "created_at", "updated_at").
		From("tool_calls").
		Where(sq.Eq{"request_log_id": requestLogID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows close error can be ignored

	var out []ToolCall
	for rows.Next() {
		var (
			call                      ToolCall
			status                    string
			arguments, output, errMsg sql.NullString
			duration                  sql.NullFloat64
			createdAt, updatedAt      int64
		)
		if err := rows.Scan(&call.ID, &call.RequestLogID, &call.CorrelationKey, &call.CallID, &call.FunctionName,
			&arguments, &output, &status, &errMsg, &duration, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		call.Status = ToolCallStatus(status)
		call.Arguments = arguments.String
		call.Output = output.String
		call.ErrorMessage = errMsg.String
		if duration.Valid {
			d := duration.Float64
			call.DurationSeconds = &d
		}
		call.CreatedAt = time.Unix(createdAt, 0)
		call.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, call)
	}
	return out, rows.Err()
}
