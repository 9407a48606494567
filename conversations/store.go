package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Status of a remote conversation context.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// ErrNotFound is returned when no conversation matches.
var ErrNotFound = errors.New("conversation not found")

// Conversation binds a remote multi-turn context to a logical user.
type Conversation struct {
	ID        int64
	RemoteID  string
	OwnerUser string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store handles persistence of conversation bindings.
// At most one active conversation exists per owner; the schema enforces it with a
// partial unique index.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new conversation Store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "conversationStore").Logger()}
}

// Active returns the active conversation for ownerUser, or ErrNotFound.
func (s *Store) Active(ctx context.Context, ownerUser string) (*Conversation, error) {
	queryStr, args, err := sq.Select("id", "remote_id", "owner_user", "status", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"owner_user": ownerUser, "status": string(StatusActive)}).
		OrderBy("id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		c                    Conversation
		status               string
		createdAt, updatedAt int64
	)
	err = s.db.QueryRowContext(ctx, queryStr, args...).
		Scan(&c.ID, &c.RemoteID, &c.OwnerUser, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active conversation: %w", err)
	}
	c.Status = Status(status)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// Create records remoteID as the active conversation for ownerUser.
// When another writer already bound an active conversation for the same owner, that
// conversation is returned instead and adopted is true.
func (s *Store) Create(ctx context.Context, remoteID, ownerUser string) (conv *Conversation, adopted bool, err error) {
	now := time.Now().Unix()
	queryStr, args, err := sq.Insert("conversations").
		Columns("remote_id", "owner_user", "status", "created_at", "updated_at").
		Values(remoteID, ownerUser, string(StatusActive), now, now).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		if !isUniqueViolation(err) {
			return nil, false, fmt.Errorf("insert conversation: %w", err)
		}
		existing, lookupErr := s.Active(ctx, ownerUser)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("insert conversation: %w (lookup after conflict: %v)", err, lookupErr)
		}
		s.logger.Warn().
			Str("owner_user", ownerUser).
			Str("orphaned_remote_id", remoteID).
			Str("remote_id", existing.RemoteID).
			Msg("Concurrent conversation create lost; adopting existing conversation")
		return existing, true, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("read conversation id: %w", err)
	}
	return &Conversation{
		ID:        id,
		RemoteID:  remoteID,
		OwnerUser: ownerUser,
		Status:    StatusActive,
		CreatedAt: time.Unix(now, 0),
		UpdatedAt: time.Unix(now, 0),
	}, false, nil
}

// Close marks the conversation with remoteID closed. Closing an unknown or already
// closed conversation is not an error.
func (s *Store) Close(ctx context.Context, remoteID string) error {
	queryStr, args, err := sq.Update("conversations").
		Set("status", string(StatusClosed)).
		Set("updated_at", time.Now().Unix()).
		Where(sq.Eq{"remote_id": remoteID, "status": string(StatusActive)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info().Str("remote_id", remoteID).Msg("Closed conversation")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
