package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one conversation with its running token and cost counters.
type Session struct {
	ID               string    `json:"id"`
	Title            string    `json:"title,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CostMicros       int64     `json:"cost_micros"`
	ArchivedCount    int       `json:"archived_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Usage is a counter delta. Every field must be non-negative.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	CostMicros       int64 `json:"cost_micros"`
}

func (s *Store) CreateSession(ctx context.Context, title string) (Session, error) {
	now := s.now().UTC()
	sess := Session{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?);
		`, sess.ID, title, unixNano(now), unixNano(now))
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, title, summary, prompt_tokens, completion_tokens, cost_micros, archived_count, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, id))
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, summary, prompt_tokens, completion_tokens, cost_micros, archived_count, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.Title, &sess.Summary, &sess.PromptTokens, &sess.CompletionTokens,
		&sess.CostMicros, &sess.ArchivedCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = fromNano(created)
	sess.UpdatedAt = fromNano(updated)
	return sess, nil
}

// AddUsage adds a non-negative delta to the session counters.
func (s *Store) AddUsage(ctx context.Context, sessionID string, u Usage) error {
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.CostMicros < 0 {
		return ErrNegativeUsage
	}
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ?,
				cost_micros = cost_micros + ?, updated_at = ?
			WHERE id = ?;
		`, u.PromptTokens, u.CompletionTokens, u.CostMicros, unixNano(s.now()), sessionID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
