package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TurnStatus string

const (
	TurnRunning TurnStatus = "running"
	TurnDone    TurnStatus = "done"
	TurnError   TurnStatus = "error"
)

type Turn struct {
	ID           string     `json:"turn_id"`
	SessionID    string     `json:"session_id"`
	Seq          int        `json:"seq"`
	UserMessage  string     `json:"user_message"`
	Status       TurnStatus `json:"status"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Archived     bool       `json:"archived,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type StepKind string

const (
	StepText       StepKind = "text"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	// StepRetrieval records the citations supplied to the model.
	StepRetrieval StepKind = "retrieval"
)

// Step is one entry of a turn's append-only log.
type Step struct {
	TurnID     string          `json:"turn_id"`
	SessionID  string          `json:"session_id"`
	Seq        int             `json:"seq"`
	Iteration  int             `json:"iteration"`
	Kind       StepKind        `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Skill      string          `json:"skill,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Status     string          `json:"status,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TurnRecord is a turn with its steps in log order.
type TurnRecord struct {
	Turn
	Steps []Step `json:"steps"`
}

// BeginTurn opens a turn. A session has at most one running turn.
func (s *Store) BeginTurn(ctx context.Context, sessionID, userMessage string) (Turn, error) {
	turn := Turn{ID: uuid.NewString(), SessionID: sessionID, UserMessage: userMessage, Status: TurnRunning}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?;`, sessionID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		var running int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM turns WHERE session_id = ? AND status = 'running';`, sessionID).Scan(&running); err != nil {
			return err
		}
		if running > 0 {
			return ErrTurnActive
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?;`, sessionID).Scan(&turn.Seq); err != nil {
			return err
		}
		now := s.now().UTC()
		turn.StartedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, seq, user_message, status, started_at) VALUES (?, ?, ?, ?, 'running', ?);
		`, turn.ID, sessionID, turn.Seq, userMessage, unixNano(now)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?;`, unixNano(now), sessionID)
		return err
	})
	if err != nil {
		return Turn{}, fmt.Errorf("begin turn: %w", err)
	}
	return turn, nil
}

// AppendStep appends to a running turn's log. The store assigns Seq and
// CreatedAt so steps stay strictly ordered; tool results must pair with a
// tool call of the same turn.
func (s *Store) AppendStep(ctx context.Context, step Step) (Step, error) {
	switch step.Kind {
	case StepText, StepRetrieval:
	case StepToolCall, StepToolResult:
		if step.ToolCallID == "" {
			return Step{}, fmt.Errorf("append step: %s requires a tool_call_id", step.Kind)
		}
	default:
		return Step{}, fmt.Errorf("append step: unknown kind %q", step.Kind)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var sessionID, status string
		err := tx.QueryRowContext(ctx, `SELECT session_id, status FROM turns WHERE id = ?;`, step.TurnID).Scan(&sessionID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if TurnStatus(status) != TurnRunning {
			return ErrTurnClosed
		}
		step.SessionID = sessionID

		switch step.Kind {
		case StepToolCall:
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM steps WHERE kind = 'tool_call' AND tool_call_id = ?;`, step.ToolCallID).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return ErrDuplicateCall
			}
		case StepToolResult:
			var skill string
			err := tx.QueryRowContext(ctx, `SELECT skill FROM steps WHERE turn_id = ? AND kind = 'tool_call' AND tool_call_id = ?;`,
				step.TurnID, step.ToolCallID).Scan(&skill)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnpairedResult
			}
			if err != nil {
				return err
			}
			if step.Skill == "" {
				step.Skill = skill
			}
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM steps WHERE kind = 'tool_result' AND tool_call_id = ?;`, step.ToolCallID).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return ErrDuplicateResult
			}
		}

		var lastSeq int
		var lastAt int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0) FROM steps WHERE turn_id = ?;`, step.TurnID).Scan(&lastSeq, &lastAt); err != nil {
			return err
		}
		step.Seq = lastSeq + 1
		at := unixNano(s.now())
		if at <= lastAt {
			at = lastAt + 1
		}
		step.CreatedAt = fromNano(at)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (turn_id, seq, session_id, iteration, kind, text, tool_call_id, skill, args, status, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, step.TurnID, step.Seq, step.SessionID, step.Iteration, string(step.Kind), step.Text, step.ToolCallID,
			step.Skill, string(step.Args), step.Status, string(step.Payload), at)
		return err
	})
	if err != nil {
		return Step{}, fmt.Errorf("append step: %w", err)
	}
	return step, nil
}

// FinishTurn closes a running turn.
func (s *Store) FinishTurn(ctx context.Context, turnID string, status TurnStatus, errKind, errMessage string) error {
	if status != TurnDone && status != TurnError {
		return fmt.Errorf("finish turn: invalid terminal status %q", status)
	}
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE turns SET status = ?, error_kind = ?, error_message = ?, finished_at = ?
			WHERE id = ? AND status = 'running';
		`, string(status), errKind, errMessage, unixNano(s.now()), turnID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish turn: %w", err)
	}
	if affected == 0 {
		return ErrTurnClosed
	}
	return nil
}

// RecoverInterrupted fails turns left running by a previous process.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE turns SET status = 'error', error_kind = 'Cancelled', error_message = 'interrupted by restart', finished_at = ?
			WHERE status = 'running';
		`, unixNano(s.now()))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover interrupted turns: %w", err)
	}
	return affected, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	row := s.db.QueryRowContext(ctx, turnColumns+` WHERE id = ?;`, turnID)
	return scanTurn(row)
}

// Turns lists a session's turns in order, archived ones included.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, turnColumns+` WHERE session_id = ? ORDER BY seq;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Steps returns a turn's log in append order.
func (s *Store) Steps(ctx context.Context, turnID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, session_id, seq, iteration, kind, text, tool_call_id, skill, args, status, payload, created_at
		FROM steps WHERE turn_id = ? ORDER BY seq;
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var st Step
		var kind, args, payload string
		var at int64
		if err := rows.Scan(&st.TurnID, &st.SessionID, &st.Seq, &st.Iteration, &kind, &st.Text, &st.ToolCallID,
			&st.Skill, &args, &st.Status, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Kind = StepKind(kind)
		if args != "" {
			st.Args = json.RawMessage(args)
		}
		if payload != "" {
			st.Payload = json.RawMessage(payload)
		}
		st.CreatedAt = fromNano(at)
		out = append(out, st)
	}
	return out, rows.Err()
}

// History returns the session's non-archived turns with their steps; this
// is what the model sees alongside the session summary.
func (s *Store) History(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	turns, err := s.Turns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []TurnRecord
	for _, t := range turns {
		if t.Archived {
			continue
		}
		steps, err := s.Steps(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, TurnRecord{Turn: t, Steps: steps})
	}
	return out, nil
}

const turnColumns = `SELECT id, session_id, seq, user_message, status, error_kind, error_message, archived, started_at, finished_at FROM turns`

func scanTurn(row rowScanner) (Turn, error) {
	var t Turn
	var status string
	var archived int
	var started int64
	var finished sql.NullInt64
	err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &t.UserMessage, &status, &t.ErrorKind, &t.ErrorMessage, &archived, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, ErrNotFound
	}
	if err != nil {
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	t.Status = TurnStatus(status)
	t.Archived = archived != 0
	t.StartedAt = fromNano(started)
	if finished.Valid {
		ft := fromNano(finished.Int64)
		t.FinishedAt = &ft
	}
	return t, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
