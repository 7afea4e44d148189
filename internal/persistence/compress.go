package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// CompressRequest asks the store to archive all but the KeepRecent most
// recent finished turns, replacing them with Summary.
type CompressRequest struct {
	// Threshold is the minimum count of live messages before compression
	// is allowed.
	Threshold  int
	KeepRecent int
	Summary    string
}

// CompressResult reports whether compression happened. A rejected request
// carries a Reason and leaves the session untouched.
type CompressResult struct {
	Applied          bool   `json:"applied"`
	Reason           string `json:"reason,omitempty"`
	MessageCount     int    `json:"message_count"`
	ArchivedTurns    int    `json:"archived_turns"`
	ArchivedMessages int    `json:"archived_messages"`
}

type ArchivedMessage struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	OriginalAt time.Time `json:"original_at"`
	ArchivedAt time.Time `json:"archived_at"`
}

// MessageCount is the number of live messages: one per user message plus
// one per step.
func MessageCount(history []TurnRecord) int {
	n := 0
	for _, tr := range history {
		n += 1 + len(tr.Steps)
	}
	return n
}

func (s *Store) Compress(ctx context.Context, sessionID string, req CompressRequest) (CompressResult, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return CompressResult{}, err
	}
	history, err := s.History(ctx, sessionID)
	if err != nil {
		return CompressResult{}, err
	}
	res := CompressResult{MessageCount: MessageCount(history)}
	if res.MessageCount < req.Threshold {
		res.Reason = fmt.Sprintf("message count %d is below the compression threshold %d", res.MessageCount, req.Threshold)
		return res, nil
	}
	if req.Summary == "" {
		res.Reason = "empty summary"
		return res, nil
	}
	keep := req.KeepRecent
	if keep < 0 {
		keep = 0
	}
	cut := len(history) - keep
	var victims []TurnRecord
	for i := 0; i < cut; i++ {
		if history[i].Status == TurnRunning {
			break
		}
		victims = append(victims, history[i])
	}
	if len(victims) == 0 {
		res.Reason = "no finished turns old enough to archive"
		return res, nil
	}

	now := unixNano(s.now())
	archived := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		archived = 0
		for _, tr := range victims {
			if err := archiveMessage(ctx, tx, sessionID, tr.ID, "user", tr.UserMessage, "", unixNano(tr.StartedAt), now); err != nil {
				return err
			}
			archived++
			for _, st := range tr.Steps {
				role, content := archiveContent(st)
				if err := archiveMessage(ctx, tx, sessionID, tr.ID, role, content, st.ToolCallID, unixNano(st.CreatedAt), now); err != nil {
					return err
				}
				archived++
			}
			if _, err := tx.ExecContext(ctx, `UPDATE turns SET archived = 1 WHERE id = ?;`, tr.ID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions SET summary = ?, archived_count = archived_count + ?, updated_at = ? WHERE id = ?;
		`, req.Summary, archived, now, sessionID)
		return err
	})
	if err != nil {
		return CompressResult{}, fmt.Errorf("compress session: %w", err)
	}
	res.Applied = true
	res.ArchivedTurns = len(victims)
	res.ArchivedMessages = archived
	return res, nil
}

func archiveContent(st Step) (role, content string) {
	switch st.Kind {
	case StepToolCall:
		return "assistant", fmt.Sprintf("[tool_call %s] %s", st.Skill, st.Args)
	case StepToolResult:
		return "tool", fmt.Sprintf("[tool_result %s %s] %s", st.Skill, st.Status, st.Payload)
	case StepRetrieval:
		return "system", fmt.Sprintf("[retrieval] %s", st.Payload)
	default:
		return "assistant", st.Text
	}
}

func archiveMessage(ctx context.Context, tx *sql.Tx, sessionID, turnID, role, content, toolCallID string, originalAt, archivedAt int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO archived_messages (session_id, turn_id, role, content, tool_call_id, original_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, sessionID, turnID, role, content, toolCallID, originalAt, archivedAt)
	return err
}

func (s *Store) ArchivedMessages(ctx context.Context, sessionID string) ([]ArchivedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, turn_id, role, content, tool_call_id, original_at, archived_at
		FROM archived_messages WHERE session_id = ? ORDER BY id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list archived messages: %w", err)
	}
	defer rows.Close()
	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var orig, arch int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnID, &m.Role, &m.Content, &m.ToolCallID, &orig, &arch); err != nil {
			return nil, fmt.Errorf("scan archived message: %w", err)
		}
		m.OriginalAt = fromNano(orig)
		m.ArchivedAt = fromNano(arch)
		out = append(out, m)
	}
	return out, rows.Err()
}

// TurnLogChecksum hashes everything compression or a turn could change:
// the session summary and counters, every turn and every step in order,
// and the archive length.
func (s *Store) TurnLogChecksum(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "session|%s|%s|%d|%d|%d|%d\n", sess.ID, sess.Summary, sess.PromptTokens,
		sess.CompletionTokens, sess.CostMicros, sess.ArchivedCount)
	turns, err := s.Turns(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, t := range turns {
		fmt.Fprintf(h, "turn|%s|%d|%s|%s|%s|%t\n", t.ID, t.Seq, t.UserMessage, t.Status, t.ErrorKind, t.Archived)
		steps, err := s.Steps(ctx, t.ID)
		if err != nil {
			return "", err
		}
		for _, st := range steps {
			fmt.Fprintf(h, "step|%d|%d|%s|%s|%s|%s|%s|%s|%s\n", st.Seq, st.Iteration, st.Kind, st.Text,
				st.ToolCallID, st.Skill, st.Args, st.Status, st.Payload)
		}
	}
	var archived int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM archived_messages WHERE session_id = ?;`, sessionID).Scan(&archived); err != nil {
		return "", fmt.Errorf("count archived messages: %w", err)
	}
	fmt.Fprintf(h, "archived|%d\n", archived)
	return hex.EncodeToString(h.Sum(nil)), nil
}
