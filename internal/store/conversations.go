package store

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/lunarclabs/heartline/internal/lifecycle"
)

// Turn is one append-only conversation log entry. ULID ids keep the log
// sortable by insertion order across restarts.
type Turn struct {
	ID                 string
	UserID             string
	PersonaID          string
	Role               string // "user" or "assistant"
	Content            string
	Tokens             int
	ModelUsed          string
	ProcessedForMemory bool
	CreatedAt          string
}

func (s *Store) AppendTurn(userID, personaID, role, content, model string) (*Turn, error) {
	t := &Turn{
		ID:        ulid.Make().String(),
		UserID:    userID,
		PersonaID: personaID,
		Role:      role,
		Content:   content,
		Tokens:    estimateTokens(content),
		ModelUsed: model,
		CreatedAt: now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, persona_id, role, content, tokens, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.PersonaID, t.Role, t.Content, t.Tokens, t.ModelUsed, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}
	return t, nil
}

// LogInboundTurn writes the user turn and claims its delivery key in one
// transaction. The key commits with the turn, never before it, so a storage
// fault here leaves the key unclaimed and the provider's retry is not
// mistaken for a duplicate. A concurrent claim of the same key returns
// dup=true with nothing written.
func (s *Store) LogInboundTurn(userID, personaID, content, deliveryKey string) (*Turn, bool, error) {
	t := &Turn{
		ID:        ulid.Make().String(),
		UserID:    userID,
		PersonaID: personaID,
		Role:      "user",
		Content:   content,
		Tokens:    estimateTokens(content),
		CreatedAt: now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin inbound turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if deliveryKey != "" {
		res, err := tx.Exec(`INSERT OR IGNORE INTO webhook_deliveries (delivery_key, received_at) VALUES (?, ?)`, deliveryKey, t.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("claim delivery: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("delivery rows affected: %w", err)
		}
		if n == 0 {
			return nil, true, nil
		}
	}

	_, err = tx.Exec(`
		INSERT INTO conversations (id, user_id, persona_id, role, content, tokens, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.PersonaID, t.Role, t.Content, t.Tokens, t.ModelUsed, t.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("log inbound turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit inbound turn: %w", err)
	}
	return t, false, nil
}

// RecentTurns returns the last n turns in chronological order, oldest first.
func (s *Store) RecentTurns(userID string, n int) ([]Turn, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, persona_id, role, content, tokens, model_used, processed_for_memory, created_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, n)
	for rows.Next() {
		var t Turn
		var processed int
		if err := rows.Scan(&t.ID, &t.UserID, &t.PersonaID, &t.Role, &t.Content, &t.Tokens, &t.ModelUsed, &processed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ProcessedForMemory = processed == 1
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// UnprocessedTurns is read by the out-of-band consolidation job.
func (s *Store) UnprocessedTurns(userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, persona_id, role, content, tokens, model_used, processed_for_memory, created_at
		FROM conversations
		WHERE user_id = ? AND processed_for_memory = 0
		ORDER BY id ASC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("unprocessed turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0)
	for rows.Next() {
		var t Turn
		var processed int
		if err := rows.Scan(&t.ID, &t.UserID, &t.PersonaID, &t.Role, &t.Content, &t.Tokens, &t.ModelUsed, &processed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ProcessedForMemory = processed == 1
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// UsersWithUnprocessedTurns lists (user, persona) pairs holding turns the
// consolidation job has not folded into memory yet.
func (s *Store) UsersWithUnprocessedTurns(limit int) (map[string]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT DISTINCT user_id, persona_id
		FROM conversations
		WHERE processed_for_memory = 0
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("users with unprocessed turns: %w", err)
	}
	defer rows.Close()

	pairs := make(map[string]string)
	for rows.Next() {
		var userID, personaID string
		if err := rows.Scan(&userID, &personaID); err != nil {
			return nil, fmt.Errorf("scan pending pair: %w", err)
		}
		pairs[userID] = personaID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending pairs: %w", err)
	}
	return pairs, nil
}

func (s *Store) MarkTurnsProcessed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`UPDATE conversations SET processed_for_memory = 1 WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark turns processed: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

func estimateTokens(content string) int {
	// Rough chars/4 heuristic, good enough for budget accounting.
	return (len(content) + 3) / 4
}

// TrackEvent appends one analytics event from the closed lifecycle enum.
func (s *Store) TrackEvent(userID, personaID string, typ lifecycle.EventType, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO conversion_events (id, user_id, persona_id, event_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ulid.Make().String(), userID, personaID, string(typ), metadata, now())
	if err != nil {
		return fmt.Errorf("track event: %w", err)
	}
	return nil
}

// EventCount is used by tests and status reporting.
func (s *Store) EventCount(userID string, typ lifecycle.EventType) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM conversion_events WHERE user_id = ? AND event_type = ?`, userID, string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return n, nil
}
