// Package store is the durable record layer: personas, users, the
// conversation log, conversion events, blocked numbers and webhook delivery
// dedupe, all in one sqlite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			phone_number TEXT,
			tagline TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT '',
			personality_prompt TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			max_free_messages INTEGER NOT NULL DEFAULT 50,
			total_users INTEGER NOT NULL DEFAULT 0,
			total_conversations INTEGER NOT NULL DEFAULT 0,
			conversion_rate REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_personas_phone ON personas(phone_number) WHERE phone_number IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL,
			persona_id TEXT NOT NULL REFERENCES personas(id),
			status TEXT NOT NULL DEFAULT 'free',
			free_messages INTEGER NOT NULL DEFAULT 0,
			converted_at TEXT,
			churned_at TEXT,
			churn_reason TEXT,
			billing_customer_id TEXT,
			billing_subscription_id TEXT,
			subscription_status TEXT NOT NULL DEFAULT 'none',
			subscription_period_end TEXT,
			messages_total INTEGER NOT NULL DEFAULT 0,
			last_message_at TEXT,
			last_message_from TEXT,
			memory_initialized INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(phone_number, persona_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_billing ON users(billing_customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_status ON users(status, subscription_period_end)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			persona_id TEXT NOT NULL REFERENCES personas(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			model_used TEXT NOT NULL DEFAULT '',
			processed_for_memory INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_pending ON conversations(processed_for_memory, user_id)`,
		`CREATE TABLE IF NOT EXISTS conversion_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			persona_id TEXT NOT NULL REFERENCES personas(id),
			event_type TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON conversion_events(user_id, event_type)`,
		`CREATE TABLE IF NOT EXISTS blocked_numbers (
			phone_number TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			blocked_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			delivery_key TEXT PRIMARY KEY,
			received_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SeenDelivery reports whether a transport delivery key was already claimed.
// It does not claim the key: claiming happens with the delivery's side
// effects (LogInboundTurn, MarkDelivery), so a failure between the check and
// the claim leaves the key free and the provider's retry goes through.
func (s *Store) SeenDelivery(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	row := s.db.QueryRow(`SELECT COUNT(1) FROM webhook_deliveries WHERE delivery_key = ?`, key)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("delivery lookup: %w", err)
	}
	return n > 0, nil
}

// MarkDelivery claims a delivery key after its side effects have persisted.
func (s *Store) MarkDelivery(key string) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO webhook_deliveries (delivery_key, received_at) VALUES (?, ?)`, key, now()); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// IsBlocked reports whether an origin number is screened out before any
// user or memory mutation.
func (s *Store) IsBlocked(phone string) (bool, error) {
	row := s.db.QueryRow(`SELECT COUNT(1) FROM blocked_numbers WHERE phone_number = ?`, phone)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("blocked lookup: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Block(phone, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO blocked_numbers (phone_number, reason, blocked_at) VALUES (?, ?, ?)`, phone, reason, now())
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	return nil
}

func (s *Store) Unblock(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM blocked_numbers WHERE phone_number = ?`, phone)
	if err != nil {
		return fmt.Errorf("unblock number: %w", err)
	}
	return nil
}

// Counts returns a compact snapshot used by status reporting.
func (s *Store) Counts() (personas, users, turns int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(1) FROM personas`).Scan(&personas); err != nil {
		return 0, 0, 0, fmt.Errorf("count personas: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(1) FROM users`).Scan(&users); err != nil {
		return 0, 0, 0, fmt.Errorf("count users: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(1) FROM conversations`).Scan(&turns); err != nil {
		return 0, 0, 0, fmt.Errorf("count conversations: %w", err)
	}
	return personas, users, turns, nil
}
