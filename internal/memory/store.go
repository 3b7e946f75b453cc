package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNoHotMemory is returned when a (persona,user) pair has no hot-memory
// scaffold yet. Callers fall back to EmptyHot rather than failing a request.
var ErrNoHotMemory = errors.New("hot memory not initialized")

// Store is the durable memory backend, kept in its own sqlite database,
// separate from the transactional record store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory sqlite: %w", err)
	}

	s := &Store{db: db}
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("memory pragma %q: %w", p, err)
		}
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hot_memory (
			persona_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			core TEXT NOT NULL,
			relationship TEXT NOT NULL,
			threads TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (persona_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS person_memory (
			persona_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			slug TEXT NOT NULL,
			name TEXT NOT NULL,
			relationship_to_user TEXT NOT NULL DEFAULT '',
			key_facts TEXT NOT NULL DEFAULT '[]',
			sentiment TEXT NOT NULL DEFAULT 'neutral',
			first_mentioned TEXT NOT NULL,
			last_mentioned TEXT NOT NULL,
			mention_count INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (persona_id, user_id, slug)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			id TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			month TEXT NOT NULL,
			date TEXT NOT NULL,
			summary TEXT NOT NULL,
			topics TEXT NOT NULL DEFAULT '[]',
			people TEXT NOT NULL DEFAULT '[]',
			vibe TEXT NOT NULL DEFAULT '',
			emotion TEXT NOT NULL DEFAULT '',
			memorable_quote TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_month ON conversation_summaries(persona_id, user_id, month, date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema: %w", err)
		}
	}
	return nil
}

// Initialize writes the empty hot-memory scaffold for a new relationship.
// Idempotent: initializing over an existing store is a no-op that never
// loses data.
func (s *Store) Initialize(personaID, userID string, firstContact time.Time) error {
	hot := EmptyHot(firstContact)
	core, rel, threads, err := marshalHot(hot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO hot_memory (persona_id, user_id, core, relationship, threads, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, personaID, userID, core, rel, threads, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("initialize hot memory: %w", err)
	}
	return nil
}

// LoadHot loads the full hot tier. ErrNoHotMemory when the scaffold is
// missing; any other error is a real storage fault.
func (s *Store) LoadHot(personaID, userID string) (*HotMemory, error) {
	var core, rel, threads string
	err := s.db.QueryRow(`
		SELECT core, relationship, threads FROM hot_memory WHERE persona_id = ? AND user_id = ?
	`, personaID, userID).Scan(&core, &rel, &threads)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoHotMemory
	}
	if err != nil {
		return nil, fmt.Errorf("load hot memory: %w", err)
	}

	hot := &HotMemory{Core: Identity{}}
	if err := json.Unmarshal([]byte(core), &hot.Core); err != nil {
		return nil, fmt.Errorf("decode core identity: %w", err)
	}
	if err := json.Unmarshal([]byte(rel), &hot.Relationship); err != nil {
		return nil, fmt.Errorf("decode relationship: %w", err)
	}
	if err := json.Unmarshal([]byte(threads), &hot.Threads); err != nil {
		return nil, fmt.Errorf("decode threads: %w", err)
	}
	return hot, nil
}

// SaveHot persists a consolidated hot-memory document. This is the write
// half of the out-of-band consolidation contract.
func (s *Store) SaveHot(personaID, userID string, hot *HotMemory) error {
	core, rel, threads, err := marshalHot(hot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO hot_memory (persona_id, user_id, core, relationship, threads, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(persona_id, user_id) DO UPDATE SET
			core = excluded.core,
			relationship = excluded.relationship,
			threads = excluded.threads,
			updated_at = excluded.updated_at
	`, personaID, userID, core, rel, threads, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save hot memory: %w", err)
	}
	return nil
}

func marshalHot(hot *HotMemory) (core, rel, threads string, err error) {
	if hot.Core == nil {
		hot.Core = Identity{}
	}
	if hot.Threads == nil {
		hot.Threads = []ActiveThread{}
	}
	coreB, err := json.Marshal(hot.Core)
	if err != nil {
		return "", "", "", fmt.Errorf("encode core identity: %w", err)
	}
	relB, err := json.Marshal(hot.Relationship)
	if err != nil {
		return "", "", "", fmt.Errorf("encode relationship: %w", err)
	}
	threadsB, err := json.Marshal(hot.Threads)
	if err != nil {
		return "", "", "", fmt.Errorf("encode threads: %w", err)
	}
	return string(coreB), string(relB), string(threadsB), nil
}

// RecordMention upserts a warm-tier person record: created on first mention,
// facts appended and counters bumped on every later one. Never deleted.
func (s *Store) RecordMention(personaID, userID, name, relationship, fact, sentiment string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("record mention: name is required")
	}
	slug := slugify(name)
	nowTS := time.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	var factsJSON string
	var count int
	err := s.db.QueryRow(`
		SELECT key_facts, mention_count FROM person_memory WHERE persona_id = ? AND user_id = ? AND slug = ?
	`, personaID, userID, slug).Scan(&factsJSON, &count)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		facts := []string{}
		if fact = strings.TrimSpace(fact); fact != "" {
			facts = append(facts, fact)
		}
		factsB, _ := json.Marshal(facts)
		if sentiment == "" {
			sentiment = "neutral"
		}
		_, err = s.db.Exec(`
			INSERT INTO person_memory (persona_id, user_id, slug, name, relationship_to_user, key_facts, sentiment, first_mentioned, last_mentioned, mention_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, personaID, userID, slug, name, relationship, string(factsB), sentiment, nowTS, nowTS)
		if err != nil {
			return fmt.Errorf("insert person memory: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("lookup person memory: %w", err)
	}

	var facts []string
	if err := json.Unmarshal([]byte(factsJSON), &facts); err != nil {
		return fmt.Errorf("decode person facts: %w", err)
	}
	if fact = strings.TrimSpace(fact); fact != "" {
		dup := false
		for _, f := range facts {
			if strings.EqualFold(f, fact) {
				dup = true
				break
			}
		}
		if !dup {
			facts = append(facts, fact)
		}
	}
	factsB, _ := json.Marshal(facts)

	q := `UPDATE person_memory SET key_facts = ?, last_mentioned = ?, mention_count = mention_count + 1`
	args := []any{string(factsB), nowTS}
	if relationship != "" {
		q += `, relationship_to_user = ?`
		args = append(args, relationship)
	}
	if sentiment != "" {
		q += `, sentiment = ?`
		args = append(args, sentiment)
	}
	q += ` WHERE persona_id = ? AND user_id = ? AND slug = ?`
	args = append(args, personaID, userID, slug)
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("update person memory: %w", err)
	}
	return nil
}

// People returns every warm-tier record for the relationship.
func (s *Store) People(personaID, userID string) ([]PersonMemory, error) {
	rows, err := s.db.Query(`
		SELECT slug, name, relationship_to_user, key_facts, sentiment, first_mentioned, last_mentioned, mention_count
		FROM person_memory WHERE persona_id = ? AND user_id = ?
		ORDER BY mention_count DESC, last_mentioned DESC
	`, personaID, userID)
	if err != nil {
		return nil, fmt.Errorf("query people: %w", err)
	}
	defer rows.Close()

	people := make([]PersonMemory, 0)
	for rows.Next() {
		var p PersonMemory
		var facts, first, last string
		if err := rows.Scan(&p.Slug, &p.Name, &p.Relationship, &facts, &p.Sentiment, &first, &last, &p.MentionCount); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		if err := json.Unmarshal([]byte(facts), &p.KeyFacts); err != nil {
			return nil, fmt.Errorf("decode person facts: %w", err)
		}
		p.FirstMentioned, _ = time.Parse(time.RFC3339, first)
		p.LastMentioned, _ = time.Parse(time.RFC3339, last)
		people = append(people, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people: %w", err)
	}
	return people, nil
}

// AppendSummary writes one cold-tier entry into its month partition.
// Summaries are never mutated after creation.
func (s *Store) AppendSummary(personaID, userID string, sum ConversationSummary) error {
	if sum.ID == "" {
		sum.ID = ulid.Make().String()
	}
	if sum.Date.IsZero() {
		sum.Date = time.Now().UTC()
	}
	if sum.Month == "" {
		sum.Month = sum.Date.UTC().Format("2006-01")
	}
	topicsB, _ := json.Marshal(emptyIfNil(sum.Topics))
	peopleB, _ := json.Marshal(emptyIfNil(sum.People))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO conversation_summaries (id, persona_id, user_id, month, date, summary, topics, people, vibe, emotion, memorable_quote)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sum.ID, personaID, userID, sum.Month, sum.Date.UTC().Format(time.RFC3339), sum.Summary,
		string(topicsB), string(peopleB), sum.Vibe, sum.Emotion, sum.MemorableQuote)
	if err != nil {
		return fmt.Errorf("append summary: %w", err)
	}
	return nil
}

// Summaries returns cold-tier entries newest first, bounded by limit. The
// month partition keeps the range scan cheap for long relationships.
func (s *Store) Summaries(personaID, userID string, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, month, date, summary, topics, people, vibe, emotion, memorable_quote
		FROM conversation_summaries
		WHERE persona_id = ? AND user_id = ?
		ORDER BY date DESC
		LIMIT ?
	`, personaID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	return collectSummaries(rows)
}

// SummariesForMonth reads one expansion-month batch.
func (s *Store) SummariesForMonth(personaID, userID, month string) ([]ConversationSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, month, date, summary, topics, people, vibe, emotion, memorable_quote
		FROM conversation_summaries
		WHERE persona_id = ? AND user_id = ? AND month = ?
		ORDER BY date DESC
	`, personaID, userID, month)
	if err != nil {
		return nil, fmt.Errorf("query month summaries: %w", err)
	}
	defer rows.Close()
	return collectSummaries(rows)
}

func collectSummaries(rows *sql.Rows) ([]ConversationSummary, error) {
	sums := make([]ConversationSummary, 0)
	for rows.Next() {
		var sum ConversationSummary
		var date, topics, people string
		if err := rows.Scan(&sum.ID, &sum.Month, &date, &sum.Summary, &topics, &people, &sum.Vibe, &sum.Emotion, &sum.MemorableQuote); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Date, _ = time.Parse(time.RFC3339, date)
		if err := json.Unmarshal([]byte(topics), &sum.Topics); err != nil {
			return nil, fmt.Errorf("decode topics: %w", err)
		}
		if err := json.Unmarshal([]byte(people), &sum.People); err != nil {
			return nil, fmt.Errorf("decode people: %w", err)
		}
		sums = append(sums, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return sums, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
