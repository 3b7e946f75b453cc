package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Persona is the chat identity users converse with. Operator-created,
// mutated only through counter increments.
type Persona struct {
	ID                 string
	Name               string
	Slug               string
	PhoneNumber        string
	Tagline            string
	Bio                string
	PersonalityPrompt  string
	Active             bool
	MaxFreeMessages    int
	TotalUsers         int
	TotalConversations int
	ConversionRate     float64
	CreatedAt          string
	UpdatedAt          string
}

var ErrNotFound = errors.New("not found")

func (s *Store) CreatePersona(p *Persona) error {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Slug) == "" {
		return fmt.Errorf("create persona: name and slug are required")
	}
	if strings.TrimSpace(p.PersonalityPrompt) == "" {
		return fmt.Errorf("create persona: personality prompt is required")
	}
	if p.MaxFreeMessages <= 0 {
		p.MaxFreeMessages = 50
	}
	p.ID = uuid.NewString()
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	var phone any
	if strings.TrimSpace(p.PhoneNumber) != "" {
		phone = p.PhoneNumber
	}
	_, err := s.db.Exec(`
		INSERT INTO personas (id, name, slug, phone_number, tagline, bio, personality_prompt, active, max_free_messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Slug, phone, p.Tagline, p.Bio, p.PersonalityPrompt, boolToInt(p.Active), p.MaxFreeMessages, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create persona: %w", err)
	}
	return nil
}

const personaColumns = `id, name, slug, COALESCE(phone_number, ''), tagline, bio, personality_prompt, active, max_free_messages, total_users, total_conversations, conversion_rate, created_at, updated_at`

func (s *Store) personaRow(row *sql.Row) (*Persona, error) {
	var p Persona
	var active int
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.PhoneNumber, &p.Tagline, &p.Bio, &p.PersonalityPrompt,
		&active, &p.MaxFreeMessages, &p.TotalUsers, &p.TotalConversations, &p.ConversionRate, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan persona: %w", err)
	}
	p.Active = active == 1
	return &p, nil
}

func (s *Store) PersonaByID(id string) (*Persona, error) {
	return s.personaRow(s.db.QueryRow(`SELECT `+personaColumns+` FROM personas WHERE id = ?`, id))
}

func (s *Store) PersonaBySlug(slug string) (*Persona, error) {
	return s.personaRow(s.db.QueryRow(`SELECT `+personaColumns+` FROM personas WHERE slug = ?`, slug))
}

// PersonaByNumber resolves the destination address of an inbound message.
func (s *Store) PersonaByNumber(phone string) (*Persona, error) {
	return s.personaRow(s.db.QueryRow(`SELECT `+personaColumns+` FROM personas WHERE phone_number = ? AND active = 1`, phone))
}

func (s *Store) ListPersonas(limit int) ([]Persona, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+personaColumns+` FROM personas ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	result := make([]Persona, 0)
	for rows.Next() {
		var p Persona
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.PhoneNumber, &p.Tagline, &p.Bio, &p.PersonalityPrompt,
			&active, &p.MaxFreeMessages, &p.TotalUsers, &p.TotalConversations, &p.ConversionRate, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		p.Active = active == 1
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return result, nil
}

func (s *Store) IncrementPersonaUsers(id string) error {
	return s.bumpPersona(id, "total_users")
}

func (s *Store) IncrementPersonaConversations(id string) error {
	return s.bumpPersona(id, "total_conversations")
}

func (s *Store) bumpPersona(id, column string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE personas SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("increment persona %s: %w", column, err)
	}
	return nil
}

// RecomputeConversionRate refreshes the persona's converted-user ratio from
// the users table. Driven by the maintenance sweep, not the hot path.
func (s *Store) RecomputeConversionRate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE personas SET conversion_rate = (
			SELECT CASE WHEN COUNT(1) = 0 THEN 0
			       ELSE CAST(SUM(CASE WHEN converted_at IS NOT NULL THEN 1 ELSE 0 END) AS REAL) / COUNT(1) END
			FROM users WHERE persona_id = personas.id
		), updated_at = ? WHERE id = ?
	`, now(), id)
	if err != nil {
		return fmt.Errorf("recompute conversion rate: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
