package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lunarclabs/heartline/internal/lifecycle"
)

// User is one (phone number, persona) relationship. Never hard-deleted;
// churn is a status, not removal.
type User struct {
	ID                    string
	PhoneNumber           string
	PersonaID             string
	Status                lifecycle.Status
	FreeMessages          int
	ConvertedAt           string
	ChurnedAt             string
	ChurnReason           string
	BillingCustomerID     string
	BillingSubscriptionID string
	SubscriptionStatus    lifecycle.SubscriptionStatus
	SubscriptionPeriodEnd string
	MessagesTotal         int
	LastMessageAt         string
	LastMessageFrom       string
	MemoryInitialized     bool
	CreatedAt             string
	UpdatedAt             string
}

const userColumns = `id, phone_number, persona_id, status, free_messages,
	COALESCE(converted_at, ''), COALESCE(churned_at, ''), COALESCE(churn_reason, ''),
	COALESCE(billing_customer_id, ''), COALESCE(billing_subscription_id, ''),
	subscription_status, COALESCE(subscription_period_end, ''),
	messages_total, COALESCE(last_message_at, ''), COALESCE(last_message_from, ''),
	memory_initialized, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var memInit int
	err := row.Scan(&u.ID, &u.PhoneNumber, &u.PersonaID, &u.Status, &u.FreeMessages,
		&u.ConvertedAt, &u.ChurnedAt, &u.ChurnReason,
		&u.BillingCustomerID, &u.BillingSubscriptionID,
		&u.SubscriptionStatus, &u.SubscriptionPeriodEnd,
		&u.MessagesTotal, &u.LastMessageAt, &u.LastMessageFrom,
		&memInit, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.MemoryInitialized = memInit == 1
	return &u, nil
}

func (s *Store) UserByID(id string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) UserByPhone(phone, personaID string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE phone_number = ? AND persona_id = ?`, phone, personaID))
}

// UserByBillingCustomer resolves billing webhook events back to a user.
func (s *Store) UserByBillingCustomer(customerID string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE billing_customer_id = ?`, customerID))
}

// CreateUser inserts a fresh free-tier user for a persona. A concurrent
// create for the same pair loses the unique-constraint race; callers retry
// the lookup on conflict.
func (s *Store) CreateUser(phone, personaID string) (*User, error) {
	s.mu.Lock()
	id := uuid.NewString()
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO users (id, phone_number, persona_id, status, subscription_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, phone, personaID, lifecycle.StatusFree, lifecycle.SubNone, ts, ts)
	s.mu.Unlock()
	if err != nil {
		if existing, lookupErr := s.UserByPhone(phone, personaID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.UserByID(id)
}

// IncrementFreeMessages bumps the free-tier counter atomically and returns
// the new value. N concurrent calls always yield prior+N.
func (s *Store) IncrementFreeMessages(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE users SET free_messages = free_messages + 1, updated_at = ? WHERE id = ?`, now(), userID); err != nil {
		return 0, fmt.Errorf("increment free messages: %w", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT free_messages FROM users WHERE id = ?`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read free messages: %w", err)
	}
	return count, nil
}

// ApplyTransition persists a lifecycle result. Status and subscription fields
// move together so the consistency invariant can never be observed broken.
func (s *Store) ApplyTransition(userID string, res lifecycle.Result) error {
	if !res.Changed && !res.SetSub {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	q := `UPDATE users SET status = ?, updated_at = ?`
	args := []any{string(res.Status), ts}
	if res.SetSub {
		q += `, subscription_status = ?`
		args = append(args, string(res.Subscription))
	}
	if res.Status == lifecycle.StatusActive && res.Changed {
		q += `, converted_at = COALESCE(converted_at, ?)`
		args = append(args, ts)
	}
	if res.Status == lifecycle.StatusChurned && res.Changed {
		q += `, churned_at = ?, churn_reason = ?`
		args = append(args, ts, res.ChurnReason)
	}
	q += ` WHERE id = ?`
	args = append(args, userID)

	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	return nil
}

// SetBilling attaches provider identifiers and the current period end.
func (s *Store) SetBilling(userID, customerID, subscriptionID, periodEnd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE users SET billing_customer_id = ?, billing_subscription_id = ?, subscription_period_end = ?, updated_at = ?
		WHERE id = ?
	`, nullable(customerID), nullable(subscriptionID), nullable(periodEnd), now(), userID)
	if err != nil {
		return fmt.Errorf("set billing: %w", err)
	}
	return nil
}

// TouchLastMessage records bookkeeping after a turn in either direction.
func (s *Store) TouchLastMessage(userID, from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	_, err := s.db.Exec(`
		UPDATE users SET last_message_at = ?, last_message_from = ?, messages_total = messages_total + 1, updated_at = ?
		WHERE id = ?
	`, ts, from, ts, userID)
	if err != nil {
		return fmt.Errorf("touch last message: %w", err)
	}
	return nil
}

// MarkMemoryInitialized is set only after the memory scaffold committed, so
// a failed bootstrap stays retryable.
func (s *Store) MarkMemoryInitialized(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE users SET memory_initialized = 1, updated_at = ? WHERE id = ?`, now(), userID)
	if err != nil {
		return fmt.Errorf("mark memory initialized: %w", err)
	}
	return nil
}

func (s *Store) ListUsers(limit int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// PausedUsersPastPeriodEnd feeds the maintenance churn sweep.
func (s *Store) PausedUsersPastPeriodEnd(cutoff string) ([]User, error) {
	rows, err := s.db.Query(`
		SELECT `+userColumns+` FROM users
		WHERE status = ? AND subscription_period_end IS NOT NULL AND subscription_period_end < ?
	`, lifecycle.StatusPaused, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query lapsed users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	result := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return result, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
