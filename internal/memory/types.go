// Package memory holds the tiered per-user memory model: hot identity and
// relationship state loaded on every reply, warm person-entity records
// recalled by relevance, and cold long-horizon conversation summaries, plus
// the assembler that folds a bounded selection of all three into one
// generation context.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Recognized core-identity field names. Identity is a sparse mapping so new
// fact categories are additive, but unrecognized names are rejected to keep
// the document queryable.
var identityFields = map[string]bool{
	"name":                true,
	"age":                 true,
	"location":            true,
	"job":                 true,
	"relationship_status": true,
	"living_situation":    true,
	"interests":           true,
	"values":              true,
	"communication_style": true,
	"likes":               true,
	"dislikes":            true,
	"pet_peeves":          true,
	"goals":               true,
	"fears":               true,
	"quirks":              true,
}

// Identity is the sparse core-identity document. Scalar facts hold one
// element; list facts accumulate. Absent fields stay absent.
type Identity map[string][]string

// Set replaces a field's value. Unknown field names are an error, never a
// silent write.
func (id Identity) Set(field, value string) error {
	if !identityFields[field] {
		return fmt.Errorf("unrecognized identity field %q", field)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	id[field] = []string{value}
	return nil
}

// Add appends to a list-valued field, deduplicating case-insensitively.
func (id Identity) Add(field, value string) error {
	if !identityFields[field] {
		return fmt.Errorf("unrecognized identity field %q", field)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, existing := range id[field] {
		if strings.EqualFold(existing, value) {
			return nil
		}
	}
	id[field] = append(id[field], value)
	return nil
}

// Get returns the first value for a field, or "".
func (id Identity) Get(field string) string {
	if vals := id[field]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// FieldNames returns the populated fields in deterministic order.
func (id Identity) FieldNames() []string {
	names := make([]string, 0, len(id))
	for name, vals := range id {
		if len(vals) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Ordered relationship enumerations. Levels move in either direction, but
// only through the explicit setters below.
type Vibe string

const (
	VibeNew      Vibe = "new"
	VibeFriendly Vibe = "friendly"
	VibeClose    Vibe = "close"
	VibeIntimate Vibe = "intimate"
	VibeDistant  Vibe = "distant"
	VibeTense    Vibe = "tense"
)

type TrustLevel string

const (
	TrustNew         TrustLevel = "new"
	TrustBuilding    TrustLevel = "building"
	TrustEstablished TrustLevel = "established"
	TrustDeep        TrustLevel = "deep"
	TrustBroken      TrustLevel = "broken"
)

type FlirtLevel string

const (
	FlirtNone    FlirtLevel = "none"
	FlirtLight   FlirtLevel = "light"
	FlirtPlayful FlirtLevel = "playful"
	FlirtFlirty  FlirtLevel = "flirty"
	FlirtSpicy   FlirtLevel = "spicy"
)

var (
	validVibes = map[Vibe]bool{VibeNew: true, VibeFriendly: true, VibeClose: true, VibeIntimate: true, VibeDistant: true, VibeTense: true}
	validTrust = map[TrustLevel]bool{TrustNew: true, TrustBuilding: true, TrustEstablished: true, TrustDeep: true, TrustBroken: true}
	validFlirt = map[FlirtLevel]bool{FlirtNone: true, FlirtLight: true, FlirtPlayful: true, FlirtFlirty: true, FlirtSpicy: true}
)

// Relationship tracks the evolving persona/user bond.
type Relationship struct {
	FirstContact  time.Time  `json:"first_contact"`
	Vibe          Vibe       `json:"vibe"`
	Trust         TrustLevel `json:"trust_level"`
	Flirt         FlirtLevel `json:"flirt_level"`
	InsideJokes   []string   `json:"inside_jokes"`
	BoundariesSet []string   `json:"boundaries_set"`
	Highlights    []string   `json:"highlights"`
	PatternsSeen  []string   `json:"patterns_noticed"`
	LastUpdated   time.Time  `json:"last_updated"`
}

func (r *Relationship) SetVibe(v Vibe) error {
	if !validVibes[v] {
		return fmt.Errorf("invalid vibe %q", v)
	}
	r.Vibe = v
	r.LastUpdated = time.Now().UTC()
	return nil
}

func (r *Relationship) SetTrust(v TrustLevel) error {
	if !validTrust[v] {
		return fmt.Errorf("invalid trust level %q", v)
	}
	r.Trust = v
	r.LastUpdated = time.Now().UTC()
	return nil
}

func (r *Relationship) SetFlirt(v FlirtLevel) error {
	if !validFlirt[v] {
		return fmt.Errorf("invalid flirt level %q", v)
	}
	r.Flirt = v
	r.LastUpdated = time.Now().UTC()
	return nil
}

// ActiveThread is an open conversational hook eligible for reinjection.
// Unresolved threads persist across sessions.
type ActiveThread struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	Prompt         string    `json:"prompt"`
	CreatedAt      time.Time `json:"created_at"`
	LastReferenced time.Time `json:"last_referenced"`
	Resolved       bool      `json:"resolved"`
}

// HotMemory is the always-loaded tier. Bounded by construction: a handful of
// sparse fields plus short lists.
type HotMemory struct {
	Core         Identity       `json:"core"`
	Relationship Relationship   `json:"relationship"`
	Threads      []ActiveThread `json:"threads"`
}

// EmptyHot is the scaffold written on first contact and the degraded
// fallback when a load fails: all optional fields absent, relationship at
// initial enumeration values.
func EmptyHot(firstContact time.Time) *HotMemory {
	return &HotMemory{
		Core: Identity{},
		Relationship: Relationship{
			FirstContact: firstContact.UTC(),
			Vibe:         VibeNew,
			Trust:        TrustNew,
			Flirt:        FlirtNone,
		},
		Threads: []ActiveThread{},
	}
}

// OpenThreads returns the unresolved hooks, candidates for reinjection.
func (h *HotMemory) OpenThreads() []ActiveThread {
	open := make([]ActiveThread, 0, len(h.Threads))
	for _, th := range h.Threads {
		if !th.Resolved {
			open = append(open, th)
		}
	}
	return open
}

// ResolveThread marks a thread closed once referenced and judged finished.
func (h *HotMemory) ResolveThread(id string) bool {
	for i := range h.Threads {
		if h.Threads[i].ID == id && !h.Threads[i].Resolved {
			h.Threads[i].Resolved = true
			h.Threads[i].LastReferenced = time.Now().UTC()
			return true
		}
	}
	return false
}

// PersonMemory is one warm-tier record per third party the user mentions.
type PersonMemory struct {
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	Relationship   string    `json:"relationship_to_user"`
	KeyFacts       []string  `json:"key_facts"`
	Sentiment      string    `json:"sentiment"` // positive, negative, neutral, complicated
	FirstMentioned time.Time `json:"first_mentioned"`
	LastMentioned  time.Time `json:"last_mentioned"`
	MentionCount   int       `json:"mention_count"`
}

// ConversationSummary is one cold-tier entry, immutable after creation and
// partitioned by calendar month.
type ConversationSummary struct {
	ID             string    `json:"id"`
	Date           time.Time `json:"date"`
	Month          string    `json:"month"` // YYYY-MM
	Summary        string    `json:"summary"`
	Topics         []string  `json:"topics"`
	People         []string  `json:"people"`
	Vibe           string    `json:"vibe"`
	Emotion        string    `json:"emotion"`
	MemorableQuote string    `json:"memorable_quote,omitempty"`
}

// Message is one recent-window turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationContext is the ephemeral assembled input to reply generation.
// Never persisted.
type GenerationContext struct {
	SystemPrompt string
	Hot          *HotMemory
	People       []PersonMemory
	Summaries    []ConversationSummary
	Recent       []Message
	UserMessage  string
	UserStatus   string
	DegradedHot  bool // hot memory fell back to the empty scaffold
}
