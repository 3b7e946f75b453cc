// Package maintenance runs the scheduled background jobs: churn sweep,
// conversion-rate rollup, and memory consolidation.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/generate"
	"github.com/lunarclabs/heartline/internal/lifecycle"
	"github.com/lunarclabs/heartline/internal/memory"
	"github.com/lunarclabs/heartline/internal/store"
)

// Summarizer distills raw turns into a summary plus mentioned people.
// Nil disables the consolidation job.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (*generate.Extraction, error)
}

type Service struct {
	store      *store.Store
	memory     *memory.Store
	summarizer Summarizer
	cfg        config.MaintenanceConfig
	cron       *rcron.Cron
}

func NewService(st *store.Store, mem *memory.Store, sum Summarizer, cfg config.MaintenanceConfig) *Service {
	return &Service{store: st, memory: mem, summarizer: sum, cfg: cfg}
}

func (s *Service) Start(ctx context.Context) error {
	s.cron = rcron.New(rcron.WithSeconds())

	churnSpec := s.cfg.ChurnSweepSpec
	if churnSpec == "" {
		churnSpec = config.DefaultChurnSweepSpec
	}
	rollupSpec := s.cfg.RollupSpec
	if rollupSpec == "" {
		rollupSpec = config.DefaultRollupSpec
	}

	if _, err := s.cron.AddFunc(churnSpec, func() {
		if n, err := s.SweepChurned(ctx); err != nil {
			log.Printf("[maintenance] churn sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("[maintenance] churn sweep expired %d users", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule churn sweep: %w", err)
	}

	if _, err := s.cron.AddFunc(rollupSpec, func() {
		if n, err := s.RollupConversionRates(ctx); err != nil {
			log.Printf("[maintenance] rollup failed: %v", err)
		} else {
			log.Printf("[maintenance] rollup refreshed %d personas", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule rollup: %w", err)
	}

	if s.summarizer != nil {
		if _, err := s.cron.AddFunc(rollupSpec, func() {
			if n, err := s.ConsolidateMemory(ctx); err != nil {
				log.Printf("[maintenance] consolidation failed: %v", err)
			} else if n > 0 {
				log.Printf("[maintenance] consolidated memory for %d users", n)
			}
		}); err != nil {
			return fmt.Errorf("schedule consolidation: %w", err)
		}
	}

	s.cron.Start()
	log.Printf("[maintenance] scheduled (churn %q, rollup %q)", churnSpec, rollupSpec)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// SweepChurned expires paused users whose billing period ended more than the
// grace window ago. Returns how many users churned.
func (s *Service) SweepChurned(ctx context.Context) (int, error) {
	grace := s.cfg.ChurnGraceDays
	if grace <= 0 {
		grace = config.DefaultChurnGraceDays
	}
	cutoff := time.Now().UTC().Add(-time.Duration(grace) * 24 * time.Hour).Format(time.RFC3339)

	users, err := s.store.PausedUsersPastPeriodEnd(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list lapsed users: %w", err)
	}

	churned := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return churned, ctx.Err()
		}
		res := lifecycle.Transition(u.Status, lifecycle.SubscriptionCanceled{Reason: "subscription_expired"})
		if !res.Changed {
			continue
		}
		if err := s.store.ApplyTransition(u.ID, res); err != nil {
			log.Printf("[maintenance] churn user %s failed: %v", u.ID, err)
			continue
		}
		for _, ev := range res.Events {
			if err := s.store.TrackEvent(u.ID, u.PersonaID, ev, ""); err != nil {
				log.Printf("[maintenance] track %s for %s failed: %v", ev, u.ID, err)
			}
		}
		churned++
	}
	return churned, nil
}

// RollupConversionRates recomputes every persona's conversion rate from its
// recorded conversions.
func (s *Service) RollupConversionRates(ctx context.Context) (int, error) {
	personas, err := s.store.ListPersonas(1000)
	if err != nil {
		return 0, fmt.Errorf("list personas: %w", err)
	}
	done := 0
	for _, p := range personas {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := s.store.RecomputeConversionRate(p.ID); err != nil {
			log.Printf("[maintenance] rollup persona %s failed: %v", p.ID, err)
			continue
		}
		done++
	}
	return done, nil
}

// ConsolidateMemory folds unprocessed turns into the cold and warm tiers:
// one summary per user per run plus person-mention upserts. Turns are marked
// processed only after their extraction persists.
func (s *Service) ConsolidateMemory(ctx context.Context) (int, error) {
	pairs, err := s.store.UsersWithUnprocessedTurns(500)
	if err != nil {
		return 0, fmt.Errorf("pending users: %w", err)
	}

	done := 0
	for userID, personaID := range pairs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := s.consolidateUser(ctx, userID, personaID); err != nil {
			log.Printf("[maintenance] consolidate user %s failed: %v", userID, err)
			continue
		}
		done++
	}
	return done, nil
}

func (s *Service) consolidateUser(ctx context.Context, userID, personaID string) error {
	turns, err := s.store.UnprocessedTurns(userID, 200)
	if err != nil {
		return err
	}
	// A lone unanswered message isn't worth a summary entry yet.
	if len(turns) < 2 {
		return nil
	}

	ext, err := s.summarizer.Summarize(ctx, transcript(turns))
	if err != nil {
		return err
	}

	people := make([]string, 0, len(ext.People))
	for _, p := range ext.People {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		if err := s.memory.RecordMention(personaID, userID, p.Name, p.Relationship, p.Fact, p.Sentiment); err != nil {
			log.Printf("[maintenance] record mention %q for %s failed: %v", p.Name, userID, err)
			continue
		}
		people = append(people, p.Name)
	}

	err = s.memory.AppendSummary(personaID, userID, memory.ConversationSummary{
		Date:           time.Now().UTC(),
		Summary:        ext.Summary,
		Topics:         ext.Topics,
		People:         people,
		Emotion:        ext.Emotion,
		MemorableQuote: ext.MemorableQuote,
	})
	if err != nil {
		return err
	}

	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	return s.store.MarkTurnsProcessed(ids)
}

func transcript(turns []store.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
