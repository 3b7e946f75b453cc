package memory

import (
	"sort"
	"strings"
	"time"
)

// AssembleConfig carries the tunable selection bounds.
type AssembleConfig struct {
	RecentWindow  int           // raw turns of short-term memory
	TopPeople     int           // warm records surfaced without a textual cue
	PersonRecency time.Duration // recency window for top-people inclusion
	MaxSummaries  int           // cold entries cap
	CharBudget    int           // total context size bound
}

func DefaultAssembleConfig() AssembleConfig {
	return AssembleConfig{
		RecentWindow:  10,
		TopPeople:     3,
		PersonRecency: 30 * 24 * time.Hour,
		MaxSummaries:  3,
		CharBudget:    8000,
	}
}

func (c AssembleConfig) normalized() AssembleConfig {
	def := DefaultAssembleConfig()
	if c.RecentWindow <= 0 {
		c.RecentWindow = def.RecentWindow
	}
	if c.TopPeople <= 0 {
		c.TopPeople = def.TopPeople
	}
	if c.PersonRecency <= 0 {
		c.PersonRecency = def.PersonRecency
	}
	if c.MaxSummaries <= 0 {
		c.MaxSummaries = def.MaxSummaries
	}
	if c.CharBudget <= 0 {
		c.CharBudget = def.CharBudget
	}
	return c
}

// SelectPeople picks the warm-tier records worth loading for one message.
// A record is included when its name or any key fact is referenced in the
// message (case-insensitive substring), or when its mention count puts it in
// the top-K most-mentioned people within the recency window so salient
// recurring people surface without an explicit cue. Ties break toward the
// most recently mentioned. Pure.
func SelectPeople(people []PersonMemory, message string, now time.Time, cfg AssembleConfig) []PersonMemory {
	cfg = cfg.normalized()
	msgLower := strings.ToLower(message)

	selected := make([]PersonMemory, 0, cfg.TopPeople)
	chosen := map[string]bool{}

	for _, p := range people {
		if referencedIn(p, msgLower) {
			selected = append(selected, p)
			chosen[p.Slug] = true
		}
	}

	// Top-K recurring people inside the recency window.
	recent := make([]PersonMemory, 0, len(people))
	cutoff := now.Add(-cfg.PersonRecency)
	for _, p := range people {
		if chosen[p.Slug] {
			continue
		}
		if p.LastMentioned.After(cutoff) {
			recent = append(recent, p)
		}
	}
	sort.SliceStable(recent, func(i, j int) bool {
		if recent[i].MentionCount != recent[j].MentionCount {
			return recent[i].MentionCount > recent[j].MentionCount
		}
		return recent[i].LastMentioned.After(recent[j].LastMentioned)
	})
	for i := 0; i < len(recent) && i < cfg.TopPeople; i++ {
		selected = append(selected, recent[i])
	}

	return selected
}

func referencedIn(p PersonMemory, msgLower string) bool {
	if name := strings.ToLower(strings.TrimSpace(p.Name)); name != "" && strings.Contains(msgLower, name) {
		return true
	}
	for _, fact := range p.KeyFacts {
		if f := strings.ToLower(strings.TrimSpace(fact)); f != "" && strings.Contains(msgLower, f) {
			return true
		}
	}
	return false
}

// SelectSummaries picks cold-tier entries whose topics intersect the
// message keywords, or that reinforce an unresolved thread's topic, capped
// and ordered most recent first. Summaries must arrive newest first. Pure.
func SelectSummaries(summaries []ConversationSummary, keywords []string, openThreads []ActiveThread, cfg AssembleConfig) []ConversationSummary {
	cfg = cfg.normalized()

	threadTerms := make([]string, 0, len(openThreads))
	for _, th := range openThreads {
		if t := strings.ToLower(strings.TrimSpace(th.Topic)); t != "" {
			threadTerms = append(threadTerms, t)
		}
	}

	selected := make([]ConversationSummary, 0, cfg.MaxSummaries)
	for _, sum := range summaries {
		if len(selected) >= cfg.MaxSummaries {
			break
		}
		if topicMatches(sum.Topics, keywords) || topicMatches(sum.Topics, threadTerms) {
			selected = append(selected, sum)
		}
	}
	return selected
}

// Assemble builds the bounded generation context. Hot memory and the recent
// window are loaded in full and never trimmed; when the warm+cold selection
// pushes the context past the budget, cold entries drop first (oldest
// selected first), then warm entries (lowest mention count first). The
// user's lifecycle status passes through verbatim; the assembler never
// censors on status.
func Assemble(systemPrompt string, hot *HotMemory, people []PersonMemory, summaries []ConversationSummary,
	recent []Message, userMessage, userStatus string, degraded bool, cfg AssembleConfig) *GenerationContext {
	cfg = cfg.normalized()

	if hot == nil {
		hot = EmptyHot(time.Now())
		degraded = true
	}

	ctx := &GenerationContext{
		SystemPrompt: systemPrompt,
		Hot:          hot,
		People:       people,
		Summaries:    summaries,
		Recent:       recent,
		UserMessage:  userMessage,
		UserStatus:   userStatus,
		DegradedHot:  degraded,
	}

	base := len(systemPrompt) + hotCost(hot) + recentCost(recent) + len(userMessage)
	budget := cfg.CharBudget - base

	// Cold drops first: selections are recency-ordered, so trimming from the
	// tail removes the oldest selected entry each time.
	for overBudget(ctx, budget) && len(ctx.Summaries) > 0 {
		ctx.Summaries = ctx.Summaries[:len(ctx.Summaries)-1]
	}

	// Then warm, lowest mention count first.
	for overBudget(ctx, budget) && len(ctx.People) > 0 {
		lowest := 0
		for i, p := range ctx.People {
			if p.MentionCount < ctx.People[lowest].MentionCount {
				lowest = i
			}
		}
		ctx.People = append(ctx.People[:lowest], ctx.People[lowest+1:]...)
	}

	return ctx
}

func overBudget(ctx *GenerationContext, budget int) bool {
	total := 0
	for _, p := range ctx.People {
		total += personCost(p)
	}
	for _, s := range ctx.Summaries {
		total += summaryCost(s)
	}
	return total > budget
}

func hotCost(hot *HotMemory) int {
	total := 0
	for _, vals := range hot.Core {
		for _, v := range vals {
			total += len(v)
		}
	}
	for _, s := range hot.Relationship.InsideJokes {
		total += len(s)
	}
	for _, s := range hot.Relationship.BoundariesSet {
		total += len(s)
	}
	for _, s := range hot.Relationship.Highlights {
		total += len(s)
	}
	for _, s := range hot.Relationship.PatternsSeen {
		total += len(s)
	}
	for _, th := range hot.Threads {
		total += len(th.Topic) + len(th.Prompt)
	}
	return total
}

func recentCost(recent []Message) int {
	total := 0
	for _, m := range recent {
		total += len(m.Content)
	}
	return total
}

func personCost(p PersonMemory) int {
	total := len(p.Name) + len(p.Relationship)
	for _, f := range p.KeyFacts {
		total += len(f)
	}
	return total
}

func summaryCost(s ConversationSummary) int {
	total := len(s.Summary) + len(s.MemorableQuote)
	for _, t := range s.Topics {
		total += len(t)
	}
	return total
}
