// Package generate is the reply-generation boundary: it renders an assembled
// memory context into a prompt and hands it to an opaque model runtime.
package generate

import (
	"fmt"
	"strings"

	"github.com/lunarclabs/heartline/internal/memory"
)

// RenderPrompt flattens a generation context into one prompt document. The
// section layout is stable so the model sees memory tiers in the same order
// every turn.
func RenderPrompt(gc *memory.GenerationContext) string {
	var sb strings.Builder

	sb.WriteString("# Persona\n")
	sb.WriteString(strings.TrimSpace(gc.SystemPrompt))
	sb.WriteString("\n\n")

	if gc.Hot != nil {
		writeIdentity(&sb, gc.Hot.Core)
		writeRelationship(&sb, gc.Hot.Relationship)
		writeThreads(&sb, gc.Hot.OpenThreads())
	}

	if len(gc.People) > 0 {
		sb.WriteString("# People They Mention\n")
		for _, p := range gc.People {
			sb.WriteString("- ")
			sb.WriteString(p.Name)
			if p.Relationship != "" {
				sb.WriteString(" (" + p.Relationship + ")")
			}
			if p.Sentiment != "" && p.Sentiment != "neutral" {
				sb.WriteString(", feels " + p.Sentiment)
			}
			if len(p.KeyFacts) > 0 {
				sb.WriteString(": " + strings.Join(p.KeyFacts, "; "))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(gc.Summaries) > 0 {
		sb.WriteString("# Past Conversations\n")
		for _, s := range gc.Summaries {
			sb.WriteString("- ")
			if !s.Date.IsZero() {
				sb.WriteString(s.Date.Format("2006-01-02") + ": ")
			}
			sb.WriteString(s.Summary)
			if s.MemorableQuote != "" {
				sb.WriteString(fmt.Sprintf(" (they said: %q)", s.MemorableQuote))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(gc.Recent) > 0 {
		sb.WriteString("# Recent Messages\n")
		for _, m := range gc.Recent {
			sb.WriteString(m.Role + ": " + m.Content + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("# Subscriber Status\n")
	sb.WriteString(gc.UserStatus)
	sb.WriteString("\n\n")

	sb.WriteString("# Their Message\n")
	sb.WriteString(gc.UserMessage)
	sb.WriteString("\n")

	return sb.String()
}

func writeIdentity(sb *strings.Builder, core memory.Identity) {
	fields := core.FieldNames()
	if len(fields) == 0 {
		return
	}
	sb.WriteString("# What You Know About Them\n")
	for _, field := range fields {
		sb.WriteString("- ")
		sb.WriteString(strings.ReplaceAll(field, "_", " "))
		sb.WriteString(": ")
		sb.WriteString(strings.Join(core[field], ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func writeRelationship(sb *strings.Builder, rel memory.Relationship) {
	sb.WriteString("# Relationship\n")
	fmt.Fprintf(sb, "vibe: %s, trust: %s, flirt: %s\n", rel.Vibe, rel.Trust, rel.Flirt)
	writeList(sb, "inside jokes", rel.InsideJokes)
	writeList(sb, "boundaries", rel.BoundariesSet)
	writeList(sb, "highlights", rel.Highlights)
	sb.WriteString("\n")
}

func writeThreads(sb *strings.Builder, threads []memory.ActiveThread) {
	if len(threads) == 0 {
		return
	}
	sb.WriteString("# Open Threads\n")
	for _, th := range threads {
		sb.WriteString("- " + th.Topic)
		if th.Prompt != "" {
			sb.WriteString(": " + th.Prompt)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(label + ": " + strings.Join(items, "; ") + "\n")
}
