package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
)

// Extraction is what the model distills from a batch of raw turns: one
// summary entry plus any third parties the user mentioned.
type Extraction struct {
	Summary        string            `json:"summary"`
	Topics         []string          `json:"topics"`
	Emotion        string            `json:"emotion"`
	MemorableQuote string            `json:"memorable_quote"`
	People         []MentionedPerson `json:"people"`
}

type MentionedPerson struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Fact         string `json:"fact"`
	Sentiment    string `json:"sentiment"` // positive, negative, neutral, complicated
}

const extractionPrompt = `Read this SMS conversation transcript and return ONLY a JSON object, no prose:
{
  "summary": "2-3 sentences covering what actually happened",
  "topics": ["lowercase", "topic", "words"],
  "emotion": "the user's dominant emotional tone",
  "memorable_quote": "one short verbatim line from the user, or empty",
  "people": [{"name": "", "relationship": "", "fact": "", "sentiment": "positive|negative|neutral|complicated"}]
}
Only include people the USER mentioned by name. Transcript:

`

// Summarize asks the model to distill a transcript into an Extraction.
func (g *AgentGenerator) Summarize(ctx context.Context, transcript string) (*Extraction, error) {
	resp, err := g.runtime.Run(ctx, api.Request{
		Prompt: extractionPrompt + transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("run extraction: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return nil, fmt.Errorf("run extraction: empty response")
	}
	return parseExtraction(resp.Result.Output)
}

// parseExtraction tolerates models that wrap the JSON in a code fence or
// leading prose.
func parseExtraction(raw string) (*Extraction, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("parse extraction: no JSON object in %q", truncate(raw, 120))
	}

	var ext Extraction
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ext); err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}
	if strings.TrimSpace(ext.Summary) == "" {
		return nil, fmt.Errorf("parse extraction: blank summary")
	}
	return &ext, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
