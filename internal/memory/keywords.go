package memory

import (
	"regexp"
	"strings"
)

var wordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9'\-]{2,}`)

// Filler words that never discriminate between topics.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "your": true,
	"that": true, "this": true, "with": true, "was": true, "are": true,
	"but": true, "not": true, "have": true, "just": true, "like": true,
	"what": true, "about": true, "got": true, "get": true, "really": true,
	"been": true, "going": true, "know": true, "yeah": true, "okay": true,
	"she": true, "him": true, "her": true, "they": true, "them": true,
	"today": true, "how": true, "can": true, "don't": true, "i'm": true,
}

// ExtractKeywords pulls lowercase candidate terms from a message for topic
// matching. Pure; the assembler and its tests call it directly.
func ExtractKeywords(msg string) []string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil
	}

	keywords := make([]string, 0, 8)
	seen := map[string]struct{}{}
	for _, w := range wordRegex.FindAllString(strings.ToLower(msg), -1) {
		if stopwords[w] {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}

	if len(keywords) > 12 {
		keywords = keywords[:12]
	}
	return keywords
}

// topicMatches reports whether any topic intersects the keyword set, by
// case-insensitive containment in either direction so "work" matches
// "workplace drama".
func topicMatches(topics []string, keywords []string) bool {
	for _, topic := range topics {
		t := strings.ToLower(strings.TrimSpace(topic))
		if t == "" {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(t, kw) || strings.Contains(kw, t) {
				return true
			}
		}
	}
	return false
}
