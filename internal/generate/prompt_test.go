package generate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"

	"github.com/lunarclabs/heartline/internal/memory"
)

func sampleContext() *memory.GenerationContext {
	hot := memory.EmptyHot(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	hot.Core.Add("name", "Dana")
	hot.Core.Add("pets", "a cat named Biscuit")
	hot.Relationship.SetVibe(memory.VibeFriendly)
	hot.Relationship.InsideJokes = []string{"the haunted toaster"}
	hot.Threads = []memory.ActiveThread{
		{ID: "th1", Topic: "job interview", Prompt: "ask how the interview went", Resolved: false},
		{ID: "th2", Topic: "old thing", Resolved: true},
	}

	return &memory.GenerationContext{
		SystemPrompt: "You are Mara, dry wit, night owl.",
		Hot:          hot,
		People: []memory.PersonMemory{
			{Name: "Alex", Relationship: "coworker", Sentiment: "annoyed", KeyFacts: []string{"keeps stealing lunches"}},
		},
		Summaries: []memory.ConversationSummary{
			{Date: time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC), Summary: "Talked about moving apartments.", MemorableQuote: "boxes are a scam"},
		},
		Recent: []memory.Message{
			{Role: "user", Content: "hey"},
			{Role: "assistant", Content: "hey yourself"},
		},
		UserMessage: "interview is tomorrow and I'm freaking out",
		UserStatus:  "active",
	}
}

func TestRenderPromptSections(t *testing.T) {
	out := RenderPrompt(sampleContext())

	for _, want := range []string{
		"You are Mara, dry wit, night owl.",
		"name: Dana",
		"pets: a cat named Biscuit",
		"vibe: friendly",
		"inside jokes: the haunted toaster",
		"job interview: ask how the interview went",
		"Alex (coworker), feels annoyed: keeps stealing lunches",
		"2026-06-12: Talked about moving apartments.",
		`they said: "boxes are a scam"`,
		"user: hey\nassistant: hey yourself",
		"# Subscriber Status\nactive",
		"interview is tomorrow and I'm freaking out",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q\n---\n%s", want, out)
		}
	}

	// Resolved threads stay out of the prompt.
	if strings.Contains(out, "old thing") {
		t.Error("resolved thread leaked into prompt")
	}
}

func TestRenderPromptOrdering(t *testing.T) {
	out := RenderPrompt(sampleContext())

	order := []string{"# Persona", "# What You Know About Them", "# Relationship", "# Open Threads",
		"# People They Mention", "# Past Conversations", "# Recent Messages", "# Subscriber Status", "# Their Message"}
	last := -1
	for _, h := range order {
		idx := strings.Index(out, h)
		if idx < 0 {
			t.Fatalf("missing section %q", h)
		}
		if idx < last {
			t.Errorf("section %q out of order", h)
		}
		last = idx
	}
}

func TestRenderPromptSparseContext(t *testing.T) {
	gc := &memory.GenerationContext{
		SystemPrompt: "You are Mara.",
		UserMessage:  "hi",
		UserStatus:   "free",
	}
	out := RenderPrompt(gc)
	if strings.Contains(out, "# People They Mention") || strings.Contains(out, "# Past Conversations") {
		t.Error("empty tiers should not render headers")
	}
	if !strings.Contains(out, "# Their Message\nhi") {
		t.Error("user message must always render")
	}
}

type stubRuntime struct {
	req  api.Request
	resp *api.Response
	err  error
}

func (s *stubRuntime) Run(_ context.Context, req api.Request) (*api.Response, error) {
	s.req = req
	return s.resp, s.err
}

func (s *stubRuntime) Close() {}

func TestAgentGeneratorReply(t *testing.T) {
	rt := &stubRuntime{resp: &api.Response{Result: &api.Result{Output: "  omg good luck!!  "}}}
	g := &AgentGenerator{runtime: rt, model: "test-model"}

	got, err := g.Reply(context.Background(), sampleContext(), "persona1:user1")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "omg good luck!!" {
		t.Errorf("got %q", got)
	}
	if rt.req.SessionID != "persona1:user1" {
		t.Errorf("session id = %q", rt.req.SessionID)
	}
	if !strings.Contains(rt.req.Prompt, "interview is tomorrow") {
		t.Error("rendered prompt not forwarded to runtime")
	}
}

func TestAgentGeneratorReplyEmptyResult(t *testing.T) {
	for _, resp := range []*api.Response{nil, {Result: nil}, {Result: &api.Result{Output: "   "}}} {
		g := &AgentGenerator{runtime: &stubRuntime{resp: resp}}
		if _, err := g.Reply(context.Background(), sampleContext(), "s"); err == nil {
			t.Errorf("expected error for response %+v", resp)
		}
	}
}
