package llm

import (
	"context"
	"testing"
)

type fakeProvider struct {
	name string
	last CompletionRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	f.last = req
	return &CompletionResponse{Content: "ok from " + f.name}, nil
}

func TestRouterFallbackChain(t *testing.T) {
	fast := &fakeProvider{name: "fast"}
	r := NewRouter(map[Tier]Provider{TierFast: fast})

	resp, err := r.Complete(context.Background(), TierDeep, CompletionRequest{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "ok from fast" {
		t.Fatalf("expected fallback to fast tier, got %q", resp.Content)
	}
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(nil)
	if _, err := r.Complete(context.Background(), TierDeep, CompletionRequest{}); err != ErrNoProvider {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestGatewaySplitsSystemEntries(t *testing.T) {
	deep := &fakeProvider{name: "deep"}
	g := NewGateway(NewRouter(map[Tier]Provider{TierDeep: deep}), TierDeep)

	_, err := g.Complete(context.Background(), []Message{
		{Role: "system", Content: "you are Aria"},
		{Role: "system", Content: "facts: name: Alice"},
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := "you are Aria\n\nfacts: name: Alice"
	if deep.last.System != want {
		t.Fatalf("system prompt %q, want %q", deep.last.System, want)
	}
	if len(deep.last.Messages) != 1 || deep.last.Messages[0].Role != "user" {
		t.Fatalf("unexpected messages: %+v", deep.last.Messages)
	}
}
