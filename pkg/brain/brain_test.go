package brain

import (
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestBrain(t *testing.T) *Brain {
	t.Helper()
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open brain: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("init brain: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestTouchLastSeenFirstInteraction(t *testing.T) {
	b := newTestBrain(t)

	_, seen, err := b.TouchLastSeen("alice")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if seen {
		t.Fatal("first touch should report user as never seen")
	}

	prev, seen, err := b.TouchLastSeen("alice")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !seen {
		t.Fatal("second touch should report user as seen")
	}
	if time.Since(prev) > time.Minute {
		t.Fatalf("previous timestamp too old: %v", prev)
	}
}

func TestTouchLastSeenIsolatedPerUser(t *testing.T) {
	b := newTestBrain(t)

	if _, _, err := b.TouchLastSeen("alice"); err != nil {
		t.Fatal(err)
	}
	_, seen, err := b.TouchLastSeen("bob")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("bob should be a first-time user regardless of alice")
	}
}

func TestSaveExchangeAndHistory(t *testing.T) {
	b := newTestBrain(t)

	if _, err := b.SaveExchange("alice", "hello there", "hi alice"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := b.SaveExchange("alice", "how are you", "doing well"); err != nil {
		t.Fatalf("save: %v", err)
	}

	hist, err := b.History(10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(hist))
	}
	if hist[0].UserMessage != "hello there" || hist[1].UserMessage != "how are you" {
		t.Fatalf("history not chronological: %q then %q", hist[0].UserMessage, hist[1].UserMessage)
	}
}

func TestHistoryReturnsTail(t *testing.T) {
	b := newTestBrain(t)

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := b.SaveExchange("alice", msg, "ack "+msg); err != nil {
			t.Fatal(err)
		}
	}

	hist, err := b.History(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2, got %d", len(hist))
	}
	if hist[0].UserMessage != "two" || hist[1].UserMessage != "three" {
		t.Fatalf("wrong tail: %q, %q", hist[0].UserMessage, hist[1].UserMessage)
	}
}

func TestRecallMatchesAcrossUsers(t *testing.T) {
	b := newTestBrain(t)

	if _, err := b.SaveExchange("alice", "I adopted a golden retriever", "What a lovely dog"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SaveExchange("bob", "my retriever chewed the couch", "Oh no"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SaveExchange("alice", "the weather is grim today", "Stay warm"); err != nil {
		t.Fatal(err)
	}

	got, err := b.Recall("retriever", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
}

func TestRecallDeterministicOrderAndLimit(t *testing.T) {
	b := newTestBrain(t)

	for i := 0; i < 8; i++ {
		if _, err := b.SaveExchange("alice", "tell me about dragons", "dragons are great"); err != nil {
			t.Fatal(err)
		}
	}

	first, err := b.Recall("dragons", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("limit not honored: got %d", len(first))
	}
	second, err := b.Recall("dragons", 3)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("recall order unstable at %d: %d vs %d", i, first[i].ID, second[i].ID)
		}
	}
}

func TestRecallIgnoresPunctuationOnlyQuery(t *testing.T) {
	b := newTestBrain(t)

	if _, err := b.SaveExchange("alice", "hello", "hi"); err != nil {
		t.Fatal(err)
	}
	got, err := b.Recall("?!...", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %d", len(got))
	}
}

func TestConcurrentSavesAllPersist(t *testing.T) {
	b := newTestBrain(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.SaveExchange("alice", "ping", "pong"); err != nil {
				t.Errorf("save: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := b.Stats().Exchanges; got != 10 {
		t.Fatalf("expected 10 exchanges, got %d", got)
	}
}

func TestExchangeRefsAndFetchByID(t *testing.T) {
	b := newTestBrain(t)

	id, err := b.SaveExchange("alice", "remember the lake trip", "I will")
	if err != nil {
		t.Fatal(err)
	}

	refs, err := b.ExchangeRefs()
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ID != id || refs[0].ContentHash == "" {
		t.Fatalf("unexpected refs: %+v", refs)
	}

	got, err := b.GetExchangesByIDs([]int64{id})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].UserMessage != "remember the lake trip" {
		t.Fatalf("unexpected fetch: %+v", got)
	}
}
