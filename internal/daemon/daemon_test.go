package daemon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aria-labs/aria/internal/llm"
	"github.com/aria-labs/aria/internal/songs"
	"github.com/aria-labs/aria/internal/speech"
	"github.com/aria-labs/aria/pkg/brain"
	_ "modernc.org/sqlite"
)

type fakeCompleter struct {
	reply string
	last  []llm.Message
	calls int
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	f.last = messages
	f.calls++
	return f.reply, nil
}

type fakeSpeaker struct {
	store *speech.ArtifactStore
	calls int
}

func (f *fakeSpeaker) Speak(_ context.Context, text string) (string, error) {
	f.calls++
	return f.store.Put([]byte("audio:" + text))
}

type fakeDelegate struct {
	answer string
	asked  string
}

func (f *fakeDelegate) Ask(_ context.Context, question string) string {
	f.asked = question
	return f.answer
}

type fakeSongs struct {
	known map[string]string
}

func (f *fakeSongs) Resolve(name string) (string, bool) {
	file, ok := f.known[name]
	return file, ok
}

type testDaemon struct {
	d         *Daemon
	brain     *brain.Brain
	completer *fakeCompleter
	speaker   *fakeSpeaker
	delegate  *fakeDelegate
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	b, err := brain.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open brain: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("init brain: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	store, err := speech.NewArtifactStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}

	cfg := &Config{
		DefaultUserID:      "primary_user",
		PrivilegedPlatform: "matrix",
		SystemPrompt:       "You are Aria.",
	}
	completer := &fakeCompleter{reply: "Hello!"}
	speaker := &fakeSpeaker{store: store}
	delegate := &fakeDelegate{answer: "42"}

	d := &Daemon{
		brain:     b,
		config:    cfg,
		completer: completer,
		speaker:   speaker,
		delegate:  delegate,
		songs:     &fakeSongs{known: map[string]string{"daisy": "daisy.mp3"}},
		artifacts: store,
		library:   songs.NewLibrary(t.TempDir()),
		events:    NewEventBus(),
		startedAt: time.Now(),
	}
	return &testDaemon{d: d, brain: b, completer: completer, speaker: speaker, delegate: delegate}
}

func TestHandleTurnEmptyMessageNoSideEffects(t *testing.T) {
	td := newTestDaemon(t)

	_, err := td.d.HandleTurn(context.Background(), TurnRequest{Message: "   "})
	if err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	stats := td.brain.Stats()
	if stats.Exchanges != 0 || stats.UsersSeen != 0 || stats.Facts != 0 {
		t.Fatalf("empty message caused side effects: %+v", stats)
	}
	if td.completer.calls != 0 || td.speaker.calls != 0 {
		t.Fatal("empty message reached adapters")
	}
}

func TestHandleTurnFoldsAnonymousWebOntoDefault(t *testing.T) {
	td := newTestDaemon(t)

	for _, id := range []string{"", "null"} {
		if _, err := td.d.HandleTurn(context.Background(), TurnRequest{
			Platform: "web",
			UserID:   id,
			Message:  "hello",
		}); err != nil {
			t.Fatal(err)
		}

		hist, err := td.brain.History(1)
		if err != nil {
			t.Fatal(err)
		}
		if hist[0].UserID != "primary_user" {
			t.Fatalf("anonymous web exchange (id %q) stored under %q", id, hist[0].UserID)
		}
	}
}

func TestHandleTurnKeepsSuppliedWebID(t *testing.T) {
	td := newTestDaemon(t)

	// Peer-agent turns arrive on a non-privileged platform with
	// user_id "external"; they must not merge into the owner's state.
	if _, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Platform: "web",
		UserID:   "external",
		Message:  "hello",
	}); err != nil {
		t.Fatal(err)
	}

	hist, err := td.brain.History(1)
	if err != nil {
		t.Fatal(err)
	}
	if hist[0].UserID != "external" {
		t.Fatalf("supplied web user id stored under %q", hist[0].UserID)
	}
	if facts, _ := td.brain.UserFacts("primary_user"); len(facts) != 0 {
		t.Fatalf("owner state touched by external turn: %v", facts)
	}
}

func TestHandleTurnPrivilegedPlatformKeepsID(t *testing.T) {
	td := newTestDaemon(t)

	if _, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Platform: "matrix",
		UserID:   "@alice:example.com",
		Message:  "hello",
	}); err != nil {
		t.Fatal(err)
	}

	hist, err := td.brain.History(1)
	if err != nil {
		t.Fatal(err)
	}
	if hist[0].UserID != "@alice:example.com" {
		t.Fatalf("matrix exchange stored under %q", hist[0].UserID)
	}
}

func TestHandleTurnPrivilegedEmptyIDFoldsToDefault(t *testing.T) {
	td := newTestDaemon(t)

	if _, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Platform: "matrix",
		Message:  "hello",
	}); err != nil {
		t.Fatal(err)
	}

	hist, _ := td.brain.History(1)
	if hist[0].UserID != "primary_user" {
		t.Fatalf("empty id stored under %q", hist[0].UserID)
	}
}

func TestHandleTurnDelegateBypassesStores(t *testing.T) {
	td := newTestDaemon(t)

	result, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Message: "ask other: what is the answer",
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Response != "Other AI says: 42" {
		t.Fatalf("response = %q", result.Response)
	}
	if td.delegate.asked != "what is the answer" {
		t.Fatalf("delegate asked %q", td.delegate.asked)
	}
	if result.MemoriesUsed == nil || len(result.MemoriesUsed) != 0 {
		t.Fatalf("memories_used should be empty, got %v", result.MemoriesUsed)
	}
	if result.VoiceFile == "" {
		t.Fatal("delegated reply should still be voiced")
	}

	stats := td.brain.Stats()
	if stats.Exchanges != 0 || stats.UsersSeen != 0 {
		t.Fatalf("delegation touched stores: %+v", stats)
	}
	if td.completer.calls != 0 {
		t.Fatal("delegation reached the LLM")
	}
}

func TestHandleTurnDelegatePrefixWithoutPeer(t *testing.T) {
	td := newTestDaemon(t)
	td.d.delegate = nil

	result, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Message: "ask other: what is the answer",
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Response != "Other AI says: [No peer agent configured]" {
		t.Fatalf("response = %q", result.Response)
	}
	if td.brain.Stats().Exchanges != 0 {
		t.Fatal("unconfigured delegation touched stores")
	}
	if td.completer.calls != 0 {
		t.Fatal("unconfigured delegation reached the LLM")
	}
}

func TestHandleTurnSongFound(t *testing.T) {
	td := newTestDaemon(t)

	result, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Message: "play the daisy song",
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Response != "Now playing daisy." {
		t.Fatalf("response = %q", result.Response)
	}
	if result.SongFile != "/song/daisy.mp3" {
		t.Fatalf("song_file = %q", result.SongFile)
	}
	if result.VoiceFile == "" {
		t.Fatal("announcement should be voiced")
	}
	if td.brain.Stats().Exchanges != 0 {
		t.Fatal("song request touched the exchange log")
	}
}

func TestHandleTurnSongMissing(t *testing.T) {
	td := newTestDaemon(t)

	result, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Message: "play the unknown song",
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Response != "Sorry, I couldn't find the song 'unknown'." {
		t.Fatalf("response = %q", result.Response)
	}
	if result.SongFile != "" {
		t.Fatalf("song_file should be empty, got %q", result.SongFile)
	}
}

func TestHandleTurnContextAssemblyOrder(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	// Seed a recallable memory and a known fact.
	if _, err := td.brain.SaveExchange("primary_user", "I adopted a retriever", "Lovely"); err != nil {
		t.Fatal(err)
	}
	if err := td.brain.SaveUserFact("primary_user", brain.FactUserName, "Alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := td.d.HandleTurn(ctx, TurnRequest{Message: "how is my retriever doing"}); err != nil {
		t.Fatal(err)
	}

	msgs := td.completer.last
	if len(msgs) < 5 {
		t.Fatalf("expected persona+facts+personality+memory+user, got %d messages", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are Aria." {
		t.Fatalf("first entry should be the persona prompt, got %+v", msgs[0])
	}
	if !strings.HasPrefix(msgs[1].Content, "Facts about Alice:") ||
		!strings.Contains(msgs[1].Content, "user name: Alice") {
		t.Fatalf("second entry should render facts, got %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[2].Content, "behavioral tendencies and quirks") {
		t.Fatalf("third entry should be the personality line, got %q", msgs[2].Content)
	}
	found := false
	for _, m := range msgs[3 : len(msgs)-1] {
		if m.Role == "system" && strings.Contains(m.Content, "retriever") {
			found = true
		}
	}
	if !found {
		t.Fatal("recalled memory missing from context")
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "how is my retriever doing" {
		t.Fatalf("user message must come last, got %+v", last)
	}
}

func TestHandleTurnLearnsFactsAndSavesExchange(t *testing.T) {
	td := newTestDaemon(t)

	result, err := td.d.HandleTurn(context.Background(), TurnRequest{
		Message: "My name is Alice and I live in Lisbon",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Response != "Hello!" {
		t.Fatalf("response = %q", result.Response)
	}
	if !strings.HasPrefix(result.VoiceFile, "/audio/voice_") {
		t.Fatalf("voice_file = %q", result.VoiceFile)
	}

	facts, err := td.brain.UserFacts("primary_user")
	if err != nil {
		t.Fatal(err)
	}
	if facts[brain.FactUserName] != "Alice" || facts[brain.FactLocation] != "Lisbon" {
		t.Fatalf("facts not learned: %v", facts)
	}

	hist, _ := td.brain.History(1)
	if len(hist) != 1 || hist[0].BotResponse != "Hello!" {
		t.Fatalf("exchange not saved: %+v", hist)
	}
}

func TestHandleTurnRendersOnlyPriorFacts(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	// First turn: the name is learned but the prompt still reflects an
	// unknown user.
	if _, err := td.d.HandleTurn(ctx, TurnRequest{Message: "my name is Alice"}); err != nil {
		t.Fatal(err)
	}
	if got := td.completer.last[1].Content; got != "I don't know much about Unknown User yet." {
		t.Fatalf("first-turn facts line = %q", got)
	}

	// Second turn: the persisted fact now shows up.
	if _, err := td.d.HandleTurn(ctx, TurnRequest{Message: "hi again"}); err != nil {
		t.Fatal(err)
	}
	if got := td.completer.last[1].Content; !strings.Contains(got, "user name: Alice") {
		t.Fatalf("second-turn facts line = %q", got)
	}
}

func TestHandleTurnUnknownUserReference(t *testing.T) {
	td := newTestDaemon(t)

	if _, err := td.d.HandleTurn(context.Background(), TurnRequest{Message: "hi"}); err != nil {
		t.Fatal(err)
	}

	if got := td.completer.last[1].Content; got != "I don't know much about Unknown User yet." {
		t.Fatalf("facts line = %q", got)
	}
}

func TestElapsedPhrase(t *testing.T) {
	cases := []struct {
		prev time.Time
		seen bool
		want string
	}{
		{time.Time{}, false, "This is our first interaction!"},
		{time.Now().Add(-30 * time.Second), true, "We just talked a moment ago!"},
		{time.Now().Add(-5 * time.Minute), true, "It's been 5 minutes since we last talked."},
		{time.Now().Add(-61 * time.Minute), true, "It's been 1 hour since we last talked."},
		{time.Now().Add(-49 * time.Hour), true, "It's been 2 days since we last talked."},
	}
	for _, tc := range cases {
		if got := elapsedPhrase(tc.prev, tc.seen); got != tc.want {
			t.Errorf("elapsedPhrase(%v, %v) = %q, want %q", tc.prev, tc.seen, got, tc.want)
		}
	}
}

func TestResolveReference(t *testing.T) {
	if got := resolveReference(map[string]string{brain.FactUserName: "Alice"}, "caller"); got != "Alice" {
		t.Errorf("remembered name should win, got %q", got)
	}
	if got := resolveReference(map[string]string{}, "caller"); got != "caller" {
		t.Errorf("caller ref should be next, got %q", got)
	}
	if got := resolveReference(map[string]string{}, ""); got != "Unknown User" {
		t.Errorf("placeholder expected, got %q", got)
	}
}
