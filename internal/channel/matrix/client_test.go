package matrix

import (
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestLocalpart(t *testing.T) {
	cases := []struct {
		in   id.UserID
		want string
	}{
		{"@alice:example.com", "alice"},
		{"@bob:matrix.org", "bob"},
		{"bare", "bare"},
	}
	for _, c := range cases {
		if got := localpart(c.in); got != c.want {
			t.Errorf("localpart(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	chunks := splitMessage("abcdefghij", 4)
	want := []string{"abcd", "efgh", "ij"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}

	chunks = splitMessage("short", 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("short message split unexpectedly: %v", chunks)
	}
}

func TestIsAllowed(t *testing.T) {
	open := &Channel{config: Config{}}
	if !open.isAllowed("@anyone:example.com") {
		t.Error("empty allowlist should permit everyone")
	}

	gated := &Channel{config: Config{AllowedUsers: []string{"@alice:example.com"}}}
	if !gated.isAllowed("@alice:example.com") {
		t.Error("listed user should be allowed")
	}
	if gated.isAllowed("@mallory:example.com") {
		t.Error("unlisted user should be rejected")
	}
}
