package songs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRequest(t *testing.T) {
	cases := []struct {
		message string
		name    string
		ok      bool
	}{
		{"play the daisy song", "daisy", true},
		{"Play Daisy song please", "Daisy", true},
		{"could you play the blue moon song?", "blue moon", true},
		{"play it again", "", false},
		{"I like this song", "", false},
		{"replay the daisy song", "daisy", true},
	}
	for _, tc := range cases {
		name, ok := ParseRequest(tc.message)
		if ok != tc.ok || name != tc.name {
			t.Errorf("%q: got (%q, %v), want (%q, %v)", tc.message, name, ok, tc.name, tc.ok)
		}
	}
}

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "daisy.mp3"), []byte("mp3"), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewLibrary(dir)
}

func TestResolveExistingSong(t *testing.T) {
	l := newTestLibrary(t)

	file, ok := l.Resolve("daisy")
	if !ok || file != "daisy.mp3" {
		t.Fatalf("got (%q, %v)", file, ok)
	}
}

func TestResolveMissingSong(t *testing.T) {
	l := newTestLibrary(t)

	if _, ok := l.Resolve("nonexistent"); ok {
		t.Fatal("missing song should not resolve")
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	l := newTestLibrary(t)

	for _, name := range []string{"../daisy", "a/b", `a\b`, "..", ""} {
		if _, ok := l.Resolve(name); ok {
			t.Errorf("%q should be rejected", name)
		}
	}
}

func TestPathForResolvedFile(t *testing.T) {
	l := newTestLibrary(t)

	path, ok := l.Path("daisy.mp3")
	if !ok {
		t.Fatal("expected path for existing song")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat resolved path: %v", err)
	}
}
