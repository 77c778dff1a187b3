// Package songs resolves natural-language song requests against a local
// MP3 catalog.
package songs

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// requestPattern matches phrasings like "play the daisy song" or
// "play daisy song", capturing the song name. Unanchored on the left,
// so "replay the daisy song" counts as a request too.
var requestPattern = regexp.MustCompile(`(?i)play(?: the)? (.+?) song\b`)

// ParseRequest extracts a song name from a message, if it contains a
// request to play one.
func ParseRequest(message string) (string, bool) {
	m := requestPattern.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		return "", false
	}
	return name, true
}

// Library serves songs from a single directory. Only names that resolve
// to an existing .mp3 directly inside the directory are accepted.
type Library struct {
	dir string
}

// NewLibrary creates a library over the given directory.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Resolve maps a song name to its filename within the library. The bool
// reports whether the song exists.
func (l *Library) Resolve(name string) (string, bool) {
	if name == "" || strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) {
		return "", false
	}
	file := name
	if !strings.HasSuffix(strings.ToLower(file), ".mp3") {
		file += ".mp3"
	}
	info, err := os.Stat(filepath.Join(l.dir, file))
	if err != nil || info.IsDir() {
		return "", false
	}
	return file, true
}

// Path returns the on-disk path for a previously resolved filename.
func (l *Library) Path(file string) (string, bool) {
	resolved, ok := l.Resolve(strings.TrimSuffix(file, ".mp3"))
	if !ok {
		return "", false
	}
	return filepath.Join(l.dir, resolved), true
}
