package speech

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Artifact store errors, distinguished so the HTTP layer can map them to
// the right status codes.
var (
	ErrUnknownRef  = errors.New("unknown audio ref")
	ErrArtifactGone = errors.New("audio artifact missing on disk")
)

// ArtifactStore holds synthesized audio files under a single directory.
// Refs are minted here and only minted refs can be resolved back to paths,
// so user-supplied refs can never address arbitrary files.
type ArtifactStore struct {
	dir string

	mu     sync.Mutex
	minted map[string]time.Time // ref → mint time
}

// NewArtifactStore creates the store, making the directory if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &ArtifactStore{
		dir:    dir,
		minted: make(map[string]time.Time),
	}, nil
}

// Put writes the audio bytes and mints a fresh ref for them. The write
// goes through a temp file and rename so a ref never resolves to a
// half-written artifact.
func (s *ArtifactStore) Put(data []byte) (string, error) {
	ref := "voice_" + uuid.NewString() + ".mp3"
	final := filepath.Join(s.dir, ref)

	tmp, err := os.CreateTemp(s.dir, ".voice-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create audio temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close audio temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize audio: %w", err)
	}

	s.mu.Lock()
	s.minted[ref] = time.Now()
	s.mu.Unlock()
	return ref, nil
}

// Path resolves a previously minted ref to its file path.
func (s *ArtifactStore) Path(ref string) (string, error) {
	s.mu.Lock()
	_, ok := s.minted[ref]
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownRef
	}

	path := filepath.Join(s.dir, ref)
	if _, err := os.Stat(path); err != nil {
		return "", ErrArtifactGone
	}
	return path, nil
}

// PruneOlderThan removes artifacts minted more than ttl ago and forgets
// their refs. Returns the number pruned.
func (s *ArtifactStore) PruneOlderThan(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	var stale []string
	for ref, at := range s.minted {
		if at.Before(cutoff) {
			stale = append(stale, ref)
		}
	}
	for _, ref := range stale {
		delete(s.minted, ref)
	}
	s.mu.Unlock()

	pruned := 0
	for _, ref := range stale {
		if err := os.Remove(filepath.Join(s.dir, ref)); err == nil || os.IsNotExist(err) {
			pruned++
		}
	}
	return pruned
}
