// Package groom implements Aria's background upkeep worker.
//
// The groom worker runs as a background goroutine, periodically tidying
// the daemon's accumulated state:
//   - Audio artifact pruning (voice files past their TTL)
//   - Personality relaxation (trait strengths drift back toward baseline
//     so evolution stays bounded over long spans)
//
// It never touches the exchange log or facts; grooming is about derived
// and ephemeral state only. All actions are published via the event
// callback for stream visibility.
package groom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aria-labs/aria/pkg/brain"
)

// EventFunc is a callback for publishing groom events.
type EventFunc func(message string)

// ArtifactPruner removes stale audio artifacts.
type ArtifactPruner interface {
	PruneOlderThan(ttl time.Duration) int
}

// Report holds the results of a single groom cycle.
type Report struct {
	CycleNumber     int       `json:"cycle_number"`
	StartedAt       time.Time `json:"started_at"`
	Duration        string    `json:"duration"`
	ArtifactsPruned int       `json:"artifacts_pruned"`
	TraitsRelaxed   int       `json:"traits_relaxed"` // personality profiles touched
	Errors          []string  `json:"errors,omitempty"`
}

// Config holds groom worker configuration.
type Config struct {
	Interval    time.Duration // how often to groom (default 6h)
	ArtifactTTL time.Duration // prune voice artifacts older than (default 24h)
	RelaxFactor float64       // trait pull toward baseline per cycle (default 0.1)
}

// DefaultConfig returns sensible defaults for the groom worker.
func DefaultConfig() Config {
	return Config{
		Interval:    6 * time.Hour,
		ArtifactTTL: 24 * time.Hour,
		RelaxFactor: 0.1,
	}
}

// Worker is the groom background worker.
type Worker struct {
	brain     *brain.Brain
	artifacts ArtifactPruner
	onEvent   EventFunc
	cfg       Config

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a groom worker. onEvent may be nil.
func NewWorker(b *brain.Brain, artifacts ArtifactPruner, onEvent EventFunc, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = 24 * time.Hour
	}
	if cfg.RelaxFactor <= 0 || cfg.RelaxFactor >= 1 {
		cfg.RelaxFactor = 0.1
	}
	return &Worker{
		brain:     b,
		artifacts: artifacts,
		onEvent:   onEvent,
		cfg:       cfg,
	}
}

// Run starts the groom loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("groom worker started",
		"interval", w.cfg.Interval,
		"artifact_ttl", w.cfg.ArtifactTTL,
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("groom worker stopping")
			return
		case <-ticker.C:
			report := w.GroomOnce()
			w.publish(report)
		}
	}
}

// GroomOnce runs a single groom cycle and returns its report.
func (w *Worker) GroomOnce() *Report {
	start := time.Now()

	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	report := &Report{
		CycleNumber: cycle,
		StartedAt:   start,
	}

	if w.artifacts != nil {
		report.ArtifactsPruned = w.artifacts.PruneOlderThan(w.cfg.ArtifactTTL)
	}

	relaxed, err := w.brain.RelaxAllTraits(w.cfg.RelaxFactor)
	report.TraitsRelaxed = relaxed
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("relax traits: %v", err))
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	return report
}

// LastReport returns the most recent cycle report, or nil before the first.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) publish(report *Report) {
	slog.Info("groom cycle complete",
		"cycle", report.CycleNumber,
		"pruned", report.ArtifactsPruned,
		"relaxed", report.TraitsRelaxed,
		"duration", report.Duration,
		"errors", len(report.Errors),
	)
	if w.onEvent == nil {
		return
	}
	w.onEvent(fmt.Sprintf("cycle %d: pruned %d artifacts, relaxed %d profiles in %s",
		report.CycleNumber, report.ArtifactsPruned, report.TraitsRelaxed, report.Duration))
	for _, e := range report.Errors {
		w.onEvent("error: " + e)
	}
}
