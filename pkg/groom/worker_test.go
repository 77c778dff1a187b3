package groom

import (
	"testing"
	"time"

	"github.com/aria-labs/aria/pkg/brain"
	_ "modernc.org/sqlite"
)

type fakePruner struct {
	pruned  int
	lastTTL time.Duration
}

func (f *fakePruner) PruneOlderThan(ttl time.Duration) int {
	f.lastTTL = ttl
	return f.pruned
}

func newTestBrain(t *testing.T) *brain.Brain {
	t.Helper()
	b, err := brain.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open brain: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("init brain: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestGroomOnce(t *testing.T) {
	b := newTestBrain(t)

	// Evolve one profile so there is something to relax.
	p := b.Personality("alice")
	if err := p.EvolveFromFacts(map[string]string{brain.FactUserName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	before, _ := p.State()

	pruner := &fakePruner{pruned: 3}
	var events []string
	w := NewWorker(b, pruner, func(msg string) { events = append(events, msg) }, Config{
		ArtifactTTL: 2 * time.Hour,
		RelaxFactor: 0.5,
	})

	report := w.GroomOnce()

	if report.ArtifactsPruned != 3 {
		t.Fatalf("artifacts pruned = %d", report.ArtifactsPruned)
	}
	if pruner.lastTTL != 2*time.Hour {
		t.Fatalf("ttl = %v", pruner.lastTTL)
	}
	if report.TraitsRelaxed != 1 {
		t.Fatalf("traits relaxed = %d", report.TraitsRelaxed)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	after, _ := p.State()
	if after.Traits[brain.TraitWarmth] >= before.Traits[brain.TraitWarmth] {
		t.Fatalf("warmth not relaxed: %v -> %v",
			before.Traits[brain.TraitWarmth], after.Traits[brain.TraitWarmth])
	}

	if got := w.LastReport(); got == nil || got.CycleNumber != 1 {
		t.Fatalf("last report = %+v", got)
	}
}

func TestGroomCycleCounterAdvances(t *testing.T) {
	b := newTestBrain(t)
	w := NewWorker(b, &fakePruner{}, nil, DefaultConfig())

	w.GroomOnce()
	report := w.GroomOnce()
	if report.CycleNumber != 2 {
		t.Fatalf("cycle = %d", report.CycleNumber)
	}
}
