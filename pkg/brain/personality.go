package brain

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Trait names. Strengths are clamped to [0, 1]; every user starts at the
// baseline and drifts from there.
const (
	TraitWarmth     = "warmth"
	TraitCuriosity  = "curiosity"
	TraitEnthusiasm = "enthusiasm"
	TraitHumor      = "humor"
	TraitPatience   = "patience"
)

// TraitBaseline is the neutral strength every trait starts at.
const TraitBaseline = 0.5

var traitNames = []string{TraitWarmth, TraitCuriosity, TraitEnthusiasm, TraitHumor, TraitPatience}

// quirkThresholds map a trait crossing a strength threshold to a quirk.
// Quirks accumulate; once earned they stick.
var quirkThresholds = []struct {
	trait     string
	threshold float64
	quirk     string
}{
	{TraitWarmth, 0.75, "greets like an old friend"},
	{TraitCuriosity, 0.75, "asks follow-up questions"},
	{TraitEnthusiasm, 0.8, "gets audibly excited about small things"},
	{TraitHumor, 0.75, "slips in gentle jokes"},
	{TraitPatience, 0.8, "never rushes an explanation"},
}

// PersonalityState is the persisted trait/quirk profile for one user.
type PersonalityState struct {
	Traits map[string]float64 `json:"traits"`
	Quirks []string           `json:"quirks"`
}

// Personality is a per-user handle on the personality engine. It holds no
// state of its own: every operation rehydrates from the brain, so handles
// may be created freely within a turn.
type Personality struct {
	brain  *Brain
	userID string
}

// Personality returns a handle for the given user.
func (b *Brain) Personality(userID string) *Personality {
	return &Personality{brain: b, userID: userID}
}

// EvolveFromFacts adjusts trait strengths based on newly learned facts.
// An empty fact set is a no-op.
func (p *Personality) EvolveFromFacts(facts map[string]string) error {
	if len(facts) == 0 {
		return nil
	}
	return p.update(func(s PersonalityState) PersonalityState {
		return evolveFromFacts(s, facts)
	})
}

// ObserveInteraction adjusts traits based on the completed exchange. This
// is independent of EvolveFromFacts: facts move traits by what was learned,
// observation moves them by how the conversation felt.
func (p *Personality) ObserveInteraction(userMessage, botResponse string) error {
	return p.update(func(s PersonalityState) PersonalityState {
		return observeExchange(s, userMessage, botResponse)
	})
}

// Describe renders the current state as descriptive text suitable for a
// model prompt. Deterministic for a fixed state.
func (p *Personality) Describe() (string, error) {
	state, err := p.brain.loadPersonality(p.userID)
	if err != nil {
		return "", err
	}
	return describe(state), nil
}

// State returns the current persisted state (defaults if never evolved).
func (p *Personality) State() (PersonalityState, error) {
	return p.brain.loadPersonality(p.userID)
}

// update applies a pure evolution step under the user's lock so concurrent
// turns cannot lose each other's adjustments.
func (p *Personality) update(step func(PersonalityState) PersonalityState) error {
	mu := p.brain.userLock(p.userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := p.brain.loadPersonality(p.userID)
	if err != nil {
		return err
	}
	return p.brain.savePersonality(p.userID, step(state))
}

// --- Pure evolution steps ---

func defaultState() PersonalityState {
	traits := make(map[string]float64, len(traitNames))
	for _, name := range traitNames {
		traits[name] = TraitBaseline
	}
	return PersonalityState{Traits: traits, Quirks: nil}
}

// evolveFromFacts nudges traits by what kind of fact was shared. Learning
// anything personal warms the relationship; the category adds flavor.
func evolveFromFacts(s PersonalityState, facts map[string]string) PersonalityState {
	next := cloneState(s)
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		adjust(next.Traits, TraitWarmth, 0.02)
		switch key {
		case FactUserName:
			adjust(next.Traits, TraitWarmth, 0.03)
		case FactFavoriteColor, FactFavoriteFood:
			adjust(next.Traits, TraitCuriosity, 0.03)
		case FactLocation:
			adjust(next.Traits, TraitCuriosity, 0.04)
		case FactHobby:
			adjust(next.Traits, TraitEnthusiasm, 0.04)
		case FactAge:
			adjust(next.Traits, TraitPatience, 0.02)
		default: // other_ bucket
			adjust(next.Traits, TraitCuriosity, 0.01)
		}
	}
	next.Quirks = deriveQuirks(next)
	return next
}

// observeExchange reads the tone of a completed exchange.
func observeExchange(s PersonalityState, userMessage, botResponse string) PersonalityState {
	next := cloneState(s)
	lower := strings.ToLower(userMessage)

	if strings.Count(userMessage, "!") > 0 {
		adjust(next.Traits, TraitEnthusiasm, 0.02)
	}
	if strings.Count(userMessage, "?") > 0 {
		adjust(next.Traits, TraitCuriosity, 0.02)
	}
	for _, warm := range []string{"thank", "love", "miss you", "appreciate"} {
		if strings.Contains(lower, warm) {
			adjust(next.Traits, TraitWarmth, 0.03)
			break
		}
	}
	for _, funny := range []string{"haha", "lol", "lmao", "funny"} {
		if strings.Contains(lower, funny) {
			adjust(next.Traits, TraitHumor, 0.03)
			break
		}
	}
	if len(userMessage) > 200 || len(botResponse) > 400 {
		adjust(next.Traits, TraitPatience, 0.01)
	}

	next.Quirks = deriveQuirks(next)
	return next
}

// relax pulls every trait toward the baseline by the given factor.
// Used by the grooming worker to keep evolution bounded over long spans.
func relax(s PersonalityState, factor float64) PersonalityState {
	next := cloneState(s)
	for name, v := range next.Traits {
		next.Traits[name] = v + (TraitBaseline-v)*factor
	}
	return next
}

func adjust(traits map[string]float64, name string, delta float64) {
	v := traits[name] + delta
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	traits[name] = v
}

func deriveQuirks(s PersonalityState) []string {
	set := make(map[string]bool, len(s.Quirks))
	for _, q := range s.Quirks {
		set[q] = true
	}
	for _, qt := range quirkThresholds {
		if s.Traits[qt.trait] >= qt.threshold {
			set[qt.quirk] = true
		}
	}
	quirks := make([]string, 0, len(set))
	for q := range set {
		quirks = append(quirks, q)
	}
	sort.Strings(quirks)
	if len(quirks) == 0 {
		return nil
	}
	return quirks
}

func cloneState(s PersonalityState) PersonalityState {
	traits := make(map[string]float64, len(traitNames))
	for _, name := range traitNames {
		if v, ok := s.Traits[name]; ok {
			traits[name] = v
		} else {
			traits[name] = TraitBaseline
		}
	}
	quirks := make([]string, len(s.Quirks))
	copy(quirks, s.Quirks)
	return PersonalityState{Traits: traits, Quirks: quirks}
}

func describe(s PersonalityState) string {
	var sb strings.Builder
	for i, name := range traitNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s (%.2f)", name, strengthWord(s.Traits[name]), s.Traits[name]))
	}
	if len(s.Quirks) > 0 {
		sb.WriteString(". Quirks: ")
		sb.WriteString(strings.Join(s.Quirks, "; "))
	}
	return sb.String()
}

func strengthWord(v float64) string {
	switch {
	case v < 0.35:
		return "faint"
	case v < 0.65:
		return "steady"
	case v < 0.85:
		return "strong"
	default:
		return "defining"
	}
}

// --- Persistence ---

func (b *Brain) loadPersonality(userID string) (PersonalityState, error) {
	var traitsJSON, quirksJSON string
	err := b.db.QueryRow(
		"SELECT traits, quirks FROM personality WHERE user_id = ?", userID,
	).Scan(&traitsJSON, &quirksJSON)
	if err == sql.ErrNoRows {
		return defaultState(), nil
	}
	if err != nil {
		return PersonalityState{}, fmt.Errorf("load personality: %w", err)
	}

	var state PersonalityState
	if err := json.Unmarshal([]byte(traitsJSON), &state.Traits); err != nil {
		return PersonalityState{}, fmt.Errorf("parse traits: %w", err)
	}
	if err := json.Unmarshal([]byte(quirksJSON), &state.Quirks); err != nil {
		return PersonalityState{}, fmt.Errorf("parse quirks: %w", err)
	}
	return cloneState(state), nil
}

func (b *Brain) savePersonality(userID string, state PersonalityState) error {
	traitsJSON, err := json.Marshal(state.Traits)
	if err != nil {
		return fmt.Errorf("marshal traits: %w", err)
	}
	quirks := state.Quirks
	if quirks == nil {
		quirks = []string{}
	}
	quirksJSON, err := json.Marshal(quirks)
	if err != nil {
		return fmt.Errorf("marshal quirks: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = b.db.Exec(
		`INSERT INTO personality (user_id, traits, quirks, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			traits = excluded.traits,
			quirks = excluded.quirks,
			updated_at = excluded.updated_at`,
		userID, string(traitsJSON), string(quirksJSON), now,
	)
	if err != nil {
		return fmt.Errorf("save personality: %w", err)
	}
	return nil
}

// RelaxAllTraits pulls every stored profile's traits toward the baseline by
// the given factor. Returns the number of profiles touched.
func (b *Brain) RelaxAllTraits(factor float64) (int, error) {
	rows, err := b.db.Query("SELECT user_id FROM personality")
	if err != nil {
		return 0, fmt.Errorf("list personalities: %w", err)
	}
	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan personality user: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	touched := 0
	for _, id := range userIDs {
		p := b.Personality(id)
		if err := p.update(func(s PersonalityState) PersonalityState {
			return relax(s, factor)
		}); err != nil {
			return touched, err
		}
		touched++
	}
	return touched, nil
}
