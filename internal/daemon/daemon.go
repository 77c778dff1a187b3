// Package daemon orchestrates Aria's conversational turns: identity policy,
// delegation and song escape hatches, memory and fact context, personality
// evolution, the LLM call, and speech synthesis.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aria-labs/aria/internal/channel/matrix"
	"github.com/aria-labs/aria/internal/llm"
	"github.com/aria-labs/aria/internal/peer"
	"github.com/aria-labs/aria/internal/songs"
	"github.com/aria-labs/aria/internal/speech"
	"github.com/aria-labs/aria/pkg/brain"
	"github.com/aria-labs/aria/pkg/embeddings"
	"github.com/aria-labs/aria/pkg/groom"
)

// ErrEmptyMessage is returned before any side effect when a turn carries
// no message.
var ErrEmptyMessage = errors.New("no message provided")

// Completer produces the assistant's reply for an ordered prompt.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Speaker renders reply text to audio and returns the artifact ref.
type Speaker interface {
	Speak(ctx context.Context, text string) (string, error)
}

// Delegate forwards a question to the peer agent. It never fails: errors
// come back folded into the answer text.
type Delegate interface {
	Ask(ctx context.Context, question string) string
}

// SongResolver maps a song name to a playable filename.
type SongResolver interface {
	Resolve(name string) (string, bool)
}

// TurnRequest is one inbound conversational turn.
type TurnRequest struct {
	Platform      string // "web", "matrix", ...; empty defaults to "web"
	UserID        string
	UserReference string // how the caller refers to the user, e.g. a display name
	Message       string
}

// TurnResult is the orchestrator's reply.
type TurnResult struct {
	Response     string
	VoiceFile    string // "/audio/<ref>", empty when synthesis is unavailable
	SongFile     string // "/song/<file>" when a song was requested and found
	MemoriesUsed []string
}

// Daemon is the turn orchestrator.
type Daemon struct {
	brain  *brain.Brain
	config *Config

	completer Completer
	speaker   Speaker
	delegate  Delegate
	songs     SongResolver

	// Concrete handles for serving artifacts over HTTP
	artifacts *speech.ArtifactStore
	library   *songs.Library

	matrix *matrix.Channel
	events *EventBus

	// Semantic memory (optional, requires pgvector + TEI)
	embedStore *embeddings.Store
	teiClient  *embeddings.TEIClient
	embedMu    sync.RWMutex

	groomer *groom.Worker

	startedAt time.Time
	healthy   atomic.Bool
}

// New creates a daemon instance and wires its adapters from config.
func New(b *brain.Brain, cfg *Config) (*Daemon, error) {
	d := &Daemon{
		brain:     b,
		config:    cfg,
		events:    NewEventBus(),
		startedAt: time.Now(),
	}

	store, err := speech.NewArtifactStore(cfg.AudioDir)
	if err != nil {
		return nil, err
	}
	d.artifacts = store
	if cfg.Speech.APIKey != "" || cfg.Speech.BaseURL != "" {
		d.speaker = speech.NewSynthesizer(
			cfg.Speech.BaseURL, cfg.Speech.APIKey, cfg.Speech.Model, cfg.Speech.Voice, store)
	} else {
		slog.Warn("no speech config, turns will be text-only")
	}

	library := songs.NewLibrary(cfg.SongsDir)
	d.library = library
	d.songs = library

	if cfg.Peer.URL != "" {
		d.delegate = peer.New(cfg.Peer.URL, time.Duration(cfg.Peer.TimeoutSeconds)*time.Second)
		slog.Info("peer delegation configured", "url", cfg.Peer.URL)
	}

	providers := make(map[llm.Tier]llm.Provider)
	if cfg.LLM.Deep.APIKey != "" {
		switch cfg.LLM.Deep.Provider {
		case "openai":
			providers[llm.TierDeep] = llm.NewOpenAI(
				cfg.LLM.Deep.Provider, cfg.LLM.Deep.BaseURL, cfg.LLM.Deep.APIKey, cfg.LLM.Deep.Model)
		default:
			providers[llm.TierDeep] = llm.NewAnthropic(cfg.LLM.Deep.APIKey, cfg.LLM.Deep.Model)
		}
		slog.Info("LLM provider configured",
			"tier", "deep",
			"provider", cfg.LLM.Deep.Provider,
			"model", cfg.LLM.Deep.Model,
		)
	}
	if cfg.LLM.Fast.APIKey != "" {
		switch cfg.LLM.Fast.Provider {
		case "anthropic":
			providers[llm.TierFast] = llm.NewAnthropicCompat(
				cfg.LLM.Fast.Provider, cfg.LLM.Fast.BaseURL, cfg.LLM.Fast.APIKey, cfg.LLM.Fast.Model)
		default:
			providers[llm.TierFast] = llm.NewOpenAI(
				cfg.LLM.Fast.Provider, cfg.LLM.Fast.BaseURL, cfg.LLM.Fast.APIKey, cfg.LLM.Fast.Model)
		}
		slog.Info("LLM provider configured",
			"tier", "fast",
			"provider", cfg.LLM.Fast.Provider,
			"model", cfg.LLM.Fast.Model,
		)
	}
	if len(providers) == 0 {
		slog.Warn("no LLM providers configured, chat will be unavailable")
	}
	gateway := llm.NewGateway(llm.NewRouter(providers), llm.TierDeep)
	gateway.MaxTokens = cfg.LLM.Deep.MaxOutput
	gateway.Temperature = cfg.LLM.Deep.Temperature
	d.completer = gateway

	if cfg.Matrix.Enabled {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	}

	// Semantic memory (optional). If pgvector is not ready yet (startup
	// race), a background retry is started in Run().
	if cfg.Embeddings.Enabled && cfg.Embeddings.PostgresURL != "" && cfg.Embeddings.TEIURL != "" {
		if !d.tryInitSemanticMemory() {
			slog.Info("semantic memory will retry in background when pgvector becomes available")
		}
	} else if cfg.Embeddings.Enabled {
		slog.Warn("semantic memory enabled but missing config",
			"has_pg_url", cfg.Embeddings.PostgresURL != "",
			"has_tei_url", cfg.Embeddings.TEIURL != "",
		)
	}

	return d, nil
}

// Events returns the daemon's event bus.
func (d *Daemon) Events() *EventBus { return d.events }

// HandleTurn runs one conversational turn end to end.
func (d *Daemon) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	platform := req.Platform
	if platform == "" {
		platform = "web"
	}
	userID := d.resolveUserID(req.UserID)

	start := time.Now()
	slog.Info("processing turn", "platform", platform, "user", userID, "len", len(message))
	d.events.Publish(Event{Type: EventChat, Role: "user", User: userID, Content: message})

	// Delegation escape hatch: the turn goes to the peer agent untouched,
	// with no reads or writes against this user's state. The escape fires
	// on message form alone, so an unconfigured peer degrades inline
	// instead of falling through to the pipeline.
	if question, ok := peer.Delegated(message); ok {
		answer := "[No peer agent configured]"
		if d.delegate != nil {
			answer = d.delegate.Ask(ctx, question)
		}
		reply := "Other AI says: " + answer
		voice, err := d.speak(ctx, reply)
		if err != nil {
			return nil, err
		}
		d.events.Publish(Event{Type: EventChat, Role: "assistant", User: userID, Content: reply})
		return &TurnResult{Response: reply, VoiceFile: voice, MemoriesUsed: []string{}}, nil
	}

	// Song escape hatch: also bypasses all stores.
	if name, ok := songs.ParseRequest(message); ok {
		return d.songTurn(ctx, userID, name)
	}

	prev, seen, err := d.brain.TouchLastSeen(userID)
	if err != nil {
		return nil, d.turnError(userID, "last_seen", err)
	}
	phrase := elapsedPhrase(prev, seen)
	slog.Info("elapsed since last interaction", "user", userID, "phrase", phrase)
	d.events.Publish(Event{Type: EventStatus, User: userID, Message: phrase})

	facts, err := d.brain.UserFacts(userID)
	if err != nil {
		return nil, d.turnError(userID, "facts_read", err)
	}
	displayRef := resolveReference(facts, req.UserReference)

	// New facts are persisted but the prompt renders only what was known
	// before this turn.
	extracted := brain.ExtractFacts(message)
	for key, value := range extracted {
		if err := d.brain.SaveUserFact(userID, key, value); err != nil {
			return nil, d.turnError(userID, "facts_write", err)
		}
	}

	personality := d.brain.Personality(userID)
	if err := personality.EvolveFromFacts(extracted); err != nil {
		return nil, d.turnError(userID, "personality_evolve", err)
	}
	persona, err := personality.Describe()
	if err != nil {
		return nil, d.turnError(userID, "personality_describe", err)
	}

	memories := d.recallForTurn(ctx, message)

	messages := []llm.Message{
		{Role: "system", Content: d.config.SystemPrompt},
		{Role: "system", Content: renderFacts(facts, displayRef)},
		{Role: "system", Content: "Here are your current behavioral tendencies and quirks: " +
			persona + ". Maintain consistency with your evolving traits."},
	}
	for _, m := range memories {
		messages = append(messages, llm.Message{Role: "system", Content: m})
	}
	messages = append(messages, llm.Message{Role: "user", Content: message})

	reply, err := d.completer.Complete(ctx, messages)
	if err != nil {
		return nil, d.turnError(userID, "llm", err)
	}

	if _, err := d.brain.SaveExchange(userID, message, reply); err != nil {
		return nil, d.turnError(userID, "exchange_save", err)
	}
	if err := personality.ObserveInteraction(message, reply); err != nil {
		return nil, d.turnError(userID, "personality_observe", err)
	}

	voice, err := d.speak(ctx, reply)
	if err != nil {
		return nil, err
	}

	slog.Info("turn complete",
		"user", userID,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"memories", len(memories),
		"facts_learned", len(extracted),
	)
	d.events.Publish(Event{Type: EventChat, Role: "assistant", User: userID, Content: reply})

	return &TurnResult{
		Response:     reply,
		VoiceFile:    voice,
		MemoriesUsed: memories,
	}, nil
}

// PlaySong handles a direct song trigger, bypassing the chat pipeline.
func (d *Daemon) PlaySong(ctx context.Context, name string) (*TurnResult, error) {
	return d.songTurn(ctx, d.config.DefaultUserID, name)
}

func (d *Daemon) songTurn(ctx context.Context, userID, name string) (*TurnResult, error) {
	file, found := d.songs.Resolve(name)
	if !found {
		reply := fmt.Sprintf("Sorry, I couldn't find the song '%s'.", name)
		voice, err := d.speak(ctx, reply)
		if err != nil {
			return nil, err
		}
		return &TurnResult{Response: reply, VoiceFile: voice}, nil
	}

	reply := fmt.Sprintf("Now playing %s.", name)
	voice, err := d.speak(ctx, reply)
	if err != nil {
		return nil, err
	}
	d.events.Publish(Event{Type: EventSong, User: userID, Content: "/song/" + file})
	return &TurnResult{
		Response:  reply,
		VoiceFile: voice,
		SongFile:  "/song/" + file,
	}, nil
}

// speak synthesizes the reply and returns the servable voice path. A nil
// speaker yields an empty path; a failing speaker fails the turn.
func (d *Daemon) speak(ctx context.Context, text string) (string, error) {
	if d.speaker == nil {
		return "", nil
	}
	ref, err := d.speaker.Speak(ctx, text)
	if err != nil {
		d.events.Publish(Event{Type: EventError, Message: err.Error()})
		return "", fmt.Errorf("speech synthesis: %w", err)
	}
	d.events.Publish(Event{Type: EventVoice, Content: "/audio/" + ref})
	return "/audio/" + ref, nil
}

func (d *Daemon) turnError(userID, step string, err error) error {
	slog.Error("turn failed", "user", userID, "step", step, "error", err)
	d.events.Publish(Event{Type: EventError, User: userID, Message: step + ": " + err.Error()})
	return fmt.Errorf("%s: %w", step, err)
}

// resolveUserID applies the identity policy: callers without a usable id
// are folded onto the default user, so anonymous web traffic is treated
// as one person. A supplied id is kept as-is on any platform, which keeps
// peer-agent turns (user_id "external") out of the owner's state.
func (d *Daemon) resolveUserID(userID string) string {
	if userID == "" || userID == "null" {
		return d.config.DefaultUserID
	}
	return userID
}

// recallForTurn fetches relevant past exchanges, preferring hybrid
// semantic search when available, and renders them as context lines.
func (d *Daemon) recallForTurn(ctx context.Context, query string) []string {
	const limit = 5

	var exchanges []brain.Exchange
	var err error

	d.embedMu.RLock()
	store := d.embedStore
	tei := d.teiClient
	d.embedMu.RUnlock()
	if store != nil && tei != nil {
		exchanges, err = embeddings.HybridSearch(ctx, query, d.brain, store, tei, limit)
		if err != nil {
			slog.Warn("hybrid recall failed, falling back to keyword", "error", err)
			exchanges = nil
		}
	}
	if exchanges == nil {
		exchanges, err = d.brain.Recall(query, limit)
		if err != nil {
			slog.Warn("keyword recall failed, continuing without memories", "error", err)
			return nil
		}
	}

	memories := make([]string, 0, len(exchanges))
	for _, e := range exchanges {
		memories = append(memories, fmt.Sprintf(
			"Past conversation: the user said %q and you replied %q.",
			e.UserMessage, e.BotResponse))
	}
	return memories
}

// elapsedPhrase renders the gap since the previous interaction.
func elapsedPhrase(prev time.Time, seen bool) string {
	if !seen {
		return "This is our first interaction!"
	}
	elapsed := time.Since(prev)
	switch {
	case elapsed >= 24*time.Hour:
		return fmt.Sprintf("It's been %s since we last talked.", plural(int(elapsed.Hours())/24, "day"))
	case elapsed >= time.Hour:
		return fmt.Sprintf("It's been %s since we last talked.", plural(int(elapsed.Hours()), "hour"))
	case elapsed >= time.Minute:
		return fmt.Sprintf("It's been %s since we last talked.", plural(int(elapsed.Minutes()), "minute"))
	default:
		return "We just talked a moment ago!"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// resolveReference picks how to address the user: a remembered name wins,
// then the caller-supplied reference, then a placeholder.
func resolveReference(facts map[string]string, callerRef string) string {
	if name := facts[brain.FactUserName]; name != "" {
		return name
	}
	if callerRef != "" {
		return callerRef
	}
	return "Unknown User"
}

// renderFacts folds known facts into one system line, with fact keys made
// readable (underscores become spaces, sorted for stable prompts).
func renderFacts(facts map[string]string, displayRef string) string {
	if len(facts) == 0 {
		return fmt.Sprintf("I don't know much about %s yet.", displayRef)
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, strings.ReplaceAll(k, "_", " ")+": "+facts[k])
	}
	return fmt.Sprintf("Facts about %s: %s", displayRef, strings.Join(parts, ", "))
}

// tryInitSemanticMemory attempts to connect to pgvector and initialize the
// embedding store. Returns false if the caller should retry later.
func (d *Daemon) tryInitSemanticMemory() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := embeddings.NewStore(ctx, d.config.Embeddings.PostgresURL)
	if err != nil {
		slog.Warn("semantic memory unavailable, pgvector connection failed", "error", err)
		return false
	}
	if err := store.Init(ctx); err != nil {
		slog.Warn("semantic memory unavailable, schema init failed", "error", err)
		store.Close()
		return false
	}

	d.embedMu.Lock()
	d.embedStore = store
	d.teiClient = embeddings.NewTEIClient(d.config.Embeddings.TEIURL)
	d.embedMu.Unlock()

	slog.Info("semantic memory initialized", "tei", d.config.Embeddings.TEIURL)
	return true
}

// retrySemanticMemory runs a background loop to reconnect pgvector.
// Tries every 30s for up to 10 minutes, then gives up.
func (d *Daemon) retrySemanticMemory(ctx context.Context) {
	const maxRetries = 20
	const retryInterval = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}

		slog.Info("retrying semantic memory connection", "attempt", attempt, "max", maxRetries)
		if d.tryInitSemanticMemory() {
			slog.Info("semantic memory reconnected, starting embedding sync")
			d.startEmbeddingSyncWorker(ctx)
			return
		}
	}

	slog.Error("semantic memory permanently unavailable after retries", "attempts", maxRetries)
}

// startEmbeddingSyncWorker starts the background embedding sync goroutine.
func (d *Daemon) startEmbeddingSyncWorker(ctx context.Context) {
	d.embedMu.RLock()
	store := d.embedStore
	tei := d.teiClient
	d.embedMu.RUnlock()

	if store == nil || tei == nil {
		return
	}

	syncInterval := 30 * time.Second
	if d.config.Embeddings.SyncInterval != "" {
		if parsed, err := time.ParseDuration(d.config.Embeddings.SyncInterval); err == nil {
			syncInterval = parsed
		}
	}
	batchSize := d.config.Embeddings.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	worker := embeddings.NewSyncWorker(d.brain, store, tei, syncInterval, batchSize)
	go worker.Run(ctx)
}

// Run starts the daemon. Blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("aria daemon running",
		"name", d.config.Name,
		"addr", d.config.HTTPAddr,
		"matrix", d.config.Matrix.Enabled,
	)

	go d.serveAPI(ctx)

	d.embedMu.RLock()
	hasEmbed := d.embedStore != nil && d.teiClient != nil
	d.embedMu.RUnlock()
	if hasEmbed {
		d.startEmbeddingSyncWorker(ctx)
	} else if d.config.Embeddings.Enabled && d.config.Embeddings.PostgresURL != "" {
		go d.retrySemanticMemory(ctx)
	}

	groomCfg := groom.DefaultConfig()
	if d.config.Groom.Interval != "" {
		if parsed, err := time.ParseDuration(d.config.Groom.Interval); err == nil {
			groomCfg.Interval = parsed
		}
	}
	if d.config.Groom.ArtifactTTL != "" {
		if parsed, err := time.ParseDuration(d.config.Groom.ArtifactTTL); err == nil {
			groomCfg.ArtifactTTL = parsed
		}
	}
	if !d.config.Groom.Disabled {
		d.groomer = groom.NewWorker(d.brain, d.artifacts, func(msg string) {
			d.events.Publish(Event{Type: EventStatus, Message: "[groom] " + msg})
		}, groomCfg)
		go d.groomer.Run(ctx)
	} else {
		slog.Info("groom worker disabled by config")
	}

	errCh := make(chan error, 1)
	if d.matrix != nil {
		go func() {
			slog.Info("starting matrix channel")
			if err := d.matrix.Start(ctx, d.onMatrixMessage); err != nil {
				errCh <- err
			}
		}()
	}

	// Mark healthy once startup settles
	go func() {
		time.Sleep(2 * time.Second)
		d.healthy.Store(true)
	}()

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("matrix channel fatal error: %w", err)
		}
	}

	d.healthy.Store(false)
	if d.matrix != nil {
		d.matrix.Stop()
	}

	d.embedMu.RLock()
	if d.embedStore != nil {
		d.embedStore.Close()
	}
	d.embedMu.RUnlock()

	slog.Info("aria daemon shutting down")
	return nil
}

// onMatrixMessage bridges the privileged channel into the turn pipeline.
// Matrix senders keep their real ids.
func (d *Daemon) onMatrixMessage(ctx context.Context, msg matrix.Message) error {
	result, err := d.HandleTurn(ctx, TurnRequest{
		Platform:      d.config.PrivilegedPlatform,
		UserID:        msg.SenderID,
		UserReference: msg.SenderName,
		Message:       msg.Content,
	})
	if err != nil {
		return err
	}

	content := result.Response
	if result.VoiceFile != "" && d.config.PublicURL != "" {
		content += "\n\nVoice: " + d.config.PublicURL + result.VoiceFile
	}
	if err := d.matrix.Send(ctx, matrix.Response{RoomID: msg.RoomID, Content: content}); err != nil {
		slog.Error("failed to send matrix response", "error", err)
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}
