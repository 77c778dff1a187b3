package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aria-labs/aria/internal/speech"
)

// turnResponse is the JSON reply for /chat and /play_song.
type turnResponse struct {
	Response     string   `json:"response"`
	VoiceFile    string   `json:"voice_file"`
	MemoriesUsed []string `json:"memories_used,omitempty"`
	SongFile     string   `json:"song_file,omitempty"`
}

// serveAPI runs the daemon's HTTP API.
func (d *Daemon) serveAPI(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", d.handleChat)
	mux.HandleFunc("POST /play_song", d.handlePlaySong)
	mux.HandleFunc("GET /audio/{ref}", d.handleAudio)
	mux.HandleFunc("GET /song/{name}", d.handleSong)
	mux.HandleFunc("GET /get_conversation", d.handleConversation)
	mux.HandleFunc("GET /stream", d.handleStream)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.healthy.Load() {
			fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"starting"}`)
		}
	})

	srv := &http.Server{Addr: d.config.HTTPAddr, Handler: withCORS(mux)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("API listening", "addr", d.config.HTTPAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Warn("API server error", "error", err)
	}
}

// withCORS opens the JSON API to browser clients.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseTurnRequest accepts form-encoded or JSON bodies.
func parseTurnRequest(r *http.Request) TurnRequest {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Platform      string `json:"platform"`
			UserID        string `json:"user_id"`
			UserReference string `json:"user_reference"`
			Message       string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			return TurnRequest{
				Platform:      req.Platform,
				UserID:        req.UserID,
				UserReference: req.UserReference,
				Message:       req.Message,
			}
		}
		return TurnRequest{}
	}

	r.ParseForm()
	return TurnRequest{
		Platform:      r.FormValue("platform"),
		UserID:        r.FormValue("user_id"),
		UserReference: r.FormValue("user_reference"),
		Message:       r.FormValue("message"),
	}
}

func (d *Daemon) handleChat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	result, err := d.HandleTurn(r.Context(), parseTurnRequest(r))
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"No message provided","code":"empty_message"}`)
			return
		}
		writeInternalError(w, err)
		return
	}

	writeTurnResult(w, result)
}

func (d *Daemon) handlePlaySong(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	r.ParseForm()
	name := strings.TrimSpace(r.FormValue("song"))
	if name == "" {
		name = strings.TrimSpace(r.FormValue("name"))
	}
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"No song provided","code":"empty_song"}`)
		return
	}

	result, err := d.PlaySong(r.Context(), name)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeTurnResult(w, result)
}

func writeTurnResult(w http.ResponseWriter, result *TurnResult) {
	if err := json.NewEncoder(w).Encode(turnResponse{
		Response:     result.Response,
		VoiceFile:    result.VoiceFile,
		MemoriesUsed: result.MemoriesUsed,
		SongFile:     result.SongFile,
	}); err != nil {
		slog.Warn("failed to encode turn response", "error", err)
	}
}

func writeInternalError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusInternalServerError)
	body, _ := json.Marshal(map[string]string{
		"error":   "Internal server error",
		"details": err.Error(),
	})
	w.Write(body)
}

func (d *Daemon) handleAudio(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")

	path, err := d.artifacts.Path(ref)
	switch {
	case errors.Is(err, speech.ErrUnknownRef):
		http.Error(w, "unknown audio ref", http.StatusBadRequest)
		return
	case errors.Is(err, speech.ErrArtifactGone):
		http.Error(w, "audio artifact not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, path)
}

func (d *Daemon) handleSong(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) ||
		!strings.HasSuffix(strings.ToLower(name), ".mp3") {
		http.Error(w, "invalid song name", http.StatusBadRequest)
		return
	}

	path, ok := d.library.Path(name)
	if !ok {
		http.Error(w, "song not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, path)
}

// handleConversation renders the full exchange log as alternating
// user/bot entries.
func (d *Daemon) handleConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	history, err := d.brain.History(0)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	type entry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		User    string `json:"user"`
		TS      string `json:"ts"`
	}
	entries := make([]entry, 0, len(history)*2)
	for _, e := range history {
		ts := e.CreatedAt.Format(time.RFC3339)
		entries = append(entries,
			entry{Role: "user", Content: e.UserMessage, User: e.UserID, TS: ts},
			entry{Role: "assistant", Content: e.BotResponse, User: e.UserID, TS: ts},
		)
	}

	if err := json.NewEncoder(w).Encode(map[string]any{"conversation": entries}); err != nil {
		slog.Warn("failed to encode conversation", "error", err)
	}
}

// handleStream pushes daemon events to the client over SSE.
func (d *Daemon) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Hydrate with recent events before going live
	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	ch, done := d.events.Subscribe()
	defer d.events.Unsubscribe(done)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
			flusher.Flush()
		}
	}
}
