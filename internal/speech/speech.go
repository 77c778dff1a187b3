// Package speech turns reply text into spoken audio and manages the
// resulting artifacts on disk.
package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// Synthesizer renders text to MP3 via an OpenAI-compatible speech API and
// stashes the result in an ArtifactStore.
type Synthesizer struct {
	client *openai.Client
	store  *ArtifactStore
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

// NewSynthesizer creates a synthesizer. Empty model/voice fall back to
// tts-1 with the nova voice.
func NewSynthesizer(baseURL, apiKey, model, voice string, store *ArtifactStore) *Synthesizer {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceNova)
	}
	return &Synthesizer{
		client: openai.NewClientWithConfig(config),
		store:  store,
		model:  openai.SpeechModel(model),
		voice:  openai.SpeechVoice(voice),
	}
}

// Speak renders the text and returns the minted artifact ref.
func (s *Synthesizer) Speak(ctx context.Context, text string) (string, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return "", fmt.Errorf("synthesize speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return "", fmt.Errorf("read speech audio: %w", err)
	}

	ref, err := s.store.Put(data)
	if err != nil {
		return "", err
	}
	slog.Debug("synthesized speech", "ref", ref, "bytes", len(data))
	return ref, nil
}
