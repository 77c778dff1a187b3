package embeddings

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"

	"github.com/aria-labs/aria/pkg/brain"
)

// SyncWorker keeps pgvector embeddings in sync with the SQLite exchange log.
// It polls for un-embedded or stale exchanges and processes them in batches.
type SyncWorker struct {
	brain     *brain.Brain
	store     *Store
	tei       *TEIClient
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a new background sync worker.
func NewSyncWorker(b *brain.Brain, store *Store, tei *TEIClient, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		brain:     b,
		store:     store,
		tei:       tei,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Initial sync on startup (backfill)
	if embedded, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial embedding sync failed", "error", err)
	} else if embedded > 0 {
		slog.Info("initial embedding sync complete", "embedded", embedded)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			if embedded, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("embedding sync cycle failed", "error", err)
			} else if embedded > 0 {
				slog.Info("embedding sync cycle", "embedded", embedded)
			}
		}
	}
}

// SyncOnce runs a single sync cycle:
//  1. Get all exchange refs from SQLite
//  2. Get all embedded IDs + content hashes from pgvector
//  3. Find un-embedded or stale (hash mismatch) exchanges
//  4. Batch embed via TEI
//  5. Store in pgvector
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.brain.ExchangeRefs()
	if err != nil {
		return 0, fmt.Errorf("get exchange refs: %w", err)
	}

	embedded, err := w.store.GetEmbedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	var toEmbed []brain.ExchangeRef
	for _, ref := range refs {
		existingHash, exists := embedded[ref.ID]
		if !exists || existingHash != ref.ContentHash {
			toEmbed = append(toEmbed, ref)
		}
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("exchanges need embedding",
		"total", len(refs),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	totalEmbedded := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		ids := make([]int64, len(batch))
		for j, ref := range batch {
			ids[j] = ref.ID
		}
		exchanges, err := w.brain.GetExchangesByIDs(ids)
		if err != nil {
			slog.Warn("fetch batch exchanges failed", "error", err, "batch_start", i)
			continue
		}

		texts := make([]string, len(exchanges))
		exIDs := make([]int64, len(exchanges))
		hashes := make([]string, len(exchanges))
		for j, e := range exchanges {
			text := ExchangeText(e)
			texts[j] = text
			exIDs[j] = e.ID
			hashes[j] = ContentHash(text)
		}

		embeddings, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		if err := w.store.InsertBatch(ctx, exIDs, embeddings, hashes); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		totalEmbedded += len(embeddings)
		slog.Debug("batch embedded",
			"batch", i/w.batchSize+1,
			"count", len(embeddings),
			"total_so_far", totalEmbedded,
		)
	}

	return totalEmbedded, nil
}

// ExchangeText renders an exchange as the text that gets embedded. Must
// stay in step with brain.ExchangeRefs hashing.
func ExchangeText(e brain.Exchange) string {
	return e.UserMessage + "\n" + e.BotResponse
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
