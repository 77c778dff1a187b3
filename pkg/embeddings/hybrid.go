package embeddings

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/aria-labs/aria/pkg/brain"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion.
	// Standard value from Cormack et al. (2009).
	rrfK = 60
	// overFetchMultiplier fetches more results from each source for better fusion.
	overFetchMultiplier = 3
)

// FusedResult holds a hybrid search result with combined RRF score.
type FusedResult struct {
	ExchangeID int64
	Score      float64 // RRF score (higher = more relevant)
}

// HybridSearch combines vector similarity with FTS5 keyword search
// using Reciprocal Rank Fusion (RRF, k=60).
//
// Flow:
//  1. Embed query via TEI
//  2. Vector search in pgvector (parallel)
//  3. Keyword search in SQLite FTS5 (parallel)
//  4. Fuse results with RRF
//  5. Fetch full exchanges from SQLite, ordered by RRF score
//
// Degrades gracefully: if vector search fails, returns keyword-only results.
func HybridSearch(
	ctx context.Context,
	query string,
	b *brain.Brain,
	store *Store,
	tei *TEIClient,
	limit int,
) ([]brain.Exchange, error) {
	// Step 1: Embed the query
	queryEmbedding, err := tei.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("semantic embed failed, falling back to keyword-only", "error", err)
		return b.Recall(query, limit)
	}

	fetchLimit := limit * overFetchMultiplier

	// Step 2 & 3: Parallel vector + keyword search
	var vectorResults []SearchResult
	var keywordResults []brain.Exchange
	var vectorErr, keywordErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		vectorResults, vectorErr = store.Search(ctx, queryEmbedding, fetchLimit)
	}()

	go func() {
		defer wg.Done()
		keywordResults, keywordErr = b.Recall(query, fetchLimit)
	}()

	wg.Wait()

	// Degrade to whichever source works
	if vectorErr != nil && keywordErr != nil {
		return nil, vectorErr
	}

	if vectorErr != nil {
		slog.Warn("vector search failed, using keyword-only", "error", vectorErr)
		if len(keywordResults) > limit {
			keywordResults = keywordResults[:limit]
		}
		return keywordResults, nil
	}

	if keywordErr != nil {
		slog.Warn("keyword search failed, using vector-only", "error", keywordErr)
		ids := make([]int64, len(vectorResults))
		for i, r := range vectorResults {
			ids[i] = r.ExchangeID
		}
		exchanges, err := b.GetExchangesByIDs(ids)
		if err != nil {
			return nil, err
		}
		if len(exchanges) > limit {
			exchanges = exchanges[:limit]
		}
		return exchanges, nil
	}

	// Step 4: Build ranked lists for RRF
	vectorRanked := make([]FusedResult, len(vectorResults))
	for i, r := range vectorResults {
		vectorRanked[i] = FusedResult{ExchangeID: r.ExchangeID}
	}

	keywordRanked := make([]FusedResult, len(keywordResults))
	for i, e := range keywordResults {
		keywordRanked[i] = FusedResult{ExchangeID: e.ID}
	}

	fused := reciprocalRankFusion([][]FusedResult{vectorRanked, keywordRanked}, rrfK)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	// Step 5: Fetch full exchanges from SQLite, preserving RRF order
	ids := make([]int64, len(fused))
	for i, r := range fused {
		ids[i] = r.ExchangeID
	}
	exchanges, err := b.GetExchangesByIDs(ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]brain.Exchange, len(exchanges))
	for _, e := range exchanges {
		byID[e.ID] = e
	}

	ordered := make([]brain.Exchange, 0, len(fused))
	for _, result := range fused {
		if e, ok := byID[result.ExchangeID]; ok {
			ordered = append(ordered, e)
		}
	}

	return ordered, nil
}

// reciprocalRankFusion merges multiple ranked lists using RRF.
// Formula: RRF_score(d) = Σ 1/(k + rank_i(d))
func reciprocalRankFusion(lists [][]FusedResult, k int) []FusedResult {
	scores := make(map[int64]float64)

	for _, list := range lists {
		for rank, result := range list {
			// rank is 0-indexed, RRF uses 1-indexed
			scores[result.ExchangeID] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]FusedResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, FusedResult{ExchangeID: id, Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score == fused[j].Score {
			return fused[i].ExchangeID > fused[j].ExchangeID
		}
		return fused[i].Score > fused[j].Score
	})

	return fused
}
