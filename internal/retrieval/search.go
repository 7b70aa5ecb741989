// Package retrieval finds knowledge-base passages relevant to a chat turn
// and assembles them into a budgeted context block. Retrieval failures are
// absorbed: an empty result tells the caller to degrade toward direct
// generation, never to abort the turn.
package retrieval

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"concierge/internal/logging"
	"concierge/internal/vectorstore"
)

// Plan tells the searcher how wide to cast and how hard to filter. The
// router picks the plan from its confidence band.
type Plan struct {
	Collections []string
	TopK        int
	Cutoff      float64
}

// Passage is one retrieved knowledge-base fragment.
type Passage struct {
	Content    string
	SourceID   string
	Section    string
	Similarity float64
	// Relevance is set by the rerank pass; nil when rerank is disabled
	// or failed.
	Relevance *float64
}

// Score returns the active relevance signal: rerank score when present,
// vector similarity otherwise.
func (p Passage) Score() float64 {
	if p.Relevance != nil {
		return *p.Relevance
	}
	return p.Similarity
}

// Searcher runs vector search with an optional rerank pass.
type Searcher struct {
	store    *vectorstore.Handle
	reranker *Reranker // nil disables rerank
}

// NewSearcher creates a searcher. Pass a nil reranker to disable reranking.
func NewSearcher(store *vectorstore.Handle, reranker *Reranker) *Searcher {
	return &Searcher{store: store, reranker: reranker}
}

// Search retrieves passages for the query per the plan. It never returns an
// error: any failure along the way logs and yields an empty (or shorter)
// slice so the caller can fall back.
func (s *Searcher) Search(ctx context.Context, query string, plan Plan) []Passage {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.StopWithThreshold(3 * time.Second)

	if len(plan.Collections) == 0 || plan.TopK <= 0 {
		return nil
	}

	client, err := s.store.Get(ctx)
	if err != nil {
		logging.RetrievalWarn("Search degraded: store unavailable: %v", err)
		return nil
	}

	var passages []Passage
	if len(plan.Collections) == 1 {
		passages = s.searchOne(ctx, client, plan.Collections[0], query, plan.TopK)
	} else {
		passages = s.searchAll(ctx, client, plan.Collections, query, plan.TopK)
	}

	if len(passages) == 0 {
		logging.Retrieval("Search returned no passages for %q", truncate(query, 60))
		return nil
	}

	if s.reranker != nil {
		passages = s.reranker.Rerank(ctx, query, passages)
	}

	passages = FilterByCutoff(passages, plan.Cutoff)
	logging.Retrieval("Search kept %d passages (cutoff=%.2f)", len(passages), plan.Cutoff)
	return passages
}

// searchOne queries a single collection.
func (s *Searcher) searchOne(ctx context.Context, client *vectorstore.Client, name, query string, topK int) []Passage {
	col, err := client.Collection(ctx, name)
	if err != nil {
		logging.RetrievalWarn("Collection %s unavailable: %v", name, err)
		return nil
	}

	result, err := col.Query(ctx, query, topK, nil)
	if err != nil {
		logging.RetrievalWarn("Query against %s failed: %v", name, err)
		return nil
	}

	return toPassages(result)
}

// searchAll queries every collection in parallel and merges by similarity.
// A failed collection contributes nothing; the others still count.
func (s *Searcher) searchAll(ctx context.Context, client *vectorstore.Client, names []string, query string, topK int) []Passage {
	var mu sync.Mutex
	var merged []Passage

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			found := s.searchOne(gctx, client, name, query, topK)
			if len(found) > 0 {
				mu.Lock()
				merged = append(merged, found...)
				mu.Unlock()
			}
			return nil // failures already absorbed per collection
		})
	}
	g.Wait()

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

// toPassages converts a store result into passages. Cosine distance maps to
// similarity as 1-d so larger means closer, matching the routing scores.
func toPassages(result *vectorstore.QueryResult) []Passage {
	passages := make([]Passage, 0, len(result.Documents))
	for i, doc := range result.Documents {
		if doc == "" {
			continue
		}
		p := Passage{Content: doc}
		if i < len(result.Distances) {
			p.Similarity = 1 - result.Distances[i]
		}
		if i < len(result.Metadatas) && result.Metadatas[i] != nil {
			if src, ok := result.Metadatas[i]["source"].(string); ok {
				p.SourceID = src
			}
			if sec, ok := result.Metadatas[i]["section"].(string); ok {
				p.Section = sec
			}
		}
		if p.SourceID == "" && i < len(result.IDs) {
			p.SourceID = result.IDs[i]
		}
		passages = append(passages, p)
	}
	return passages
}

// FilterByCutoff keeps passages whose active score is at least cutoff.
// Raising the cutoff never admits a passage a lower cutoff rejected.
func FilterByCutoff(passages []Passage, cutoff float64) []Passage {
	kept := make([]Passage, 0, len(passages))
	for _, p := range passages {
		if p.Score() >= cutoff {
			kept = append(kept, p)
		}
	}
	return kept
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
