package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"concierge/internal/logging"
)

// Reranker scores passages against the query with a cross-encoder rerank
// API. It refines ordering after vector search; when the call fails the
// original similarity ordering stands.
type Reranker struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

// RerankConfig holds reranker construction parameters.
type RerankConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NewReranker creates a rerank client.
func NewReranker(cfg RerankConfig) *Reranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Reranker{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

// Rerank attaches relevance scores to passages and re-sorts by them.
// On any failure the input comes back unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, passages []Passage) []Passage {
	if len(passages) == 0 {
		return passages
	}

	docs := make([]string, len(passages))
	for i, p := range passages {
		docs[i] = p.Content
	}

	scores, err := r.score(ctx, query, docs)
	if err != nil {
		logging.RetrievalWarn("Rerank failed, keeping similarity order: %v", err)
		return passages
	}

	reranked := make([]Passage, len(passages))
	copy(reranked, passages)
	for idx, score := range scores {
		if idx >= 0 && idx < len(reranked) {
			s := score
			reranked[idx].Relevance = &s
		}
	}

	// Stable sort by rerank score; unscored passages sink.
	for i := 0; i < len(reranked); i++ {
		for j := i + 1; j < len(reranked); j++ {
			if reranked[j].Score() > reranked[i].Score() {
				reranked[i], reranked[j] = reranked[j], reranked[i]
			}
		}
	}

	return reranked
}

// score calls the rerank API and returns index -> relevance.
func (r *Reranker) score(ctx context.Context, query string, docs []string) (map[int]float64, error) {
	reqBody := rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: docs,
		TopN:      len(docs),
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	scores := make(map[int]float64, len(result.Results))
	for _, res := range result.Results {
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}
