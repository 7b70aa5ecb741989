package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/vectorstore"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (fixedEmbedder) Dimensions() int { return 3 }
func (fixedEmbedder) Name() string    { return "fixed" }

// storeDoc is a canned document for the fake store.
type storeDoc struct {
	id       string
	content  string
	source   string
	section  string
	distance float64
}

// newFakeStore serves a Chroma-shaped API from canned per-collection docs.
func newFakeStore(t *testing.T, collections map[string][]storeDoc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v2/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	mux.HandleFunc("/api/v2/tenants/default_tenant/databases/default_database/collections/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		name := parts[len(parts)-1]

		if name == "query" {
			colID := parts[len(parts)-2]
			colName := strings.TrimPrefix(colID, "col-")
			docs, ok := collections[colName]
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}

			resp := struct {
				IDs       [][]string                 `json:"ids"`
				Documents [][]string                 `json:"documents"`
				Metadatas [][]map[string]interface{} `json:"metadatas"`
				Distances [][]float64                `json:"distances"`
			}{
				IDs:       [][]string{{}},
				Documents: [][]string{{}},
				Metadatas: [][]map[string]interface{}{{}},
				Distances: [][]float64{{}},
			}
			for _, d := range docs {
				resp.IDs[0] = append(resp.IDs[0], d.id)
				resp.Documents[0] = append(resp.Documents[0], d.content)
				resp.Metadatas[0] = append(resp.Metadatas[0], map[string]interface{}{
					"source": d.source, "section": d.section,
				})
				resp.Distances[0] = append(resp.Distances[0], d.distance)
			}
			json.NewEncoder(w).Encode(resp)
			return
		}

		if _, ok := collections[name]; !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "col-" + name, "name": name})
	})

	return httptest.NewServer(mux)
}

func newSearcher(server *httptest.Server, reranker *Reranker) *Searcher {
	handle := vectorstore.NewHandle(vectorstore.Config{BaseURL: server.URL}, fixedEmbedder{})
	return NewSearcher(handle, reranker)
}

func TestSearch(t *testing.T) {
	collections := map[string][]storeDoc{
		"knowledge": {
			{id: "k1", content: "I worked at Acme for five years.", source: "resume.md", section: "work", distance: 0.2},
			{id: "k2", content: "I studied physics in Berlin.", source: "resume.md", section: "education", distance: 0.5},
		},
		"blog": {
			{id: "b1", content: "My post about Go generics.", source: "generics.md", section: "", distance: 0.35},
		},
	}

	t.Run("single collection honors cutoff", func(t *testing.T) {
		server := newFakeStore(t, collections)
		defer server.Close()

		s := newSearcher(server, nil)
		passages := s.Search(context.Background(), "where did you work",
			Plan{Collections: []string{"knowledge"}, TopK: 5, Cutoff: 0.6})

		require.Len(t, passages, 1)
		assert.Equal(t, "resume.md", passages[0].SourceID)
		assert.InDelta(t, 0.8, passages[0].Similarity, 1e-9)
	})

	t.Run("broad search merges collections by similarity", func(t *testing.T) {
		server := newFakeStore(t, collections)
		defer server.Close()

		s := newSearcher(server, nil)
		passages := s.Search(context.Background(), "what have you done",
			Plan{Collections: []string{"knowledge", "blog"}, TopK: 5, Cutoff: 0.0})

		require.Len(t, passages, 3)
		assert.Equal(t, "k1", firstWords(passages[0].Content), "closest passage first")
		for i := 1; i < len(passages); i++ {
			assert.GreaterOrEqual(t, passages[i-1].Similarity, passages[i].Similarity)
		}
	})

	t.Run("missing collection degrades to others", func(t *testing.T) {
		server := newFakeStore(t, collections)
		defer server.Close()

		s := newSearcher(server, nil)
		passages := s.Search(context.Background(), "anything",
			Plan{Collections: []string{"knowledge", "ghost"}, TopK: 5, Cutoff: 0.0})

		assert.Len(t, passages, 2)
	})

	t.Run("store down yields empty not error", func(t *testing.T) {
		server := newFakeStore(t, collections)
		server.Close() // kill it before use

		s := newSearcher(server, nil)
		passages := s.Search(context.Background(), "anything",
			Plan{Collections: []string{"knowledge"}, TopK: 5, Cutoff: 0.0})

		assert.Empty(t, passages)
	})

	t.Run("empty plan yields empty", func(t *testing.T) {
		server := newFakeStore(t, collections)
		defer server.Close()

		s := newSearcher(server, nil)
		assert.Empty(t, s.Search(context.Background(), "q", Plan{}))
	})
}

// firstWords maps canned content back to its doc ID for assertions.
func firstWords(content string) string {
	switch {
	case strings.HasPrefix(content, "I worked"):
		return "k1"
	case strings.HasPrefix(content, "I studied"):
		return "k2"
	case strings.HasPrefix(content, "My post"):
		return "b1"
	}
	return "?"
}

func TestFilterByCutoffMonotonicity(t *testing.T) {
	passages := []Passage{
		{Content: "a", Similarity: 0.9},
		{Content: "b", Similarity: 0.6},
		{Content: "c", Similarity: 0.4},
		{Content: "d", Similarity: 0.1},
	}

	cutoffs := []float64{0.0, 0.2, 0.5, 0.7, 0.95}
	prev := FilterByCutoff(passages, cutoffs[0])
	for _, cutoff := range cutoffs[1:] {
		kept := FilterByCutoff(passages, cutoff)
		assert.LessOrEqual(t, len(kept), len(prev),
			"raising cutoff %0.2f must not admit more passages", cutoff)

		// Everything kept at the higher cutoff was kept at the lower one.
		for _, p := range kept {
			found := false
			for _, q := range prev {
				if q.Content == p.Content {
					found = true
					break
				}
			}
			assert.True(t, found, "passage %q appeared only at higher cutoff", p.Content)
		}
		prev = kept
	}
}

func TestReranker(t *testing.T) {
	passages := []Passage{
		{Content: "closest by vector", Similarity: 0.9},
		{Content: "actually most relevant", Similarity: 0.7},
	}

	t.Run("reorders by relevance score", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req rerankRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.Documents, 2)

			w.Write([]byte(`{"results": [
				{"index": 0, "relevance_score": 0.3},
				{"index": 1, "relevance_score": 0.95}
			]}`))
		}))
		defer server.Close()

		r := NewReranker(RerankConfig{Endpoint: server.URL})
		reranked := r.Rerank(context.Background(), "query", passages)

		require.Len(t, reranked, 2)
		assert.Equal(t, "actually most relevant", reranked[0].Content)
		require.NotNil(t, reranked[0].Relevance)
		assert.Equal(t, 0.95, *reranked[0].Relevance)
	})

	t.Run("failure keeps similarity order", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		defer server.Close()

		r := NewReranker(RerankConfig{Endpoint: server.URL})
		reranked := r.Rerank(context.Background(), "query", passages)

		require.Len(t, reranked, 2)
		assert.Equal(t, "closest by vector", reranked[0].Content)
		assert.Nil(t, reranked[0].Relevance)
	})
}
