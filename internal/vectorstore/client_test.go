package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	vector []float32
	err    error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vector, s.err
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vector
	}
	return out, s.err
}

func (s *stubEmbedder) Dimensions() int { return len(s.vector) }
func (s *stubEmbedder) Name() string    { return "stub" }

func newStoreServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v2/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nanosecond heartbeat": 1}`))
	})

	mux.HandleFunc("/api/v2/tenants/default_tenant/databases/default_database/collections/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/query") {
			var req queryRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.QueryEmbeddings, 1)

			json.NewEncoder(w).Encode(queryResponse{
				IDs:       [][]string{{"doc-1", "doc-2"}},
				Documents: [][]string{{"I worked at Acme.", "I studied physics."}},
				Metadatas: [][]map[string]interface{}{{
					{"source": "resume.md", "section": "work"},
					{"source": "resume.md", "section": "education"},
				}},
				Distances: [][]float64{{0.12, 0.34}},
			})
			return
		}

		name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if name == "missing" {
			http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(collectionMeta{ID: "col-" + name, Name: name})
	})

	return httptest.NewServer(mux)
}

func TestClientQuery(t *testing.T) {
	server := newStoreServer(t)
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, &stubEmbedder{vector: []float32{0.1, 0.2}})

	require.NoError(t, client.Heartbeat(context.Background()))

	col, err := client.Collection(context.Background(), "knowledge")
	require.NoError(t, err)
	assert.Equal(t, "knowledge", col.Name())

	result, err := col.Query(context.Background(), "where did you work", 2, nil)
	require.NoError(t, err)
	require.Len(t, result.Documents, 2)
	assert.Equal(t, "doc-1", result.IDs[0])
	assert.Equal(t, "I worked at Acme.", result.Documents[0])
	assert.Equal(t, "resume.md", result.Metadatas[0]["source"])
	assert.Less(t, result.Distances[0], result.Distances[1])
}

func TestCollectionNotFound(t *testing.T) {
	server := newStoreServer(t)
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, &stubEmbedder{vector: []float32{0.1}})

	_, err := client.Collection(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestQueryEmbedFailure(t *testing.T) {
	server := newStoreServer(t)
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, &stubEmbedder{err: assert.AnError})

	col, err := client.Collection(context.Background(), "knowledge")
	require.NoError(t, err)

	_, err = col.Query(context.Background(), "anything", 3, nil)
	assert.ErrorContains(t, err, "failed to embed query")
}

func TestHandleGetOnce(t *testing.T) {
	var heartbeats int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&heartbeats, 1)
		w.Write([]byte(`{}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	handle := NewHandle(Config{BaseURL: server.URL}, &stubEmbedder{vector: []float32{1}})

	var wg sync.WaitGroup
	clients := make([]*Client, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := handle.Get(context.Background())
			require.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&heartbeats), "concurrent first use should connect once")
	for i := 1; i < 8; i++ {
		assert.Same(t, clients[0], clients[i])
	}
}

func TestHandleRetriesAfterFailure(t *testing.T) {
	var healthy atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	handle := NewHandle(Config{BaseURL: server.URL}, &stubEmbedder{vector: []float32{1}})

	_, err := handle.Get(context.Background())
	assert.Error(t, err)

	healthy.Store(true)
	client, err := handle.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, client)
}
