package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"concierge/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vecEmbedder returns canned unit vectors per text so tests control every
// similarity score exactly.
type vecEmbedder struct {
	vectors map[string][]float32
	fail    bool
	calls   int
}

func (e *vecEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("embedding backend down")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (e *vecEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *vecEmbedder) Dimensions() int { return 3 }
func (e *vecEmbedder) Name() string    { return "test:canned" }

func testRoutingConfig() config.RoutingConfig {
	cfg := config.DefaultRoutingConfig()
	cfg.Exemplars = map[string][]string{
		"resume": {"what is your work experience"},
		"music":  {"what are you listening to"},
	}
	cfg.ToolCategories = map[string]string{"music": "spotify_now_playing"}
	cfg.CachePath = ""
	return cfg
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		DefaultCollection: "knowledge",
		Collections:       []string{"knowledge", "blog", "projects"},
		ContextBudget:     6000,
		MaxPerSource:      2,
	}
}

// newTestRouter wires exemplar vectors so "resume" sits on the x axis and
// "music" on the y axis; query vectors then dial in any score.
func newTestRouter(t *testing.T, queries map[string][]float32) (*EmbeddingRouter, *vecEmbedder) {
	t.Helper()
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"what is your work experience": {1, 0, 0},
		"what are you listening to":    {0, 1, 0},
	}}
	for text, vec := range queries {
		embedder.vectors[text] = vec
	}
	return NewEmbeddingRouter(embedder, testRoutingConfig(), testRetrievalConfig(), t.TempDir()), embedder
}

func TestEmbeddingRouterBands(t *testing.T) {
	ctx := context.Background()

	t.Run("strong match narrows to the category collection", func(t *testing.T) {
		r, _ := newTestRouter(t, map[string][]float32{"about your resume": {0.9, 0.1, 0}})
		d := r.Decide(ctx, "about your resume", nil)
		assert.True(t, d.UsePersonalKnowledge)
		assert.Equal(t, "resume", d.Category)
		assert.Equal(t, []string{"knowledge"}, d.Plan.Collections, "resume has no dedicated collection")
		assert.Equal(t, 3, d.Plan.TopK)
		assert.InDelta(t, 0.3, d.Plan.Cutoff, 1e-9)
	})

	t.Run("middle match broadens with a higher cutoff", func(t *testing.T) {
		r, _ := newTestRouter(t, map[string][]float32{"hmm work stuff": {0.5, 0, 0.866}})
		d := r.Decide(ctx, "hmm work stuff", nil)
		assert.True(t, d.UsePersonalKnowledge)
		assert.Len(t, d.Plan.Collections, 3)
		assert.Equal(t, 5, d.Plan.TopK)
		assert.InDelta(t, 0.4, d.Plan.Cutoff, 1e-9)
	})

	t.Run("weak match goes widest with the highest cutoff", func(t *testing.T) {
		r, _ := newTestRouter(t, map[string][]float32{"tell me a joke": {0.1, 0, 0.995}})
		d := r.Decide(ctx, "tell me a joke", nil)
		assert.True(t, d.UsePersonalKnowledge)
		assert.Equal(t, 8, d.Plan.TopK)
		assert.InDelta(t, 0.5, d.Plan.Cutoff, 1e-9)
	})

	t.Run("strong tool match is a direct reply", func(t *testing.T) {
		r, _ := newTestRouter(t, map[string][]float32{"what song is on": {0, 0.95, 0.312}})
		d := r.Decide(ctx, "what song is on", nil)
		assert.Equal(t, "spotify_now_playing", d.ToolName)
		assert.True(t, d.DirectReply)
		assert.False(t, d.UsePersonalKnowledge)
	})

	t.Run("middle tool match asks for elaboration", func(t *testing.T) {
		r, _ := newTestRouter(t, map[string][]float32{"music taste": {0, 0.5, 0.866}})
		d := r.Decide(ctx, "music taste", nil)
		assert.Equal(t, "spotify_now_playing", d.ToolName)
		assert.False(t, d.DirectReply)
	})
}

func TestEmbeddingRouterDeterminism(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]float32{"about your resume": {0.9, 0.1, 0}})
	ctx := context.Background()

	first := r.Decide(ctx, "about your resume", nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Decide(ctx, "about your resume", nil))
	}
}

func TestEmbeddingRouterTieBreak(t *testing.T) {
	// Both exemplars score identically; categories are scanned in sorted
	// name order so "music" must win every time.
	embedder := &vecEmbedder{vectors: map[string][]float32{
		"what is your work experience": {1, 0, 0},
		"what are you listening to":    {1, 0, 0},
		"ambiguous":                    {1, 0, 0},
	}}
	r := NewEmbeddingRouter(embedder, testRoutingConfig(), testRetrievalConfig(), t.TempDir())

	for i := 0; i < 5; i++ {
		d := r.Decide(context.Background(), "ambiguous", nil)
		assert.Equal(t, "music", d.Category)
	}
}

// constEmbedder returns a fixed unit vector for every text and is safe for
// concurrent use.
type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (constEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (constEmbedder) Dimensions() int { return 3 }
func (constEmbedder) Name() string    { return "test:const" }

func TestEmbeddingRouterDecideDuringReload(t *testing.T) {
	// The watcher goroutine swaps routing and retrieval config while Decide
	// runs; every decision must still be built from one coherent snapshot.
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	r := NewEmbeddingRouter(constEmbedder{}, testRoutingConfig(), testRetrievalConfig(), dir)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d := r.Decide(context.Background(), "about your resume", nil)
				if d.UsePersonalKnowledge {
					assert.NotEmpty(t, d.Plan.Collections)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			r.reloadConfig(path)
		}
	}()
	wg.Wait()
}

func TestEmbeddingRouterFallback(t *testing.T) {
	embedder := &vecEmbedder{fail: true}
	r := NewEmbeddingRouter(embedder, testRoutingConfig(), testRetrievalConfig(), t.TempDir())

	d := r.Decide(context.Background(), "anything", nil)
	assert.True(t, d.UsePersonalKnowledge)
	assert.Empty(t, d.ToolName)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.NotEmpty(t, d.Plan.Collections, "fallback still carries a usable retrieval plan")
}

func TestExemplarCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testRoutingConfig()
	cfg.CachePath = filepath.Join(dir, "intent_cache.json")

	embedder := &vecEmbedder{vectors: map[string][]float32{
		"what is your work experience": {1, 0, 0},
		"what are you listening to":    {0, 1, 0},
	}}
	r := NewEmbeddingRouter(embedder, cfg, testRetrievalConfig(), dir)

	r.Decide(context.Background(), "warm up", nil)
	firstBuildCalls := embedder.calls
	require.FileExists(t, cfg.CachePath)

	// A fresh router with the same config loads the cache instead of
	// re-embedding the exemplars.
	embedder2 := &vecEmbedder{vectors: embedder.vectors}
	r2 := NewEmbeddingRouter(embedder2, cfg, testRetrievalConfig(), dir)
	r2.Decide(context.Background(), "warm up", nil)
	assert.Equal(t, 1, embedder2.calls, "only the query should be embedded")
	assert.Greater(t, firstBuildCalls, 1)

	// Changing the exemplar phrases invalidates the cache.
	cfg3 := cfg
	cfg3.Exemplars = map[string][]string{
		"resume": {"rewritten phrase"},
		"music":  {"what are you listening to"},
	}
	embedder3 := &vecEmbedder{vectors: embedder.vectors}
	r3 := NewEmbeddingRouter(embedder3, cfg3, testRetrievalConfig(), dir)
	r3.Decide(context.Background(), "warm up", nil)
	assert.Greater(t, embedder3.calls, 1, "stale cache must trigger a rebuild")
}

func TestInvalidateDropsCache(t *testing.T) {
	dir := t.TempDir()
	cfg := testRoutingConfig()
	cfg.CachePath = filepath.Join(dir, "intent_cache.json")

	embedder := &vecEmbedder{vectors: map[string][]float32{
		"what is your work experience": {1, 0, 0},
		"what are you listening to":    {0, 1, 0},
	}}
	r := NewEmbeddingRouter(embedder, cfg, testRetrievalConfig(), dir)
	r.Decide(context.Background(), "warm up", nil)
	require.FileExists(t, cfg.CachePath)

	r.Invalidate()
	_, err := os.Stat(cfg.CachePath)
	assert.True(t, os.IsNotExist(err))
}

// stubCompleter returns a fixed response or error.
type stubCompleter struct {
	response string
	err      error
}

func (s *stubCompleter) Complete(context.Context, string, string) (string, error) {
	return s.response, s.err
}

func TestLLMRouterDecide(t *testing.T) {
	routing := testRoutingConfig()
	retr := testRetrievalConfig()
	ctx := context.Background()

	t.Run("plain JSON decision", func(t *testing.T) {
		r := NewLLMRouter(&stubCompleter{response: `{"usePersonalKnowledge": true, "toolName": "", "confidence": 0.9, "category": "resume"}`}, routing, retr)
		d := r.Decide(ctx, "what did you study", nil)
		assert.True(t, d.UsePersonalKnowledge)
		assert.Equal(t, "resume", d.Category)
		assert.NotEmpty(t, d.Plan.Collections)
	})

	t.Run("fenced JSON is unwrapped", func(t *testing.T) {
		r := NewLLMRouter(&stubCompleter{response: "```json\n{\"usePersonalKnowledge\": false, \"toolName\": \"spotify_now_playing\", \"confidence\": 0.8}\n```"}, routing, retr)
		d := r.Decide(ctx, "what's playing", nil)
		assert.Equal(t, "spotify_now_playing", d.ToolName)
		assert.True(t, d.DirectReply)
	})

	t.Run("JSON buried in prose", func(t *testing.T) {
		r := NewLLMRouter(&stubCompleter{response: `Sure! Here is my classification: {"usePersonalKnowledge": true, "toolName": "", "confidence": 0.7} Hope that helps.`}, routing, retr)
		d := r.Decide(ctx, "background?", nil)
		assert.True(t, d.UsePersonalKnowledge)
		assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	})

	t.Run("garbage response falls back", func(t *testing.T) {
		r := NewLLMRouter(&stubCompleter{response: "I think this is about music, probably?"}, routing, retr)
		d := r.Decide(ctx, "hm", nil)
		assert.Equal(t, SafeFallback().Confidence, d.Confidence)
		assert.True(t, d.UsePersonalKnowledge)
	})

	t.Run("transport error falls back", func(t *testing.T) {
		r := NewLLMRouter(&stubCompleter{err: errors.New("connection refused")}, routing, retr)
		d := r.Decide(ctx, "hm", nil)
		assert.True(t, d.UsePersonalKnowledge)
		assert.Empty(t, d.ToolName)
	})

	t.Run("unknown tool name falls back", func(t *testing.T) {
		r := NewLLMRouter(&stubCompleter{response: `{"usePersonalKnowledge": false, "toolName": "rm_rf_slash", "confidence": 0.99}`}, routing, retr)
		d := r.Decide(ctx, "hm", nil)
		assert.Empty(t, d.ToolName)
		assert.True(t, d.UsePersonalKnowledge)
	})

	t.Run("out of range confidence rejected", func(t *testing.T) {
		r := NewLLMRouter(&stubCompleter{response: `{"usePersonalKnowledge": true, "toolName": "", "confidence": 7.5}`}, routing, retr)
		d := r.Decide(ctx, "hm", nil)
		assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	})
}

func TestStripMarkdownCodeFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":  `{"a":1}`,
		"```\n{\"a\":1}\n```":      `{"a":1}`,
		`{"a":1}`:                  `{"a":1}`,
		"no fences just text":      "no fences just text",
		"```json\nno closing":      "```json\nno closing",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripMarkdownCodeFences(in))
	}
}
