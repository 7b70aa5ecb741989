package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"concierge/internal/chat"
	"concierge/internal/config"
	"concierge/internal/embedding"
	"concierge/internal/logging"
	"concierge/internal/retrieval"

	"github.com/fsnotify/fsnotify"
)

// exemplarTable holds embeddings for every exemplar phrase, grouped by
// category in a fixed order so argmax ties resolve the same way every run.
// It persists to disk as a regenerable cache keyed by engine name.
type exemplarTable struct {
	Engine     string             `json:"engine"`
	Categories []exemplarCategory `json:"categories"`
}

type exemplarCategory struct {
	Name    string      `json:"name"`
	Phrases []string    `json:"phrases"`
	Vectors [][]float32 `json:"vectors"`
}

// EmbeddingRouter routes by cosine similarity between the message embedding
// and cached exemplar embeddings. Deterministic for a fixed exemplar table.
type EmbeddingRouter struct {
	engine       embedding.Engine
	workspaceDir string

	mu        sync.RWMutex
	routing   config.RoutingConfig
	retrieval config.RetrievalConfig
	table     *exemplarTable

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ Router = (*EmbeddingRouter)(nil)

// NewEmbeddingRouter creates a router. The exemplar table is built lazily on
// the first Decide call (loading the disk cache when it matches the current
// engine and phrase lists).
func NewEmbeddingRouter(engine embedding.Engine, routing config.RoutingConfig, retr config.RetrievalConfig, workspaceDir string) *EmbeddingRouter {
	return &EmbeddingRouter{
		engine:       engine,
		workspaceDir: workspaceDir,
		routing:      routing,
		retrieval:    retr,
		stopCh:       make(chan struct{}),
	}
}

// Decide classifies a message. Never returns an error: exemplar-table or
// embedding failures degrade to the safe fallback decision.
func (r *EmbeddingRouter) Decide(ctx context.Context, message string, _ []chat.Message) IntentDecision {
	// Snapshot both config sections under one lock: the watcher goroutine
	// swaps them in reloadConfig.
	r.mu.RLock()
	routing := r.routing
	retr := r.retrieval
	r.mu.RUnlock()

	table, err := r.ensureTable(ctx)
	if err != nil {
		logging.RoutingWarn("Exemplar table unavailable, using fallback decision: %v", err)
		return r.fallback()
	}

	queryVec, err := r.engine.Embed(ctx, message)
	if err != nil {
		logging.RoutingWarn("Query embedding failed, using fallback decision: %v", err)
		return r.fallback()
	}

	bestCategory, bestScore := classify(table, queryVec)
	if bestCategory == "" {
		return r.fallback()
	}

	logging.RoutingDebug("Intent %q scored %.3f for message %q", bestCategory, bestScore, message)

	rationale := fmt.Sprintf("exemplar match %q at %.3f", bestCategory, bestScore)

	if toolName, ok := routing.ToolCategories[bestCategory]; ok && bestScore >= routing.WeakThreshold {
		return IntentDecision{
			ToolName:    toolName,
			Confidence:  bestScore,
			Category:    bestCategory,
			Rationale:   rationale,
			DirectReply: bestScore >= routing.StrongThreshold,
		}
	}

	decision := IntentDecision{
		UsePersonalKnowledge: true,
		Confidence:           bestScore,
		Category:             bestCategory,
		Rationale:            rationale,
	}

	switch {
	case bestScore >= routing.StrongThreshold:
		decision.Plan = retrieval.Plan{
			Collections: []string{collectionFor(retr, bestCategory)},
			TopK:        routing.NarrowTopK,
			Cutoff:      routing.NarrowCutoff,
		}
	case bestScore >= routing.WeakThreshold:
		decision.Plan = retrieval.Plan{
			Collections: retr.Collections,
			TopK:        routing.BroadTopK,
			Cutoff:      routing.BroadCutoff,
		}
	default:
		decision.Plan = retrieval.Plan{
			Collections: retr.Collections,
			TopK:        routing.WideTopK,
			Cutoff:      routing.WideCutoff,
		}
	}

	return decision
}

// classify returns the best-scoring category. Categories are scanned in
// table order and only a strictly greater score displaces the leader, so
// exact ties go to the first-seen category.
func classify(table *exemplarTable, queryVec []float32) (string, float64) {
	bestCategory := ""
	bestScore := -2.0

	for _, cat := range table.Categories {
		for _, vec := range cat.Vectors {
			score, err := embedding.CosineSimilarity(queryVec, vec)
			if err != nil {
				continue
			}
			if score > bestScore {
				bestScore = score
				bestCategory = cat.Name
			}
		}
	}

	return bestCategory, bestScore
}

func (r *EmbeddingRouter) fallback() IntentDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decision := SafeFallback()
	decision.Plan = retrieval.Plan{
		Collections: r.retrieval.Collections,
		TopK:        r.routing.BroadTopK,
		Cutoff:      r.routing.BroadCutoff,
	}
	return decision
}

// collectionFor maps an intent category to a vector-store collection. A
// category sharing a collection's name narrows to it; anything else falls
// back to the default collection.
func collectionFor(retr config.RetrievalConfig, category string) string {
	for _, name := range retr.Collections {
		if name == category {
			return name
		}
	}
	return retr.DefaultCollection
}

// ensureTable returns the exemplar table, building it on first use.
// Concurrent first callers collapse to one build.
func (r *EmbeddingRouter) ensureTable(ctx context.Context) (*exemplarTable, error) {
	r.mu.RLock()
	table := r.table
	r.mu.RUnlock()
	if table != nil {
		return table, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table != nil {
		return r.table, nil
	}

	if cached := r.loadCache(); cached != nil {
		r.table = cached
		return cached, nil
	}

	built, err := r.buildTable(ctx)
	if err != nil {
		return nil, err
	}
	r.table = built
	r.saveCache(built)
	return built, nil
}

// buildTable embeds every exemplar phrase, category by category in sorted
// name order.
func (r *EmbeddingRouter) buildTable(ctx context.Context) (*exemplarTable, error) {
	timer := logging.StartTimer(logging.CategoryRouting, "buildExemplarTable")
	defer timer.Stop()

	names := make([]string, 0, len(r.routing.Exemplars))
	for name := range r.routing.Exemplars {
		names = append(names, name)
	}
	sort.Strings(names)

	table := &exemplarTable{Engine: r.engine.Name()}
	for _, name := range names {
		phrases := r.routing.Exemplars[name]
		vectors, err := r.engine.EmbedBatch(ctx, phrases)
		if err != nil {
			return nil, err
		}
		table.Categories = append(table.Categories, exemplarCategory{
			Name:    name,
			Phrases: phrases,
			Vectors: vectors,
		})
	}

	logging.Routing("Built exemplar table: %d categories via %s", len(table.Categories), table.Engine)
	return table, nil
}

func (r *EmbeddingRouter) cachePath() string {
	path := r.routing.CachePath
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.workspaceDir, path)
	}
	return path
}

// loadCache reads the persisted table if it matches the current engine and
// exemplar phrases. A stale or unreadable cache is simply ignored; the
// table is fully regenerable.
func (r *EmbeddingRouter) loadCache() *exemplarTable {
	path := r.cachePath()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var table exemplarTable
	if err := json.Unmarshal(data, &table); err != nil {
		logging.RoutingDebug("Ignoring unreadable exemplar cache at %s: %v", path, err)
		return nil
	}

	if table.Engine != r.engine.Name() || !cacheMatches(&table, r.routing.Exemplars) {
		logging.RoutingDebug("Exemplar cache at %s is stale, rebuilding", path)
		return nil
	}

	logging.Routing("Loaded exemplar cache: %d categories from %s", len(table.Categories), path)
	return &table
}

// cacheMatches verifies the cached phrase lists equal the configured ones.
func cacheMatches(table *exemplarTable, exemplars map[string][]string) bool {
	if len(table.Categories) != len(exemplars) {
		return false
	}
	for _, cat := range table.Categories {
		phrases, ok := exemplars[cat.Name]
		if !ok || len(phrases) != len(cat.Phrases) || len(cat.Vectors) != len(cat.Phrases) {
			return false
		}
		for i, p := range phrases {
			if cat.Phrases[i] != p {
				return false
			}
		}
	}
	return true
}

func (r *EmbeddingRouter) saveCache(table *exemplarTable) {
	path := r.cachePath()
	if path == "" {
		return
	}

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logging.RoutingWarn("Cannot create exemplar cache dir: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.RoutingWarn("Cannot persist exemplar cache: %v", err)
	}
}

// Invalidate drops the in-memory table and the disk cache so the next
// Decide rebuilds from the current exemplar configuration.
func (r *EmbeddingRouter) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = nil
	if path := r.cachePath(); path != "" {
		os.Remove(path)
	}
}

// WatchConfig watches the config file and reloads routing settings when it
// changes, invalidating the exemplar cache. Call Close to stop watching.
func (r *EmbeddingRouter) WatchConfig(configPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files on save, which drops
	// watches registered on the file itself.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return err
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watchLoop(watcher, configPath)
	return nil
}

func (r *EmbeddingRouter) watchLoop(watcher *fsnotify.Watcher, configPath string) {
	defer r.wg.Done()

	target := filepath.Clean(configPath)
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.reloadConfig(configPath)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.RoutingWarn("Config watcher error: %v", err)
		}
	}
}

func (r *EmbeddingRouter) reloadConfig(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logging.RoutingWarn("Config changed but reload failed, keeping previous routing: %v", err)
		return
	}
	if err := cfg.Routing.Validate(); err != nil {
		logging.RoutingWarn("Config changed but routing is invalid, keeping previous: %v", err)
		return
	}

	r.mu.Lock()
	r.routing = cfg.Routing
	r.retrieval = cfg.Retrieval
	r.table = nil
	r.mu.Unlock()

	logging.Routing("Routing config reloaded from %s, exemplar table invalidated", configPath)
}

// Close stops the config watcher if one is running.
func (r *EmbeddingRouter) Close() error {
	r.mu.Lock()
	watcher := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(r.stopCh)
	err := watcher.Close()
	r.wg.Wait()
	return err
}
