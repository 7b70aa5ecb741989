package config

import "fmt"

// RoutingConfig holds intent routing strategy and thresholds.
//
// The embedding strategy compares the user message against exemplar phrases
// per category and maps the best score into one of three bands:
//
//	score >= StrongThreshold  -> narrow retrieval in the winning category
//	score >= WeakThreshold    -> broad retrieval, higher cutoff
//	otherwise                 -> widest retrieval, highest cutoff
type RoutingConfig struct {
	// Strategy: "embedding" or "llm"
	Strategy string `yaml:"strategy" json:"strategy"`

	StrongThreshold float64 `yaml:"strong_threshold" json:"strong_threshold"`
	WeakThreshold   float64 `yaml:"weak_threshold" json:"weak_threshold"`

	NarrowTopK   int     `yaml:"narrow_top_k" json:"narrow_top_k"`
	NarrowCutoff float64 `yaml:"narrow_cutoff" json:"narrow_cutoff"`
	BroadTopK    int     `yaml:"broad_top_k" json:"broad_top_k"`
	BroadCutoff  float64 `yaml:"broad_cutoff" json:"broad_cutoff"`
	WideTopK     int     `yaml:"wide_top_k" json:"wide_top_k"`
	WideCutoff   float64 `yaml:"wide_cutoff" json:"wide_cutoff"`

	// Exemplars maps each intent category to representative phrases.
	Exemplars map[string][]string `yaml:"exemplars" json:"exemplars"`

	// ToolCategories maps intent categories to tool names. A winning
	// category present here routes to the tool gateway instead of retrieval.
	ToolCategories map[string]string `yaml:"tool_categories" json:"tool_categories"`

	// CachePath stores exemplar embeddings between runs. Relative paths
	// resolve against the workspace.
	CachePath string `yaml:"cache_path" json:"cache_path"`

	// HistoryTurns limits conversation context shown to the LLM strategy.
	HistoryTurns int `yaml:"history_turns" json:"history_turns"`
}

// DefaultRoutingConfig returns routing defaults tuned for a portfolio site.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Strategy:        "embedding",
		StrongThreshold: 0.6,
		WeakThreshold:   0.4,
		NarrowTopK:      3,
		NarrowCutoff:    0.3,
		BroadTopK:       5,
		BroadCutoff:     0.4,
		WideTopK:        8,
		WideCutoff:      0.5,
		Exemplars: map[string][]string{
			"resume": {
				"what is your work experience",
				"tell me about your background",
				"where did you study",
				"what technologies do you know",
			},
			"projects": {
				"what projects have you built",
				"tell me about your side projects",
				"show me something you made",
			},
			"blog": {
				"what have you written about",
				"do you have any articles on this",
				"summarize your latest blog post",
			},
			"music": {
				"what are you listening to",
				"what song is playing right now",
				"what music do you like",
			},
			"activity": {
				"what are you working on lately",
				"what have you pushed recently",
				"are you active on github",
			},
		},
		ToolCategories: map[string]string{
			"music":    "spotify_now_playing",
			"activity": "github_activity",
		},
		CachePath:    ".concierge/intent_cache.json",
		HistoryTurns: 4,
	}
}

// Validate checks band ordering and exemplar coverage.
func (r *RoutingConfig) Validate() error {
	if r.Strategy != "embedding" && r.Strategy != "llm" {
		return fmt.Errorf("invalid routing strategy: %s (use 'embedding' or 'llm')", r.Strategy)
	}
	if r.StrongThreshold < r.WeakThreshold {
		return fmt.Errorf("strong_threshold (%.2f) must be >= weak_threshold (%.2f)",
			r.StrongThreshold, r.WeakThreshold)
	}
	if r.NarrowCutoff > r.BroadCutoff || r.BroadCutoff > r.WideCutoff {
		return fmt.Errorf("retrieval cutoffs must not decrease as matches weaken (narrow %.2f, broad %.2f, wide %.2f)",
			r.NarrowCutoff, r.BroadCutoff, r.WideCutoff)
	}
	if r.Strategy == "embedding" && len(r.Exemplars) == 0 {
		return fmt.Errorf("embedding routing strategy requires exemplars")
	}
	for cat := range r.ToolCategories {
		if _, ok := r.Exemplars[cat]; !ok {
			return fmt.Errorf("tool category %q has no exemplars", cat)
		}
	}
	return nil
}
