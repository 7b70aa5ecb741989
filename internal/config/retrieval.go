package config

// RetrievalConfig tunes vector search and context assembly.
type RetrievalConfig struct {
	// DefaultCollection serves narrow (high-confidence) retrieval.
	DefaultCollection string `yaml:"default_collection" json:"default_collection"`

	// Collections are all searchable collections; broad retrieval queries
	// every one of them in parallel and merges by distance.
	Collections []string `yaml:"collections" json:"collections"`

	// ContextBudget caps assembled context size in characters.
	ContextBudget int `yaml:"context_budget" json:"context_budget"`

	// MaxPerSource limits passages taken from a single source document
	// during the diversity pass. 0 disables the limit.
	MaxPerSource int `yaml:"max_per_source" json:"max_per_source"`
}

// DefaultRetrievalConfig returns retrieval defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		DefaultCollection: "knowledge",
		Collections:       []string{"knowledge", "blog", "projects"},
		ContextBudget:     6000,
		MaxPerSource:      2,
	}
}
