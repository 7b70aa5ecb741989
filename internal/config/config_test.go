package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "concierge", cfg.Name)
	assert.Equal(t, "embedding", cfg.Routing.Strategy)
	assert.Equal(t, 0.6, cfg.Routing.StrongThreshold)
	assert.Equal(t, 0.4, cfg.Routing.WeakThreshold)
	assert.Greater(t, cfg.Routing.BroadTopK, cfg.Routing.NarrowTopK,
		"broad retrieval should fetch more than narrow")
	assert.Greater(t, cfg.Routing.WideTopK, cfg.Routing.BroadTopK,
		"wide retrieval should fetch the most")
	assert.LessOrEqual(t, cfg.Routing.NarrowCutoff, cfg.Routing.BroadCutoff)
	assert.LessOrEqual(t, cfg.Routing.BroadCutoff, cfg.Routing.WideCutoff)
	assert.NotEmpty(t, cfg.Routing.Exemplars)
	assert.NotEmpty(t, cfg.Retrieval.Collections)
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "concierge", cfg.Name)
	})

	t.Run("yaml file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
routing:
  strategy: llm
  strong_threshold: 0.7
llm:
  model: gpt-4o
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "llm", cfg.Routing.Strategy)
		assert.Equal(t, 0.7, cfg.Routing.StrongThreshold)
		assert.Equal(t, "gpt-4o", cfg.LLM.Model)
		// Untouched fields keep defaults
		assert.Equal(t, 0.4, cfg.Routing.WeakThreshold)
	})

	t.Run("json file parses", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		content := `{"routing": {"strategy": "embedding", "narrow_top_k": 7}}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Routing.NarrowTopK)
	})

	t.Run("malformed yaml errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("routing: ["), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("api keys come from environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-openai")
		t.Setenv("GEMINI_API_KEY", "gm-key")
		t.Setenv("RERANK_API_KEY", "rr-key")

		cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "sk-openai", cfg.LLM.APIKey)
		assert.Equal(t, "gm-key", cfg.Embedding.GenAIAPIKey)
		assert.Equal(t, "rr-key", cfg.Rerank.APIKey)
	})

	t.Run("concierge key wins over openai key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-openai")
		t.Setenv("CONCIERGE_LLM_API_KEY", "sk-concierge")

		cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "sk-concierge", cfg.LLM.APIKey)
	})

	t.Run("mcp url switches protocol to http", func(t *testing.T) {
		t.Setenv("CONCIERGE_MCP_URL", "http://tools:9000/mcp")

		cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "http://tools:9000/mcp", cfg.Tools.Server.URL)
		assert.Equal(t, "http", cfg.Tools.Server.Protocol)
	})
}

func TestRoutingValidate(t *testing.T) {
	t.Run("defaults validate", func(t *testing.T) {
		r := DefaultRoutingConfig()
		assert.NoError(t, r.Validate())
	})

	t.Run("inverted bands rejected", func(t *testing.T) {
		r := DefaultRoutingConfig()
		r.StrongThreshold = 0.3
		r.WeakThreshold = 0.5
		assert.Error(t, r.Validate())
	})

	t.Run("decreasing cutoffs rejected", func(t *testing.T) {
		r := DefaultRoutingConfig()
		r.NarrowCutoff = 0.6
		r.WideCutoff = 0.2
		assert.Error(t, r.Validate())
	})

	t.Run("unknown strategy rejected", func(t *testing.T) {
		r := DefaultRoutingConfig()
		r.Strategy = "regex"
		assert.Error(t, r.Validate())
	})

	t.Run("tool category without exemplars rejected", func(t *testing.T) {
		r := DefaultRoutingConfig()
		r.ToolCategories["weather"] = "weather_now"
		assert.Error(t, r.Validate())
	})
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing API key should fail validation")

	cfg.LLM.APIKey = "sk-test"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Routing.StrongThreshold = 0.65
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.65, loaded.Routing.StrongThreshold)
}
