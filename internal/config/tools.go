package config

import "time"

// ToolServerConfig describes how to reach the live-data tool server.
type ToolServerConfig struct {
	// Protocol: "stdio" (subprocess) or "http"
	Protocol string `yaml:"protocol" json:"protocol"`

	// Stdio transport
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`

	// HTTP transport
	URL string `yaml:"url" json:"url"`

	Timeout string `yaml:"timeout" json:"timeout"`
}

// ToolsConfig configures the tool gateway and direct-reply streaming.
type ToolsConfig struct {
	Server ToolServerConfig `yaml:"server" json:"server"`

	// StreamDelay paces word-by-word streaming of direct tool replies so
	// they read like generated output. "0" disables pacing.
	StreamDelay string `yaml:"stream_delay" json:"stream_delay"`

	// NativeToolCalling offers the tool catalog to the generation backend
	// and executes the tool calls it requests, instead of relying solely on
	// out-of-band intent routing.
	NativeToolCalling bool `yaml:"native_tool_calling" json:"native_tool_calling"`
}

// DefaultToolsConfig returns tool gateway defaults.
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Server: ToolServerConfig{
			Protocol: "http",
			URL:      "http://localhost:8765/mcp",
			Timeout:  "30s",
		},
		StreamDelay: "30ms",
	}
}

// GetTimeout returns the tool server timeout as a duration.
func (t *ToolServerConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetStreamDelay returns the pacing delay as a duration.
func (t *ToolsConfig) GetStreamDelay() time.Duration {
	d, err := time.ParseDuration(t.StreamDelay)
	if err != nil {
		return 30 * time.Millisecond
	}
	return d
}
