// Package config provides the configuration schema, loader, and default
// session-configuration builder for the realtime relay.
package config

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] and overlaid with
// environment variables via [ApplyEnv].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds network and logging settings for the relay process.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8081").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated logging verbosity value.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the accepted levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OpenAIConfig holds the model-leg connection settings.
type OpenAIConfig struct {
	// APIKey authenticates the model websocket. Usually supplied via the
	// OPENAI_API_KEY environment variable rather than the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Realtime websocket endpoint. Leave empty for
	// the production endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the default Realtime model id pinned in the connect URL.
	Model string `yaml:"model"`

	// BetaHeader, when set, is sent as the OpenAI-Beta header on connect.
	BetaHeader string `yaml:"beta_header"`
}

// SessionConfig holds the defaults baked into every session-configuration
// document sent to the model at connect time. Observer-provided updates are
// merged over these values.
type SessionConfig struct {
	// Instructions is the system prompt given to the model.
	Instructions string `yaml:"instructions"`

	// Voice selects the synthesized output voice.
	Voice string `yaml:"voice"`

	// ToolChoice controls how the model picks tools ("auto", "none",
	// "required", or a specific function selector).
	ToolChoice string `yaml:"tool_choice"`

	// Tools is the default function-tool list in the model's wire shape.
	Tools []map[string]any `yaml:"tools"`

	// MCPServers lists Model Context Protocol connections passed to the
	// model verbatim as mcp_server_connections. The relay never opens
	// these itself; the model service does.
	MCPServers []map[string]any `yaml:"mcp_servers"`

	// InputFormat and OutputFormat name the telephony-leg audio codecs.
	// Any accepted alias works; they are canonicalized by the sanitizer.
	InputFormat  string `yaml:"input_format"`
	OutputFormat string `yaml:"output_format"`

	// SampleRate is the audio sample rate in Hz for both directions.
	SampleRate int `yaml:"sample_rate"`

	// Transcription configures input-audio transcription: either a JSON
	// object or a bare model name shortcut (e.g. "whisper-1").
	Transcription string `yaml:"transcription"`

	// NoiseReduction selects input noise reduction.
	// Valid values: "near_field", "far_field", "none", or empty.
	NoiseReduction string `yaml:"noise_reduction"`

	// TurnDetection is the turn-detection policy object sent to the model.
	// Empty means semantic VAD with defaults.
	TurnDetection map[string]any `yaml:"turn_detection"`

	// VADEagerness overrides the semantic-VAD eagerness knob
	// ("auto", "low", "medium", "high").
	VADEagerness string `yaml:"vad_eagerness"`
}

// Built-in defaults applied by the loader when neither file nor environment
// supplies a value.
const (
	DefaultListenAddr = ":8081"
	DefaultModel      = "gpt-realtime-2025-08-28"
	DefaultVoice      = "marin"
	DefaultToolChoice = "auto"
	DefaultFormat     = "audio/pcmu"
	DefaultSampleRate = 8000
)
