package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/jwillz7667/realtime-relay/internal/sanitize"
)

// validNoiseReduction lists the accepted input noise-reduction modes.
var validNoiseReduction = map[string]struct{}{
	"near_field": {},
	"far_field":  {},
	"none":       {},
}

// Load reads the YAML configuration file at path, overlays the environment,
// and returns a validated [Config]. A missing file is not an error: the
// relay can run from environment variables alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config file not found, using environment only", "path", path)
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			cfg, err = decode(f)
			if err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	ApplyEnv(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. The environment is NOT consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Only variables that are
// set and non-empty take effect, so the file remains the base layer.
func ApplyEnv(cfg *Config) {
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_REALTIME_URL")
	setString(&cfg.OpenAI.Model, "RELAY_MODEL")
	setString(&cfg.OpenAI.BetaHeader, "OPENAI_BETA")

	setString(&cfg.Session.Instructions, "RELAY_INSTRUCTIONS")
	setString(&cfg.Session.Voice, "RELAY_VOICE")
	setString(&cfg.Session.ToolChoice, "RELAY_TOOL_CHOICE")
	setString(&cfg.Session.InputFormat, "RELAY_INPUT_AUDIO_FORMAT")
	setString(&cfg.Session.OutputFormat, "RELAY_OUTPUT_AUDIO_FORMAT")
	setString(&cfg.Session.Transcription, "RELAY_TRANSCRIPTION")
	setString(&cfg.Session.NoiseReduction, "RELAY_NOISE_REDUCTION")
	setString(&cfg.Session.VADEagerness, "RELAY_VAD_EAGERNESS")

	if v := os.Getenv("RELAY_AUDIO_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.SampleRate = n
		} else {
			slog.Warn("RELAY_AUDIO_RATE is not a positive integer, ignoring", "value", v)
		}
	}

	setJSONList(&cfg.Session.Tools, "RELAY_TOOLS")
	setJSONList(&cfg.Session.MCPServers, "RELAY_MCP_SERVERS")

	if v := os.Getenv("RELAY_TURN_DETECTION"); v != "" {
		var td map[string]any
		if err := json.Unmarshal([]byte(v), &td); err == nil {
			cfg.Session.TurnDetection = td
		} else {
			slog.Warn("RELAY_TURN_DETECTION is not valid JSON, ignoring", "err", err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + v
	}
}

// applyDefaults fills in the built-in defaults for anything still unset.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = DefaultModel
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = DefaultVoice
	}
	if cfg.Session.ToolChoice == "" {
		cfg.Session.ToolChoice = DefaultToolChoice
	}
	if cfg.Session.InputFormat == "" {
		cfg.Session.InputFormat = DefaultFormat
	}
	if cfg.Session.OutputFormat == "" {
		cfg.Session.OutputFormat = DefaultFormat
	}
	if cfg.Session.SampleRate == 0 {
		cfg.Session.SampleRate = DefaultSampleRate
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Session.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d must be positive", cfg.Session.SampleRate))
	}
	if nr := cfg.Session.NoiseReduction; nr != "" {
		if _, ok := validNoiseReduction[nr]; !ok {
			errs = append(errs, fmt.Errorf("session.noise_reduction %q is invalid; valid values: near_field, far_field, none", nr))
		}
	}
	for _, pair := range []struct{ name, value string }{
		{"session.input_format", cfg.Session.InputFormat},
		{"session.output_format", cfg.Session.OutputFormat},
	} {
		if _, ok := sanitize.NormalizeAudioFormat(pair.value); !ok {
			errs = append(errs, fmt.Errorf("%s %q is not a recognized audio format", pair.name, pair.value))
		}
	}

	if cfg.OpenAI.APIKey == "" {
		slog.Warn("openai.api_key is empty; model connections will be rejected by the upstream")
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setJSONList(dst *[]map[string]any, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		slog.Warn("environment value is not a JSON array of objects, ignoring", "var", key, "err", err)
		return
	}
	*dst = list
}
