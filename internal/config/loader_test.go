package config

import (
	"strings"
	"testing"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("listen_addr = %q; want %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.OpenAI.Model != DefaultModel {
		t.Errorf("model = %q; want %q", cfg.OpenAI.Model, DefaultModel)
	}
	if cfg.Session.Voice != DefaultVoice {
		t.Errorf("voice = %q; want %q", cfg.Session.Voice, DefaultVoice)
	}
	if cfg.Session.ToolChoice != DefaultToolChoice {
		t.Errorf("tool_choice = %q; want %q", cfg.Session.ToolChoice, DefaultToolChoice)
	}
	if cfg.Session.InputFormat != DefaultFormat || cfg.Session.OutputFormat != DefaultFormat {
		t.Errorf("formats = %q/%q; want %q", cfg.Session.InputFormat, cfg.Session.OutputFormat, DefaultFormat)
	}
	if cfg.Session.SampleRate != DefaultSampleRate {
		t.Errorf("sample_rate = %d; want %d", cfg.Session.SampleRate, DefaultSampleRate)
	}
}

func TestLoadFromReader_ParsesYAML(t *testing.T) {
	t.Parallel()

	const doc = `
server:
  listen_addr: ":9000"
  log_level: debug
openai:
  model: gpt-realtime-mini
  beta_header: realtime=v1
session:
  voice: echo
  instructions: "Answer the phone politely."
  noise_reduction: far_field
  turn_detection:
    type: semantic_vad
    eagerness: low
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.OpenAI.Model != "gpt-realtime-mini" {
		t.Errorf("model = %q", cfg.OpenAI.Model)
	}
	if cfg.Session.Voice != "echo" {
		t.Errorf("voice = %q", cfg.Session.Voice)
	}
	if cfg.Session.TurnDetection["eagerness"] != "low" {
		t.Errorf("turn_detection = %v", cfg.Session.TurnDetection)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := LoadFromReader(strings.NewReader("serverr:\n  foo: 1\n")); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, "log_level"},
		{"bad noise reduction", func(c *Config) { c.Session.NoiseReduction = "studio" }, "noise_reduction"},
		{"bad input format", func(c *Config) { c.Session.InputFormat = "opus" }, "input_format"},
		{"bad sample rate", func(c *Config) { c.Session.SampleRate = -1 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv_Overlay(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RELAY_MODEL", "gpt-realtime-env")
	t.Setenv("RELAY_VOICE", "cedar")
	t.Setenv("RELAY_AUDIO_RATE", "16000")
	t.Setenv("RELAY_TOOLS", `[{"type":"function","name":"hang_up"}]`)
	t.Setenv("RELAY_TURN_DETECTION", `{"type":"semantic_vad","eagerness":"high"}`)
	t.Setenv("PORT", "9999")

	cfg := &Config{}
	ApplyEnv(cfg)

	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.OpenAI.APIKey)
	}
	if cfg.OpenAI.Model != "gpt-realtime-env" {
		t.Errorf("model = %q", cfg.OpenAI.Model)
	}
	if cfg.Session.Voice != "cedar" {
		t.Errorf("voice = %q", cfg.Session.Voice)
	}
	if cfg.Session.SampleRate != 16000 {
		t.Errorf("sample rate = %d", cfg.Session.SampleRate)
	}
	if len(cfg.Session.Tools) != 1 || cfg.Session.Tools[0]["name"] != "hang_up" {
		t.Errorf("tools = %v", cfg.Session.Tools)
	}
	if cfg.Session.TurnDetection["eagerness"] != "high" {
		t.Errorf("turn detection = %v", cfg.Session.TurnDetection)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
}

func TestApplyEnv_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("RELAY_AUDIO_RATE", "fast")
	t.Setenv("RELAY_TOOLS", "not-json")
	t.Setenv("RELAY_TURN_DETECTION", "{broken")

	cfg := &Config{}
	ApplyEnv(cfg)

	if cfg.Session.SampleRate != 0 {
		t.Errorf("sample rate = %d; want untouched 0", cfg.Session.SampleRate)
	}
	if cfg.Session.Tools != nil {
		t.Errorf("tools = %v; want untouched nil", cfg.Session.Tools)
	}
	if cfg.Session.TurnDetection != nil {
		t.Errorf("turn detection = %v; want untouched nil", cfg.Session.TurnDetection)
	}
}
