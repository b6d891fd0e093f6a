package config

import (
	"encoding/json"
	"strings"

	"github.com/jwillz7667/realtime-relay/internal/sanitize"
)

// SessionDefaults builds the default session-configuration document sent to
// the model at connect time. Observer-provided updates are deep-merged over
// this document. The result is already in canonical (sanitized) shape.
func (c *Config) SessionDefaults() map[string]any {
	s := c.Session

	input := map[string]any{
		"format": formatObject(s.InputFormat, s.SampleRate),
		"turn_detection": turnDetection(s.TurnDetection, s.VADEagerness),
	}
	if tr := transcription(s.Transcription); tr != nil {
		input["transcription"] = tr
	}
	if s.NoiseReduction != "" && s.NoiseReduction != "none" {
		input["noise_reduction"] = map[string]any{"type": s.NoiseReduction}
	}

	output := map[string]any{
		"format": formatObject(s.OutputFormat, s.SampleRate),
		"voice":  s.Voice,
	}

	session := map[string]any{
		"type":        "realtime",
		"model":       c.OpenAI.Model,
		"tool_choice": s.ToolChoice,
		"audio": map[string]any{
			"input":  input,
			"output": output,
		},
	}
	if s.Instructions != "" {
		session["instructions"] = s.Instructions
	}
	if len(s.Tools) > 0 {
		session["tools"] = anyList(s.Tools)
	}
	if len(s.MCPServers) > 0 {
		session["mcp_server_connections"] = anyList(s.MCPServers)
	}

	return sanitize.Session(session)
}

// formatObject builds a wire-shape audio format object from a configured
// alias and rate. Unknown aliases are rejected by Validate before this
// runs; the raw spelling passes through if one slips by.
func formatObject(alias string, rate int) map[string]any {
	if norm, ok := sanitize.NormalizeAudioFormat(alias); ok {
		if rate > 0 {
			norm["rate"] = rate
		}
		return norm
	}
	return map[string]any{"type": alias}
}

// turnDetection resolves the configured turn-detection policy. An empty
// policy defaults to semantic VAD; a configured eagerness overrides the
// policy's own value when the policy is semantic VAD.
func turnDetection(td map[string]any, eagerness string) any {
	if td == nil {
		out := map[string]any{"type": "semantic_vad"}
		if eagerness != "" {
			out["eagerness"] = eagerness
		}
		return sanitize.NormalizeTurnDetection(out)
	}

	out := make(map[string]any, len(td)+1)
	for k, v := range td {
		out[k] = v
	}
	if t, _ := out["type"].(string); t == "semantic_vad" && eagerness != "" {
		out["eagerness"] = eagerness
	}
	return sanitize.NormalizeTurnDetection(out)
}

// transcription interprets the configured transcription value: a JSON
// object passes through decoded, anything else is treated as a model-name
// shortcut. Empty disables transcription.
func transcription(v string) any {
	if v == "" {
		return nil
	}
	if strings.HasPrefix(strings.TrimSpace(v), "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
	}
	return map[string]any{"model": v}
}

func anyList(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, m := range in {
		out[i] = m
	}
	return out
}
