// Package sanitize normalizes session-configuration payloads flowing toward
// the model. The Realtime API is strict about the shape of session.update:
// legacy flat fields must be folded into the nested audio structure, format
// aliases collapsed to canonical names, and a handful of fields renamed or
// removed entirely.
//
// Every function is pure: inputs are never mutated and sanitization is
// idempotent, so a payload can safely pass through the sanitizer more than
// once (observer-provided updates are sanitized on receipt and the merged
// config is sanitized again at model connect).
package sanitize

// Top-level fields that must never reach the model in a session.update.
var disallowedFields = map[string]struct{}{
	"modalities": {},
}

// flatAudioFolds maps legacy flat session fields to their nested location,
// expressed as (side, key) within the audio object.
var flatAudioFolds = []struct {
	flat string
	side string
	key  string
}{
	{"input_audio_format", "input", "format"},
	{"output_audio_format", "output", "format"},
	{"input_audio_transcription", "input", "transcription"},
	{"input_audio_noise_reduction", "input", "noise_reduction"},
	{"voice", "output", "voice"},
	{"turn_detection", "input", "turn_detection"},
}

// vadEagerness is the closed set of accepted semantic-VAD eagerness values.
var vadEagerness = map[string]struct{}{
	"auto":   {},
	"low":    {},
	"medium": {},
	"high":   {},
}

// Session returns a sanitized copy of a session-configuration document.
// The input map is not modified.
func Session(in map[string]any) map[string]any {
	out := cloneMap(in)

	if t, _ := out["type"].(string); t == "" {
		out["type"] = "realtime"
	}

	for f := range disallowedFields {
		delete(out, f)
	}

	if conns, ok := out["mcp_server_connections"].([]any); ok && len(conns) == 0 {
		delete(out, "mcp_server_connections")
	}

	if v, ok := out["max_output_tokens"]; ok {
		delete(out, "max_output_tokens")
		out["max_response_output_tokens"] = v
	}

	// Fold flat legacy audio fields into the nested structure.
	for _, fold := range flatAudioFolds {
		v, ok := out[fold.flat]
		if !ok {
			continue
		}
		delete(out, fold.flat)
		audioSide(out, fold.side)[fold.key] = v
	}

	// Normalize formats and turn detection wherever they ended up.
	if audio, ok := out["audio"].(map[string]any); ok {
		for _, side := range []string{"input", "output"} {
			sm, ok := audio[side].(map[string]any)
			if !ok {
				continue
			}
			if f, ok := sm["format"]; ok {
				if norm, ok := NormalizeAudioFormat(f); ok {
					sm["format"] = norm
				} else {
					delete(sm, "format")
				}
			}
		}
		if in, ok := audio["input"].(map[string]any); ok {
			if td, ok := in["turn_detection"]; ok {
				in["turn_detection"] = NormalizeTurnDetection(td)
			}
		}
	}

	return out
}

// NormalizeTurnDetection canonicalizes a turn-detection object. Semantic VAD
// gets its eagerness coerced into the accepted set and its response flags
// defaulted to true; every other shape passes through untouched.
func NormalizeTurnDetection(v any) any {
	td, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if t, _ := td["type"].(string); t != "semantic_vad" {
		return td
	}

	out := cloneMap(td)
	eagerness, _ := out["eagerness"].(string)
	if _, ok := vadEagerness[eagerness]; !ok {
		out["eagerness"] = "auto"
	}
	if _, ok := out["create_response"]; !ok {
		out["create_response"] = true
	}
	if _, ok := out["interrupt_response"]; !ok {
		out["interrupt_response"] = true
	}
	return out
}

// Merge deep-merges overlay onto base and returns a new map. Nested maps
// (notably audio.input and audio.output) merge key-wise; any other overlay
// value replaces the base value. Neither input is modified.
func Merge(base, overlay map[string]any) map[string]any {
	out := cloneMap(base)
	for k, ov := range overlay {
		if om, ok := ov.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bm, om)
				continue
			}
			out[k] = cloneMap(om)
			continue
		}
		out[k] = ov
	}
	return out
}

// cloneMap copies m one level deep, recursing into nested maps so callers
// can mutate the result without aliasing the input. Slices and scalars are
// shared; the sanitizer never mutates them in place.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nm, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nm)
			continue
		}
		out[k] = v
	}
	return out
}

// audioSide returns the audio.<side> map inside out, creating the nesting
// as needed.
func audioSide(out map[string]any, side string) map[string]any {
	audio, ok := out["audio"].(map[string]any)
	if !ok {
		audio = map[string]any{}
		out["audio"] = audio
	}
	sm, ok := audio[side].(map[string]any)
	if !ok {
		sm = map[string]any{}
		audio[side] = sm
	}
	return sm
}
