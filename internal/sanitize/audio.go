package sanitize

// Canonical audio format names used on the wire toward the model.
const (
	FormatPCM  = "audio/pcm"
	FormatPCMU = "audio/pcmu"
	FormatPCMA = "audio/pcma"
)

// formatAliases maps every accepted spelling of an audio format to its
// canonical name. Unknown spellings are not normalized; the field carrying
// them is dropped.
var formatAliases = map[string]string{
	FormatPCM:      FormatPCM,
	"pcm":          FormatPCM,
	"pcm16":        FormatPCM,
	"audio/pcm16":  FormatPCM,
	FormatPCMU:     FormatPCMU,
	"pcmu":         FormatPCMU,
	"g711_ulaw":    FormatPCMU,
	"ulaw":         FormatPCMU,
	"mulaw":        FormatPCMU,
	"audio/x-mulaw": FormatPCMU,
	FormatPCMA:     FormatPCMA,
	"pcma":         FormatPCMA,
	"g711_alaw":    FormatPCMA,
	"alaw":         FormatPCMA,
	"audio/x-alaw": FormatPCMA,
}

// formatSpecs derives the sample rate and sample width for each canonical
// format. PCM carries its rate in the format object; the table value is the
// default when none is present.
var formatSpecs = map[string]AudioSpec{
	FormatPCMU: {SampleRate: 8000, BytesPerSample: 1},
	FormatPCMA: {SampleRate: 8000, BytesPerSample: 1},
	FormatPCM:  {SampleRate: 24000, BytesPerSample: 2},
}

// AudioSpec is the (sample rate, bytes per sample) pair of a wire format.
type AudioSpec struct {
	SampleRate     int
	BytesPerSample int
}

// DurationMs converts a byte count in this format to whole milliseconds.
func (s AudioSpec) DurationMs(bytes uint64) int64 {
	if s.SampleRate <= 0 || s.BytesPerSample <= 0 {
		return 0
	}
	return int64(bytes) * 1000 / int64(s.BytesPerSample) / int64(s.SampleRate)
}

// NormalizeAudioFormat collapses v — either a bare format string or an
// object with a "type" field — to the canonical `{type: <name>}` object. A
// "rate" field is preserved. The second return is false when the alias is
// unknown and the field should be dropped.
func NormalizeAudioFormat(v any) (map[string]any, bool) {
	var name string
	var rate any

	switch f := v.(type) {
	case string:
		name = f
	case map[string]any:
		name, _ = f["type"].(string)
		rate = f["rate"]
	default:
		return nil, false
	}

	canonical, ok := formatAliases[name]
	if !ok {
		return nil, false
	}

	out := map[string]any{"type": canonical}
	if rate != nil {
		out["rate"] = rate
	}
	return out, true
}

// FormatSpec resolves the audio spec of a (possibly already normalized)
// format value. Unknown or missing formats fall back to µ-law at 8 kHz, the
// telephony default.
func FormatSpec(v any) AudioSpec {
	norm, ok := NormalizeAudioFormat(v)
	if !ok {
		return formatSpecs[FormatPCMU]
	}

	spec := formatSpecs[norm["type"].(string)]
	if r, ok := toInt(norm["rate"]); ok && r > 0 {
		spec.SampleRate = r
	}
	return spec
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
