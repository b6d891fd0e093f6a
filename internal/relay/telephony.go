package relay

import "encoding/json"

// TelephonyFrame is one JSON frame on the provider's media-streaming
// websocket. The same envelope carries every inbound event; outbound frames
// are built with the constructors below so the key set stays exact.
type TelephonyFrame struct {
	Event     string           `json:"event"`
	StreamSid string           `json:"streamSid,omitempty"`
	Start     *TelephonyStart  `json:"start,omitempty"`
	Media     *TelephonyMedia  `json:"media,omitempty"`
	Mark      *TelephonyMark   `json:"mark,omitempty"`
	Stop      *TelephonyStop   `json:"stop,omitempty"`
}

// TelephonyStart carries the stream identifiers of a new call.
type TelephonyStart struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

// TelephonyMedia carries one base64 µ-law audio chunk. Timestamp is the
// provider's per-call monotonic clock in milliseconds.
type TelephonyMedia struct {
	Timestamp int64  `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
	Track     string `json:"track,omitempty"`
}

// TelephonyMark is the playback-progress marker echoed by the provider.
type TelephonyMark struct {
	Name      string `json:"name"`
	StreamSid string `json:"streamSid,omitempty"`
}

// TelephonyStop signals the end of the media stream.
type TelephonyStop struct {
	StreamSid string `json:"streamSid,omitempty"`
}

// ParseTelephonyFrame decodes one inbound frame. A missing event field is a
// malformed frame.
func ParseTelephonyFrame(data []byte) (*TelephonyFrame, bool) {
	var f TelephonyFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		return nil, false
	}
	return &f, true
}

// mediaFrame builds the outbound audio frame played to the caller.
func mediaFrame(streamSid, payload string) any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamSid,
		"media":     map[string]any{"payload": payload},
	}
}

// markFrame builds the outbound playback marker that trails each audio
// chunk.
func markFrame(streamSid, name string) any {
	return map[string]any{
		"event":     "mark",
		"streamSid": streamSid,
		"mark":      map[string]any{"name": name},
	}
}

// clearFrame builds the outbound buffer-flush frame. It intentionally
// carries both the legacy ("event") and newer ("type"/"track") keys; media
// gateways of different generations each read their own.
func clearFrame(streamSid string) any {
	return map[string]any{
		"event":     "clear",
		"streamSid": streamSid,
		"type":      "clear",
		"track":     "outbound",
	}
}
