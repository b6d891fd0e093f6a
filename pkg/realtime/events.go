package realtime

// Client event types the bridge may emit toward the model. Any outbound
// event whose type is not listed here is a protocol violation and must be
// dropped by the caller.
var clientEvents = map[string]struct{}{
	"session.update":             {},
	"input_audio_buffer.append":  {},
	"input_audio_buffer.commit":  {},
	"input_audio_buffer.clear":   {},
	"conversation.item.create":   {},
	"conversation.item.retrieve": {},
	"conversation.item.truncate": {},
	"conversation.item.delete":   {},
	"response.create":            {},
	"response.cancel":            {},
	"output_audio_buffer.clear":  {},
}

// Server event types the model emits. Events outside this set are still
// mirrored to observers; they are only interesting for logging.
var serverEvents = map[string]struct{}{
	"error":             {},
	"session.created":   {},
	"session.updated":   {},
	"conversation.item.added":     {},
	"conversation.item.done":      {},
	"conversation.item.retrieved": {},
	"conversation.item.truncated": {},
	"conversation.item.deleted":   {},
	"conversation.item.input_audio_transcription.completed": {},
	"conversation.item.input_audio_transcription.delta":     {},
	"conversation.item.input_audio_transcription.segment":   {},
	"conversation.item.input_audio_transcription.failed":    {},
	"input_audio_buffer.committed":         {},
	"input_audio_buffer.cleared":           {},
	"input_audio_buffer.speech_started":    {},
	"input_audio_buffer.speech_stopped":    {},
	"input_audio_buffer.timeout_triggered": {},
	"output_audio_buffer.started":          {},
	"output_audio_buffer.stopped":          {},
	"output_audio_buffer.cleared":          {},
	"response.created":                     {},
	"response.done":                        {},
	"response.output_item.added":           {},
	"response.output_item.done":            {},
	"response.output_audio.delta":          {},
	"response.output_audio.done":           {},
	"response.output_audio_transcript.delta": {},
	"response.output_audio_transcript.done":  {},
	"response.output_text.delta":             {},
	"response.output_text.done":              {},
	"response.content_part.added":            {},
	"response.content_part.done":             {},
}

// undocumentedServerEvents are event types the model is known to emit even
// though they are absent from the published protocol reference. They are
// accepted without the unknown-event debug log.
var undocumentedServerEvents = map[string]struct{}{
	"rate_limits.updated":                    {},
	"conversation.created":                   {},
	"transcription_session.updated":          {},
	"response.function_call_arguments.delta": {},
	"response.function_call_arguments.done":  {},
}

// IsClientEvent reports whether t is an emittable client event type.
func IsClientEvent(t string) bool {
	_, ok := clientEvents[t]
	return ok
}

// IsServerEvent reports whether t is a documented server event type.
func IsServerEvent(t string) bool {
	_, ok := serverEvents[t]
	return ok
}

// IsUndocumentedServerEvent reports whether t is on the known-undocumented
// allow list.
func IsUndocumentedServerEvent(t string) bool {
	_, ok := undocumentedServerEvents[t]
	return ok
}
