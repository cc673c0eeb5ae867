package schema

import (
	"bytes"
	"encoding/json"
)

// ParsePayload decodes the textual data of an event into the typed payload
// for kind. Unknown kinds, empty data, JSON null and decode failures all
// yield a MALFORMED_PAYLOAD error.
func ParsePayload(kind EventKind, data []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewErrorf(ErrCodeMalformedPayload, "%s event has no payload", kind).
			WithDetails(map[string]any{"kind": string(kind)})
	}

	var (
		payload Payload
		err     error
	)
	switch kind {
	case EventConnection:
		var p ConnectionEvent
		err = json.Unmarshal(trimmed, &p)
		payload = p
	case EventWorkflowUpdate:
		var p WorkflowUpdate
		err = json.Unmarshal(trimmed, &p)
		payload = p
	case EventRunUpdate:
		var p RunUpdate
		err = json.Unmarshal(trimmed, &p)
		payload = p
	case EventNodeUpdate:
		var p NodeUpdate
		err = json.Unmarshal(trimmed, &p)
		payload = p
	case EventError:
		var p ErrorDescriptor
		err = json.Unmarshal(trimmed, &p)
		p.Type = ErrorTypeServer
		payload = p
	default:
		return nil, NewErrorf(ErrCodeMalformedPayload, "unknown event kind %q", kind).
			WithDetails(map[string]any{"kind": string(kind)})
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeMalformedPayload, "decode %s payload: %s", kind, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"kind": string(kind)})
	}
	return payload, nil
}
