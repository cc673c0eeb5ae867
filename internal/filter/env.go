// Package filter evaluates user-supplied expressions against stream events:
// expr or CEL predicates decide which events to show, jq programs reshape
// them.
package filter

import (
	"encoding/json"

	"github.com/rendis/pulse/pkg/schema"
)

// Env builds the expression environment for ev:
//
//	kind     event kind, e.g. "run-update"
//	seq      receipt order within the subscription
//	id       SSE id, "" when the server sent none
//	scope    {"kind": ..., "id": ...}
//	payload  the decoded JSON payload
func Env(ev schema.Event) (map[string]any, error) {
	raw := []byte(ev.Raw)
	if len(raw) == 0 && ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeMalformedPayload, "encode payload").WithCause(err)
		}
		raw = b
	}

	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, schema.NewError(schema.ErrCodeMalformedPayload, "decode payload").WithCause(err)
		}
	}

	return map[string]any{
		"kind": string(ev.Kind),
		"seq":  float64(ev.Seq),
		"id":   ev.ID,
		"scope": map[string]any{
			"kind": string(ev.Scope.Kind),
			"id":   ev.Scope.ID,
		},
		"payload": payload,
	}, nil
}
