package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rendis/pulse/internal/streaming"
	"github.com/rendis/pulse/pkg/schema"
)

const maxPublishBody = 1 << 20

// publishRequest is the body of POST /api/publish. Raw, when set, is sent
// verbatim instead of Payload so malformed payloads can be exercised.
type publishRequest struct {
	ScopeKind schema.ScopeKind `json:"scope_kind"`
	ScopeID   string           `json:"scope_id"`
	Kind      schema.EventKind `json:"kind"`
	ID        string           `json:"id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Raw       *string          `json:"raw,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	scope := schema.Scope{Kind: req.ScopeKind, ID: req.ScopeID}
	if err := scope.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	// Both end up as SSE fields; a line break would forge extra frames.
	if strings.ContainsAny(string(req.Kind), "\r\n") || strings.ContainsAny(req.ID, "\r\n") {
		writeError(w, http.StatusBadRequest, "kind and id must not contain line breaks")
		return
	}

	payload := req.Payload
	if req.Raw != nil {
		payload = json.RawMessage(*req.Raw)
	}

	msg := streaming.Message{Scope: scope, Kind: req.Kind, ID: req.ID, Payload: payload}
	if err := s.deps.Hub.Publish(r.Context(), msg); err != nil {
		s.deps.Logger.Error("publish failed", "scope", scope.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}
