package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/pulse/internal/sse"
	"github.com/rendis/pulse/internal/streaming"
	"github.com/rendis/pulse/pkg/schema"
)

// handleSSE streams hub messages for the scope named in the path.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	scope := schema.Scope{Kind: schema.ScopeKind(r.PathValue("kind")), ID: r.PathValue("id")}
	if err := scope.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), streaming.EventFilter{Scope: scope})
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "scope", scope.String(), "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	subID := uuid.NewString()
	hello, _ := json.Marshal(schema.ConnectionEvent{
		Scope:          scope,
		SubscriptionID: subID,
		Message:        "connected",
		ServerTime:     time.Now().UTC(),
	})
	if err := sse.Encode(w, sse.Frame{Event: string(schema.EventConnection), Data: hello}); err != nil {
		return
	}
	flusher.Flush()
	s.deps.Logger.Info("SSE client connected", "scope", scope.String(), "subscription_id", subID)

	ticker := time.NewTicker(s.deps.KeepAlive)
	defer ticker.Stop()

	var n uint64
	for {
		select {
		case <-r.Context().Done():
			s.deps.Logger.Info("SSE client gone", "scope", scope.String(), "subscription_id", subID)
			return
		case <-ticker.C:
			if err := sse.Comment(w, "keep-alive"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n++
			id := msg.ID
			if id == "" {
				id = strconv.FormatUint(n, 10)
			}
			if err := sse.Encode(w, sse.Frame{Event: string(msg.Kind), ID: id, Data: msg.Payload}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
