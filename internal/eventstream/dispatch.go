package eventstream

import (
	"encoding/json"

	"github.com/rendis/pulse/internal/sse"
	"github.com/rendis/pulse/pkg/schema"
)

type stateChange struct {
	from, to schema.ConnectionState
}

// delivery is one item on the dispatcher channel: a parsed event or a
// state change. Final deliveries close out a subscription and are
// delivered even after the connection is detached.
type delivery struct {
	event       *schema.Event
	stateChange *stateChange
	final       bool
}

// decode turns a frame into a typed event. Unknown kinds and malformed
// payloads are logged and dropped.
func (c *Client) decode(cn *conn, frame sse.Frame, seq uint64) (*schema.Event, bool) {
	kind := schema.EventKind(frame.Event)
	if !kind.Known() {
		cn.logger.Debug("ignoring unknown event kind", "kind", frame.Event, "seq", seq)
		return nil, false
	}

	if c.validator != nil {
		if err := c.validator.Validate(kind, frame.Data); err != nil {
			cn.logger.Warn("dropping malformed event payload", "kind", kind, "seq", seq, "error", err)
			return nil, false
		}
	}

	payload, err := schema.ParsePayload(kind, frame.Data)
	if err != nil {
		cn.logger.Warn("dropping malformed event payload", "kind", kind, "seq", seq, "error", err)
		return nil, false
	}
	if desc, ok := payload.(schema.ErrorDescriptor); ok {
		desc.Scope = cn.scope
		payload = desc
	}

	return &schema.Event{
		Kind:    kind,
		Seq:     seq,
		ID:      frame.ID,
		Scope:   cn.scope,
		Payload: payload,
		Raw:     json.RawMessage(frame.Data),
	}, true
}

// dispatchLoop is the single consumer for one subscription. It starts
// once the previous subscription's handlers are done and runs until
// readLoop closes the channel.
func (c *Client) dispatchLoop(cn *conn, events <-chan delivery) {
	defer close(cn.done)
	<-cn.after

	for d := range events {
		if cn.detached.Load() && !d.final {
			continue
		}
		switch {
		case d.stateChange != nil:
			c.notifyState(d.stateChange.from, d.stateChange.to)
		case d.event != nil:
			c.dispatch(cn, *d.event)
		}
	}
}

// dispatch routes ev to its handlers. A panicking handler is logged and
// does not stop the subscription.
func (c *Client) dispatch(cn *conn, ev schema.Event) {
	if c.handlers.OnEvent != nil {
		c.guard(cn, ev, func() { c.handlers.OnEvent(ev) })
	}
	c.guard(cn, ev, func() { c.route(ev) })
}

func (c *Client) guard(cn *conn, ev schema.Event, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			cn.logger.Error("event handler panicked", "kind", ev.Kind, "seq", ev.Seq, "panic", rec)
		}
	}()
	fn()
}

func (c *Client) route(ev schema.Event) {
	h := c.handlers
	switch p := ev.Payload.(type) {
	case schema.ConnectionEvent:
		if h.OnConnection != nil {
			h.OnConnection(p)
		}
	case schema.WorkflowUpdate:
		if h.OnWorkflowUpdate != nil {
			h.OnWorkflowUpdate(p)
		}
	case schema.RunUpdate:
		if h.OnRunUpdate != nil {
			h.OnRunUpdate(p)
		}
	case schema.NodeUpdate:
		if h.OnNodeUpdate != nil {
			h.OnNodeUpdate(p)
		}
	case schema.ErrorDescriptor:
		if h.OnError != nil {
			h.OnError(p)
		}
	}
}
