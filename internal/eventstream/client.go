// Package eventstream maintains a single Server-Sent-Events subscription
// to the backend and dispatches its events to typed handlers.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/sse"
	"github.com/rendis/pulse/pkg/schema"
)

const defaultBufferSize = 64

// PayloadValidator checks a raw payload before it is decoded.
type PayloadValidator interface {
	Validate(kind schema.EventKind, data []byte) error
}

// Handlers are the callbacks invoked by the dispatcher. Nil handlers are
// skipped. All handlers of one subscription run on a single goroutine, in
// the order the server sent the events. Handlers of a replacing
// subscription, and the closed notification of Disconnect, run only after
// every handler of the previous subscription has returned, so calls never
// overlap.
type Handlers struct {
	OnConnection     func(schema.ConnectionEvent)
	OnWorkflowUpdate func(schema.WorkflowUpdate)
	OnRunUpdate      func(schema.RunUpdate)
	OnNodeUpdate     func(schema.NodeUpdate)
	OnError          func(schema.ErrorDescriptor)
	// OnEvent sees every dispatched event, including the synthetic
	// connection event and transport errors, before its typed handler.
	OnEvent func(schema.Event)
	// OnStateChange fires after every state transition.
	OnStateChange func(from, to schema.ConnectionState)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Handlers   Handlers
	Logger     *slog.Logger
	// Validator, when set, rejects payloads before decoding.
	Validator PayloadValidator
	// Headers are added to every stream request, e.g. Authorization.
	Headers    http.Header
	BufferSize int
}

// Client owns at most one live event-stream transport. Reconnection is
// the caller's job: on error the client stays closed until ConnectToScope
// is called again.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	handlers   Handlers
	logger     *slog.Logger
	validator  PayloadValidator
	headers    http.Header
	bufferSize int

	mu      sync.Mutex
	fsm     *stateMachine
	conn    *conn
	scope   schema.Scope
	subID   string
	lastErr error
	// tail is closed once all handler work scheduled so far has finished.
	tail chan struct{}
}

// conn is one transport attempt and its two goroutines.
type conn struct {
	scope  schema.Scope
	subID  string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// detached is set once the caller has moved on (Disconnect, a newer
	// ConnectToScope, or its context ended); queued events are dropped.
	detached atomic.Bool

	// after is the previous tail; the dispatcher waits on it before its
	// first delivery. done is closed when the dispatcher exits.
	after <-chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	body     io.Closer
	stopping bool
}

// close tears down the transport. Safe to call more than once.
func (cn *conn) close() {
	cn.mu.Lock()
	cn.stopping = true
	body := cn.body
	cn.body = nil
	cn.mu.Unlock()

	cn.cancel()
	if body != nil {
		_ = body.Close()
	}
}

// attach records the response body, or closes it immediately if the
// connection was torn down while the request was in flight.
func (cn *conn) attach(body io.Closer) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.stopping {
		_ = body.Close()
		return false
	}
	cn.body = body
	return true
}

// New creates a Client. BaseURL must be an absolute http or https URL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid base URL %q", cfg.BaseURL).WithCause(err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "base URL must be absolute http(s), got %q", cfg.BaseURL)
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	tail := make(chan struct{})
	close(tail)

	return &Client{
		tail:       tail,
		base:       base,
		httpClient: cfg.HTTPClient,
		handlers:   cfg.Handlers,
		logger:     cfg.Logger,
		validator:  cfg.Validator,
		headers:    cfg.Headers.Clone(),
		bufferSize: cfg.BufferSize,
		fsm:        newStateMachine(),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() schema.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.state
}

// Scope returns the scope of the latest ConnectToScope call.
func (c *Client) Scope() schema.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// SubscriptionID returns the id of the latest subscription, or "".
func (c *Client) SubscriptionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subID
}

// Settled returns a channel that is closed once the latest subscription
// has ended and every handler call it queued has returned. For an open
// subscription that happens only after Disconnect or a transport error.
func (c *Client) Settled() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tail
}

// LastError returns the error that closed the latest subscription, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectToScope closes any active transport and opens a new one for
// scope in the background. The previous transport is closed before it
// returns; its handlers may still be finishing, and the new subscription's
// handlers (starting with the connecting state change) wait for them. It
// never blocks on handlers, so it is safe to call from one. The returned
// error is non-nil only for an invalid scope. Transport failures are
// reported via OnError. Cancelling ctx closes the subscription.
func (c *Client) ConnectToScope(ctx context.Context, scope schema.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	subID := uuid.NewString()
	cctx, cancel := context.WithCancel(ctx)
	cctx = logging.WithScope(logging.WithSubscriptionID(cctx, subID), scope.String())
	cn := &conn{
		scope:  scope,
		subID:  subID,
		ctx:    cctx,
		cancel: cancel,
		logger: logging.LogWith(cctx, c.logger),
		done:   make(chan struct{}),
	}
	events := make(chan delivery, c.bufferSize)

	c.mu.Lock()
	prev := c.conn
	if prev != nil {
		prev.detached.Store(true)
		prev.close()
	}
	from, err := c.fsm.transition(schema.StateConnecting)
	if err != nil {
		c.mu.Unlock()
		cancel()
		return err
	}
	c.conn = cn
	c.scope = scope
	c.subID = subID
	c.lastErr = nil
	cn.after = c.tail
	c.tail = cn.done
	// Queued before either goroutine starts so it precedes every other
	// delivery; the channel is empty and buffered, so this cannot block.
	events <- delivery{final: true, stateChange: &stateChange{from: from, to: schema.StateConnecting}}
	c.mu.Unlock()

	if prev != nil {
		prev.logger.Debug("event stream replaced", "next_scope", scope.String())
	}

	go c.readLoop(cn, events)
	go c.dispatchLoop(cn, events)
	return nil
}

// Disconnect closes the active transport. Calling it when already closed
// does nothing. The closed state change is delivered once the current
// subscription's handlers have returned; Disconnect does not wait for
// that, so handlers may call it. Use Settled to wait.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.fsm.state == schema.StateClosed {
		c.mu.Unlock()
		return
	}
	cn := c.conn
	c.conn = nil
	if cn != nil {
		cn.detached.Store(true)
		cn.close()
	}
	from, err := c.fsm.transition(schema.StateClosed)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("disconnect transition rejected", "error", err)
		return
	}
	after := c.tail
	done := make(chan struct{})
	c.tail = done
	c.mu.Unlock()

	if cn != nil {
		cn.logger.Info("event stream disconnected")
	}
	go func() {
		defer close(done)
		<-after
		c.notifyState(from, schema.StateClosed)
	}()
}

// readLoop opens the transport, decodes frames and feeds the dispatcher.
// It owns the events channel and closes it on exit.
func (c *Client) readLoop(cn *conn, events chan<- delivery) {
	defer close(events)

	body, err := c.open(cn)
	if err != nil {
		c.fail(cn, err, events)
		return
	}
	if !cn.attach(body) {
		return
	}
	defer body.Close()

	if !c.markOpen(cn, events) {
		c.fail(cn, cn.ctx.Err(), events)
		return
	}

	seq := uint64(1)
	c.push(cn, events, delivery{event: &schema.Event{
		Kind:    schema.EventConnection,
		Seq:     seq,
		Scope:   cn.scope,
		Payload: schema.ConnectionEvent{Scope: cn.scope, SubscriptionID: cn.subID},
	}})

	for frame, err := range sse.Read(body) {
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream closed by server")
			}
			c.fail(cn, err, events)
			return
		}
		seq++
		ev, ok := c.decode(cn, frame, seq)
		if !ok {
			continue
		}
		if ev.Kind == schema.EventConnection {
			// OnConnection already fired when the transport opened.
			cn.logger.Debug("server acknowledged subscription", "seq", seq)
			continue
		}
		if !c.push(cn, events, delivery{event: ev}) {
			c.fail(cn, cn.ctx.Err(), events)
			return
		}
	}
}

// open performs the HTTP request and checks the response.
func (c *Client) open(cn *conn) (io.ReadCloser, error) {
	endpoint := c.base.JoinPath(cn.scope.Path())

	req, err := http.NewRequestWithContext(cn.ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	cn.logger.Debug("opening event stream", "url", endpoint.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.EqualFold(mediaType, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return resp.Body, nil
}

// markOpen moves a still-current connection to open.
func (c *Client) markOpen(cn *conn, events chan<- delivery) bool {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return false
	}
	from, err := c.fsm.transition(schema.StateOpen)
	c.mu.Unlock()
	if err != nil {
		cn.logger.Error("open transition rejected", "error", err)
		return false
	}

	cn.logger.Info("event stream open")
	return c.push(cn, events, delivery{stateChange: &stateChange{from: from, to: schema.StateOpen}})
}

// fail closes a still-current connection after a transport error and
// queues the state change and the error for the dispatcher. Errors caused
// by Disconnect or a newer ConnectToScope are not reported; an ended
// caller context closes the subscription without invoking OnError.
func (c *Client) fail(cn *conn, cause error, events chan<- delivery) {
	defer cn.close()
	if cause == nil {
		cause = errors.New("connection aborted")
	}

	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	cancelled := cn.ctx.Err() != nil
	var reported *schema.Error
	if cancelled {
		reported = schema.NewError(schema.ErrCodeCancelled, "subscription context done").
			WithScope(cn.scope).WithCause(cn.ctx.Err())
	} else {
		reported = schema.NewErrorf(schema.ErrCodeTransport, "event stream: %s", cause.Error()).
			WithScope(cn.scope).WithCause(cause)
	}
	c.lastErr = reported
	from, err := c.fsm.transition(schema.StateClosed)
	c.mu.Unlock()

	if err != nil {
		cn.logger.Error("close transition rejected", "error", err)
		return
	}

	// Final deliveries are never dropped; the dispatcher drains the channel
	// until readLoop closes it, so these sends cannot block forever.
	if cancelled {
		cn.logger.Info("event stream context done")
		cn.detached.Store(true)
		events <- delivery{final: true, stateChange: &stateChange{from: from, to: schema.StateClosed}}
		return
	}

	cn.logger.Warn("event stream transport error", "error", cause)
	events <- delivery{final: true, stateChange: &stateChange{from: from, to: schema.StateClosed}}
	events <- delivery{final: true, event: &schema.Event{
		Kind:  schema.EventError,
		Scope: cn.scope,
		Payload: schema.ErrorDescriptor{
			Type:    schema.ErrorTypeTransport,
			Code:    reported.Code,
			Message: reported.Message,
			Scope:   cn.scope,
			Err:     reported,
		},
	}}
}

// push queues d unless the connection has been torn down.
func (c *Client) push(cn *conn, events chan<- delivery, d delivery) bool {
	select {
	case events <- d:
		return true
	case <-cn.ctx.Done():
		return false
	}
}

func (c *Client) notifyState(from, to schema.ConnectionState) {
	if c.handlers.OnStateChange == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("state change handler panicked", "panic", rec)
		}
	}()
	c.handlers.OnStateChange(from, to)
}
