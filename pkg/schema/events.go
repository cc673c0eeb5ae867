package schema

import (
	"encoding/json"
	"time"
)

// EventKind is the named category of a stream event.
type EventKind string

// Event kinds sent by the backend on the event stream.
const (
	EventConnection     EventKind = "connection"
	EventWorkflowUpdate EventKind = "workflow-update"
	EventRunUpdate      EventKind = "run-update"
	EventNodeUpdate     EventKind = "node-update"
	EventError          EventKind = "error"
)

// KnownEventKinds lists every kind the client understands.
var KnownEventKinds = []EventKind{
	EventConnection,
	EventWorkflowUpdate,
	EventRunUpdate,
	EventNodeUpdate,
	EventError,
}

// Known reports whether k is one of KnownEventKinds.
func (k EventKind) Known() bool {
	for _, known := range KnownEventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ConnectionState is the readiness of a stream subscription.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// WorkflowStatus represents the lifecycle state of a content workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// RunStatus represents the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// NodeStatus represents the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Payload is the closed set of typed event payloads. Each kind parses into
// exactly one implementation.
type Payload interface {
	EventKind() EventKind
}

// ConnectionEvent reports that the stream is ready.
type ConnectionEvent struct {
	Scope          Scope     `json:"scope"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Message        string    `json:"message,omitempty"`
	ServerTime     time.Time `json:"server_time,omitempty"`
}

// WorkflowUpdate reports a change to a workflow definition or its status.
type WorkflowUpdate struct {
	WorkflowKey string          `json:"workflow_key"`
	Name        string          `json:"name,omitempty"`
	Status      WorkflowStatus  `json:"status,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// RunUpdate reports progress or completion of a workflow run.
type RunUpdate struct {
	RunID       string     `json:"run_id"`
	WorkflowKey string     `json:"workflow_key,omitempty"`
	Status      RunStatus  `json:"status"`
	Progress    *float64   `json:"progress,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NodeUpdate reports a state change of a single node inside a run.
type NodeUpdate struct {
	RunID    string          `json:"run_id"`
	NodeID   string          `json:"node_id"`
	NodeType string          `json:"node_type,omitempty"`
	Status   NodeStatus      `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Error descriptor types.
const (
	ErrorTypeTransport = "transport"
	ErrorTypeServer    = "server"
)

// ErrorDescriptor is what OnError handlers receive. Type is always set.
type ErrorDescriptor struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Scope   Scope  `json:"scope,omitempty"`
	Err     error  `json:"-"`
}

func (ConnectionEvent) EventKind() EventKind { return EventConnection }
func (WorkflowUpdate) EventKind() EventKind  { return EventWorkflowUpdate }
func (RunUpdate) EventKind() EventKind       { return EventRunUpdate }
func (NodeUpdate) EventKind() EventKind      { return EventNodeUpdate }
func (ErrorDescriptor) EventKind() EventKind { return EventError }

// Event is one parsed stream event.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Seq     uint64          `json:"seq"`
	ID      string          `json:"id,omitempty"`
	Scope   Scope           `json:"scope"`
	Payload Payload         `json:"payload"`
	Raw     json.RawMessage `json:"-"`
}
