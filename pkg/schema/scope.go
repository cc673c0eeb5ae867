package schema

import (
	"net/url"
	"strconv"
)

// ScopeKind selects which event-stream endpoint a subscription targets.
type ScopeKind string

const (
	ScopeUser     ScopeKind = "user"
	ScopeWorkflow ScopeKind = "workflow"
	ScopeRun      ScopeKind = "run"
)

// Valid reports whether k is one of the known scope kinds.
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeUser, ScopeWorkflow, ScopeRun:
		return true
	default:
		return false
	}
}

// Scope addresses one event stream: a user id, a workflow key, or a run id.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// ScopeFromInt builds a scope from a numeric identifier.
func ScopeFromInt(kind ScopeKind, id int64) Scope {
	return Scope{Kind: kind, ID: strconv.FormatInt(id, 10)}
}

// UserScope, WorkflowScope and RunScope are shorthands for the three kinds.
func UserScope(id string) Scope      { return Scope{Kind: ScopeUser, ID: id} }
func WorkflowScope(key string) Scope { return Scope{Kind: ScopeWorkflow, ID: key} }
func RunScope(id string) Scope       { return Scope{Kind: ScopeRun, ID: id} }

// Validate checks that the kind is known and the identifier is non-empty.
func (s Scope) Validate() error {
	if !s.Kind.Valid() {
		return NewErrorf(ErrCodeValidation, "unknown scope kind %q", s.Kind).
			WithDetails(map[string]any{"kind": string(s.Kind)})
	}
	if s.ID == "" {
		return NewErrorf(ErrCodeValidation, "%s scope requires an identifier", s.Kind)
	}
	return nil
}

// IsZero reports whether the scope is unset.
func (s Scope) IsZero() bool {
	return s.Kind == "" && s.ID == ""
}

// Path returns the endpoint path for the scope, e.g. /sse/run/42.
func (s Scope) Path() string {
	return "/sse/" + string(s.Kind) + "/" + url.PathEscape(s.ID)
}

func (s Scope) String() string {
	if s.IsZero() {
		return ""
	}
	return string(s.Kind) + ":" + s.ID
}
