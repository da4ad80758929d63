package ports

import (
	"context"

	"parley/domain"
)

// EventType identifies a runner stream event
type EventType int

const (
	// EventText is a partial output increment
	EventText EventType = iota
	// EventResult is the final output, carrying a new resume token
	EventResult
	// EventApproval is a gated action request; the invocation is suspended
	// until Resume is called with a decision
	EventApproval
	// EventError reports an invocation failure; the stream ends after it
	EventError
)

// Event is one item in a runner invocation stream
type Event struct {
	Type        EventType
	Text        string
	ResumeToken string
	Approval    *domain.ApprovalRequest
	Err         error
}

// InvokeParams describes one agent invocation
type InvokeParams struct {
	Cwd         string
	Prompt      string
	ResumeToken string
}

// RunHandle identifies an in-flight invocation
type RunHandle interface {
	ID() string
}

// Runner invokes the coding agent. Invoke returns immediately; events
// arrive on the returned channel until the invocation ends, after which
// the channel is closed. Cancel is advisory: the agent process may keep
// running briefly and emit further events, which callers must discard.
type Runner interface {
	Invoke(ctx context.Context, params InvokeParams) (RunHandle, <-chan Event, error)
	Cancel(handle RunHandle)
	Resume(handle RunHandle, decision domain.Decision) error
}
