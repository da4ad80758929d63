package domain

import (
	"fmt"
	"strings"
	"time"
)

// SessionState represents the execution state of a chat session
type SessionState string

const (
	StateIdle             SessionState = "idle"
	StateBusy             SessionState = "busy"
	StateAwaitingApproval SessionState = "awaiting_approval"
)

// PersistedSession holds the durable fields of a session. Execution state,
// generation and pending approvals are transient and never persisted.
type PersistedSession struct {
	ChatID       string
	Cwd          string
	CreatedAt    time.Time
	MessageCount int
	ResumeToken  string
}

// StatusView is a read-only projection of a session for status replies
type StatusView struct {
	ChatID          string
	Cwd             string
	State           SessionState
	MessageCount    int
	Age             time.Duration
	PendingApproval string
	StickyApprovals []string
}

// String renders the status view as a human-readable multi-line reply
func (v StatusView) String() string {
	hours := int(v.Age.Hours())
	minutes := int(v.Age.Minutes()) % 60

	parts := []string{
		fmt.Sprintf("Working directory: %s", v.Cwd),
		fmt.Sprintf("State: %s", v.State),
		fmt.Sprintf("Messages: %d", v.MessageCount),
		fmt.Sprintf("Age: %dh %dm", hours, minutes),
	}

	if v.PendingApproval != "" {
		parts = append(parts, fmt.Sprintf("Pending approval: %s", v.PendingApproval))
	}

	if len(v.StickyApprovals) > 0 {
		parts = append(parts, fmt.Sprintf("Sticky approvals (%d):", len(v.StickyApprovals)))
		for _, approval := range v.StickyApprovals {
			parts = append(parts, fmt.Sprintf("  - %s", approval))
		}
	}

	return strings.Join(parts, "\n")
}
