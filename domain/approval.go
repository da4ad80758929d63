package domain

import (
	"fmt"
	"time"
)

// Decision is the outcome of an approval request
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionTimedOut Decision = "timed_out"
)

// Approved reports whether the gated action may proceed.
// A timeout never approves.
func (d Decision) Approved() bool {
	return d == DecisionApproved
}

// ApprovalRequest describes a gated action waiting for a user decision
type ApprovalRequest struct {
	ID        string
	Tool      string
	Input     map[string]any
	CreatedAt time.Time
}

// Describe returns a human-readable description of the gated action
func (r ApprovalRequest) Describe() string {
	switch r.Tool {
	case "Bash":
		return fmt.Sprintf("Run command: %s", r.inputString("command"))
	case "Write":
		return fmt.Sprintf("Write file: %s", r.inputString("file_path"))
	case "Edit":
		return fmt.Sprintf("Edit file: %s", r.inputString("file_path"))
	}
	return fmt.Sprintf("Use tool: %s", r.Tool)
}

// Signature identifies equivalent requests for sticky approvals.
// Two requests with the same signature are approved by the same sticky rule.
func (r ApprovalRequest) Signature() string {
	switch r.Tool {
	case "Bash":
		return fmt.Sprintf("Bash:%s", commandPrefix(r.inputString("command")))
	case "Write", "Edit":
		return fmt.Sprintf("%s:%s", r.Tool, r.inputString("file_path"))
	}
	return r.Tool
}

func (r ApprovalRequest) inputString(key string) string {
	if r.Input == nil {
		return "unknown"
	}
	if v, ok := r.Input[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// commandPrefix reduces a shell command to its leading word so sticky
// approvals cover repeated invocations of the same program
func commandPrefix(command string) string {
	for i := 0; i < len(command); i++ {
		if command[i] == ' ' {
			return command[:i]
		}
	}
	return command
}
