package ports

import (
	"context"

	"parley/domain"
)

// ReplySender delivers reply text to a chat
type ReplySender interface {
	SendReply(ctx context.Context, chatID, text string) error
}

// ApprovalNotifier presents an approve/deny affordance for a gated action
type ApprovalNotifier interface {
	NotifyApproval(ctx context.Context, chatID string, req domain.ApprovalRequest) error
}

// Transport is the composite chat transport interface
type Transport interface {
	ReplySender
	ApprovalNotifier
}
