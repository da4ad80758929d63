// Package controller routes classified user input to the session
// registry, the permission gate or the execution serializer, and turns
// every outcome into a single user-facing reply. Nothing below bubbles an
// error past this boundary; the transport only ever sees reply text.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"parley/domain"
	"parley/logging"
	"parley/ports"
	"parley/router"
	"parley/session"
)

// WorkingNotice is the reply sent when a prompt is accepted. Transports
// may recognize it to attach a cancel affordance.
const WorkingNotice = "Working..."

// Controller orchestrates one chat at a time per chat. Inputs for
// different chats run concurrently; inputs for the same chat are handled
// in arrival order, end to end.
type Controller struct {
	registry   *session.Registry
	serializer *session.Serializer
	transport  ports.Transport
	projects   map[string]string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(registry *session.Registry, serializer *session.Serializer, transport ports.Transport, projects map[string]string) *Controller {
	return &Controller{
		registry:   registry,
		serializer: serializer,
		transport:  transport,
		projects:   projects,
		locks:      make(map[string]*sync.Mutex),
	}
}

// HandleMessage processes one utterance for a chat: classify, route,
// reply. Blocks only for the duration of control handling; accepted
// prompts run in the background.
func (c *Controller) HandleMessage(ctx context.Context, chatID, text string) {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	reply := c.dispatch(ctx, chatID, text)
	if reply != "" {
		c.send(ctx, chatID, reply)
	}
}

// Approve resolves the pending approval positively. Used by transports
// with a button affordance; returns the user feedback text ("" when the
// approval went through silently).
func (c *Controller) Approve(ctx context.Context, chatID string) string {
	return c.handleApprove(chatID)
}

// Deny resolves the pending approval negatively
func (c *Controller) Deny(ctx context.Context, chatID string) string {
	return c.handleDeny(chatID)
}

// StickyApprove approves the pending request and remembers it
func (c *Controller) StickyApprove(ctx context.Context, chatID string) string {
	return c.handleStickyApprove(chatID)
}

// CancelTask aborts the in-flight execution for a chat
func (c *Controller) CancelTask(ctx context.Context, chatID string) string {
	return c.handleCancel(chatID)
}

func (c *Controller) dispatch(ctx context.Context, chatID, text string) string {
	cmd := router.Parse(text, c.projects)

	logging.Logger.Debug("Dispatching input",
		"chat_id", chatID,
		"command", cmd.Type.String())

	switch cmd.Type {
	case router.CommandApprove:
		return c.handleApprove(chatID)
	case router.CommandDeny:
		return c.handleDeny(chatID)
	case router.CommandStickyApprove:
		return c.handleStickyApprove(chatID)
	case router.CommandClearApprovals:
		return c.handleClearApprovals(chatID)
	case router.CommandListApprovals:
		return c.handleListApprovals(chatID)
	case router.CommandStatus:
		return c.handleStatus(chatID)
	case router.CommandReset:
		return c.handleReset(ctx, chatID)
	case router.CommandContinue:
		return c.handleContinue(ctx, chatID)
	case router.CommandCancel:
		return c.handleCancel(chatID)
	case router.CommandSwitchProject:
		return c.handleSwitchProject(ctx, chatID, cmd.Project)
	case router.CommandProjectPrompt:
		if reply := c.switchProject(ctx, chatID, cmd.Project); reply != "" {
			return reply
		}
		return c.handlePrompt(ctx, chatID, cmd.Text)
	default:
		return c.handlePrompt(ctx, chatID, cmd.Text)
	}
}

func (c *Controller) handleApprove(chatID string) string {
	sess, ok := c.registry.Get(chatID)
	if !ok {
		return "No active session."
	}
	if _, err := sess.Gate().Resolve(domain.DecisionApproved); err != nil {
		return "No pending approval."
	}
	// Approval needs no feedback; the resumed run speaks for itself
	return ""
}

func (c *Controller) handleDeny(chatID string) string {
	sess, ok := c.registry.Get(chatID)
	if !ok {
		return "No active session."
	}
	req, err := sess.Gate().Resolve(domain.DecisionDenied)
	if err != nil {
		return "No pending approval."
	}
	return fmt.Sprintf("Rejected: %s", req.Describe())
}

func (c *Controller) handleStickyApprove(chatID string) string {
	sess, ok := c.registry.Get(chatID)
	if !ok {
		return "No active session."
	}
	desc, err := sess.Gate().StickyApprove()
	if err != nil {
		return "No pending approval to sticky approve."
	}
	return fmt.Sprintf("Stickied: %s auto-approved", desc)
}

func (c *Controller) handleClearApprovals(chatID string) string {
	sess, ok := c.registry.Get(chatID)
	if !ok {
		return "No active session."
	}
	count := sess.Gate().ClearSticky()
	if count == 0 {
		return "No sticky approvals to clear."
	}
	return fmt.Sprintf("Cleared %d sticky approval(s).", count)
}

func (c *Controller) handleListApprovals(chatID string) string {
	sess, ok := c.registry.Get(chatID)
	if !ok {
		return "No active session."
	}
	descs := sess.Gate().StickyDescriptions()
	if len(descs) == 0 {
		return "No sticky approvals."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Sticky approvals (%d):", len(descs))
	for _, d := range descs {
		fmt.Fprintf(&b, "\n- %s", d)
	}
	return b.String()
}

func (c *Controller) handleStatus(chatID string) string {
	view, ok := c.registry.Describe(chatID)
	if !ok {
		return "No active session."
	}
	return view.String()
}

func (c *Controller) handleReset(ctx context.Context, chatID string) string {
	c.registry.Reset(ctx, chatID, "")
	return "Started new session."
}

func (c *Controller) handleContinue(ctx context.Context, chatID string) string {
	sess := c.registry.GetOrCreate(ctx, chatID)
	if sess.ResumeToken() != "" {
		return fmt.Sprintf("Resuming session in %s\nMessages: %d", sess.Cwd(), sess.MessageCount())
	}
	return fmt.Sprintf("Session active in %s. No conversation to resume.\nSend a message to start interacting.", sess.Cwd())
}

func (c *Controller) handleCancel(chatID string) string {
	sess, ok := c.registry.Get(chatID)
	if ok && c.serializer.Cancel(sess) {
		return "Task cancelled."
	}
	return "No running task to cancel."
}

func (c *Controller) handleSwitchProject(ctx context.Context, chatID, project string) string {
	if reply := c.switchProject(ctx, chatID, project); reply != "" {
		return reply
	}
	return fmt.Sprintf("Switched to %s (%s)", project, c.projects[project])
}

// switchProject sets the chat's cwd to the named project's directory.
// Returns a non-empty reply only on failure.
func (c *Controller) switchProject(ctx context.Context, chatID, project string) string {
	cwd, ok := c.projects[project]
	if !ok {
		names := make([]string, 0, len(c.projects))
		for name := range c.projects {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Sprintf("Unknown project. Available: %s", strings.Join(names, ", "))
	}
	c.registry.SetCwd(ctx, chatID, cwd)
	return ""
}

func (c *Controller) handlePrompt(ctx context.Context, chatID, text string) string {
	sess := c.registry.GetOrCreate(ctx, chatID)
	if sess.State() == domain.StateAwaitingApproval {
		return "An approval is pending. Approve or reject it before sending new work."
	}

	_, err := c.serializer.Start(ctx, sess, text, &chatSink{controller: c, chatID: sess.ChatID()})
	if errors.Is(err, session.ErrSessionBusy) {
		return "Still working on the previous request. Say stop to cancel it."
	}
	if err != nil {
		logging.Logger.Error("Failed to start execution",
			"chat_id", sess.ChatID(),
			"error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return WorkingNotice
}

func (c *Controller) chatLock(chatID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[chatID] = lock
	}
	return lock
}

func (c *Controller) send(ctx context.Context, chatID, text string) {
	if err := c.transport.SendReply(ctx, chatID, text); err != nil {
		logging.Logger.Error("Failed to send reply",
			"chat_id", chatID,
			"error", err)
	}
}

// chatSink delivers execution output for one chat over the transport.
// Sends use a background context because the originating request is long
// gone by the time streamed output arrives.
type chatSink struct {
	controller *Controller
	chatID     string
}

func (s *chatSink) Reply(text string) {
	s.controller.send(context.Background(), s.chatID, text)
}

func (s *chatSink) NotifyApproval(req domain.ApprovalRequest) {
	if err := s.controller.transport.NotifyApproval(context.Background(), s.chatID, req); err != nil {
		logging.Logger.Error("Failed to send approval notification",
			"chat_id", s.chatID,
			"error", err)
	}
}
