// Package runner invokes the claude CLI as a subprocess and adapts its
// stream-json NDJSON protocol to the ports.Runner event stream.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/domain"
	"parley/ports"
)

// streamEvent is one parsed NDJSON line from claude --output-format stream-json.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

// controlRequestBody is the request field of a control_request event,
// emitted when the agent wants to use a gated tool.
type controlRequestBody struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

// stdinUserMessage is the JSON format for sending user messages to claude's stdin.
type stdinUserMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Message   stdinMessageInner `json:"message"`
}

type stdinMessageInner struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// controlResponse answers a control_request on stdin.
type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string               `json:"subtype"`
	RequestID string               `json:"request_id"`
	Response  permissionResolution `json:"response"`
}

type permissionResolution struct {
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

// run is one in-flight claude invocation.
type run struct {
	id     string
	cancel context.CancelFunc

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	mu             sync.Mutex
	pendingRequest string
	pendingInput   map[string]any
}

func (r *run) ID() string { return r.id }

// CLIRunner launches one claude process per invocation and translates its
// NDJSON output into runner events. It satisfies ports.Runner.
type CLIRunner struct {
	binary string
	logger *slog.Logger
}

// New returns a runner that invokes the given binary. An empty binary
// defaults to "claude" resolved via PATH.
func New(binary string, logger *slog.Logger) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{binary: binary, logger: logger}
}

// Invoke starts a claude process for the prompt and returns a channel of
// events. The channel is closed when the process exits. Cancelling ctx
// kills the process.
func (c *CLIRunner) Invoke(ctx context.Context, params ports.InvokeParams) (ports.RunHandle, <-chan ports.Event, error) {
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--permission-mode", "default",
	}
	if params.ResumeToken != "" {
		args = append(args, "--resume", params.ResumeToken)
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, c.binary, args...)
	cmd.Dir = params.Cwd
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("start %s: %w", c.binary, err)
	}

	r := &run{
		id:     uuid.New().String(),
		cancel: cancel,
		stdin:  stdin,
	}

	msg := stdinUserMessage{
		Type:      "user",
		SessionID: params.ResumeToken,
		Message: stdinMessageInner{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: params.Prompt}},
		},
	}
	if err := r.writeStdin(msg); err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, nil, fmt.Errorf("send prompt: %w", err)
	}

	events := make(chan ports.Event, 64)
	go c.readLoop(r, cmd, stdout, events)

	c.logger.Debug("invocation started", "run_id", r.id, "cwd", params.Cwd, "resume", params.ResumeToken != "")
	return r, events, nil
}

// Cancel kills the invocation's process. Advisory: the read loop drains
// whatever output the process manages to flush before dying.
func (c *CLIRunner) Cancel(handle ports.RunHandle) {
	r, ok := handle.(*run)
	if !ok {
		return
	}
	c.logger.Debug("invocation cancelled", "run_id", r.id)
	r.cancel()
}

// Resume answers the pending permission prompt of the invocation.
func (c *CLIRunner) Resume(handle ports.RunHandle, decision domain.Decision) error {
	r, ok := handle.(*run)
	if !ok {
		return fmt.Errorf("unknown run handle %T", handle)
	}

	r.mu.Lock()
	requestID := r.pendingRequest
	input := r.pendingInput
	r.pendingRequest = ""
	r.pendingInput = nil
	r.mu.Unlock()

	if requestID == "" {
		return fmt.Errorf("run %s has no pending permission request", r.id)
	}

	resolution := permissionResolution{Behavior: "deny", Message: "User denied permission"}
	if decision.Approved() {
		resolution = permissionResolution{Behavior: "allow", UpdatedInput: input}
	}
	resp := controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  resolution,
		},
	}
	if err := r.writeStdin(resp); err != nil {
		return fmt.Errorf("send permission response: %w", err)
	}
	c.logger.Debug("permission resolved", "run_id", r.id, "request_id", requestID, "behavior", resolution.Behavior)
	return nil
}

func (r *run) writeStdin(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	r.stdinMu.Lock()
	defer r.stdinMu.Unlock()
	if r.stdin == nil {
		return fmt.Errorf("process not running")
	}
	_, err = r.stdin.Write(append(data, '\n'))
	return err
}

func (r *run) closeStdin() {
	r.stdinMu.Lock()
	defer r.stdinMu.Unlock()
	if r.stdin != nil {
		_ = r.stdin.Close()
		r.stdin = nil
	}
}

// readLoop reads NDJSON events from the process until it exits, translating
// each line into a runner event. Long lines need the enlarged scanner buffer.
func (c *CLIRunner) readLoop(r *run, cmd *exec.Cmd, stdout io.Reader, events chan<- ports.Event) {
	defer close(events)
	defer func() { _ = cmd.Wait() }()
	defer r.closeStdin()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	sawResult := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			c.logger.Warn("unparseable stream line", "run_id", r.id, "error", err)
			continue
		}

		for _, out := range c.translate(r, event) {
			events <- out
		}
		if event.Type == "result" {
			sawResult = true
			r.closeStdin()
		}
	}

	if err := scanner.Err(); err != nil && !sawResult {
		events <- ports.Event{Type: ports.EventError, Err: fmt.Errorf("read agent output: %w", err)}
	}
}

// translate maps one stream event to zero or more runner events.
func (c *CLIRunner) translate(r *run, event streamEvent) []ports.Event {
	switch event.Type {
	case "assistant":
		var msg assistantMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			c.logger.Warn("unparseable assistant message", "run_id", r.id, "error", err)
			return nil
		}
		var out []ports.Event
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				out = append(out, ports.Event{Type: ports.EventText, Text: block.Text})
			}
		}
		return out

	case "result":
		if event.IsError {
			detail := event.Result
			if detail == "" && len(event.Errors) > 0 {
				detail = event.Errors[0]
			}
			return []ports.Event{{Type: ports.EventError, Err: fmt.Errorf("agent failed: %s", detail)}}
		}
		return []ports.Event{{
			Type:        ports.EventResult,
			Text:        event.Result,
			ResumeToken: event.SessionID,
		}}

	case "control_request":
		req, err := approvalFromRequest(event)
		if err != nil {
			c.logger.Warn("unparseable control request", "run_id", r.id, "error", err)
			return nil
		}
		r.mu.Lock()
		r.pendingRequest = req.ID
		r.pendingInput = req.Input
		r.mu.Unlock()
		return []ports.Event{{Type: ports.EventApproval, Approval: req}}

	case "system", "user", "stream_event":
		return nil

	default:
		c.logger.Debug("unknown stream event type", "run_id", r.id, "type", event.Type)
		return nil
	}
}

// approvalFromRequest parses a control_request into an approval request.
func approvalFromRequest(event streamEvent) (*domain.ApprovalRequest, error) {
	var body controlRequestBody
	if err := json.Unmarshal(event.Request, &body); err != nil {
		return nil, err
	}
	if body.Subtype != "can_use_tool" {
		return nil, fmt.Errorf("unexpected control request subtype %q", body.Subtype)
	}
	if event.RequestID == "" {
		return nil, fmt.Errorf("control request without request_id")
	}
	return &domain.ApprovalRequest{
		ID:        event.RequestID,
		Tool:      body.ToolName,
		Input:     body.Input,
		CreatedAt: time.Now().UTC(),
	}, nil
}

var _ ports.Runner = (*CLIRunner)(nil)
