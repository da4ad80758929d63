package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"parley/domain"
	"parley/logging"
	"parley/ports"
)

// Sink receives user-visible output from an execution. The controller
// binds one per chat over the transport.
type Sink interface {
	Reply(text string)
	NotifyApproval(req domain.ApprovalRequest)
}

// PersistFunc writes a session's durable fields through to storage.
// Persistence failures must be absorbed, not propagated; the serializer
// keeps running in-memory either way.
type PersistFunc func(ctx context.Context, sess *Session)

// Execution identifies one accepted invocation and the generation it was
// tagged with at start.
type Execution struct {
	ID         string
	Generation uint64
}

// Serializer enforces single-flight execution per session. A busy session
// rejects new prompts with ErrSessionBusy rather than queueing them, and
// every externally visible effect of an execution (replies, state
// transitions, persistence) is gated on its generation tag still being
// current.
type Serializer struct {
	runner   ports.Runner
	persist  PersistFunc
	onChange func()
}

// NewSerializer builds a serializer over the given agent runner. persist
// and onChange may be nil.
func NewSerializer(runner ports.Runner, persist PersistFunc, onChange func()) *Serializer {
	return &Serializer{runner: runner, persist: persist, onChange: onChange}
}

// Start accepts a prompt for execution on sess. If the session is not
// idle it returns ErrSessionBusy immediately; prompts are never queued.
// On acceptance the session transitions to Busy, its generation is
// bumped, and the agent invocation is consumed on a background goroutine.
// The returned Execution carries the generation tag the run will be
// checked against. ctx scopes only the start itself; the run gets its own
// lifetime so it survives the triggering request.
func (sz *Serializer) Start(ctx context.Context, sess *Session, prompt string, sink Sink) (Execution, error) {
	sess.mu.Lock()
	if sess.state != domain.StateIdle {
		sess.mu.Unlock()
		return Execution{}, ErrSessionBusy
	}
	sess.generation++
	gen := sess.generation
	sess.state = domain.StateBusy
	sess.messageCount++
	params := ports.InvokeParams{
		Cwd:         sess.cwd,
		Prompt:      prompt,
		ResumeToken: sess.resumeToken,
	}
	sess.mu.Unlock()

	runCtx, cancelCtx := context.WithCancel(context.Background())

	handle, events, err := sz.runner.Invoke(runCtx, params)
	if err != nil {
		cancelCtx()
		sess.mu.Lock()
		if sess.generation == gen {
			sess.state = domain.StateIdle
		}
		sess.mu.Unlock()
		return Execution{}, fmt.Errorf("failed to invoke agent: %w", err)
	}

	kill := func() {
		cancelCtx()
		sz.runner.Cancel(handle)
	}

	sess.mu.Lock()
	if sess.generation == gen {
		sess.cancelRun = kill
		sess.mu.Unlock()
	} else {
		// Cancelled in the window between accept and invoke; the run is
		// already stale
		sess.mu.Unlock()
		kill()
	}

	sz.persistSession(ctx, sess)
	sz.notifyChange()

	exec := Execution{ID: uuid.New().String(), Generation: gen}
	logging.Logger.Debug("Execution started",
		"chat_id", sess.chatID,
		"execution_id", exec.ID,
		"generation", gen)

	go sz.consume(runCtx, sess, gen, handle, events, sink)
	return exec, nil
}

// Cancel aborts the in-flight execution on sess, if any. The session is
// idle and ready for a new prompt as soon as Cancel returns; the
// superseded run's late output is discarded by the generation check.
func (sz *Serializer) Cancel(sess *Session) bool {
	cancelled := sess.Cancel()
	if cancelled {
		logging.Logger.Debug("Execution cancelled", "chat_id", sess.chatID)
		sz.notifyChange()
	}
	return cancelled
}

// consume drains the event stream of one invocation. Every reply, state
// transition and persistence write is guarded by the generation tag: once
// gen is no longer current the remaining events are drained silently so
// the runner can exit.
func (sz *Serializer) consume(runCtx context.Context, sess *Session, gen uint64, handle ports.RunHandle, events <-chan ports.Event, sink Sink) {
	emit := func(text string) {
		if text != "" && sess.currentGeneration(gen) {
			sink.Reply(text)
		}
	}

	for ev := range events {
		if !sess.currentGeneration(gen) {
			logging.Logger.Debug("Discarding stale execution output",
				"chat_id", sess.chatID,
				"generation", gen)
			sz.runner.Cancel(handle)
			continue
		}

		switch ev.Type {
		case ports.EventText:
			emit(ev.Text)

		case ports.EventApproval:
			sz.handleApproval(runCtx, sess, gen, handle, *ev.Approval, sink)

		case ports.EventResult:
			sess.mu.Lock()
			if sess.generation != gen {
				sess.mu.Unlock()
				continue
			}
			sess.state = domain.StateIdle
			sess.cancelRun = nil
			if ev.ResumeToken != "" {
				sess.resumeToken = ev.ResumeToken
			}
			sess.mu.Unlock()

			emit(ev.Text)
			sz.persistSession(context.Background(), sess)
			sz.notifyChange()
			logging.Logger.Debug("Execution completed",
				"chat_id", sess.chatID,
				"generation", gen)

		case ports.EventError:
			sess.mu.Lock()
			if sess.generation != gen {
				sess.mu.Unlock()
				continue
			}
			sess.state = domain.StateIdle
			sess.cancelRun = nil
			sess.mu.Unlock()

			logging.Logger.Error("Execution failed",
				"chat_id", sess.chatID,
				"error", ev.Err)
			emit(fmt.Sprintf("Error: %v", ev.Err))
			sz.notifyChange()
		}
	}

	// Stream closed without a result (runner died). Don't leave the
	// session stuck busy.
	sess.mu.Lock()
	stuck := sess.generation == gen && sess.state != domain.StateIdle
	if stuck {
		sess.state = domain.StateIdle
		sess.pendingDesc = ""
		sess.cancelRun = nil
	}
	sess.mu.Unlock()
	if stuck {
		logging.Logger.Warn("Execution stream ended without result",
			"chat_id", sess.chatID,
			"generation", gen)
		sz.notifyChange()
	}
}

// handleApproval runs the permission flow for one gated action: safe and
// stickied actions resume immediately, everything else suspends the
// session in AwaitingApproval until the gate resolves.
func (sz *Serializer) handleApproval(runCtx context.Context, sess *Session, gen uint64, handle ports.RunHandle, req domain.ApprovalRequest, sink Sink) {
	if sess.gate.AutoApproved(req) {
		logging.Logger.Debug("Auto-approved action",
			"chat_id", sess.chatID,
			"tool", req.Tool)
		if err := sz.runner.Resume(handle, domain.DecisionApproved); err != nil {
			logging.Logger.Error("Failed to resume agent",
				"chat_id", sess.chatID,
				"error", err)
		}
		return
	}

	sess.mu.Lock()
	if sess.generation != gen {
		sess.mu.Unlock()
		return
	}
	sess.state = domain.StateAwaitingApproval
	sess.pendingDesc = req.Describe()
	sess.mu.Unlock()
	sz.notifyChange()

	decision, gateErr := sess.gate.Open(runCtx, req, sink.NotifyApproval)

	sess.mu.Lock()
	current := sess.generation == gen
	if current {
		sess.state = domain.StateBusy
		sess.pendingDesc = ""
	}
	sess.mu.Unlock()

	if !current || gateErr != nil {
		// Superseded or torn down while waiting; the run is being killed
		// and must not be resumed
		return
	}
	sz.notifyChange()

	if decision == domain.DecisionTimedOut {
		sink.Reply(fmt.Sprintf("Approval timed out, denied: %s", req.Describe()))
	}
	if err := sz.runner.Resume(handle, decision); err != nil {
		logging.Logger.Error("Failed to resume agent",
			"chat_id", sess.chatID,
			"error", err)
	}
}

func (sz *Serializer) persistSession(ctx context.Context, sess *Session) {
	if sz.persist != nil {
		sz.persist(ctx, sess)
	}
}

func (sz *Serializer) notifyChange() {
	if sz.onChange != nil {
		sz.onChange()
	}
}
