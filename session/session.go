// Package session implements the per-chat concurrency core: a registry of
// chat sessions, a single-slot approval gate, and an execution serializer
// that enforces single-flight invocations with generation-tagged
// cancellation. One chat maps to exactly one Session; chats never share
// mutable state.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"parley/domain"
)

// Error sentinels for session operations
var (
	ErrSessionBusy     = errors.New("session is busy")
	ErrGateAlreadyOpen = errors.New("approval gate already open")
	ErrNothingPending  = errors.New("no pending approval")
)

// Session holds the durable and transient state of one chat.
//
// Durable fields (cwd, createdAt, messageCount, resumeToken) are written
// through to the repository after every mutation. Transient fields (state,
// generation, pending approval) are lost on restart: a restart abandons any
// in-flight execution.
//
// All mutable fields are guarded by mu. Only the registry, the serializer
// and Cancel mutate a session; the generation counter only ever increases
// and is the sole staleness criterion for in-flight work.
type Session struct {
	mu sync.Mutex

	chatID    string
	createdAt time.Time

	cwd          string
	messageCount int
	resumeToken  string

	state       domain.SessionState
	generation  uint64
	pendingDesc string
	cancelRun   context.CancelFunc

	gate *Gate
}

func newSession(chatID, cwd string, gateTimeout time.Duration) *Session {
	return &Session{
		chatID:    chatID,
		cwd:       cwd,
		createdAt: time.Now(),
		state:     domain.StateIdle,
		gate:      NewGate(gateTimeout),
	}
}

// ChatID returns the chat identifier this session belongs to
func (s *Session) ChatID() string { return s.chatID }

// Gate returns the session's approval gate
func (s *Session) Gate() *Gate { return s.gate }

// Cwd returns the current working directory
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// State returns the current execution state
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current generation counter
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// MessageCount returns the number of prompts accepted for execution
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// ResumeToken returns the agent's conversational resume token, if any
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// currentGeneration reports whether gen is still the live generation
func (s *Session) currentGeneration(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

// persisted snapshots the durable fields for the repository
func (s *Session) persisted() domain.PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.PersistedSession{
		ChatID:       s.chatID,
		Cwd:          s.cwd,
		CreatedAt:    s.createdAt,
		MessageCount: s.messageCount,
		ResumeToken:  s.resumeToken,
	}
}

// Cancel invalidates any in-flight execution and frees the session for new
// work immediately. The generation bump makes the cancelled execution's
// eventual output inert; the underlying agent call is cancelled on a
// best-effort basis and may keep running briefly. Returns false if the
// session was idle.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state == domain.StateIdle {
		s.mu.Unlock()
		return false
	}
	s.generation++
	s.state = domain.StateIdle
	s.pendingDesc = ""
	cancel := s.cancelRun
	s.cancelRun = nil
	s.mu.Unlock()

	// Wake any goroutine suspended in the gate; its decision is discarded
	// because its generation is no longer current
	s.gate.teardown()

	if cancel != nil {
		cancel()
	}
	return true
}

// StatusView builds a read-only projection for status replies
func (s *Session) StatusView() domain.StatusView {
	s.mu.Lock()
	view := domain.StatusView{
		ChatID:          s.chatID,
		Cwd:             s.cwd,
		State:           s.state,
		MessageCount:    s.messageCount,
		Age:             time.Since(s.createdAt),
		PendingApproval: s.pendingDesc,
	}
	s.mu.Unlock()
	view.StickyApprovals = s.gate.StickyDescriptions()
	return view
}
