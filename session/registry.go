package session

import (
	"context"
	"sync"
	"time"

	"parley/domain"
	"parley/logging"
	"parley/ports"
)

// Registry maps chat IDs to their sessions. Lookups are lock-cheap;
// sessions are created lazily on first use and kept for the lifetime of
// the process. Durable fields are written through to the repository when
// one is configured; a nil repository means purely in-memory operation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	repo        ports.SessionRepository
	defaultCwd  string
	gateTimeout time.Duration
}

func NewRegistry(repo ports.SessionRepository, defaultCwd string, gateTimeout time.Duration) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		repo:        repo,
		defaultCwd:  defaultCwd,
		gateTimeout: gateTimeout,
	}
}

// Restore loads persisted sessions into the registry. Restored sessions
// come back Idle with a zero generation: executions do not survive a
// restart, only cwd, counters and the resume token do. Returns the number
// of sessions restored; a broken store is logged and treated as empty.
func (r *Registry) Restore(ctx context.Context) int {
	if r.repo == nil {
		return 0
	}
	persisted, err := r.repo.LoadAll(ctx)
	if err != nil {
		logging.Logger.Warn("Failed to load persisted sessions, starting empty", "error", err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range persisted {
		sess := newSession(p.ChatID, p.Cwd, r.gateTimeout)
		sess.createdAt = p.CreatedAt
		sess.messageCount = p.MessageCount
		sess.resumeToken = p.ResumeToken
		r.sessions[p.ChatID] = sess
	}
	logging.Logger.Info("Restored sessions", "count", len(persisted))
	return len(persisted)
}

// Get returns the session for chatID if one exists
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[chatID]
	return sess, ok
}

// GetOrCreate returns the session for chatID, creating an idle one with
// the default working directory on first use.
func (r *Registry) GetOrCreate(ctx context.Context, chatID string) *Session {
	r.mu.RLock()
	sess, ok := r.sessions[chatID]
	r.mu.RUnlock()
	if ok {
		return sess
	}

	r.mu.Lock()
	if sess, ok = r.sessions[chatID]; !ok {
		sess = newSession(chatID, r.defaultCwd, r.gateTimeout)
		r.sessions[chatID] = sess
	}
	r.mu.Unlock()

	if !ok {
		logging.Logger.Debug("Created session", "chat_id", chatID, "cwd", sess.Cwd())
		r.Persist(ctx, sess)
	}
	return sess
}

// Reset discards chatID's session and installs a fresh idle one. Any
// in-flight execution of the old session is cancelled and its pending
// approval dropped; the old generation's output is never delivered. An
// empty cwd keeps the previous session's working directory.
func (r *Registry) Reset(ctx context.Context, chatID, cwd string) *Session {
	r.mu.Lock()
	old := r.sessions[chatID]
	if cwd == "" {
		if old != nil {
			cwd = old.Cwd()
		} else {
			cwd = r.defaultCwd
		}
	}
	fresh := newSession(chatID, cwd, r.gateTimeout)
	r.sessions[chatID] = fresh
	r.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	logging.Logger.Info("Session reset", "chat_id", chatID, "cwd", cwd)
	r.Persist(ctx, fresh)
	return fresh
}

// SetCwd changes the working directory for chatID's session, creating it
// if needed. Takes effect on the next execution.
func (r *Registry) SetCwd(ctx context.Context, chatID, cwd string) *Session {
	sess := r.GetOrCreate(ctx, chatID)
	sess.mu.Lock()
	sess.cwd = cwd
	sess.mu.Unlock()
	r.Persist(ctx, sess)
	return sess
}

// Describe returns a status projection for chatID's session
func (r *Registry) Describe(chatID string) (domain.StatusView, bool) {
	sess, ok := r.Get(chatID)
	if !ok {
		return domain.StatusView{}, false
	}
	return sess.StatusView(), true
}

// All returns every live session. The slice is a snapshot; sessions keep
// their own locking.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// StateCounts tallies sessions per state for operational snapshots
func (r *Registry) StateCounts() map[domain.SessionState]int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	counts := make(map[domain.SessionState]int)
	for _, s := range sessions {
		counts[s.State()]++
	}
	return counts
}

// Persist writes sess's durable fields through to the repository. Storage
// trouble is logged and swallowed; the registry keeps serving from memory.
func (r *Registry) Persist(ctx context.Context, sess *Session) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Save(ctx, sess.persisted()); err != nil {
		logging.Logger.Warn("Failed to persist session, continuing in-memory",
			"chat_id", sess.ChatID(),
			"error", err)
	}
}
