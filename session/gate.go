package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"parley/domain"
)

// Tools that never mutate anything and are always allowed
var safeTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"WebSearch": true,
	"WebFetch":  true,
}

// Read-only shell command prefixes that are allowed without asking
var safeBashPrefixes = []string{
	"ls",
	"cat",
	"head",
	"tail",
	"pwd",
	"echo",
	"which",
	"git status",
	"git log",
	"git diff",
	"git branch",
	"git show",
}

func isSafeBashCommand(command string) bool {
	command = strings.TrimSpace(command)
	for _, prefix := range safeBashPrefixes {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

func isSafeAction(req domain.ApprovalRequest) bool {
	if safeTools[req.Tool] {
		return true
	}
	if req.Tool == "Bash" {
		command, _ := req.Input["command"].(string)
		return isSafeBashCommand(command)
	}
	return false
}

// pending is a single approval request in flight. Its resolution is a
// one-shot race between the user's decision, the timeout timer and gate
// teardown; sync.Once picks exactly one winner and close(done) releases
// the waiter.
type pending struct {
	req      domain.ApprovalRequest
	once     sync.Once
	decision domain.Decision
	done     chan struct{}
}

func newPending(req domain.ApprovalRequest) *pending {
	return &pending{req: req, done: make(chan struct{})}
}

// resolve records d as the decision if none was recorded yet. Returns true
// if this call won the race.
func (p *pending) resolve(d domain.Decision) bool {
	won := false
	p.once.Do(func() {
		p.decision = d
		close(p.done)
		won = true
	})
	return won
}

// Gate holds at most one pending approval request per session and the
// session's sticky approvals. Safe and stickied actions bypass the gate
// entirely via AutoApproved; everything else suspends in Open until the
// user decides or the timeout fires.
type Gate struct {
	mu      sync.Mutex
	timeout time.Duration
	pending *pending
	sticky  map[string]string
}

func NewGate(timeout time.Duration) *Gate {
	return &Gate{timeout: timeout, sticky: make(map[string]string)}
}

// AutoApproved reports whether req may run without asking the user, either
// because the action is inherently safe or because a matching approval was
// stickied earlier.
func (g *Gate) AutoApproved(req domain.ApprovalRequest) bool {
	if isSafeAction(req) {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sticky[req.Signature()]
	return ok
}

// Open registers req as the pending approval and blocks until it is
// resolved, the gate timeout elapses, or ctx is cancelled. Timeout and
// cancellation both resolve to Denied; the agent is never left waiting
// forever. Returns ErrGateAlreadyOpen if another request is already
// pending, without disturbing it.
func (g *Gate) Open(ctx context.Context, req domain.ApprovalRequest, notify func(domain.ApprovalRequest)) (domain.Decision, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return domain.DecisionDenied, ErrGateAlreadyOpen
	}
	p := newPending(req)
	g.pending = p
	g.mu.Unlock()

	if notify != nil {
		notify(req)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var ctxErr error
	select {
	case <-p.done:
	case <-timer.C:
		p.resolve(domain.DecisionTimedOut)
		<-p.done
	case <-ctx.Done():
		p.resolve(domain.DecisionDenied)
		<-p.done
		ctxErr = ctx.Err()
	}

	g.mu.Lock()
	if g.pending == p {
		g.pending = nil
	}
	g.mu.Unlock()

	return p.decision, ctxErr
}

// Resolve settles the pending approval with d. First resolution wins: a
// decision that arrives after the timeout already fired reports
// ErrNothingPending just like one that arrives with no request open.
func (g *Gate) Resolve(d domain.Decision) (domain.ApprovalRequest, error) {
	g.mu.Lock()
	p := g.pending
	g.mu.Unlock()
	if p == nil {
		return domain.ApprovalRequest{}, ErrNothingPending
	}
	if !p.resolve(d) {
		return p.req, ErrNothingPending
	}
	return p.req, nil
}

// StickyApprove approves the pending request and remembers its signature
// so that matching requests are auto-approved from now on. Returns the
// stickied description.
func (g *Gate) StickyApprove() (string, error) {
	g.mu.Lock()
	p := g.pending
	g.mu.Unlock()
	if p == nil {
		return "", ErrNothingPending
	}
	desc := p.req.Describe()

	g.mu.Lock()
	g.sticky[p.req.Signature()] = desc
	g.mu.Unlock()

	if !p.resolve(domain.DecisionApproved) {
		return "", ErrNothingPending
	}
	return desc, nil
}

// ClearSticky drops all sticky approvals and returns how many there were
func (g *Gate) ClearSticky() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.sticky)
	g.sticky = make(map[string]string)
	return n
}

// StickyDescriptions lists the remembered approvals in stable order
func (g *Gate) StickyDescriptions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	descs := make([]string, 0, len(g.sticky))
	for _, d := range g.sticky {
		descs = append(descs, d)
	}
	sort.Strings(descs)
	return descs
}

// teardown denies the pending request, if any, so that a goroutine
// suspended in Open unblocks during cancel or reset
func (g *Gate) teardown() {
	g.mu.Lock()
	p := g.pending
	g.mu.Unlock()
	if p != nil {
		p.resolve(domain.DecisionDenied)
	}
}
