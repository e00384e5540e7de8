package wallet

import "sync"

// Purpose labels why a signature is being requested.
type Purpose string

const (
	PurposeAuthentication Purpose = "authentication"
	PurposeEvidence       Purpose = "evidence"
	PurposeTransaction    Purpose = "transaction"
)

// Guard allows at most one outstanding signature request. Overlapping callers
// are rejected immediately instead of being queued behind the open prompt.
type Guard struct {
	mu      sync.Mutex
	pending Purpose
}

// NewGuard returns an idle guard.
func NewGuard() *Guard { return &Guard{} }

// Acquire reserves the signer for p. The returned release func must be called
// once the prompt resolves.
func (g *Guard) Acquire(p Purpose) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != "" {
		if p == PurposeAuthentication {
			return nil, ErrAuthenticationInProgress
		}
		return nil, ErrSigningInProgress
	}
	g.pending = p
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.pending = ""
			g.mu.Unlock()
		})
	}, nil
}

// Pending reports the purpose of the open prompt, if any.
func (g *Guard) Pending() (Purpose, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending, g.pending != ""
}
