// Package permission brokers out-of-band tool-permission requests: the
// agent's tool-use callback registers a request and blocks on a single-shot
// resolver; the user's decision arrives later from a WebSocket and resolves
// it. Requests live only in memory; the durable record is the envelope log.
package permission

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// Request is one outstanding permission request.
type Request struct {
	RequestID   string                        `json:"request_id"`
	SessionID   string                        `json:"session_id"`
	ToolName    string                        `json:"tool_name"`
	Input       map[string]any                `json:"input,omitempty"`
	ToolUseID   string                        `json:"tool_use_id,omitempty"`
	Suggestions []claudecode.PermissionUpdate `json:"suggestions,omitempty"`
	CreatedAt   time.Time                     `json:"created_at"`
}

// Decision is the user's resolution of a request. Behavior is allow or deny;
// AppliedSuggestions carries the rule changes the user chose to apply with an
// allow; Guidance rides on a deny so the agent may retry with new context.
type Decision struct {
	Behavior           string                        `json:"behavior"`
	AppliedSuggestions []claudecode.PermissionUpdate `json:"applied_suggestions,omitempty"`
	Guidance           string                        `json:"guidance,omitempty"`
	UpdatedInput       map[string]any                `json:"updated_input,omitempty"`
}

// Denied builds the terminal deny decision used on teardown and auto-deny.
func Denied(guidance string) Decision {
	return Decision{Behavior: claudecode.BehaviorDeny, Guidance: guidance}
}

type pending struct {
	request *Request
	ch      chan Decision
	timer   *time.Timer
}

// Broker is the table of outstanding requests keyed by request id. Each
// request has exactly one resolver; a resolved or cancelled request leaves
// the table immediately, so late decisions find nothing and are ignored.
type Broker struct {
	autoDeny time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// NewBroker creates a broker. autoDeny > 0 denies requests left undecided
// for that long; zero disables the timer.
func NewBroker(autoDeny time.Duration, log *logger.Logger) *Broker {
	return &Broker{
		autoDeny: autoDeny,
		logger:   log.WithFields(zap.String("component", "permission-broker")),
		pending:  make(map[string]*pending),
	}
}

// Register adds a request to the table and returns its single-shot resolver
// channel. A duplicate request id is a precondition error.
func (b *Broker) Register(req *Request) (<-chan Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[req.RequestID]; exists {
		return nil, apperrors.Precondition("permission request already registered: " + req.RequestID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	p := &pending{
		request: req,
		ch:      make(chan Decision, 1),
	}
	if b.autoDeny > 0 {
		requestID := req.RequestID
		p.timer = time.AfterFunc(b.autoDeny, func() {
			if err := b.Resolve(requestID, Denied("permission request timed out")); err == nil {
				b.logger.Warn("permission request auto-denied after timeout",
					zap.String("request_id", requestID),
					zap.Duration("timeout", b.autoDeny))
			}
		})
	}
	b.pending[req.RequestID] = p

	b.logger.Info("permission request registered",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("tool_name", req.ToolName))
	return p.ch, nil
}

// Resolve delivers the decision to the waiting callback and removes the
// request. An unknown id returns NotFound; callers treat that as "session
// already torn down" and ignore it.
func (b *Broker) Resolve(requestID string, decision Decision) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		return apperrors.NotFound("permission request", requestID)
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	b.logger.Info("permission request resolved",
		zap.String("request_id", requestID),
		zap.String("behavior", decision.Behavior))
	p.ch <- decision
	return nil
}

// CancelSession denies every pending request of a session. Called on
// terminate, delete, and fatal stream errors so no callback leaks.
func (b *Broker) CancelSession(sessionID string) int {
	b.mu.Lock()
	var cancelled []*pending
	for id, p := range b.pending {
		if p.request.SessionID == sessionID {
			cancelled = append(cancelled, p)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, p := range cancelled {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- Denied("session terminated")
	}
	if len(cancelled) > 0 {
		b.logger.Info("cancelled pending permission requests",
			zap.String("session_id", sessionID),
			zap.Int("count", len(cancelled)))
	}
	return len(cancelled)
}

// Get returns the pending request with the given id, or nil.
func (b *Broker) Get(requestID string) *Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[requestID]; ok {
		return p.request
	}
	return nil
}

// PendingForSession returns the session's outstanding requests, oldest first.
func (b *Broker) PendingForSession(sessionID string) []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var requests []*Request
	for _, p := range b.pending {
		if p.request.SessionID == sessionID {
			requests = append(requests, p.request)
		}
	}
	for i := 1; i < len(requests); i++ {
		for j := i; j > 0 && requests[j].CreatedAt.Before(requests[j-1].CreatedAt); j-- {
			requests[j], requests[j-1] = requests[j-1], requests[j]
		}
	}
	return requests
}

// PendingCount returns the number of outstanding requests across sessions.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
