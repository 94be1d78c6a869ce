// Package permission implements the interactive tool-approval state
// machine (spec.md §4.5): PENDING -> REMINDER_SENT -> RESOLVED_ALLOW or
// RESOLVED_DENY, with a timeout and a 75%-of-timeout reminder. Runs in
// the gateway process, fed by an adapter's onPermissionRequest hook.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/types"
	"go.uber.org/zap"
)

// State is a PermissionRequest's position in the approval state machine.
type State string

const (
	StatePending       State = "pending"
	StateReminderSent  State = "reminder_sent"
	StateResolvedAllow State = "resolved_allow"
	StateResolvedDeny  State = "resolved_deny"
)

// DefaultTimeout is the deadline applied when a caller doesn't specify one.
const DefaultTimeout = 5 * time.Minute

// reminderFraction is when, relative to the full timeout, a
// chat-visible reminder notice fires (spec.md §4.5: "75% of timeout").
const reminderFraction = 0.75

// Notifier pushes the two chat-visible side effects the state machine
// produces: a reminder while still pending, and the terminal outcome.
type Notifier interface {
	NotifyReminder(req types.PermissionRequest)
	NotifyResolved(req types.PermissionRequest, decision types.PermissionDecision, reason string)
}

// entry tracks one outstanding request's timers alongside its resolve
// func, so a second resolve attempt is a silent no-op (spec.md §4.5:
// "a single resolve per request; double-resolves are silently
// suppressed").
type entry struct {
	request      types.PermissionRequest
	state        State
	reminderTime *time.Timer
	timeoutTimer *time.Timer
	resolveOnce  sync.Once
	resultCh     chan types.PermissionDecision
}

// Registry tracks every outstanding PermissionRequest for a gateway process.
type Registry struct {
	mu       sync.Mutex
	pending  map[string]*entry
	notifier Notifier
}

// NewRegistry builds an empty Registry. notifier may be nil (useful in
// tests), in which case reminder/resolution notices are dropped.
func NewRegistry(notifier Notifier) *Registry {
	return &Registry{
		pending:  make(map[string]*entry),
		notifier: notifier,
	}
}

// Request opens a new PermissionRequest and returns a channel that
// receives exactly one PermissionDecision once the request resolves,
// whether by user decision, reminder-then-timeout, or explicit
// cancellation (e.g. gateway shutdown).
func (r *Registry) Request(req types.PermissionRequest, timeout time.Duration) <-chan types.PermissionDecision {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(timeout)
	}

	e := &entry{
		request:  req,
		state:    StatePending,
		resultCh: make(chan types.PermissionDecision, 1),
	}

	reminderAfter := time.Duration(float64(timeout) * reminderFraction)
	e.reminderTime = time.AfterFunc(reminderAfter, func() { r.fireReminder(req.ID) })
	e.timeoutTimer = time.AfterFunc(timeout, func() { r.fireTimeout(req.ID) })

	r.mu.Lock()
	r.pending[req.ID] = e
	r.mu.Unlock()

	metrics.PermissionRequestsTotal.WithLabelValues("opened").Inc()
	return e.resultCh
}

func (r *Registry) fireReminder(requestID string) {
	r.mu.Lock()
	e, ok := r.pending[requestID]
	if ok && e.state == StatePending {
		e.state = StateReminderSent
	}
	r.mu.Unlock()

	if ok && e.state == StateReminderSent && r.notifier != nil {
		r.notifier.NotifyReminder(e.request)
	}
}

func (r *Registry) fireTimeout(requestID string) {
	r.resolve(requestID, types.PermissionDeny, "timeout expired")
}

// Resolve answers a pending request with the user's decision. A
// decision for an unknown or already-resolved requestID is a no-op.
func (r *Registry) Resolve(ctx context.Context, requestID string, decision types.PermissionDecision) {
	r.resolve(requestID, decision, "user decision")
}

func (r *Registry) resolve(requestID string, decision types.PermissionDecision, reason string) {
	r.mu.Lock()
	e, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.resolveOnce.Do(func() {
		e.reminderTime.Stop()
		e.timeoutTimer.Stop()

		switch decision {
		case types.PermissionAllow:
			e.state = StateResolvedAllow
		default:
			e.state = StateResolvedDeny
			decision = types.PermissionDeny
		}

		e.resultCh <- decision
		close(e.resultCh)

		metrics.PermissionRequestsTotal.WithLabelValues(string(decision)).Inc()
		logging.Info(context.Background(), "permission request resolved",
			zap.String("request_id", requestID), zap.String("decision", string(decision)), zap.String("reason", reason))

		if r.notifier != nil {
			r.notifier.NotifyResolved(e.request, decision, reason)
		}
	})
}

// Cancel resolves every outstanding request as deny. Called on gateway
// shutdown (spec.md §4.5: "on gateway shutdown every pending request
// is resolved as deny").
func (r *Registry) Cancel() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.resolve(id, types.PermissionDeny, "gateway shutdown")
	}
}

// Pending reports whether requestID is still outstanding.
func (r *Registry) Pending(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[requestID]
	return ok
}
