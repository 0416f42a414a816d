package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const storeResolveTimeout = 5 * time.Second

// ApprovalStore retains approval requests beyond their pending lifetime.
// Create must fail with ErrDuplicateCommandID for a known id and Resolve
// with ErrNotFound unless the record is still pending.
type ApprovalStore interface {
	Create(ctx context.Context, req ApprovalRequest) error
	Get(ctx context.Context, commandID string) (ApprovalRequest, bool, error)
	Resolve(ctx context.Context, commandID string, status ApprovalStatus, actor string, at time.Time) error

	// ExpirePending marks every record still pending as expired. Live queue
	// state does not survive a restart, so this runs once at startup.
	ExpirePending(ctx context.Context, at time.Time) (int64, error)
	// Prune drops terminal records resolved before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type QueueOptions struct {
	// Timeout expires requests that stay pending this long. Zero means a
	// request waits for a decision indefinitely.
	Timeout time.Duration

	Store  ApprovalStore
	Bus    *Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// Queue holds every pending approval request keyed by command id. The mutex
// only guards the map; waiters block on their own entry's done channel.
type Queue struct {
	timeout time.Duration
	store   ApprovalStore
	bus     *Bus
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry
	seq     uint64
	closed  bool
}

type pendingEntry struct {
	seq   uint64
	req   ApprovalRequest
	timer *time.Timer

	// outcome is written before done is closed.
	done    chan struct{}
	outcome ApprovalStatus
}

// Handle is returned by Submit and identifies one request for Await.
type Handle struct {
	q     *Queue
	entry *pendingEntry
	id    string
}

func (h *Handle) CommandID() string { return h.id }

// Done is closed once the request leaves the pending state.
func (h *Handle) Done() <-chan struct{} { return h.entry.done }

// Outcome reports the terminal status without blocking.
func (h *Handle) Outcome() (ApprovalStatus, bool) {
	select {
	case <-h.entry.done:
		return h.entry.outcome, true
	default:
		return ApprovalPending, false
	}
}

func NewQueue(ctx context.Context, opts QueueOptions) (*Queue, error) {
	q := &Queue{
		timeout: opts.Timeout,
		store:   opts.Store,
		bus:     opts.Bus,
		log:     opts.Logger,
		now:     opts.Now,
		pending: make(map[string]*pendingEntry),
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if q.timeout < 0 {
		q.timeout = 0
	}
	if q.store != nil {
		n, err := q.store.ExpirePending(ctx, q.now())
		if err != nil {
			return nil, fmt.Errorf("expire stale approvals: %w", err)
		}
		if n > 0 {
			q.log.Info("approvals_expired_on_start", "count", n)
		}
	}
	return q, nil
}

func (q *Queue) Submit(ctx context.Context, req ApprovalRequest) (*Handle, error) {
	req.CommandID = strings.TrimSpace(req.CommandID)
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}
	if strings.TrimSpace(req.Intent) == "" {
		req.Intent = req.MethodName
	}
	if !req.AirlockLevel.Valid() {
		req.AirlockLevel = LevelDangerous
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now()
	}
	req.Status = ApprovalPending
	req.ResolvedAt = nil
	req.Actor = ""

	q.mu.Lock()
	closed := q.closed
	_, dup := q.pending[req.CommandID]
	q.mu.Unlock()
	if closed {
		return nil, ErrQueueClosed
	}
	if dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCommandID, req.CommandID)
	}

	// The store row goes in before the entry is visible, so a resolve can
	// never reach the store ahead of the create.
	if q.store != nil {
		if err := q.store.Create(ctx, req); err != nil {
			if errors.Is(err, ErrDuplicateCommandID) {
				return nil, err
			}
			q.log.Warn("approval_store_create_error", "command_id", req.CommandID, "error", err.Error())
		}
	}

	e := &pendingEntry{req: req, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.storeResolve(ctx, req.CommandID, ApprovalExpired, "", q.now())
		return nil, ErrQueueClosed
	}
	if _, ok := q.pending[req.CommandID]; ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCommandID, req.CommandID)
	}
	q.seq++
	e.seq = q.seq
	q.pending[req.CommandID] = e
	if q.timeout > 0 {
		id := req.CommandID
		e.timer = time.AfterFunc(q.timeout, func() {
			q.finish(context.Background(), id, ApprovalExpired, "", e)
		})
	}
	q.mu.Unlock()

	q.log.Info("approval_submitted",
		"command_id", req.CommandID,
		"session_id", req.SessionID,
		"intent", req.Intent,
		"airlock_level", req.AirlockLevel,
	)
	q.bus.Publish(TopicApprovalRequired, req)
	return &Handle{q: q, entry: e, id: req.CommandID}, nil
}

// Await blocks until the request is resolved, timeout elapses, or ctx is done.
//
// When timeout (>0) elapses first the request is expired and removed from the
// queue. When ctx ends first only this wait is abandoned: the request stays
// pending and can still be resolved or expire on its own; Await then returns
// ApprovalPending with ctx.Err().
func (q *Queue) Await(ctx context.Context, h *Handle, timeout time.Duration) (ApprovalStatus, error) {
	if h == nil || h.entry == nil {
		return "", fmt.Errorf("nil approval handle")
	}
	if st, ok := h.Outcome(); ok {
		return st, nil
	}

	var expiry <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expiry = t.C
	}

	select {
	case <-h.entry.done:
		return h.entry.outcome, nil
	case <-expiry:
		q.finish(context.Background(), h.id, ApprovalExpired, "", h.entry)
		// Either the expiry won or a resolve beat it; done is closed in both cases.
		<-h.entry.done
		return h.entry.outcome, nil
	case <-ctx.Done():
		return ApprovalPending, ctx.Err()
	}
}

// Resolve approves or denies a pending request. Exactly one caller wins per
// command id; every other call gets ErrNotFound.
func (q *Queue) Resolve(ctx context.Context, commandID string, approved bool, actor string) error {
	commandID = strings.TrimSpace(commandID)
	status := ApprovalDenied
	if approved {
		status = ApprovalApproved
	}
	if _, ok := q.finish(ctx, commandID, status, strings.TrimSpace(actor), nil); !ok {
		return fmt.Errorf("%w: no pending approval %q", ErrNotFound, commandID)
	}
	return nil
}

// finish moves a pending entry to a terminal status. When only is set the
// transition applies to that exact entry, so a stale timer cannot touch a
// later request that reused the id.
func (q *Queue) finish(ctx context.Context, commandID string, status ApprovalStatus, actor string, only *pendingEntry) (ApprovalRequest, bool) {
	q.mu.Lock()
	e, ok := q.pending[commandID]
	if !ok || (only != nil && e != only) {
		q.mu.Unlock()
		return ApprovalRequest{}, false
	}
	delete(q.pending, commandID)
	if e.timer != nil {
		e.timer.Stop()
	}
	now := q.now()
	e.req.Status = status
	e.req.ResolvedAt = &now
	e.req.Actor = actor
	e.outcome = status
	req := e.req
	close(e.done)
	q.mu.Unlock()

	q.storeResolve(ctx, commandID, status, actor, now)
	q.log.Info("approval_resolved",
		"command_id", commandID,
		"status", status,
		"actor", actor,
		"waited_ms", now.Sub(req.CreatedAt).Milliseconds(),
	)
	q.bus.Publish(TopicApprovalResolved, ApprovalResolved{CommandID: commandID, Status: status, Actor: actor})
	return req, true
}

// storeResolve ignores cancellation of ctx since the in-memory transition
// has already happened.
func (q *Queue) storeResolve(ctx context.Context, commandID string, status ApprovalStatus, actor string, at time.Time) {
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeResolveTimeout)
	defer cancel()
	if err := q.store.Resolve(ctx, commandID, status, actor, at); err != nil && !errors.Is(err, ErrNotFound) {
		q.log.Warn("approval_store_resolve_error", "command_id", commandID, "error", err.Error())
	}
}

// ListPending returns the pending requests in submission order.
func (q *Queue) ListPending() []ApprovalRequest {
	q.mu.Lock()
	entries := make([]*pendingEntry, 0, len(q.pending))
	for _, e := range q.pending {
		entries = append(entries, e)
	}
	out := make([]ApprovalRequest, 0, len(entries))
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		out = append(out, e.req)
	}
	q.mu.Unlock()
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Get looks a request up among pending entries first, then in the store.
func (q *Queue) Get(ctx context.Context, commandID string) (ApprovalRequest, bool, error) {
	commandID = strings.TrimSpace(commandID)
	q.mu.Lock()
	if e, ok := q.pending[commandID]; ok {
		req := e.req
		q.mu.Unlock()
		return req, true, nil
	}
	q.mu.Unlock()
	if q.store == nil {
		return ApprovalRequest{}, false, nil
	}
	return q.store.Get(ctx, commandID)
}

// Close expires every pending request and rejects further submissions.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.finish(context.Background(), id, ApprovalExpired, "system:shutdown", nil)
	}
	if len(ids) > 0 {
		q.log.Info("approvals_expired_on_close", "count", len(ids))
	}
}
