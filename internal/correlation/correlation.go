package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"krakenclient/internal/logger"
	"krakenclient/internal/metrics"
)

// Kind is the type of a correlated request
type Kind string

const (
	KindAddOrder    Kind = "add-order"
	KindCancelOrder Kind = "cancel-order"
	KindSubscribe   Kind = "subscribe"
)

var (
	// ErrTimeout is returned when no acknowledgement arrives in time
	ErrTimeout = errors.New("correlation: request timed out")
	// ErrUnknownRequest is logged for acknowledgements nobody waits for
	ErrUnknownRequest = errors.New("correlation: unknown request id")
)

// RejectedError carries the message of an exchange rejection
type RejectedError struct {
	Kind    Kind
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected by exchange: %s", e.Kind, e.Message)
}

// IDSource hands out strictly increasing request ids. It is seeded from the
// clock so ids do not repeat across restarts.
type IDSource struct {
	last atomic.Int64
}

// NewIDSource seeds a source at milliseconds*1000 of now
func NewIDSource(now time.Time) *IDSource {
	s := &IDSource{}
	s.last.Store(now.UnixMilli() * 1000)
	return s
}

// Next returns the next request id
func (s *IDSource) Next() int64 {
	return s.last.Add(1)
}

// Result settles a pending action
type Result struct {
	Payload interface{}
	Err     error
}

// Pending is one request waiting for its acknowledgement
type Pending struct {
	ReqID     int64
	Kind      Kind
	Meta      interface{}
	CreatedAt time.Time

	done  chan Result
	timer *time.Timer
}

// Done delivers the result exactly once
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Wait blocks until the result arrives or ctx ends
func (p *Pending) Wait(ctx context.Context) (interface{}, error) {
	select {
	case r := <-p.done:
		return r.Payload, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete delivers r. Only the caller that took p out of the table may call it.
func (p *Pending) Complete(r Result) {
	p.done <- r
}

// Table is the pending action table keyed by request id
type Table struct {
	mu      sync.Mutex
	pending map[int64]*Pending
	ids     *IDSource
	now     func() time.Time
	log     *logger.Entry
}

// NewTable creates an empty table allocating ids from ids
func NewTable(ids *IDSource, now func() time.Time, log *logger.Log) *Table {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Table{
		pending: make(map[int64]*Pending),
		ids:     ids,
		now:     now,
		log:     log.WithComponent("correlation"),
	}
}

// Register allocates a request id and records a pending action. A positive
// timeout arms a deadline that rejects the action with ErrTimeout.
func (t *Table) Register(kind Kind, meta interface{}, timeout time.Duration) *Pending {
	p := &Pending{
		ReqID:     t.ids.Next(),
		Kind:      kind,
		Meta:      meta,
		CreatedAt: t.now(),
		done:      make(chan Result, 1),
	}

	t.mu.Lock()
	t.pending[p.ReqID] = p
	if timeout > 0 {
		reqID := p.ReqID
		p.timer = time.AfterFunc(timeout, func() { t.expire(reqID, timeout) })
	}
	t.mu.Unlock()

	metrics.AddPending(string(kind), 1)
	return p
}

// Peek returns the pending action without removing it
func (t *Table) Peek(reqID int64) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[reqID]
	return p, ok
}

// Take removes the pending action and stops its deadline. The caller owns
// the returned action and must Complete it.
func (t *Table) Take(reqID int64) (*Pending, bool) {
	t.mu.Lock()
	p, ok := t.pending[reqID]
	if ok {
		delete(t.pending, reqID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	t.mu.Unlock()

	if ok {
		metrics.AddPending(string(p.Kind), -1)
	}
	return p, ok
}

// Resolve settles the action of reqID. Unknown ids are logged and reported
// as false; they never reach a caller.
func (t *Table) Resolve(reqID int64, r Result) bool {
	p, ok := t.Take(reqID)
	if !ok {
		t.log.WithField("reqid", reqID).Debug(ErrUnknownRequest.Error())
		return false
	}
	p.Complete(r)
	return true
}

// Remove drops the action of reqID without settling it
func (t *Table) Remove(reqID int64) bool {
	_, ok := t.Take(reqID)
	return ok
}

// FailAll rejects every pending action with err and empties the table
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[int64]*Pending)
	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	t.mu.Unlock()

	for _, p := range all {
		metrics.AddPending(string(p.Kind), -1)
		p.Complete(Result{Err: err})
	}
	return len(all)
}

// Len returns the number of pending actions
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) expire(reqID int64, timeout time.Duration) {
	p, ok := t.Take(reqID)
	if !ok {
		return
	}
	metrics.IncTimeout(string(p.Kind))
	t.log.WithFields(logger.Fields{
		"reqid":   reqID,
		"kind":    p.Kind,
		"timeout": timeout.String(),
	}).Warn("request timed out")
	p.Complete(Result{Err: fmt.Errorf("%s request %d: %w", p.Kind, reqID, ErrTimeout)})
}
