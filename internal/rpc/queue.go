package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
)

var (
	ErrNoHandler   = errors.New("rpc: no handler registered")
	ErrCallTimeout = errors.New("rpc: call timed out")
	ErrClosed      = errors.New("rpc: queue closed")
)

// Handler serves one inbound method. The returned value is marshalled into
// the reply.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

type Option func(*Queue)

// WithCallTimeout makes Sweep reject calls that stay unanswered for longer
// than d. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(q *Queue) { q.callTimeout = d }
}

func WithLogger(l *log.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue multiplexes calls and replies for one connection. Outbound traffic
// accumulates until Flush turns it into a single packet.
type Queue struct {
	logger      *log.Logger
	callTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	nextID   uint64
	calls    []protocol.Call
	replies  []protocol.Reply
	pending  map[uint64]*Pending
	handlers map[string]Handler
	closed   error

	inflight sync.WaitGroup
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		logger:   log.Default(),
		now:      time.Now,
		pending:  map[uint64]*Pending{},
		handlers: map[string]Handler{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Call enqueues a call and returns its future. Ids start at 1 and never
// repeat for the lifetime of the queue.
func (q *Queue) Call(method string, args ...any) *Pending {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return rejected(method, fmt.Errorf("rpc %s: marshal arg %d: %w", method, i, err))
		}
		raw = append(raw, b)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed != nil {
		return rejected(method, q.closed)
	}
	q.nextID++
	p := newPending(q.nextID, method)
	if q.callTimeout > 0 {
		p.deadline = q.now().Add(q.callTimeout)
	}
	q.pending[p.ID] = p
	q.calls = append(q.calls, protocol.Call{T: method, ID: p.ID, Args: raw})
	return p
}

// RegisterCallHandler installs h for method, replacing any previous one.
func (q *Queue) RegisterCallHandler(method string, h Handler) {
	q.mu.Lock()
	q.handlers[method] = h
	q.mu.Unlock()
}

func (q *Queue) UnregisterCallHandler(method string) {
	q.mu.Lock()
	delete(q.handlers, method)
	q.mu.Unlock()
}

// HandleCall starts the handler for call in its own goroutine. A missing
// handler is a contract violation between peers: the error is returned and
// no reply is produced.
func (q *Queue) HandleCall(ctx context.Context, call protocol.Call) error {
	q.mu.Lock()
	h, ok := q.handlers[call.T]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q (id %d)", ErrNoHandler, call.T, call.ID)
	}

	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		q.enqueueReply(q.runHandler(ctx, h, call))
	}()
	return nil
}

func (q *Queue) runHandler(ctx context.Context, h Handler, call protocol.Call) (rep protocol.Reply) {
	rep = protocol.Reply{T: call.T, ID: call.ID}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Printf("rpc: handler %s#%d panicked: %v", call.T, call.ID, r)
			rep.Value = nil
			rep.Error = protocol.ErrGeneric
		}
	}()

	v, err := h(ctx, call.Args)
	if err != nil {
		rep.Error = protocol.ErrGeneric
		if errors.Is(err, ErrBadArgs) {
			rep.Error = protocol.ErrBadRequest
		}
		return rep
	}
	b, err := json.Marshal(v)
	if err != nil {
		q.logger.Printf("rpc: handler %s#%d result: %v", call.T, call.ID, err)
		rep.Error = protocol.ErrGeneric
		return rep
	}
	rep.Value = b
	return rep
}

func (q *Queue) enqueueReply(rep protocol.Reply) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed != nil {
		return
	}
	q.replies = append(q.replies, rep)
}

// HandleReply completes the matching pending call. Replies without a
// pending call are dropped and false is returned.
func (q *Queue) HandleReply(rep protocol.Reply) bool {
	q.mu.Lock()
	p, ok := q.pending[rep.ID]
	if ok {
		delete(q.pending, rep.ID)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	if rep.Error != "" {
		p.complete(nil, &RemoteError{Method: p.Method, ID: rep.ID, Code: rep.Error})
		return true
	}
	p.complete(rep.Value, nil)
	return true
}

// HandlePacket processes every call in order, then every reply in order.
// A failing call does not stop the ones after it.
func (q *Queue) HandlePacket(ctx context.Context, pkt *protocol.Packet) error {
	var errs []error
	for _, c := range pkt.Calls {
		if err := q.HandleCall(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range pkt.Replies {
		q.HandleReply(r)
	}
	return errors.Join(errs...)
}

// Empty reports whether a Flush would produce a packet without calls or
// replies.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls) == 0 && len(q.replies) == 0
}

// Flush drains both outbound queues into one serialized packet.
func (q *Queue) Flush() ([]byte, error) {
	q.mu.Lock()
	pkt := &protocol.Packet{Calls: q.calls, Replies: q.replies}
	q.calls = nil
	q.replies = nil
	q.mu.Unlock()
	return protocol.Encode(pkt)
}

// Sweep rejects calls whose deadline passed before now and returns how many
// were rejected.
func (q *Queue) Sweep(now time.Time) int {
	var expired []*Pending
	q.mu.Lock()
	for id, p := range q.pending {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			expired = append(expired, p)
			delete(q.pending, id)
		}
	}
	q.mu.Unlock()
	for _, p := range expired {
		p.complete(nil, fmt.Errorf("%w: %s#%d", ErrCallTimeout, p.Method, p.ID))
	}
	return len(expired)
}

// Close rejects every pending call and stops accepting new ones. Unsent
// traffic is discarded. Calling Close again is a no-op.
func (q *Queue) Close(cause error) {
	q.mu.Lock()
	if q.closed != nil {
		q.mu.Unlock()
		return
	}
	q.closed = ErrClosed
	if cause != nil {
		q.closed = fmt.Errorf("%w: %w", ErrClosed, cause)
	}
	pending := q.pending
	q.pending = map[uint64]*Pending{}
	q.calls = nil
	q.replies = nil
	err := q.closed
	q.mu.Unlock()

	for _, p := range pending {
		p.complete(nil, err)
	}
}

// PendingCount is the number of calls still waiting for a reply.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until every handler started by HandleCall has returned.
func (q *Queue) Wait() {
	q.inflight.Wait()
}
