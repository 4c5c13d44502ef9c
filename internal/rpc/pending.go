package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// RemoteError is how a Pending is rejected when the peer replied with a
// non-empty error field.
type RemoteError struct {
	Method string
	ID     uint64
	Code   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s#%d: remote error %q", e.Method, e.ID, e.Code)
}

// Pending is the future returned by Queue.Call. It completes exactly once.
type Pending struct {
	ID     uint64
	Method string

	deadline time.Time

	once  sync.Once
	done  chan struct{}
	value json.RawMessage
	err   error
}

func newPending(id uint64, method string) *Pending {
	return &Pending{ID: id, Method: method, done: make(chan struct{})}
}

func rejected(method string, err error) *Pending {
	p := newPending(0, method)
	p.complete(nil, err)
	return p
}

func (p *Pending) complete(v json.RawMessage, err error) {
	p.once.Do(func() {
		p.value = v
		p.err = err
		close(p.done)
	})
}

func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. Only meaningful once Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.value, p.err
	default:
		return nil, nil
	}
}

func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the reply and unmarshals its value into v.
func (p *Pending) Decode(ctx context.Context, v any) error {
	raw, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("rpc %s#%d: decode reply: %w", p.Method, p.ID, err)
	}
	return nil
}
