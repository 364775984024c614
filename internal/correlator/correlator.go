// Package correlator matches outbound Requests to their eventual Responses.
// Every issued request resolves exactly once: with the matching Response,
// with a timeout, or with an immediate send failure.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/protocol"
)

var (
	// ErrTimedOut indicates no Response arrived within the configured window.
	// Distinct from an explicit error Response.
	ErrTimedOut = errors.New("request timed out")
	// ErrSendFailed indicates the transport could not send the request at all.
	ErrSendFailed = errors.New("failed to send request")
)

// Registrar registers one-shot response handlers keyed by correlation id.
// Both the session server and the reconnecting client implement it.
type Registrar interface {
	RegisterResponse(id string, fn func(*protocol.Response))
	UnregisterResponse(id string)
}

// SendFunc writes a serialized request to the transport. It returns false
// when no peer is connected or the write fails.
type SendFunc func(*protocol.Request) bool

type waiter struct {
	once sync.Once
	ch   chan result
}

type result struct {
	resp *protocol.Response
	err  error
}

func (w *waiter) resolve(r result) {
	w.once.Do(func() {
		w.ch <- r
	})
}

// Tracker owns the pending-request table. Entries live in a TTL cache whose
// expiry resolves the waiter as a timeout, so the race between delivery and
// timeout collapses to whoever removes the cache entry first.
type Tracker struct {
	reg     Registrar
	pending *ttlcache.Cache[string, *waiter]
	log     *logger.Logger
}

// New creates a Tracker registering handlers with reg.
func New(reg Registrar) *Tracker {
	t := &Tracker{
		reg: reg,
		log: logger.Global().WithPrefix("correlator"),
	}
	t.pending = ttlcache.New[string, *waiter](
		ttlcache.WithDisableTouchOnHit[string, *waiter](),
	)
	t.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *waiter]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		t.reg.UnregisterResponse(item.Key())
		item.Value().resolve(result{err: ErrTimedOut})
		t.log.Debug("request %s timed out", item.Key())
	})
	go t.pending.Start()
	return t
}

// Close stops the expiry loop. Outstanding waiters are resolved as timeouts
// so no Issue call is left blocked.
func (t *Tracker) Close() {
	for _, item := range t.pending.Items() {
		t.reg.UnregisterResponse(item.Key())
		item.Value().resolve(result{err: ErrTimedOut})
	}
	t.pending.DeleteAll()
	t.pending.Stop()
}

// Outstanding returns the number of requests awaiting resolution.
func (t *Tracker) Outstanding() int {
	return t.pending.Len()
}

// Issue sends req and waits for its Response, at most timeout. A Response
// with status "error" still resolves without error here; the caller inspects
// Status. Exactly one of Response, ErrTimedOut or ErrSendFailed is returned
// per call, and a late Response for an already resolved id is dropped.
func (t *Tracker) Issue(ctx context.Context, send SendFunc, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	w := &waiter{ch: make(chan result, 1)}

	// Registration precedes the TTL insert: a tiny timeout can expire the
	// entry immediately, and the eviction must find the handler to remove.
	// It also precedes the send so a fast answer cannot slip past the
	// handler table.
	t.reg.RegisterResponse(req.ID, func(resp *protocol.Response) {
		// Removing the entry with reason Deleted suppresses the expiry
		// callback; only one path resolves.
		t.pending.Delete(req.ID)
		w.resolve(result{resp: resp})
	})
	t.pending.Set(req.ID, w, timeout)

	if !send(req) {
		t.pending.Delete(req.ID)
		t.reg.UnregisterResponse(req.ID)
		w.resolve(result{err: ErrSendFailed})
	}

	select {
	case r := <-w.ch:
		return r.resp, r.err
	case <-ctx.Done():
		t.pending.Delete(req.ID)
		t.reg.UnregisterResponse(req.ID)
		return nil, ctx.Err()
	}
}
