// Package approval holds tool calls and resource reads that policy routed to
// a human. Requests are kept in memory with an expiry; an approved request
// carries everything needed to resume the original call.
package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a pending request stays actionable.
const DefaultTTL = 30 * time.Minute

var (
	// ErrNotFound is returned for an unknown or already-resolved approval id.
	ErrNotFound = errors.New("approval request not found")
	// ErrExpired is returned when the request outlived its TTL before being
	// resolved.
	ErrExpired = errors.New("approval request expired")
)

// Request is one held operation awaiting a decision.
type Request struct {
	ID          string         `json:"id"`
	Operation   string         `json:"operation"`
	Provider    string         `json:"provider"`
	Tool        string         `json:"tool,omitempty"`
	ResourceURI string         `json:"resource_uri,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Rule        string         `json:"rule"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

type entry struct {
	req      Request
	approved bool
	decided  chan struct{} // closed once resolved or expired
}

// Queue is the in-memory pending set. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// NewQueue creates a queue with the given TTL; ttl <= 0 uses DefaultTTL.
func NewQueue(ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{
		pending: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Create registers a held operation and returns it with id and expiry set.
func (q *Queue) Create(operation, provider, tool, resourceURI, rule string, args map[string]any) Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()

	now := q.now()
	req := Request{
		ID:          uuid.NewString(),
		Operation:   operation,
		Provider:    provider,
		Tool:        tool,
		ResourceURI: resourceURI,
		Arguments:   args,
		Rule:        rule,
		CreatedAt:   now,
		ExpiresAt:   now.Add(q.ttl),
	}
	q.pending[req.ID] = &entry{req: req, decided: make(chan struct{})}
	return req
}

// Approve removes the request from the pending set and returns it so the
// caller can resume the original operation.
func (q *Queue) Approve(id string) (Request, error) {
	return q.resolve(id, true)
}

// Reject discards the request.
func (q *Queue) Reject(id string) (Request, error) {
	return q.resolve(id, false)
}

func (q *Queue) resolve(id string, approved bool) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.pending[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	delete(q.pending, id)
	if q.now().After(e.req.ExpiresAt) {
		close(e.decided)
		return Request{}, ErrExpired
	}
	e.approved = approved
	close(e.decided)
	return e.req, nil
}

// Wait blocks until the request is approved, rejected, expired, or ctx ends.
// Returns whether it was approved.
func (q *Queue) Wait(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	e, ok := q.pending[id]
	q.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}

	var expiry <-chan time.Time
	if d := e.req.ExpiresAt.Sub(q.now()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expiry = t.C
	}

	select {
	case <-e.decided:
		return e.approved, nil
	case <-expiry:
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
		return false, ErrExpired
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pending lists unexpired requests, oldest first. Expired entries are pruned
// as a side effect.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()

	out := make([]Request, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (q *Queue) pruneLocked() {
	now := q.now()
	for id, e := range q.pending {
		if now.After(e.req.ExpiresAt) {
			close(e.decided)
			delete(q.pending, id)
		}
	}
}
