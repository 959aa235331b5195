package syncjob

import (
	"context"
	"sort"
	"sync"
)

// Guard hands out at most one lease per job id within this process.
type Guard struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

func NewGuard() *Guard {
	return &Guard{leases: map[string]*Lease{}}
}

// Lease is held by the goroutine processing a job.
type Lease struct {
	jobID    string
	guard    *Guard
	cancel   chan struct{}
	stopOnce sync.Once
	freeOnce sync.Once
}

// Acquire returns false when jobID is already leased.
func (g *Guard) Acquire(jobID string) (*Lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.leases[jobID]; held {
		return nil, false
	}
	l := &Lease{jobID: jobID, guard: g, cancel: make(chan struct{})}
	g.leases[jobID] = l
	return l, true
}

func (g *Guard) Held(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.leases[jobID]
	return held
}

// HeldIDs returns the leased job ids in sorted order.
func (g *Guard) HeldIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.leases))
	for id := range g.leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequestCancel wakes the lease holder so it re-reads the job status.
func (g *Guard) RequestCancel(jobID string) bool {
	g.mu.Lock()
	l, held := g.leases[jobID]
	g.mu.Unlock()
	if !held {
		return false
	}
	l.stopOnce.Do(func() { close(l.cancel) })
	return true
}

func (l *Lease) JobID() string {
	return l.jobID
}

// CancelRequested is closed once a cancel was requested for the job.
func (l *Lease) CancelRequested() <-chan struct{} {
	return l.cancel
}

// Release frees the job id. Calling it more than once is safe.
func (l *Lease) Release() {
	l.freeOnce.Do(func() {
		l.guard.mu.Lock()
		if l.guard.leases[l.jobID] == l {
			delete(l.guard.leases, l.jobID)
		}
		l.guard.mu.Unlock()
	})
}

type leaseKey struct{}

func withLease(ctx context.Context, l *Lease) context.Context {
	return context.WithValue(ctx, leaseKey{}, l)
}

func leaseFromContext(ctx context.Context) (*Lease, bool) {
	l, ok := ctx.Value(leaseKey{}).(*Lease)
	return l, ok
}
