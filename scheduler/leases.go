package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/midnightgpu/orchestrator/shared"
)

// leases tracks in-flight assignments and hands out disjoint nonce partitions
// per challenge.
type leases struct {
	mu      sync.Mutex
	active  map[string]*shared.Assignment
	cursors map[string]uint64
	base    func() uint64
}

func newLeases(base func() uint64) *leases {
	return &leases{
		active:  make(map[string]*shared.Assignment),
		cursors: make(map[string]uint64),
		base:    base,
	}
}

// leased returns the challenges held by in-flight assignments.
func (l *leases) leased() map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]struct{}, len(l.active))
	for _, a := range l.active {
		out[a.ChallengeID] = struct{}{}
	}
	return out
}

// acquire leases the next partition of size nonces of challenge to wallet.
// The first partition of a challenge starts at a random nonce.
func (l *leases) acquire(
	slot int,
	challenge string,
	wallet *shared.Wallet,
	size uint64,
	now time.Time,
	ttl time.Duration,
) *shared.Assignment {
	l.mu.Lock()
	defer l.mu.Unlock()

	start, ok := l.cursors[challenge]
	if !ok {
		start = l.base()
	}
	// RangeEnd is exclusive and cannot pass MaxUint64.
	if start > math.MaxUint64-size {
		start = 0
	}
	l.cursors[challenge] = start + size

	a := &shared.Assignment{
		LeaseID:     uuid.NewString(),
		Slot:        slot,
		ChallengeID: challenge,
		Wallet:      wallet.Address,
		Attributed:  wallet.Attributed,
		RangeStart:  start,
		RangeEnd:    start + size,
		LeasedAt:    now,
		Expires:     now.Add(ttl),
	}
	l.active[a.LeaseID] = a
	return a
}

func (l *leases) release(a *shared.Assignment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, a.LeaseID)
}

// forget drops the partition cursor of a challenge that can no longer be mined.
func (l *leases) forget(challenge string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cursors, challenge)
}

func (l *leases) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
