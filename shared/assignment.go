package shared

import "time"

// Assignment binds one wallet and one challenge to a worker slot until the
// lease expires.
type Assignment struct {
	LeaseID     string
	Slot        int
	ChallengeID string
	Wallet      string
	Attributed  bool
	// RangeStart and RangeEnd bound the nonce partition, end exclusive.
	RangeStart uint64
	RangeEnd   uint64
	LeasedAt   time.Time
	Expires    time.Time
}

func (a *Assignment) Expired(now time.Time) bool {
	return !now.Before(a.Expires)
}
