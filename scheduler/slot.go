package scheduler

import (
	"strconv"
	"sync"
	"time"

	"github.com/midnightgpu/orchestrator/shared"
)

type SlotState uint8

const (
	SlotIdle SlotState = iota
	SlotAssigned
	SlotDispatched
	SlotAwaitingResult
	SlotSubmitting
	SlotCancelled
)

var slotStates = []SlotState{SlotIdle, SlotAssigned, SlotDispatched, SlotAwaitingResult, SlotSubmitting, SlotCancelled}

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotAssigned:
		return "assigned"
	case SlotDispatched:
		return "dispatched"
	case SlotAwaitingResult:
		return "awaiting_result"
	case SlotSubmitting:
		return "submitting"
	case SlotCancelled:
		return "cancelled"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// SlotView is a snapshot of one worker slot. Wallet is empty while the slot
// works for the attributed pool.
type SlotView struct {
	ID          int
	State       SlotState
	ChallengeID string
	Wallet      string
	RangeStart  uint64
	RangeEnd    uint64
	Since       time.Time
	// Hashrate is the slot's smoothed hashes per second.
	Hashrate float64
}

type slot struct {
	id int

	mu         sync.Mutex
	state      SlotState
	since      time.Time
	assignment *shared.Assignment
	hashrate   float64
}

func (s *slot) set(state SlotState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slotsMetric.WithLabelValues(s.state.String()).Dec()
	slotsMetric.WithLabelValues(state.String()).Inc()
	s.state = state
	s.since = now
	if state == SlotIdle {
		s.assignment = nil
	}
}

func (s *slot) assign(a *shared.Assignment, now time.Time) {
	s.set(SlotAssigned, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignment = a
}

// observe folds a finished batch into the slot's hashrate. The first batch
// seeds the average.
func (s *slot) observe(hashes uint64, d time.Duration) float64 {
	if d <= 0 {
		return s.rate()
	}
	sample := float64(hashes) / d.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashrate == 0 {
		s.hashrate = sample
	} else {
		s.hashrate = 0.9*s.hashrate + 0.1*sample
	}
	return s.hashrate
}

func (s *slot) rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashrate
}

func (s *slot) view() SlotView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := SlotView{ID: s.id, State: s.state, Since: s.since, Hashrate: s.hashrate}
	if a := s.assignment; a != nil {
		v.ChallengeID = a.ChallengeID
		v.RangeStart = a.RangeStart
		v.RangeEnd = a.RangeEnd
		if !a.Attributed {
			v.Wallet = a.Wallet
		}
	}
	return v
}
