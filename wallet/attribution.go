package wallet

import (
	"math/rand"
	"sync"
	"time"
)

// Attribution decides, per assignment slot, whether the slot is worked by the
// attributed wallet pool. The draw is independent of which wallet would
// otherwise have been picked.
type Attribution struct {
	ratio float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewAttribution(ratio float64, seed int64) *Attribution {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Attribution{ratio: ratio, rng: rand.New(rand.NewSource(seed))}
}

// Next reports whether the next assignment is attributed.
func (a *Attribution) Next() bool {
	if a == nil || a.ratio <= 0 {
		return false
	}
	if a.ratio >= 1 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64() < a.ratio
}

func (a *Attribution) Ratio() float64 {
	if a == nil {
		return 0
	}
	return a.ratio
}
