package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/types"
)

type counters struct {
	mu sync.Mutex
	m  map[string]int
}

func newCounters() *counters {
	return &counters{m: make(map[string]int)}
}

func (c *counters) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key]++
}

func (c *counters) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// Stats is the operator-facing view. Attributed wallets and their solutions
// are left out of every figure.
type Stats struct {
	Uptime          time.Duration
	Hashrate        float64
	SessionAccepted int
	AllTimeAccepted int
	// SessionByWallet counts solutions accepted since start per wallet.
	SessionByWallet map[string]int
	ActiveWallets   int
	Pending         int
	// ConsecutiveSubmitFailures stays above zero while the remote service
	// keeps failing submissions.
	ConsecutiveSubmitFailures int64
	CancelledAssignments      int64
	ExpiredLeases             int64
	Slots                     []SlotView
}

func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.Stats(ctx, false)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Uptime:                    s.now().Sub(s.started),
		Hashrate:                  s.hashrate(),
		SessionAccepted:           int(s.sessionAccepted.Load()),
		AllTimeAccepted:           st.Solutions[shared.OutcomeAccepted],
		SessionByWallet:           s.sessionByWallet.snapshot(),
		ActiveWallets:             st.Wallets[shared.WalletActive],
		Pending:                   st.Solutions[shared.OutcomePending],
		ConsecutiveSubmitFailures: s.submitter.ConsecutiveFailures(),
		CancelledAssignments:      s.cancelled.Load(),
		ExpiredLeases:             s.expired.Load(),
		Slots:                     s.Slots(),
	}, nil
}

func (s *Scheduler) logStats(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		st, err := s.Stats(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, types.ErrStorage):
			return err
		case err != nil:
			logger.Warn("collecting stats failed", zap.Error(err))
			continue
		}
		busy := 0
		for _, v := range st.Slots {
			if v.State != SlotIdle {
				busy++
			}
		}
		fields := []zap.Field{
			zap.Duration("uptime", st.Uptime.Truncate(time.Second)),
			zap.Float64("hashrate", st.Hashrate),
			zap.Int("session_accepted", st.SessionAccepted),
			zap.Int("all_time_accepted", st.AllTimeAccepted),
			zap.Int("active_wallets", st.ActiveWallets),
			zap.Int("pending", st.Pending),
			zap.Int("busy_slots", busy),
		}
		if st.ConsecutiveSubmitFailures > 0 {
			logger.Warn("submissions failing", append(fields, zap.Int64("consecutive_failures", st.ConsecutiveSubmitFailures))...)
			continue
		}
		logger.Info("stats", fields...)
	}
}
