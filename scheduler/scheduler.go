// Package scheduler runs the worker slots that turn challenges and wallets
// into compute work and submitted solutions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/midnightgpu/orchestrator/challenge"
	"github.com/midnightgpu/orchestrator/engine"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/types"
	"github.com/midnightgpu/orchestrator/wallet"
)

// WalletPool hands out wallets for exclusive use by one slot.
type WalletPool interface {
	EnsureWallet(ctx context.Context, attributed bool) (*shared.Wallet, error)
	Release(address string)
}

type Challenges interface {
	NextBest(ctx context.Context, excluding map[string]struct{}) (*shared.Challenge, error)
	IsLive(ctx context.Context, id string) (bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, sol *shared.Solution) (shared.Outcome, error)
	ConsecutiveFailures() int64
}

var (
	errChallengeGone = errors.New("challenge no longer live")
	errLeaseExpired  = errors.New("lease expired")
)

var (
	slotsMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "scheduler",
		Name:      "slots",
		Help:      "Worker slots by state",
	}, []string{"state"})

	hashrateMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "scheduler",
		Name:      "hashrate",
		Help:      "Smoothed hashes per second over all slots",
	})

	batchDurationMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "scheduler",
		Name:      "batch_duration_seconds",
		Help:      "Time the compute engine spent on a work unit",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	cancelledMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "scheduler",
		Name:      "cancelled_assignments_total",
		Help:      "Assignments cut short by reason",
	}, []string{"reason"})
)

type Scheduler struct {
	cfg         Config
	store       *store.Store
	wallets     WalletPool
	challenges  Challenges
	engine      engine.Engine
	submitter   Submitter
	attribution *wallet.Attribution
	now         func() time.Time

	slots  []*slot
	leases *leases

	started         time.Time
	sessionAccepted atomic.Int64
	cancelled       atomic.Int64
	expired         atomic.Int64
	sessionByWallet *counters
}

type schedulerOptionFunc func(*Scheduler)

func WithConfig(cfg Config) schedulerOptionFunc {
	return func(s *Scheduler) {
		s.cfg = cfg
	}
}

func WithClock(now func() time.Time) schedulerOptionFunc {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithAttribution(a *wallet.Attribution) schedulerOptionFunc {
	return func(s *Scheduler) {
		s.attribution = a
	}
}

// WithNonceBase overrides where the first partition of a challenge starts.
func WithNonceBase(base func() uint64) schedulerOptionFunc {
	return func(s *Scheduler) {
		s.leases.base = base
	}
}

func New(
	st *store.Store,
	wallets WalletPool,
	challenges Challenges,
	eng engine.Engine,
	sub Submitter,
	opts ...schedulerOptionFunc,
) (*Scheduler, error) {
	s := &Scheduler{
		cfg:             DefaultConfig(),
		store:           st,
		wallets:         wallets,
		challenges:      challenges,
		engine:          eng,
		submitter:       sub,
		now:             time.Now,
		leases:          newLeases(rand.Uint64),
		sessionByWallet: newCounters(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: at least one worker slot is required", types.ErrFatalConfig)
	}
	if s.cfg.BatchSize == 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", types.ErrFatalConfig)
	}
	if s.cfg.LeaseTimeout <= 0 {
		return nil, fmt.Errorf("%w: lease timeout must be positive", types.ErrFatalConfig)
	}
	s.started = s.now()
	for i := 0; i < s.cfg.Workers; i++ {
		s.slots = append(s.slots, &slot{id: i, state: SlotIdle, since: s.started})
		slotsMetric.WithLabelValues(SlotIdle.String()).Inc()
	}
	return s, nil
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// Run drives every worker slot until ctx is done or a storage error occurs.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("scheduler")
	ctx = logging.NewContext(ctx, logger)
	logger.Info("starting worker slots", zap.Int("workers", len(s.slots)), zap.String("engine", s.engine.Name()))

	eg, ctx := errgroup.WithContext(ctx)
	for _, sl := range s.slots {
		id := sl.id
		eg.Go(func() error {
			slotCtx := logging.NewContext(ctx, logger.With(zap.Int("slot", id)))
			for ctx.Err() == nil {
				if err := s.Step(slotCtx, id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if s.cfg.StatsInterval > 0 {
		eg.Go(func() error {
			return s.logStats(ctx)
		})
	}
	return eg.Wait()
}

func (s *Scheduler) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.IdleBackoff):
	}
}

// Step runs one scheduling tick on a slot: acquire a wallet, pick a challenge,
// lease a partition, search it and submit what was found. Only storage
// failures are returned; everything else is logged and the slot goes back to
// Idle.
func (s *Scheduler) Step(ctx context.Context, slotID int) error {
	if slotID < 0 || slotID >= len(s.slots) {
		return fmt.Errorf("no slot %d", slotID)
	}
	sl := s.slots[slotID]
	logger := logging.FromContext(ctx)
	defer sl.set(SlotIdle, s.now())

	w, err := s.wallets.EnsureWallet(ctx, s.attribution.Next())
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, types.ErrStorage):
		return err
	case err != nil:
		logger.Warn("no wallet available", zap.Error(err))
		s.idle(ctx)
		return nil
	}
	defer s.wallets.Release(w.Address)

	c, err := s.nextChallenge(ctx)
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, challenge.ErrNoChallenge):
		logger.Debug("no challenge to mine")
		s.idle(ctx)
		return nil
	case err != nil:
		return err
	}

	a := s.leases.acquire(slotID, c.ID, w, s.cfg.BatchSize, s.now(), s.cfg.LeaseTimeout)
	defer s.leases.release(a)
	sl.assign(a, s.now())
	if err := s.store.RecordWalletAttempt(ctx, w.Address, s.now()); err != nil {
		return err
	}

	unit := engine.WorkUnit{
		ChallengeID: c.ID,
		Descriptor:  shared.Descriptor(w.Address, c),
		RomKey:      c.RomKey,
		RangeStart:  a.RangeStart,
		RangeEnd:    a.RangeEnd,
		Target:      c.Target,
	}
	logger.Debug("dispatching work unit",
		zap.String("challenge", c.ID),
		zap.Uint64("difficulty", c.Difficulty),
		zap.Uint64("from", a.RangeStart),
		zap.Uint64("to", a.RangeEnd),
	)
	res, err := s.search(ctx, sl, a, unit)
	if err != nil {
		return s.searchFailed(ctx, sl, a, err)
	}

	batchDurationMetric.Observe(res.Duration.Seconds())
	sl.observe(res.Hashes, res.Duration)
	hashrateMetric.Set(s.hashrate())
	if !res.Found {
		return nil
	}

	sl.set(SlotSubmitting, s.now())
	sol := &shared.Solution{
		ChallengeID: c.ID,
		Wallet:      w.Address,
		Nonce:       res.Nonce,
		Hash:        res.Hash,
		FoundAt:     s.now().UnixNano(),
		Attributed:  w.Attributed,
	}
	logger.Info("found solution", zap.Stringer("solution", sol.Key()))
	outcome, err := s.submitter.Submit(ctx, sol)
	switch {
	case errors.Is(err, types.ErrStorage):
		return err
	case err != nil:
		logger.Warn("submitting solution failed", zap.Stringer("solution", sol.Key()), zap.Error(err))
	case outcome == shared.OutcomeAccepted && !w.Attributed:
		s.sessionAccepted.Add(1)
		s.sessionByWallet.inc(w.Address)
	}
	return nil
}

// nextChallenge prefers a challenge no other slot is working on. When every
// live challenge is taken the slot joins one of them on a fresh partition.
func (s *Scheduler) nextChallenge(ctx context.Context) (*shared.Challenge, error) {
	leased := s.leases.leased()
	c, err := s.challenges.NextBest(ctx, leased)
	if errors.Is(err, challenge.ErrNoChallenge) && len(leased) > 0 {
		return s.challenges.NextBest(ctx, nil)
	}
	return c, err
}

type searchResult struct {
	res *engine.Result
	err error
}

// search runs unit on the engine until it returns, the lease expires or the
// challenge stops being live. An engine that ignores cancellation is left
// behind and the slot moves on.
func (s *Scheduler) search(ctx context.Context, sl *slot, a *shared.Assignment, unit engine.WorkUnit) (*engine.Result, error) {
	ctx, cancelLease := context.WithTimeoutCause(ctx, a.Expires.Sub(a.LeasedAt), errLeaseExpired)
	defer cancelLease()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go s.watch(ctx, cancel, a.ChallengeID)

	sl.set(SlotDispatched, s.now())
	done := make(chan searchResult, 1)
	go func() {
		res, err := s.engine.Search(ctx, unit)
		done <- searchResult{res: res, err: err}
	}()
	sl.set(SlotAwaitingResult, s.now())

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return r.res, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// watch cancels the search once its challenge is solved elsewhere or expires.
func (s *Scheduler) watch(ctx context.Context, cancel context.CancelCauseFunc, id string) {
	if s.cfg.CancelCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CancelCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		live, err := s.challenges.IsLive(ctx, id)
		if err != nil {
			continue
		}
		if !live {
			cancel(errChallengeGone)
			return
		}
	}
}

func (s *Scheduler) searchFailed(ctx context.Context, sl *slot, a *shared.Assignment, err error) error {
	logger := logging.FromContext(ctx).With(zap.String("challenge", a.ChallengeID), zap.String("lease", a.LeaseID))
	switch {
	case errors.Is(err, errChallengeGone):
		sl.set(SlotCancelled, s.now())
		s.cancelled.Add(1)
		s.leases.forget(a.ChallengeID)
		cancelledMetric.WithLabelValues("challenge_gone").Inc()
		logger.Info("assignment cancelled, challenge no longer live")
	case errors.Is(err, errLeaseExpired):
		sl.set(SlotCancelled, s.now())
		s.expired.Add(1)
		cancelledMetric.WithLabelValues("lease_expired").Inc()
		logger.Warn("assignment lease expired, resetting slot", zap.Duration("lease", s.cfg.LeaseTimeout))
	case ctx.Err() != nil:
	default:
		logger.Warn("compute engine failed", zap.String("engine", s.engine.Name()), zap.Error(err))
		s.idle(ctx)
	}
	return nil
}

func (s *Scheduler) hashrate() float64 {
	var total float64
	for _, sl := range s.slots {
		total += sl.rate()
	}
	return total
}

// Slots returns a snapshot of every worker slot.
func (s *Scheduler) Slots() []SlotView {
	out := make([]SlotView, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.view())
	}
	return out
}
