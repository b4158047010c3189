// Package submitter delivers found solutions to the remote service and
// applies the verdict to the store.
package submitter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/retry"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/types"
)

//go:generate mockgen -package mocks -destination mocks/authority.go . Authority

// Authority is the part of the remote service that judges solutions. A nil
// error means the solution was accepted.
type Authority interface {
	SubmitSolution(ctx context.Context, address, challengeID, nonce, hash string) error
}

// Liveness tells whether a challenge can still be solved.
type Liveness interface {
	IsLive(ctx context.Context, id string) (bool, error)
}

// ReasonNotLive is recorded on solutions dropped before submission.
const ReasonNotLive = "challenge no longer live"

var (
	submissionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "submitter",
		Name:      "submissions_total",
		Help:      "Solutions by submission result",
	}, []string{"result"})

	consecutiveFailuresMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "submitter",
		Name:      "consecutive_failures",
		Help:      "Submission attempts that failed in a row on the network",
	})
)

type Submitter struct {
	cfg       Config
	store     *store.Store
	liveness  Liveness
	authority Authority
	now       func() time.Time

	failures atomic.Int64

	mu       sync.Mutex
	inflight map[shared.SolutionKey]struct{}
}

type submitterOptionFunc func(*Submitter)

func WithConfig(cfg Config) submitterOptionFunc {
	return func(s *Submitter) {
		s.cfg = cfg
	}
}

func WithClock(now func() time.Time) submitterOptionFunc {
	return func(s *Submitter) {
		s.now = now
	}
}

func New(st *store.Store, liveness Liveness, authority Authority, opts ...submitterOptionFunc) *Submitter {
	s := &Submitter{
		cfg:       DefaultConfig(),
		store:     st,
		liveness:  liveness,
		authority: authority,
		now:       time.Now,
		inflight:  make(map[shared.SolutionKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Submitter) Config() Config {
	return s.cfg
}

// ConsecutiveFailures is the number of network attempts that failed since the
// last submission that reached a verdict.
func (s *Submitter) ConsecutiveFailures() int64 {
	return s.failures.Load()
}

// Submit records sol and delivers it. Submitting a tuple that already has a
// verdict returns that verdict without contacting the remote service. When
// the network keeps failing the solution stays Pending for RetryPending.
func (s *Submitter) Submit(ctx context.Context, sol *shared.Solution) (shared.Outcome, error) {
	stored, created, err := s.store.PutSolution(ctx, sol)
	if err != nil {
		return shared.OutcomePending, err
	}
	if !created && stored.Outcome.Terminal() {
		logging.FromContext(ctx).Debug("solution already settled",
			zap.Stringer("solution", stored.Key()),
			zap.Stringer("outcome", stored.Outcome),
		)
		return stored.Outcome, nil
	}
	return s.deliver(ctx, stored)
}

func (s *Submitter) acquire(key shared.SolutionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Submitter) release(key shared.SolutionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func (s *Submitter) deliver(ctx context.Context, sol *shared.Solution) (shared.Outcome, error) {
	key := sol.Key()
	logger := logging.FromContext(ctx).With(zap.Stringer("solution", key))
	if !s.acquire(key) {
		logger.Debug("solution submission already in flight")
		return shared.OutcomePending, nil
	}
	defer s.release(key)

	live, err := s.liveness.IsLive(ctx, key.ChallengeID)
	if err != nil {
		return shared.OutcomePending, err
	}
	if !live {
		if _, err := s.store.RecordSolutionOutcome(ctx, key, shared.OutcomeRejected, ReasonNotLive); err != nil {
			return shared.OutcomePending, err
		}
		submissionsMetric.WithLabelValues("stale").Inc()
		logger.Info("dropped solution for a challenge that is no longer live")
		return shared.OutcomeRejected, nil
	}

	calls, err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		err := s.authority.SubmitSolution(ctx, key.Wallet, key.ChallengeID, shared.NonceHex(key.Nonce), hex.EncodeToString(sol.Hash))
		if err != nil && types.IsRetryable(err) {
			consecutiveFailuresMetric.Set(float64(s.failures.Add(1)))
		}
		return err
	})
	if serr := s.store.RecordSubmitAttempts(ctx, key, uint32(calls), s.now()); serr != nil {
		return shared.OutcomePending, serr
	}

	switch {
	case err == nil:
		s.resetFailures()
		switch err := s.store.AcceptSolution(ctx, key, s.now()); {
		case errors.Is(err, types.ErrRaceLoss):
			submissionsMetric.WithLabelValues("race_lost").Inc()
			logger.Info("solution accepted remotely but the challenge was already claimed")
			return shared.OutcomeRejected, nil
		case err != nil:
			return shared.OutcomePending, err
		}
		submissionsMetric.WithLabelValues("accepted").Inc()
		logger.Info("solution accepted", zap.Uint("attempts", calls))
		return shared.OutcomeAccepted, nil

	case errors.Is(err, types.ErrRemoteRejection):
		s.resetFailures()
		reason := err.Error()
		var rejection *types.RejectionError
		if errors.As(err, &rejection) {
			reason = rejection.Reason
		}
		if _, err := s.store.RecordSolutionOutcome(ctx, key, shared.OutcomeRejected, reason); err != nil {
			return shared.OutcomePending, err
		}
		submissionsMetric.WithLabelValues("rejected").Inc()
		logger.Info("solution rejected", zap.String("reason", reason))
		return shared.OutcomeRejected, nil

	case ctx.Err() != nil:
		return shared.OutcomePending, ctx.Err()

	default:
		submissionsMetric.WithLabelValues("deferred").Inc()
		logger.Warn("solution submission deferred",
			zap.Uint("attempts", calls),
			zap.Int64("consecutive_failures", s.failures.Load()),
			zap.Error(err),
		)
		return shared.OutcomePending, nil
	}
}

func (s *Submitter) resetFailures() {
	s.failures.Store(0)
	consecutiveFailuresMetric.Set(0)
}

// RetryPending submits every solution still waiting for a verdict. It returns
// how many of them got one.
func (s *Submitter) RetryPending(ctx context.Context) (int, error) {
	pending, err := s.store.PendingSolutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending solutions: %w", err)
	}
	settled := 0
	for _, sol := range pending {
		outcome, err := s.deliver(ctx, sol)
		if err != nil {
			return settled, err
		}
		if outcome.Terminal() {
			settled++
		}
	}
	return settled, nil
}

// Run retries pending solutions until ctx is done.
func (s *Submitter) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("submitter")
	ctx = logging.NewContext(ctx, logger)

	ticker := time.NewTicker(s.cfg.PendingRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		settled, err := s.RetryPending(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, types.ErrStorage):
			return err
		case err != nil:
			logger.Warn("retrying pending solutions failed", zap.Error(err))
		case settled > 0:
			logger.Info("settled pending solutions", zap.Int("count", settled))
		}
	}
}
