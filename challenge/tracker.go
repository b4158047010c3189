// Package challenge keeps the store's view of the remote challenge feed
// current and answers which challenge should be mined next.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/types"
)

//go:generate mockgen -package mocks -destination mocks/feed.go . Feed

// Feed lists the challenges the remote service currently announces.
type Feed interface {
	ListChallenges(ctx context.Context) ([]*shared.Challenge, error)
}

// ErrNoChallenge means no challenge is eligible for mining right now.
var ErrNoChallenge = errors.New("no eligible challenge")

var (
	ingestedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "challenge",
		Name:      "ingested_total",
		Help:      "Number of new or changed challenges written to the store",
	})

	expiredMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "challenge",
		Name:      "expired_total",
		Help:      "Number of challenges that expired unsolved",
	})
)

type Tracker struct {
	cfg   Config
	store *store.Store
	feed  Feed
	now   func() time.Time

	// seen maps challenge IDs to the last payload written to the store.
	// It only saves store round trips and is never trusted for decisions.
	seen *lru.Cache
}

type trackerOptionFunc func(*Tracker)

func WithConfig(cfg Config) trackerOptionFunc {
	return func(t *Tracker) {
		t.cfg = cfg
	}
}

func WithClock(now func() time.Time) trackerOptionFunc {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(st *store.Store, feed Feed, opts ...trackerOptionFunc) (*Tracker, error) {
	t := &Tracker{
		cfg:   DefaultConfig(),
		store: st,
		feed:  feed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	size := t.cfg.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating challenge cache: %w", err)
	}
	t.seen = cache
	return t, nil
}

func (t *Tracker) Config() Config {
	return t.cfg
}

// Ingest records an announced challenge. Re-ingesting an unchanged challenge
// is a no-op. It reports whether the store was modified.
func (t *Tracker) Ingest(ctx context.Context, c *shared.Challenge) (bool, error) {
	if c.ID == "" {
		return false, errors.New("challenge without ID")
	}
	if cached, ok := t.seen.Get(c.ID); ok {
		// SAFETY: only shared.Challenge values are added.
		if prev := cached.(shared.Challenge); prev.SamePayload(c) {
			return false, nil
		}
	}

	now := t.now()
	in := *c
	if in.FirstSeenAt == 0 {
		in.FirstSeenAt = now.UnixNano()
	}
	if in.IssuedAt == 0 {
		in.IssuedAt = in.FirstSeenAt
	}
	if in.Difficulty == 0 && in.TargetHex != "" {
		in.Difficulty = shared.OrdinalDifficulty(in.Target)
	}

	changed, err := t.store.UpsertChallenge(ctx, &in)
	if err != nil {
		return false, fmt.Errorf("ingesting challenge %s: %w", c.ID, err)
	}
	t.seen.Add(c.ID, in)
	if changed {
		ingestedMetric.Inc()
		logging.FromContext(ctx).Info("ingested challenge",
			zap.String("id", in.ID),
			zap.Uint64("difficulty", in.Difficulty),
			zap.Time("issued", in.Issued()),
		)
	}
	return changed, nil
}

// NextBest returns the easiest live challenge not in excluding, oldest first
// among equals. It always reads the store.
func (t *Tracker) NextBest(ctx context.Context, excluding map[string]struct{}) (*shared.Challenge, error) {
	c, err := t.store.NextBest(ctx, t.now(), t.cfg.ValidityWindow, t.cfg.MinTimeLeft, excluding)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoChallenge
	}
	return c, err
}

// IsLive reports whether a challenge is still Unsolved and inside its validity window.
func (t *Tracker) IsLive(ctx context.Context, id string) (bool, error) {
	c, err := t.store.Challenge(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return c.State == shared.ChallengeUnsolved && !c.ExpiredAt(t.now(), t.cfg.ValidityWindow), nil
}

// SweepExpired marks every challenge past its validity window as Expired and
// returns their IDs.
func (t *Tracker) SweepExpired(ctx context.Context) ([]string, error) {
	expired, err := t.store.ExpireChallenges(ctx, t.now(), t.cfg.ValidityWindow)
	if err != nil {
		return nil, fmt.Errorf("sweeping expired challenges: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(expired))
	for _, c := range expired {
		ids = append(ids, c.ID)
		if c.SolvedBy == "" {
			expiredMetric.Inc()
		}
	}
	logging.FromContext(ctx).Info("challenges expired", zap.Strings("ids", ids))
	return ids, nil
}

// Poll fetches the feed once and ingests everything it announces.
func (t *Tracker) Poll(ctx context.Context) error {
	challenges, err := t.feed.ListChallenges(ctx)
	if err != nil {
		return fmt.Errorf("listing challenges: %w", err)
	}
	for _, c := range challenges {
		if _, err := t.Ingest(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Run polls the feed and sweeps expired challenges until ctx is done.
// Only storage failures end it early.
func (t *Tracker) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("challenge-tracker")
	ctx = logging.NewContext(ctx, logger)

	poll := time.NewTicker(t.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(t.cfg.ExpirySweepInterval)
	defer sweep.Stop()

	onPoll := func() error {
		err := t.Poll(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, types.ErrStorage):
			return err
		default:
			logger.Warn("challenge poll failed", zap.Error(err))
			return nil
		}
	}
	if err := onPoll(); err != nil {
		return err
	}
	if _, err := t.SweepExpired(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if err := onPoll(); err != nil {
				return err
			}
		case <-sweep.C:
			if _, err := t.SweepExpired(ctx); err != nil {
				return err
			}
		}
	}
}
