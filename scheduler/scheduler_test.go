package scheduler_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/midnightgpu/orchestrator/challenge"
	"github.com/midnightgpu/orchestrator/engine"
	"github.com/midnightgpu/orchestrator/engine/mocks"
	"github.com/midnightgpu/orchestrator/keystore"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/retry"
	"github.com/midnightgpu/orchestrator/scheduler"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/submitter"
	"github.com/midnightgpu/orchestrator/transport"
	"github.com/midnightgpu/orchestrator/types"
	"github.com/midnightgpu/orchestrator/wallet"
)

type fixture struct {
	ctx       context.Context
	store     *store.Store
	remote    *transport.InMemory
	tracker   *challenge.Tracker
	wallets   *wallet.Manager
	submitter *submitter.Submitter
}

func newFixture(t *testing.T, attributionRatio float64) *fixture {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	ks, err := keystore.New(t.TempDir(), []byte("test"), keystore.WithParams(keystore.Params{Time: 1, MemoryKiB: 64, Threads: 1}))
	require.NoError(t, err)

	fast := retry.Policy{Attempts: 2, Base: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	remote := transport.NewInMemory(wallet.DefaultTerms)

	tracker, err := challenge.NewTracker(st, remote)
	require.NoError(t, err)

	walletCfg := wallet.DefaultConfig()
	walletCfg.Retry = fast
	walletCfg.AttributionRatio = attributionRatio

	submitCfg := submitter.DefaultConfig()
	submitCfg.Retry = fast

	return &fixture{
		ctx:       ctx,
		store:     st,
		remote:    remote,
		tracker:   tracker,
		wallets:   wallet.NewManager(st, remote, ks, wallet.WithConfig(walletCfg)),
		submitter: submitter.New(st, tracker, remote, submitter.WithConfig(submitCfg)),
	}
}

func (f *fixture) announce(t *testing.T, target string) *shared.Challenge {
	t.Helper()
	c, err := f.remote.Generate(time.Now(), target)
	require.NoError(t, err)
	require.NoError(t, f.tracker.Poll(f.ctx))
	return c
}

func (f *fixture) scheduler(t *testing.T, eng engine.Engine, mutate func(*scheduler.Config)) *scheduler.Scheduler {
	t.Helper()
	cfg := scheduler.DefaultConfig()
	cfg.BatchSize = 1 << 12
	cfg.IdleBackoff = time.Millisecond
	cfg.CancelCheckInterval = 5 * time.Millisecond
	cfg.LeaseTimeout = 10 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := scheduler.New(f.store, f.wallets, f.tracker, eng, f.submitter,
		scheduler.WithConfig(cfg),
		scheduler.WithAttribution(wallet.NewAttribution(f.wallets.Config().AttributionRatio, 1)),
	)
	require.NoError(t, err)
	return s
}

type cycleSummary struct {
	ChallengeState shared.ChallengeState
	RemoteSolved   bool
	Accepted       int
	Pending        int
	WalletSolved   uint64
	WalletState    shared.WalletState
	SlotState      scheduler.SlotState
}

func runCycle(t *testing.T, eng engine.Engine) cycleSummary {
	t.Helper()
	f := newFixture(t, 0)
	c := f.announce(t, "0FFFFFFF")
	s := f.scheduler(t, eng, nil)

	require.NoError(t, s.Step(f.ctx, 0))

	stored, err := f.store.Challenge(f.ctx, c.ID)
	require.NoError(t, err)
	winner, ok := f.remote.SolvedBy(c.ID)
	require.Equal(t, stored.SolvedBy, winner)
	w, err := f.store.Wallet(f.ctx, stored.SolvedBy)
	require.NoError(t, err)
	require.False(t, f.wallets.Busy(w.Address))

	st, err := s.Stats(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.SessionByWallet[w.Address])
	require.Equal(t, st.SessionAccepted, st.AllTimeAccepted)
	return cycleSummary{
		ChallengeState: stored.State,
		RemoteSolved:   ok,
		Accepted:       st.AllTimeAccepted,
		Pending:        st.Pending,
		WalletSolved:   w.Solved,
		WalletState:    w.State,
		SlotState:      s.Slots()[0].State,
	}
}

func TestStepSolvesChallenge(t *testing.T) {
	summary := runCycle(t, engine.NewFallback(2))
	require.Equal(t, cycleSummary{
		ChallengeState: shared.ChallengeSolved,
		RemoteSolved:   true,
		Accepted:       1,
		Pending:        0,
		WalletSolved:   1,
		WalletState:    shared.WalletActive,
		SlotState:      scheduler.SlotIdle,
	}, summary)
}

func TestFallbackAndAcceleratedCyclesMatch(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := engine.NewServer(zaptest.NewLogger(t), engine.NewFallback(2))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	acc, err := engine.Dial(context.Background(), lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	require.Equal(t, runCycle(t, engine.NewFallback(2)), runCycle(t, acc))
}

func TestStepWithoutChallengeIdles(t *testing.T) {
	f := newFixture(t, 0)
	s := f.scheduler(t, engine.NewFallback(1), nil)

	require.NoError(t, s.Step(f.ctx, 0))
	require.Equal(t, scheduler.SlotIdle, s.Slots()[0].State)

	wallets, err := f.store.WalletsInState(f.ctx, shared.WalletActive)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	require.False(t, f.wallets.Busy(wallets[0].Address))
}

func TestLeaseExpiryResetsSlot(t *testing.T) {
	f := newFixture(t, 0)
	f.announce(t, "0FFFFFFF")

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	eng := mocks.NewMockEngine(gomock.NewController(t))
	eng.EXPECT().Name().Return("stuck").AnyTimes()
	eng.EXPECT().Search(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, engine.WorkUnit) (*engine.Result, error) {
			<-hang
			return nil, context.Canceled
		})

	s := f.scheduler(t, eng, func(cfg *scheduler.Config) {
		cfg.LeaseTimeout = 50 * time.Millisecond
		cfg.CancelCheckInterval = 0
	})
	started := time.Now()
	require.NoError(t, s.Step(f.ctx, 0))
	require.Less(t, time.Since(started), 5*time.Second)

	st, err := s.Stats(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.ExpiredLeases)
	require.Equal(t, scheduler.SlotIdle, st.Slots[0].State)

	wallets, err := f.store.WalletsInState(f.ctx, shared.WalletActive)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	require.False(t, f.wallets.Busy(wallets[0].Address))
	require.EqualValues(t, 1, wallets[0].Attempted)
}

func TestAssignmentCancelledWhenChallengeSolvedElsewhere(t *testing.T) {
	f := newFixture(t, 0)
	c := f.announce(t, "0FFFFFFF")

	eng := mocks.NewMockEngine(gomock.NewController(t))
	eng.EXPECT().Name().Return("mock").AnyTimes()
	eng.EXPECT().Search(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, unit engine.WorkUnit) (*engine.Result, error) {
			// runs on the scheduler's search goroutine
			assert.Equal(t, c.ID, unit.ChallengeID)
			won, err := f.store.ClaimChallenge(ctx, c.ID, "addr_someone_else", time.Now())
			assert.NoError(t, err)
			assert.True(t, won)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	s := f.scheduler(t, eng, nil)
	require.NoError(t, s.Step(f.ctx, 0))

	st, err := s.Stats(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.CancelledAssignments)
	require.Zero(t, st.ExpiredLeases)
	require.Zero(t, st.AllTimeAccepted)
	require.Zero(t, f.remote.Calls(transport.OpSubmit))
}

func TestAttributedWorkIsHiddenFromStats(t *testing.T) {
	f := newFixture(t, 1)
	c := f.announce(t, "0FFFFFFF")
	s := f.scheduler(t, engine.NewFallback(2), nil)

	require.NoError(t, s.Step(f.ctx, 0))

	stored, err := f.store.Challenge(f.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeSolved, stored.State)
	w, err := f.store.Wallet(f.ctx, stored.SolvedBy)
	require.NoError(t, err)
	require.True(t, w.Attributed)

	st, err := s.Stats(f.ctx)
	require.NoError(t, err)
	require.Zero(t, st.SessionAccepted)
	require.Zero(t, st.AllTimeAccepted)
	require.Zero(t, st.ActiveWallets)
	require.Empty(t, st.SessionByWallet)

	all, err := f.store.Stats(f.ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, all.Solutions[shared.OutcomeAccepted])
}

func TestConcurrentSlotsUseDistinctWalletsAndPartitions(t *testing.T) {
	f := newFixture(t, 0)
	c := f.announce(t, "00000000")

	var (
		mu    sync.Mutex
		units []engine.WorkUnit
		both  = make(chan struct{})
	)
	eng := mocks.NewMockEngine(gomock.NewController(t))
	eng.EXPECT().Name().Return("mock").AnyTimes()
	eng.EXPECT().Search(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, unit engine.WorkUnit) (*engine.Result, error) {
			mu.Lock()
			units = append(units, unit)
			if len(units) == 2 {
				close(both)
			}
			mu.Unlock()
			select {
			case <-both:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &engine.Result{Hashes: unit.Size(), Duration: time.Millisecond}, nil
		}).Times(2)

	s := f.scheduler(t, eng, func(cfg *scheduler.Config) { cfg.Workers = 2 })

	var eg errgroup.Group
	for slot := 0; slot < 2; slot++ {
		slot := slot
		eg.Go(func() error { return s.Step(f.ctx, slot) })
	}
	require.NoError(t, eg.Wait())

	require.Len(t, units, 2)
	a, b := units[0], units[1]
	require.Equal(t, c.ID, a.ChallengeID)
	require.Equal(t, c.ID, b.ChallengeID)
	require.NotEqual(t, a.Descriptor, b.Descriptor, "slots must not share a wallet")
	require.True(t, a.RangeEnd <= b.RangeStart || b.RangeEnd <= a.RangeStart, "partitions overlap")

	st, err := s.Stats(f.ctx)
	require.NoError(t, err)
	require.Greater(t, st.Hashrate, 0.0)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 0)
	f.announce(t, "0FFFFFFF")
	s := f.scheduler(t, engine.NewFallback(1), func(cfg *scheduler.Config) {
		cfg.Workers = 2
		cfg.StatsInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(f.ctx, 300*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	st, err := s.Stats(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.AllTimeAccepted)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, 0)
	_, err := scheduler.New(f.store, f.wallets, f.tracker, engine.NewFallback(1), f.submitter,
		scheduler.WithConfig(scheduler.Config{Workers: 0, BatchSize: 1, LeaseTimeout: time.Second}))
	require.ErrorIs(t, err, types.ErrFatalConfig)
}
