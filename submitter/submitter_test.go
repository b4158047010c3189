package submitter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/midnightgpu/orchestrator/challenge"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/retry"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/submitter"
	"github.com/midnightgpu/orchestrator/submitter/mocks"
	"github.com/midnightgpu/orchestrator/types"
)

var errTimeout = errors.New("i/o timeout")

type fixture struct {
	ctx       context.Context
	store     *store.Store
	tracker   *challenge.Tracker
	authority *mocks.MockAuthority
	submitter *submitter.Submitter
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	f := &fixture{
		ctx:       ctx,
		store:     st,
		authority: mocks.NewMockAuthority(gomock.NewController(t)),
		now:       time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return f.now }
	f.tracker, err = challenge.NewTracker(st, nil, challenge.WithClock(clock))
	require.NoError(t, err)

	cfg := submitter.DefaultConfig()
	cfg.Retry = retry.Policy{Attempts: 3, Base: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	f.submitter = submitter.New(st, f.tracker, f.authority, submitter.WithConfig(cfg), submitter.WithClock(clock))
	return f
}

func (f *fixture) addChallenge(t *testing.T, id string) {
	t.Helper()
	_, err := f.tracker.Ingest(f.ctx, &shared.Challenge{ID: id, Difficulty: 4, IssuedAt: f.now.Add(-time.Hour).UnixNano()})
	require.NoError(t, err)
}

func (f *fixture) addWallet(t *testing.T, address string) {
	t.Helper()
	require.NoError(t, f.store.CreateWallet(f.ctx, &shared.Wallet{
		Address:   address,
		State:     shared.WalletActive,
		CreatedAt: f.now.UnixNano(),
	}))
}

func solution(challengeID, wallet string, nonce uint64) *shared.Solution {
	return &shared.Solution{
		ChallengeID: challengeID,
		Wallet:      wallet,
		Nonce:       nonce,
		Hash:        []byte{0x00, 0x01, 0xab},
	}
}

func TestSubmitAccepted(t *testing.T) {
	f := newFixture(t)
	f.addChallenge(t, "**D01C01")
	f.addWallet(t, "addr_a")

	f.authority.EXPECT().
		SubmitSolution(gomock.Any(), "addr_a", "**D01C01", "000000000000002a", "0001ab").
		Return(nil).
		Times(1)

	outcome, err := f.submitter.Submit(f.ctx, solution("**D01C01", "addr_a", 42))
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeAccepted, outcome)

	c, err := f.store.Challenge(f.ctx, "**D01C01")
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeSolved, c.State)
	require.Equal(t, "addr_a", c.SolvedBy)

	w, err := f.store.Wallet(f.ctx, "addr_a")
	require.NoError(t, err)
	require.EqualValues(t, 1, w.Solved)

	// resubmitting the same tuple neither calls the remote service nor credits twice
	outcome, err = f.submitter.Submit(f.ctx, solution("**D01C01", "addr_a", 42))
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeAccepted, outcome)
	w, err = f.store.Wallet(f.ctx, "addr_a")
	require.NoError(t, err)
	require.EqualValues(t, 1, w.Solved)
}

func TestSubmitRejected(t *testing.T) {
	f := newFixture(t)
	f.addChallenge(t, "**D01C02")
	f.addWallet(t, "addr_a")

	f.authority.EXPECT().
		SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&types.RejectionError{Status: 400, Reason: "hash does not meet difficulty"}).
		Times(1)

	outcome, err := f.submitter.Submit(f.ctx, solution("**D01C02", "addr_a", 7))
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeRejected, outcome)

	sol, err := f.store.Solution(f.ctx, shared.SolutionKey{ChallengeID: "**D01C02", Wallet: "addr_a", Nonce: 7})
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeRejected, sol.Outcome)
	require.Equal(t, "hash does not meet difficulty", sol.Reason)
	require.EqualValues(t, 1, sol.Attempts)

	c, err := f.store.Challenge(f.ctx, "**D01C02")
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeUnsolved, c.State)
}

func TestSubmitTimeoutsLeavePendingThenRetry(t *testing.T) {
	f := newFixture(t)
	f.addChallenge(t, "**D01C03")
	f.addWallet(t, "addr_a")
	key := shared.SolutionKey{ChallengeID: "**D01C03", Wallet: "addr_a", Nonce: 99}

	f.authority.EXPECT().
		SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errTimeout).
		Times(3)

	outcome, err := f.submitter.Submit(f.ctx, solution("**D01C03", "addr_a", 99))
	require.NoError(t, err)
	require.Equal(t, shared.OutcomePending, outcome)
	require.EqualValues(t, 3, f.submitter.ConsecutiveFailures())

	pending, err := f.store.PendingSolutions(f.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, key, pending[0].Key())
	require.EqualValues(t, 3, pending[0].Attempts)

	f.authority.EXPECT().
		SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		Times(1)

	settled, err := f.submitter.RetryPending(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, settled)
	require.Zero(t, f.submitter.ConsecutiveFailures())

	pending, err = f.store.PendingSolutions(f.ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	all, err := f.store.Solutions(f.ctx, "**D01C03")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, shared.OutcomeAccepted, all[0].Outcome)
	require.EqualValues(t, 4, all[0].Attempts)
}

func TestSubmitDropsSolutionForSolvedChallenge(t *testing.T) {
	f := newFixture(t)
	f.addChallenge(t, "**D01C04")
	f.addWallet(t, "addr_a")
	won, err := f.store.ClaimChallenge(f.ctx, "**D01C04", "addr_other", f.now)
	require.NoError(t, err)
	require.True(t, won)

	outcome, err := f.submitter.Submit(f.ctx, solution("**D01C04", "addr_a", 1))
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeRejected, outcome)

	sol, err := f.store.Solution(f.ctx, shared.SolutionKey{ChallengeID: "**D01C04", Wallet: "addr_a", Nonce: 1})
	require.NoError(t, err)
	require.Equal(t, submitter.ReasonNotLive, sol.Reason)
}

func TestSubmitRecordsRaceLostAfterRemoteAcceptance(t *testing.T) {
	f := newFixture(t)
	f.addChallenge(t, "**D01C05")
	f.addWallet(t, "addr_a")

	f.authority.EXPECT().
		SubmitSolution(gomock.Any(), "addr_a", "**D01C05", gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, string, string) error {
			// another wallet's solution lands locally while ours is in flight
			won, err := f.store.ClaimChallenge(f.ctx, "**D01C05", "addr_other", f.now)
			require.NoError(t, err)
			require.True(t, won)
			return nil
		})

	outcome, err := f.submitter.Submit(f.ctx, solution("**D01C05", "addr_a", 9))
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeRejected, outcome)

	sol, err := f.store.Solution(f.ctx, shared.SolutionKey{ChallengeID: "**D01C05", Wallet: "addr_a", Nonce: 9})
	require.NoError(t, err)
	require.Equal(t, store.ReasonRaceLoss, sol.Reason)

	w, err := f.store.Wallet(f.ctx, "addr_a")
	require.NoError(t, err)
	require.Zero(t, w.Solved)
}

func TestSubmitDropsSolutionForExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	f.addChallenge(t, "**D01C05")
	f.addWallet(t, "addr_a")
	f.now = f.now.Add(shared.DefaultValidityWindow)

	outcome, err := f.submitter.Submit(f.ctx, solution("**D01C05", "addr_a", 1))
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeRejected, outcome)
}

func TestConcurrentSubmissionsAcceptOnce(t *testing.T) {
	f := newFixture(t)
	f.addChallenge(t, "**D01C06")
	wallets := []string{"addr_a", "addr_b", "addr_c", "addr_d"}
	for _, w := range wallets {
		f.addWallet(t, w)
	}
	f.authority.EXPECT().
		SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		AnyTimes()

	var eg errgroup.Group
	outcomes := make([]shared.Outcome, len(wallets))
	for i, w := range wallets {
		i, w := i, w
		eg.Go(func() error {
			outcome, err := f.submitter.Submit(f.ctx, solution("**D01C06", w, uint64(i)))
			outcomes[i] = outcome
			return err
		})
	}
	require.NoError(t, eg.Wait())

	accepted := 0
	for _, o := range outcomes {
		if o == shared.OutcomeAccepted {
			accepted++
		} else {
			require.Equal(t, shared.OutcomeRejected, o)
		}
	}
	require.Equal(t, 1, accepted)

	st, err := f.store.Stats(f.ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, st.Solutions[shared.OutcomeAccepted])
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	require.NoError(t, f.submitter.Run(ctx))
}
