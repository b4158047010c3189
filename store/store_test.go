package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/types"
)

var epoch = time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func testChallenge(id string, difficulty uint64, issued time.Time) *shared.Challenge {
	return &shared.Challenge{
		ID:          id,
		Difficulty:  difficulty,
		Target:      0x000fffff,
		TargetHex:   "000FFFFF",
		RomKey:      "rom-" + id,
		RomKeyHour:  "hour-" + id,
		IssuedAt:    issued.UnixNano(),
		FirstSeenAt: issued.UnixNano(),
	}
}

func testWallet(address string) *shared.Wallet {
	return &shared.Wallet{
		Address:   address,
		PublicKey: []byte{1, 2, 3},
		State:     shared.WalletActive,
		CreatedAt: epoch.UnixNano(),
	}
}

func TestUpsertChallengeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c := testChallenge("A", 5, epoch)
	changed, err := s.UpsertChallenge(ctx, c)
	require.NoError(t, err)
	require.True(t, changed)

	before, err := s.Challenge(ctx, "A")
	require.NoError(t, err)

	changed, err = s.UpsertChallenge(ctx, c)
	require.NoError(t, err)
	require.False(t, changed)

	after, err := s.Challenge(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, before, after)

	all, err := s.Challenges(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUpsertChallengeUpdatesDifficultyButKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c := testChallenge("A", 5, epoch)
	_, err := s.UpsertChallenge(ctx, c)
	require.NoError(t, err)

	won, err := s.ClaimChallenge(ctx, "A", "w1", epoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	updated := testChallenge("A", 7, epoch.Add(time.Hour))
	updated.State = shared.ChallengeUnsolved
	changed, err := s.UpsertChallenge(ctx, updated)
	require.NoError(t, err)
	require.True(t, changed)

	got, err := s.Challenge(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.Difficulty)
	require.Equal(t, shared.ChallengeSolved, got.State)
	require.Equal(t, "w1", got.SolvedBy)
	require.Equal(t, epoch.UnixNano(), got.IssuedAt)
}

func TestClaimChallengeConcurrently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertChallenge(ctx, testChallenge("X", 1, epoch))
	require.NoError(t, err)

	var (
		wins atomic.Int32
		eg   errgroup.Group
	)
	for i := 0; i < 16; i++ {
		i := i
		eg.Go(func() error {
			won, err := s.ClaimChallenge(ctx, "X", fmt.Sprintf("w%d", i), epoch)
			if won {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, int32(1), wins.Load())
}

func TestClaimUnknownChallenge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	won, err := s.ClaimChallenge(context.Background(), "nope", "w", epoch)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, won)
}

func TestNextBestOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	now := epoch.Add(time.Hour)

	for _, c := range []*shared.Challenge{
		testChallenge("A", 5, epoch.Add(10*time.Minute)),
		testChallenge("B", 2, epoch.Add(5*time.Minute)),
		testChallenge("C", 2, epoch),
	} {
		_, err := s.UpsertChallenge(ctx, c)
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		c, err := s.NextBest(ctx, now, shared.DefaultValidityWindow, 0, nil)
		require.NoError(t, err)
		order = append(order, c.ID)
		won, err := s.ClaimChallenge(ctx, c.ID, "w", now)
		require.NoError(t, err)
		require.True(t, won)
	}
	require.Equal(t, []string{"C", "B", "A"}, order)

	_, err := s.NextBest(ctx, now, shared.DefaultValidityWindow, 0, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNextBestSkipsExcludedExpiredAndNearlyExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	window := shared.DefaultValidityWindow
	now := epoch.Add(window)

	for _, c := range []*shared.Challenge{
		testChallenge("old", 1, epoch),                      // window elapsed
		testChallenge("closing", 1, epoch.Add(time.Minute)), // one minute left
		testChallenge("excluded", 1, epoch.Add(time.Hour)),  // leased elsewhere
		testChallenge("hard", 9, epoch.Add(2*time.Hour)),    // eligible
		testChallenge("solved", 0, epoch.Add(3*time.Hour)),  // claimed below
	} {
		_, err := s.UpsertChallenge(ctx, c)
		require.NoError(t, err)
	}
	won, err := s.ClaimChallenge(ctx, "solved", "w", now)
	require.NoError(t, err)
	require.True(t, won)

	c, err := s.NextBest(ctx, now, window, 2*time.Minute, map[string]struct{}{"excluded": {}})
	require.NoError(t, err)
	require.Equal(t, "hard", c.ID)
}

func TestExpireChallengesBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	window := shared.DefaultValidityWindow

	_, err := s.UpsertChallenge(ctx, testChallenge("A", 1, epoch))
	require.NoError(t, err)
	_, err = s.UpsertChallenge(ctx, testChallenge("S", 1, epoch))
	require.NoError(t, err)
	_, err = s.ClaimChallenge(ctx, "S", "w", epoch.Add(time.Hour))
	require.NoError(t, err)

	expired, err := s.ExpireChallenges(ctx, epoch.Add(window-time.Nanosecond), window)
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = s.ExpireChallenges(ctx, epoch.Add(window), window)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "S"}, challengeIDs(expired))

	a, err := s.Challenge(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeExpired, a.State)
	require.Empty(t, a.SolvedBy)

	// solved challenges expire too, keeping who solved them and when
	solved, err := s.Challenge(ctx, "S")
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeExpired, solved.State)
	require.Equal(t, "w", solved.SolvedBy)
	require.Equal(t, epoch.Add(time.Hour).UnixNano(), solved.SolvedAt)

	// sweeping again never moves anything backwards
	expired, err = s.ExpireChallenges(ctx, epoch.Add(2*window), window)
	require.NoError(t, err)
	require.Empty(t, expired)

	won, err := s.ClaimChallenge(ctx, "A", "w", epoch.Add(2*window))
	require.NoError(t, err)
	require.False(t, won)
}

func TestSolvedChallengeExpiresPastWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertChallenge(ctx, testChallenge("S", 1, epoch))
	require.NoError(t, err)
	won, err := s.ClaimChallenge(ctx, "S", "w", epoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	expired, err := s.ExpireChallenges(ctx, epoch.Add(25*time.Hour), shared.DefaultValidityWindow)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "w", expired[0].SolvedBy)

	c, err := s.Challenge(ctx, "S")
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeExpired, c.State)
}

func challengeIDs(challenges []*shared.Challenge) []string {
	ids := make([]string, 0, len(challenges))
	for _, c := range challenges {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestTransitionWalletStateCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateWallet(ctx, testWallet("w1")))
	require.ErrorIs(t, s.CreateWallet(ctx, testWallet("w1")), ErrExists)

	ok, err := s.TransitionWalletState(ctx, "w1", shared.WalletActive, shared.WalletConsolidating)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TransitionWalletState(ctx, "w1", shared.WalletActive, shared.WalletConsolidating)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.AbandonWallet(ctx, "w1", shared.WalletConsolidating)
	require.NoError(t, err)
	require.True(t, ok)

	w, err := s.Wallet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, shared.WalletRetired, w.State)
	require.True(t, w.Abandoned)
}

func TestEligibleWallets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	attributed := testWallet("fee")
	attributed.Attributed = true
	retiring := testWallet("retiring")
	retiring.State = shared.WalletConsolidating
	for _, w := range []*shared.Wallet{testWallet("a"), attributed, retiring} {
		require.NoError(t, s.UpsertWallet(ctx, w))
	}

	eligible, err := s.EligibleWallets(ctx, false)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, "a", eligible[0].Address)

	eligible, err = s.EligibleWallets(ctx, true)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, "fee", eligible[0].Address)
}

func TestSolutionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertChallenge(ctx, testChallenge("X", 1, epoch))
	require.NoError(t, err)
	require.NoError(t, s.UpsertWallet(ctx, testWallet("w1")))

	sol := &shared.Solution{ChallengeID: "X", Wallet: "w1", Nonce: 42, Hash: []byte{0, 0, 1}, FoundAt: epoch.UnixNano()}
	stored, created, err := s.PutSolution(ctx, sol)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, shared.OutcomePending, stored.Outcome)

	_, created, err = s.PutSolution(ctx, sol)
	require.NoError(t, err)
	require.False(t, created)

	pending, err := s.PendingSolutions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.RecordSubmitAttempts(ctx, sol.Key(), 3, epoch))

	require.NoError(t, s.AcceptSolution(ctx, sol.Key(), epoch.Add(time.Minute)))

	// accepting again must not credit twice
	require.NoError(t, s.AcceptSolution(ctx, sol.Key(), epoch.Add(2*time.Minute)))

	w, err := s.Wallet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), w.Solved)

	got, err := s.Solution(ctx, sol.Key())
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeAccepted, got.Outcome)
	require.Equal(t, uint32(3), got.Attempts)

	c, err := s.Challenge(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeSolved, c.State)
	require.Equal(t, "w1", c.SolvedBy)

	pending, err = s.PendingSolutions(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	recorded, err := s.RecordSolutionOutcome(ctx, sol.Key(), shared.OutcomeRejected, "late")
	require.NoError(t, err)
	require.False(t, recorded)
}

func TestAtMostOneAcceptedPerChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertChallenge(ctx, testChallenge("X", 1, epoch))
	require.NoError(t, err)

	const n = 8
	keys := make([]shared.SolutionKey, n)
	for i := range keys {
		addr := fmt.Sprintf("w%d", i)
		require.NoError(t, s.UpsertWallet(ctx, testWallet(addr)))
		sol := &shared.Solution{ChallengeID: "X", Wallet: addr, Nonce: uint64(i)}
		_, _, err := s.PutSolution(ctx, sol)
		require.NoError(t, err)
		keys[i] = sol.Key()
	}

	var (
		lost atomic.Int32
		eg   errgroup.Group
	)
	for _, key := range keys {
		key := key
		eg.Go(func() error {
			err := s.AcceptSolution(ctx, key, epoch)
			if errors.Is(err, types.ErrRaceLoss) {
				lost.Add(1)
				return nil
			}
			return err
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, int32(n-1), lost.Load())

	sols, err := s.Solutions(ctx, "X")
	require.NoError(t, err)
	require.Len(t, sols, n)
	accepted := 0
	for _, sol := range sols {
		switch sol.Outcome {
		case shared.OutcomeAccepted:
			accepted++
		case shared.OutcomeRejected:
			require.Equal(t, ReasonRaceLoss, sol.Reason)
		default:
			t.Fatalf("unexpected outcome %v", sol.Outcome)
		}
	}
	require.Equal(t, 1, accepted)
}

func TestStatsExcludesAttributed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	fee := testWallet("fee")
	fee.Attributed = true
	require.NoError(t, s.UpsertWallet(ctx, fee))
	require.NoError(t, s.UpsertWallet(ctx, testWallet("user")))
	for _, id := range []string{"A", "B"} {
		_, err := s.UpsertChallenge(ctx, testChallenge(id, 1, epoch))
		require.NoError(t, err)
	}

	userSol := &shared.Solution{ChallengeID: "A", Wallet: "user", Nonce: 1}
	feeSol := &shared.Solution{ChallengeID: "B", Wallet: "fee", Nonce: 2, Attributed: true}
	for _, sol := range []*shared.Solution{userSol, feeSol} {
		_, _, err := s.PutSolution(ctx, sol)
		require.NoError(t, err)
		require.NoError(t, s.AcceptSolution(ctx, sol.Key(), epoch))
	}

	st, err := s.Stats(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, st.Solutions[shared.OutcomeAccepted])
	require.Equal(t, map[string]int{"user": 1}, st.AcceptedByWallet)
	require.Equal(t, 1, st.Wallets[shared.WalletActive])
	require.Equal(t, 2, st.Challenges[shared.ChallengeSolved])

	st, err = s.Stats(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, st.Solutions[shared.OutcomeAccepted])
}

func TestReopenKeepsCommittedRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	_, err = s.UpsertChallenge(ctx, testChallenge("A", 3, epoch))
	require.NoError(t, err)
	require.NoError(t, s.UpsertWallet(ctx, testWallet("w1")))
	won, err := s.ClaimChallenge(ctx, "A", "w1", epoch)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Challenge(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, shared.ChallengeSolved, c.State)

	won, err = s.ClaimChallenge(ctx, "A", "w2", epoch)
	require.NoError(t, err)
	require.False(t, won)

	w, err := s.Wallet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, w.PublicKey)
}

func TestStorageErrorsAfterClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.UpsertChallenge(ctx, testChallenge("A", 1, epoch))
	require.ErrorIs(t, err, types.ErrStorage)
	require.False(t, types.IsRetryable(err))

	_, err = s.Challenge(ctx, "A")
	require.ErrorIs(t, err, types.ErrStorage)

	_, err = s.NextBest(ctx, epoch, shared.DefaultValidityWindow, 0, nil)
	require.ErrorIs(t, err, types.ErrStorage)
}

func TestAcceptSolutionReportsRaceLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertChallenge(ctx, testChallenge("X", 1, epoch))
	require.NoError(t, err)
	require.NoError(t, s.UpsertWallet(ctx, testWallet("w1")))
	sol := &shared.Solution{ChallengeID: "X", Wallet: "w1", Nonce: 7}
	_, _, err = s.PutSolution(ctx, sol)
	require.NoError(t, err)

	won, err := s.ClaimChallenge(ctx, "X", "w2", epoch)
	require.NoError(t, err)
	require.True(t, won)

	err = s.AcceptSolution(ctx, sol.Key(), epoch.Add(time.Minute))
	require.ErrorIs(t, err, types.ErrRaceLoss)
	require.False(t, types.IsRetryable(err))

	got, err := s.Solution(ctx, sol.Key())
	require.NoError(t, err)
	require.Equal(t, shared.OutcomeRejected, got.Outcome)
	require.Equal(t, ReasonRaceLoss, got.Reason)

	w, err := s.Wallet(ctx, "w1")
	require.NoError(t, err)
	require.Zero(t, w.Solved)

	pending, err := s.PendingSolutions(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
