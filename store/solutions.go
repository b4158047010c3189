package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/types"
)

// ReasonRaceLoss is recorded on a solution whose challenge was claimed by someone else.
const ReasonRaceLoss = "challenge already solved"

func solutionSuffix(k shared.SolutionKey) string {
	return k.ChallengeID + "\x00" + k.Wallet + "\x00" + shared.NonceHex(k.Nonce)
}

func solutionKey(k shared.SolutionKey) []byte {
	return []byte(solutionPrefix + solutionSuffix(k))
}

func pendingKey(k shared.SolutionKey) []byte {
	return []byte(pendingPrefix + solutionSuffix(k))
}

// PutSolution records a freshly found candidate as Pending. If the tuple is
// already known the stored row is returned unchanged and created is false.
func (s *Store) PutSolution(ctx context.Context, sol *shared.Solution) (stored *shared.Solution, created bool, err error) {
	key := sol.Key()
	err = s.update("put solution", func(tx txn) error {
		var existing shared.Solution
		err := get(tx, "put solution", solutionKey(key), &existing)
		switch {
		case err == nil:
			stored = &existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}
		fresh := *sol
		fresh.Outcome = shared.OutcomePending
		fresh.Reason = ""
		if err := put(tx, "put solution", solutionKey(key), &fresh); err != nil {
			return err
		}
		if err := tx.Put(pendingKey(key), nil, nil); err != nil {
			return types.NewStorageError("put solution", err)
		}
		stored, created = &fresh, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// RecordSubmitAttempts adds n network attempts to a solution's history.
func (s *Store) RecordSubmitAttempts(ctx context.Context, key shared.SolutionKey, n uint32, now time.Time) error {
	return s.update("record submit attempts", func(tx txn) error {
		var sol shared.Solution
		if err := get(tx, "record submit attempts", solutionKey(key), &sol); err != nil {
			return err
		}
		sol.Attempts += n
		sol.SubmittedAt = now.UnixNano()
		return put(tx, "record submit attempts", solutionKey(key), &sol)
	})
}

// RecordSolutionOutcome moves a Pending solution to a terminal outcome.
// A solution that already left Pending is not touched and false is returned.
func (s *Store) RecordSolutionOutcome(
	ctx context.Context,
	key shared.SolutionKey,
	outcome shared.Outcome,
	reason string,
) (bool, error) {
	recorded := false
	err := s.update("record solution outcome", func(tx txn) error {
		var sol shared.Solution
		if err := get(tx, "record solution outcome", solutionKey(key), &sol); err != nil {
			return err
		}
		if sol.Outcome != shared.OutcomePending {
			return nil
		}
		if err := finish(tx, "record solution outcome", &sol, outcome, reason); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	return recorded, err
}

func finish(tx txn, op string, sol *shared.Solution, outcome shared.Outcome, reason string) error {
	sol.Outcome = outcome
	sol.Reason = reason
	if err := put(tx, op, solutionKey(sol.Key()), sol); err != nil {
		return err
	}
	if err := tx.Delete(pendingKey(sol.Key()), nil); err != nil {
		return types.NewStorageError(op, err)
	}
	return nil
}

// AcceptSolution applies a remote acceptance locally in one transaction: the
// challenge is claimed for the solution's wallet, the solution becomes
// Accepted and the wallet's solve counter is incremented.
//
// If the challenge was already claimed by someone else the solution is
// recorded Rejected and an error wrapping types.ErrRaceLoss is returned.
// Accepting an already accepted solution again succeeds without crediting the
// wallet a second time.
func (s *Store) AcceptSolution(ctx context.Context, key shared.SolutionKey, now time.Time) error {
	const op = "accept solution"
	won := false
	err := s.update(op, func(tx txn) error {
		var sol shared.Solution
		if err := get(tx, op, solutionKey(key), &sol); err != nil {
			return err
		}
		switch sol.Outcome {
		case shared.OutcomeAccepted:
			won = true
			return nil
		case shared.OutcomeRejected:
			return nil
		}

		var c shared.Challenge
		if err := get(tx, op, challengeKey(key.ChallengeID), &c); err != nil {
			return err
		}
		if c.State != shared.ChallengeUnsolved {
			return finish(tx, op, &sol, shared.OutcomeRejected, ReasonRaceLoss)
		}
		c.State = shared.ChallengeSolved
		c.SolvedBy = key.Wallet
		c.SolvedAt = now.UnixNano()
		if err := put(tx, op, challengeKey(c.ID), &c); err != nil {
			return err
		}

		var w shared.Wallet
		if err := get(tx, op, walletKey(key.Wallet), &w); err != nil {
			return err
		}
		w.Solved++
		w.LastActivity = now.UnixNano()
		if err := put(tx, op, walletKey(w.Address), &w); err != nil {
			return err
		}

		won = true
		return finish(tx, op, &sol, shared.OutcomeAccepted, "")
	})
	if err != nil {
		return err
	}
	if !won {
		logging.FromContext(ctx).Info("challenge claimed by another solution", zap.Stringer("solution", key))
		return fmt.Errorf("accepting solution %s: %w", key, types.ErrRaceLoss)
	}
	return nil
}

func (s *Store) Solution(ctx context.Context, key shared.SolutionKey) (*shared.Solution, error) {
	var sol shared.Solution
	if err := get(s.db, "get solution", solutionKey(key), &sol); err != nil {
		return nil, err
	}
	return &sol, nil
}

// Solutions lists every solution recorded for a challenge.
func (s *Store) Solutions(ctx context.Context, challengeID string) ([]*shared.Solution, error) {
	var out []*shared.Solution
	err := scan(s.db, "list solutions", solutionPrefix+challengeID+"\x00", func(_ []byte, sol *shared.Solution) error {
		out = append(out, sol)
		return nil
	})
	return out, err
}

// PendingSolutions lists solutions still waiting for a definitive outcome.
func (s *Store) PendingSolutions(ctx context.Context) ([]*shared.Solution, error) {
	var out []*shared.Solution
	it := s.db.NewIterator(lvlutil.BytesPrefix([]byte(pendingPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var sol shared.Solution
		key := append([]byte(solutionPrefix), it.Key()[len(pendingPrefix):]...)
		err := get(s.db, "pending solutions", key, &sol)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			return nil, err
		}
		out = append(out, &sol)
	}
	if err := it.Error(); err != nil {
		return nil, types.NewStorageError("pending solutions", err)
	}
	return out, nil
}
