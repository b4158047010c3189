package store

import (
	"context"

	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/types"
)

// Stats is a point-in-time summary of the store.
type Stats struct {
	Challenges map[shared.ChallengeState]int
	Wallets    map[shared.WalletState]int
	Solutions  map[shared.Outcome]int
	// AcceptedByWallet counts accepted solutions per wallet address.
	AcceptedByWallet map[string]int
}

// Stats summarizes a consistent snapshot of the store. Attributed wallets and
// their solutions are left out unless includeAttributed is set.
func (s *Store) Stats(ctx context.Context, includeAttributed bool) (*Stats, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, types.NewStorageError("stats", err)
	}
	defer snap.Release()

	st := &Stats{
		Challenges:       make(map[shared.ChallengeState]int),
		Wallets:          make(map[shared.WalletState]int),
		Solutions:        make(map[shared.Outcome]int),
		AcceptedByWallet: make(map[string]int),
	}
	err = scan(snap, "stats", challengePrefix, func(_ []byte, c *shared.Challenge) error {
		st.Challenges[c.State]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = scan(snap, "stats", walletPrefix, func(_ []byte, w *shared.Wallet) error {
		if w.Attributed && !includeAttributed {
			return nil
		}
		st.Wallets[w.State]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = scan(snap, "stats", solutionPrefix, func(_ []byte, sol *shared.Solution) error {
		if sol.Attributed && !includeAttributed {
			return nil
		}
		st.Solutions[sol.Outcome]++
		if sol.Outcome == shared.OutcomeAccepted {
			st.AcceptedByWallet[sol.Wallet]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
