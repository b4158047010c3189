package store

import (
	"context"
	"errors"
	"time"

	"github.com/midnightgpu/orchestrator/shared"
)

// ErrExists is returned when creating a record whose key is taken.
var ErrExists = errors.New("already exists")

func walletKey(address string) []byte {
	return []byte(walletPrefix + address)
}

// CreateWallet stores a new wallet record. It fails with ErrExists if the
// address is already known.
func (s *Store) CreateWallet(ctx context.Context, w *shared.Wallet) error {
	return s.update("create wallet", func(tx txn) error {
		var existing shared.Wallet
		err := get(tx, "create wallet", walletKey(w.Address), &existing)
		switch {
		case err == nil:
			return ErrExists
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return put(tx, "create wallet", walletKey(w.Address), w)
	})
}

// UpsertWallet replaces the wallet record as a whole.
func (s *Store) UpsertWallet(ctx context.Context, w *shared.Wallet) error {
	return s.update("upsert wallet", func(tx txn) error {
		return put(tx, "upsert wallet", walletKey(w.Address), w)
	})
}

// updateWallet applies fn to the stored wallet. The record is written back
// only when fn returns true.
func (s *Store) updateWallet(op, address string, fn func(w *shared.Wallet) bool) (*shared.Wallet, bool, error) {
	var (
		w       shared.Wallet
		applied bool
	)
	err := s.update(op, func(tx txn) error {
		if err := get(tx, op, walletKey(address), &w); err != nil {
			return err
		}
		if applied = fn(&w); !applied {
			return nil
		}
		return put(tx, op, walletKey(address), &w)
	})
	if err != nil {
		return nil, false, err
	}
	return &w, applied, nil
}

// TransitionWalletState moves the wallet from one state to another only if it
// is currently in from. A mismatch returns false and no error.
func (s *Store) TransitionWalletState(ctx context.Context, address string, from, to shared.WalletState) (bool, error) {
	_, ok, err := s.updateWallet("transition wallet", address, func(w *shared.Wallet) bool {
		if w.State != from {
			return false
		}
		w.State = to
		return true
	})
	return ok, err
}

// AbandonWallet retires a wallet that is still in from and flags it abandoned.
func (s *Store) AbandonWallet(ctx context.Context, address string, from shared.WalletState) (bool, error) {
	_, ok, err := s.updateWallet("abandon wallet", address, func(w *shared.Wallet) bool {
		if w.State != from {
			return false
		}
		w.State = shared.WalletRetired
		w.Abandoned = true
		return true
	})
	return ok, err
}

// RecordWalletAttempt counts a challenge attempted by the wallet.
func (s *Store) RecordWalletAttempt(ctx context.Context, address string, now time.Time) error {
	_, _, err := s.updateWallet("record wallet attempt", address, func(w *shared.Wallet) bool {
		w.Attempted++
		w.LastActivity = now.UnixNano()
		return true
	})
	return err
}

// RecordRegisterAttempt counts a failed registration and returns the updated wallet.
func (s *Store) RecordRegisterAttempt(ctx context.Context, address string) (*shared.Wallet, error) {
	w, _, err := s.updateWallet("record register attempt", address, func(w *shared.Wallet) bool {
		w.RegisterAttempts++
		return true
	})
	return w, err
}

// RecordConsolidateAttempt counts a failed consolidation and returns the updated wallet.
func (s *Store) RecordConsolidateAttempt(ctx context.Context, address string) (*shared.Wallet, error) {
	w, _, err := s.updateWallet("record consolidate attempt", address, func(w *shared.Wallet) bool {
		w.ConsolidateAttempts++
		return true
	})
	return w, err
}

func (s *Store) Wallet(ctx context.Context, address string) (*shared.Wallet, error) {
	var w shared.Wallet
	if err := get(s.db, "get wallet", walletKey(address), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) Wallets(ctx context.Context) ([]*shared.Wallet, error) {
	var out []*shared.Wallet
	err := scan(s.db, "list wallets", walletPrefix, func(_ []byte, w *shared.Wallet) error {
		out = append(out, w)
		return nil
	})
	return out, err
}

// EligibleWallets lists Active wallets of the requested pool.
func (s *Store) EligibleWallets(ctx context.Context, attributed bool) ([]*shared.Wallet, error) {
	var out []*shared.Wallet
	err := scan(s.db, "eligible wallets", walletPrefix, func(_ []byte, w *shared.Wallet) error {
		if w.Workable() && w.Attributed == attributed {
			out = append(out, w)
		}
		return nil
	})
	return out, err
}

// WalletsInState lists wallets currently in state.
func (s *Store) WalletsInState(ctx context.Context, state shared.WalletState) ([]*shared.Wallet, error) {
	var out []*shared.Wallet
	err := scan(s.db, "wallets in state", walletPrefix, func(_ []byte, w *shared.Wallet) error {
		if w.State == state {
			out = append(out, w)
		}
		return nil
	})
	return out, err
}
