// Package wallet creates, registers, rotates and consolidates mining wallets.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/keystore"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/retry"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/store"
	"github.com/midnightgpu/orchestrator/types"
)

//go:generate mockgen -package mocks -destination mocks/registrar.go . Registrar

// Registrar is the part of the remote service that knows about wallets.
type Registrar interface {
	RegisterWallet(ctx context.Context, address, signature, pubkey string) error
	Consolidate(ctx context.Context, address, destination, signature string) error
	Balance(ctx context.Context, address string) (uint64, error)
}

var (
	walletsMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "wallet",
		Name:      "wallets",
		Help:      "Number of wallets by state",
	}, []string{"state"})

	registrationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "wallet",
		Name:      "registrations_total",
		Help:      "Wallet registration rounds by result",
	}, []string{"result"})

	consolidationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "wallet",
		Name:      "consolidations_total",
		Help:      "Wallet consolidation rounds by result",
	}, []string{"result"})
)

type Manager struct {
	cfg       Config
	store     *store.Store
	registrar Registrar
	keys      *keystore.Keystore
	gen       KeyGenerator
	now       func() time.Time

	mu sync.Mutex
	// busy holds wallets bound to an in-flight assignment or consolidation.
	busy     map[string]struct{}
	lastUsed map[string]time.Time

	beforeClaim func(*shared.Wallet)
}

type managerOptionFunc func(*Manager)

func WithConfig(cfg Config) managerOptionFunc {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func WithKeyGenerator(gen KeyGenerator) managerOptionFunc {
	return func(m *Manager) {
		m.gen = gen
	}
}

func WithClock(now func() time.Time) managerOptionFunc {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(st *store.Store, registrar Registrar, keys *keystore.Keystore, opts ...managerOptionFunc) *Manager {
	m := &Manager{
		cfg:       DefaultConfig(),
		store:     st,
		registrar: registrar,
		keys:      keys,
		gen:       Ed25519Generator{},
		now:       time.Now,
		busy:      make(map[string]struct{}),
		lastUsed:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// EnsureWallet returns an idle Active wallet from the requested pool and
// marks it busy until Release. When every wallet is busy a new one is
// created and registered. A wallet left in Provisioning by an earlier
// failure is resumed before a new one is created.
func (m *Manager) EnsureWallet(ctx context.Context, attributed bool) (*shared.Wallet, error) {
	w, err := m.acquireIdle(ctx, attributed)
	if err != nil || w != nil {
		return w, err
	}

	w, err = m.reserveProvisioning(ctx, attributed)
	if err != nil {
		return nil, err
	}
	if err := m.register(ctx, w); err != nil {
		m.unmark(w.Address)
		return nil, err
	}
	active, err := m.store.Wallet(ctx, w.Address)
	if err != nil {
		m.unmark(w.Address)
		return nil, err
	}
	return active, nil
}

func (m *Manager) acquireIdle(ctx context.Context, attributed bool) (*shared.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallets, err := m.store.EligibleWallets(ctx, attributed)
	if err != nil {
		return nil, err
	}
	now := m.now()
	candidates := make([]*shared.Wallet, 0, len(wallets))
	for _, w := range wallets {
		if _, busy := m.busy[w.Address]; busy {
			continue
		}
		if m.dueForRotation(w, now) {
			if _, err := m.MarkForConsolidation(ctx, w.Address); err != nil {
				return nil, err
			}
			continue
		}
		candidates = append(candidates, w)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return m.lastUse(candidates[i]).Before(m.lastUse(candidates[j]))
	})

	for _, w := range candidates {
		if m.beforeClaim != nil {
			m.beforeClaim(w)
		}
		m.busy[w.Address] = struct{}{}
		// A consolidation sweep may have moved it since EligibleWallets.
		current, err := m.store.Wallet(ctx, w.Address)
		if err != nil {
			delete(m.busy, w.Address)
			return nil, err
		}
		if current.State != shared.WalletActive {
			delete(m.busy, w.Address)
			continue
		}
		return current, nil
	}
	return nil, nil
}

// reserveProvisioning picks a Provisioning wallet nobody is registering, or
// creates a fresh one, and marks it busy.
func (m *Manager) reserveProvisioning(ctx context.Context, attributed bool) (*shared.Wallet, error) {
	m.mu.Lock()
	provisioning, err := m.store.WalletsInState(ctx, shared.WalletProvisioning)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	for _, w := range provisioning {
		if _, busy := m.busy[w.Address]; busy || w.Attributed != attributed {
			continue
		}
		m.busy[w.Address] = struct{}{}
		m.mu.Unlock()
		logging.FromContext(ctx).Info("resuming wallet registration",
			zap.String("address", w.Address),
			zap.Uint32("attempts", w.RegisterAttempts),
		)
		return w, nil
	}
	m.mu.Unlock()

	key, err := m.gen.Generate()
	if err != nil {
		return nil, err
	}
	signature, err := SignMessage(key, m.cfg.Terms)
	if err != nil {
		return nil, fmt.Errorf("signing terms: %w", err)
	}
	now := m.now().UnixNano()
	w := &shared.Wallet{
		Address:      key.Address(),
		PublicKey:    key.PublicKey(),
		Signature:    signature,
		State:        shared.WalletProvisioning,
		Attributed:   attributed,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.busy[w.Address] = struct{}{}
	m.mu.Unlock()

	// The key must be durable before the record that refers to it.
	if err := m.keys.Save(w.Address, key.Secret()); err != nil {
		m.unmark(w.Address)
		return nil, fmt.Errorf("saving key: %w", err)
	}
	if err := m.store.CreateWallet(ctx, w); err != nil {
		m.unmark(w.Address)
		return nil, err
	}
	logging.FromContext(ctx).Info("created wallet", zap.String("address", w.Address), zap.Bool("attributed", attributed))
	return w, nil
}

func (m *Manager) register(ctx context.Context, w *shared.Wallet) error {
	logger := logging.FromContext(ctx).With(zap.String("address", w.Address))
	_, err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) error {
		return m.registrar.RegisterWallet(ctx, w.Address, w.Signature, hex.EncodeToString(w.PublicKey))
	})
	if err == nil {
		ok, err := m.store.TransitionWalletState(ctx, w.Address, shared.WalletProvisioning, shared.WalletActive)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wallet %s left provisioning during registration", w.Address)
		}
		registrationsMetric.WithLabelValues("ok").Inc()
		logger.Info("registered wallet")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	registrationsMetric.WithLabelValues("failed").Inc()
	updated, serr := m.store.RecordRegisterAttempt(ctx, w.Address)
	if serr != nil {
		return serr
	}
	if m.cfg.MaxRegisterAttempts > 0 && updated.RegisterAttempts >= m.cfg.MaxRegisterAttempts {
		if _, serr := m.store.AbandonWallet(ctx, w.Address, shared.WalletProvisioning); serr != nil {
			return serr
		}
		logger.Warn("abandoned wallet after failed registrations", zap.Uint32("attempts", updated.RegisterAttempts), zap.Error(err))
	} else {
		logger.Warn("wallet registration failed", zap.Uint32("attempts", updated.RegisterAttempts), zap.Error(err))
	}
	return fmt.Errorf("registering wallet %s: %w", w.Address, err)
}

// Release returns a wallet acquired with EnsureWallet to the idle pool.
func (m *Manager) Release(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, address)
	m.lastUsed[address] = m.now()
}

func (m *Manager) unmark(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, address)
}

// Busy reports whether the wallet is bound to in-flight work.
func (m *Manager) Busy(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.busy[address]
	return ok
}

func (m *Manager) lastUse(w *shared.Wallet) time.Time {
	if t, ok := m.lastUsed[w.Address]; ok {
		return t
	}
	return time.Unix(0, w.LastActivity)
}

func (m *Manager) dueForRotation(w *shared.Wallet, now time.Time) bool {
	if m.cfg.RotationSolves > 0 && w.Solved >= m.cfg.RotationSolves {
		return true
	}
	return m.cfg.RotationAge > 0 && now.Sub(w.Created()) >= m.cfg.RotationAge
}

// MarkForConsolidation moves an Active wallet to Consolidating. A wallet in
// any other state is left alone and false is returned.
func (m *Manager) MarkForConsolidation(ctx context.Context, address string) (bool, error) {
	ok, err := m.store.TransitionWalletState(ctx, address, shared.WalletActive, shared.WalletConsolidating)
	if err != nil {
		return false, err
	}
	if ok {
		logging.FromContext(ctx).Info("wallet marked for consolidation", zap.String("address", address))
	}
	return ok, nil
}

func (m *Manager) destination(w *shared.Wallet) string {
	if w.Attributed {
		return m.cfg.AttributionAddress
	}
	return m.cfg.ConsolidateAddress
}

// Consolidate sweeps a Consolidating wallet to its destination and retires
// it. A wallet still finishing an assignment is skipped until the next sweep.
// On failure the wallet stays Consolidating.
func (m *Manager) Consolidate(ctx context.Context, address string) error {
	logger := logging.FromContext(ctx).With(zap.String("address", address))

	w, err := m.store.Wallet(ctx, address)
	if err != nil {
		return err
	}
	if w.State != shared.WalletConsolidating {
		return nil
	}

	m.mu.Lock()
	_, busy := m.busy[address]
	if !busy {
		m.busy[address] = struct{}{}
	}
	m.mu.Unlock()
	if busy {
		logger.Debug("wallet still busy, consolidating later")
		return nil
	}
	defer m.unmark(address)

	dest := m.destination(w)
	if dest == "" {
		return m.retire(ctx, address, "")
	}

	secret, err := m.keys.Load(address)
	if err != nil {
		return m.consolidationFailed(ctx, address, fmt.Errorf("loading key: %w", err))
	}
	key, err := m.gen.Restore(secret)
	if err != nil {
		return m.consolidationFailed(ctx, address, fmt.Errorf("restoring key: %w", err))
	}
	signature, err := SignMessage(key, ConsolidationMessage(dest))
	if err != nil {
		return m.consolidationFailed(ctx, address, fmt.Errorf("signing consolidation: %w", err))
	}
	_, err = retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) error {
		return m.registrar.Consolidate(ctx, address, dest, signature)
	})
	if err != nil {
		return m.consolidationFailed(ctx, address, err)
	}
	return m.retire(ctx, address, dest)
}

func (m *Manager) retire(ctx context.Context, address, dest string) error {
	ok, err := m.store.TransitionWalletState(ctx, address, shared.WalletConsolidating, shared.WalletRetired)
	if err != nil {
		return err
	}
	if ok {
		consolidationsMetric.WithLabelValues("ok").Inc()
		logging.FromContext(ctx).Info("wallet retired", zap.String("address", address), zap.String("destination", dest))
	}
	return nil
}

func (m *Manager) consolidationFailed(ctx context.Context, address string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	consolidationsMetric.WithLabelValues("failed").Inc()
	updated, err := m.store.RecordConsolidateAttempt(ctx, address)
	if err != nil {
		return err
	}
	if m.cfg.MaxConsolidateAttempts > 0 && updated.ConsolidateAttempts >= m.cfg.MaxConsolidateAttempts {
		if _, err := m.store.AbandonWallet(ctx, address, shared.WalletConsolidating); err != nil {
			return err
		}
		logging.FromContext(ctx).Warn("abandoned wallet after failed consolidations",
			zap.String("address", address),
			zap.Uint32("attempts", updated.ConsolidateAttempts),
		)
	}
	return fmt.Errorf("consolidating wallet %s: %w", address, cause)
}

// ConsolidationSweep marks Active wallets that crossed a rotation threshold
// and tries to consolidate every Consolidating wallet.
func (m *Manager) ConsolidationSweep(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	active, err := m.store.WalletsInState(ctx, shared.WalletActive)
	if err != nil {
		return err
	}
	now := m.now()
	for _, w := range active {
		due := m.dueForRotation(w, now)
		if !due && m.cfg.BalanceThreshold > 0 {
			balance, err := m.registrar.Balance(ctx, w.Address)
			if err != nil {
				logger.Warn("balance query failed", zap.String("address", w.Address), zap.Error(err))
				continue
			}
			due = balance >= m.cfg.BalanceThreshold
		}
		if due {
			if _, err := m.MarkForConsolidation(ctx, w.Address); err != nil {
				return err
			}
		}
	}

	consolidating, err := m.store.WalletsInState(ctx, shared.WalletConsolidating)
	if err != nil {
		return err
	}
	for _, w := range consolidating {
		err := m.Consolidate(ctx, w.Address)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrStorage), ctx.Err() != nil:
			return err
		default:
			logger.Warn("consolidation failed", zap.String("address", w.Address), zap.Error(err))
		}
	}
	return m.updateMetrics(ctx)
}

func (m *Manager) updateMetrics(ctx context.Context) error {
	wallets, err := m.store.Wallets(ctx)
	if err != nil {
		return err
	}
	counts := make(map[shared.WalletState]int)
	for _, w := range wallets {
		counts[w.State]++
	}
	for _, state := range []shared.WalletState{
		shared.WalletProvisioning,
		shared.WalletActive,
		shared.WalletConsolidating,
		shared.WalletRetired,
	} {
		walletsMetric.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	return nil
}

// Run performs consolidation sweeps until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("wallets")
	ctx = logging.NewContext(ctx, logger)

	ticker := time.NewTicker(m.cfg.ConsolidationInterval)
	defer ticker.Stop()
	for {
		if err := m.ConsolidationSweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, types.ErrStorage) {
				return err
			}
			logger.Warn("consolidation sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
