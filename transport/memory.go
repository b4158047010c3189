// Package transport provides an in-process rendition of the remote challenge
// service. It judges solutions first-writer-wins and can be told to fail.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/engine"
	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/shared"
	"github.com/midnightgpu/orchestrator/types"
	"github.com/midnightgpu/orchestrator/wallet"
)

type Op string

const (
	OpList        Op = "list"
	OpRegister    Op = "register"
	OpSubmit      Op = "submit"
	OpConsolidate Op = "consolidate"
	OpBalance     Op = "balance"
)

// Reward credited to a wallet per accepted solution.
const Reward = 1

type solved struct {
	wallet string
	nonce  uint64
}

type InMemory struct {
	terms string

	mu         sync.Mutex
	challenges map[string]*shared.Challenge
	registered map[string][]byte
	solved     map[string]solved
	balances   map[string]uint64
	donations  map[string]string
	failures   map[Op]int
	calls      map[Op]int
}

func NewInMemory(terms string) *InMemory {
	return &InMemory{
		terms:      terms,
		challenges: make(map[string]*shared.Challenge),
		registered: make(map[string][]byte),
		solved:     make(map[string]solved),
		balances:   make(map[string]uint64),
		donations:  make(map[string]string),
		failures:   make(map[Op]int),
		calls:      make(map[Op]int),
	}
}

// Announce publishes a challenge. Announcing a known ID replaces its payload.
func (m *InMemory) Announce(c *shared.Challenge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := *c
	m.challenges[c.ID] = &in
}

// Withdraw stops announcing a challenge. It can still be solved.
func (m *InMemory) Withdraw(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.challenges[id]; ok {
		c.State = shared.ChallengeExpired
	}
}

// FailNext makes the next n calls of op fail with a transient network error.
func (m *InMemory) FailNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
}

func (m *InMemory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SolvedBy returns the wallet whose solution the challenge accepted.
func (m *InMemory) SolvedBy(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solved[id]
	return s.wallet, ok
}

func (m *InMemory) Registered(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[address]
	return ok
}

// Donation returns the destination a wallet consolidated to.
func (m *InMemory) Donation(address string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dest, ok := m.donations[address]
	return dest, ok
}

// begin counts a call and consumes an injected failure. Called with mu held.
func (m *InMemory) begin(op Op) error {
	m.calls[op]++
	if m.failures[op] > 0 {
		m.failures[op]--
		return fmt.Errorf("%w: injected %s failure", types.ErrTransientNetwork, op)
	}
	return nil
}

func reject(status int, format string, args ...any) error {
	return &types.RejectionError{Status: status, Reason: fmt.Sprintf(format, args...)}
}

func (m *InMemory) ListChallenges(ctx context.Context) ([]*shared.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpList); err != nil {
		return nil, err
	}
	out := make([]*shared.Challenge, 0, len(m.challenges))
	for _, c := range m.challenges {
		if c.State == shared.ChallengeExpired {
			continue
		}
		announced := *c
		announced.State = shared.ChallengeUnsolved
		out = append(out, &announced)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) RegisterWallet(ctx context.Context, address, signature, pubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpRegister); err != nil {
		return err
	}
	pub, err := hex.DecodeString(pubkey)
	if err != nil {
		return reject(http.StatusBadRequest, "malformed public key")
	}
	if wallet.AddressFromPublicKey(pub) != address {
		return reject(http.StatusBadRequest, "public key does not match address")
	}
	msg, err := wallet.VerifyMessage(pub, signature)
	if err != nil || msg != m.terms {
		return reject(http.StatusBadRequest, "invalid terms signature")
	}
	m.registered[address] = pub
	return nil
}

func (m *InMemory) SubmitSolution(ctx context.Context, address, challengeID, nonce, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSubmit); err != nil {
		return err
	}
	if _, ok := m.registered[address]; !ok {
		return reject(http.StatusBadRequest, "wallet %s is not registered", address)
	}
	c, ok := m.challenges[challengeID]
	if !ok {
		return reject(http.StatusNotFound, "unknown challenge %s", challengeID)
	}
	n, err := strconv.ParseUint(nonce, 16, 64)
	if err != nil {
		return reject(http.StatusBadRequest, "malformed nonce %q", nonce)
	}
	if !engine.Meets(engine.Hash(shared.Descriptor(address, c), n), c.Target) {
		return reject(http.StatusBadRequest, "hash does not meet difficulty")
	}
	if prev, ok := m.solved[challengeID]; ok {
		if prev.wallet == address && prev.nonce == n {
			return nil
		}
		return reject(http.StatusConflict, "challenge already solved")
	}
	m.solved[challengeID] = solved{wallet: address, nonce: n}
	m.balances[address] += Reward
	return nil
}

func (m *InMemory) Consolidate(ctx context.Context, address, destination, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpConsolidate); err != nil {
		return err
	}
	pub, ok := m.registered[address]
	if !ok {
		return reject(http.StatusBadRequest, "wallet %s is not registered", address)
	}
	msg, err := wallet.VerifyMessage(pub, signature)
	if err != nil || msg != wallet.ConsolidationMessage(destination) {
		return reject(http.StatusBadRequest, "invalid consolidation signature")
	}
	if prev, ok := m.donations[address]; ok && prev == destination {
		return nil
	}
	m.donations[address] = destination
	m.balances[destination] += m.balances[address]
	m.balances[address] = 0
	return nil
}

func (m *InMemory) Balance(ctx context.Context, address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpBalance); err != nil {
		return 0, err
	}
	return m.balances[address], nil
}

// Generate announces a fresh challenge with a random ID and ROM key.
func (m *InMemory) Generate(issued time.Time, targetHex string) (*shared.Challenge, error) {
	target, err := shared.ParseTarget(targetHex)
	if err != nil {
		return nil, err
	}
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	c := &shared.Challenge{
		ID:               "**" + hex.EncodeToString(raw[:4]),
		Difficulty:       shared.OrdinalDifficulty(target),
		Target:           target,
		TargetHex:        targetHex,
		RomKey:           hex.EncodeToString(raw[4:]),
		RomKeyHour:       strconv.FormatInt(issued.Unix()/3600, 10),
		LatestSubmission: issued.Add(shared.DefaultValidityWindow).UTC().Format(time.RFC3339),
		IssuedAt:         issued.UnixNano(),
	}
	m.Announce(c)
	return c, nil
}

// RunGenerator announces a new challenge every interval until ctx is done.
func (m *InMemory) RunGenerator(ctx context.Context, interval time.Duration, targetHex string) error {
	logger := logging.FromContext(ctx).Named("simulator")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c, err := m.Generate(time.Now(), targetHex)
		if err != nil {
			return err
		}
		logger.Info("announced challenge", zap.String("id", c.ID), zap.String("difficulty", c.TargetHex))
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
