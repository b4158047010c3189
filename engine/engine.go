// Package engine defines the compute engine contract and its two variants:
// a gRPC-backed accelerated engine and an in-process fallback.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"time"

	"github.com/minio/sha256-simd"
)

var ErrInvalidRange = errors.New("invalid search range")

// WorkUnit asks an engine to search [RangeStart, RangeEnd) for a nonce whose
// hash fits Target.
type WorkUnit struct {
	ChallengeID string
	Descriptor  []byte
	RomKey      string
	RangeStart  uint64
	RangeEnd    uint64
	Target      uint32
}

func (u WorkUnit) Size() uint64 {
	return u.RangeEnd - u.RangeStart
}

func (u WorkUnit) validate() error {
	if u.RangeEnd <= u.RangeStart {
		return ErrInvalidRange
	}
	return nil
}

// Result of a search. Found is false when the range was exhausted.
type Result struct {
	Found    bool
	Nonce    uint64
	Hash     []byte
	Hashes   uint64
	Duration time.Duration
}

//go:generate mockgen -package mocks -destination mocks/engine.go . Engine

type Engine interface {
	Name() string
	Search(ctx context.Context, unit WorkUnit) (*Result, error)
	Close() error
}

// Hash computes the proof hash of nonce for a descriptor.
func Hash(descriptor []byte, nonce uint64) []byte {
	return newHasher(descriptor).hash(nonce, nil)
}

// Meets reports whether the first 32 bits of hash have no bit set outside target.
func Meets(hash []byte, target uint32) bool {
	if len(hash) < 4 {
		return false
	}
	return binary.BigEndian.Uint32(hash[:4])&^target == 0
}

// hasher reuses one preimage buffer: 16 hex digits of nonce followed by the descriptor.
type hasher struct {
	h     hash.Hash
	input []byte
}

func newHasher(descriptor []byte) *hasher {
	input := make([]byte, 16+len(descriptor))
	copy(input[16:], descriptor)
	return &hasher{h: sha256.New(), input: input}
}

func (p *hasher) hash(nonce uint64, output []byte) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], nonce)
	hex.Encode(p.input[:16], raw[:])

	p.h.Reset()
	p.h.Write(p.input)
	return p.h.Sum(output)
}
