package shared

import (
	"strconv"
)

type Outcome uint32

const (
	OutcomePending Outcome = iota
	OutcomeAccepted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown(" + strconv.FormatUint(uint64(o), 10) + ")"
	}
}

func (o Outcome) Terminal() bool {
	return o == OutcomeAccepted || o == OutcomeRejected
}

// SolutionKey identifies a solution: one nonce found by one wallet for one challenge.
type SolutionKey struct {
	ChallengeID string
	Wallet      string
	Nonce       uint64
}

func (k SolutionKey) String() string {
	return k.ChallengeID + "/" + k.Wallet + "/" + NonceHex(k.Nonce)
}

// Solution is a candidate proof and its submission history. Never deleted.
type Solution struct {
	ChallengeID string
	Wallet      string
	Nonce       uint64
	Hash        []byte

	FoundAt     int64
	SubmittedAt int64
	Attempts    uint32

	Outcome    Outcome
	Attributed bool
	Reason     string
}

func (s *Solution) Key() SolutionKey {
	return SolutionKey{ChallengeID: s.ChallengeID, Wallet: s.Wallet, Nonce: s.Nonce}
}
