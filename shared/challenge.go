package shared

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"
	"time"
)

// DefaultValidityWindow is how long a challenge stays minable after it was issued.
const DefaultValidityWindow = 24 * time.Hour

type ChallengeState uint32

const (
	ChallengeUnsolved ChallengeState = iota
	ChallengeSolved
	ChallengeExpired
)

func (s ChallengeState) String() string {
	switch s {
	case ChallengeUnsolved:
		return "unsolved"
	case ChallengeSolved:
		return "solved"
	case ChallengeExpired:
		return "expired"
	default:
		return "unknown(" + strconv.FormatUint(uint64(s), 10) + ")"
	}
}

// Challenge is a server-issued proof-of-work puzzle.
type Challenge struct {
	ID string
	// Difficulty is an ordinal, lower is easier.
	Difficulty uint64
	// Target is the 32-bit difficulty mask a hash prefix must fit in.
	Target    uint32
	TargetHex string

	RomKey           string
	RomKeyHour       string
	LatestSubmission string

	IssuedAt    int64
	FirstSeenAt int64

	State    ChallengeState
	SolvedBy string
	SolvedAt int64
}

func (c *Challenge) Issued() time.Time {
	return time.Unix(0, c.IssuedAt)
}

// Expiry is issued-at plus the validity window.
func (c *Challenge) Expiry(window time.Duration) time.Time {
	return c.Issued().Add(window)
}

// ExpiredAt reports whether the validity window has elapsed at now.
func (c *Challenge) ExpiredAt(now time.Time, window time.Duration) bool {
	return !now.Before(c.Expiry(window))
}

// SamePayload compares the server-provided fields, ignoring local state.
func (c *Challenge) SamePayload(o *Challenge) bool {
	return c.ID == o.ID &&
		c.Difficulty == o.Difficulty &&
		c.Target == o.Target &&
		c.TargetHex == o.TargetHex &&
		c.RomKey == o.RomKey &&
		c.RomKeyHour == o.RomKeyHour &&
		c.LatestSubmission == o.LatestSubmission
}

// ParseTarget decodes the leading 32 bits of a hex difficulty mask.
func ParseTarget(mask string) (uint32, error) {
	if len(mask) < 8 {
		return 0, fmt.Errorf("difficulty mask %q is shorter than 8 hex digits", mask)
	}
	b, err := hex.DecodeString(mask[:8])
	if err != nil {
		return 0, fmt.Errorf("decoding difficulty mask %q: %w", mask, err)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// OrdinalDifficulty counts the bits a hash prefix must have cleared.
// More cleared bits means a harder challenge.
func OrdinalDifficulty(target uint32) uint64 {
	return uint64(32 - bits.OnesCount32(target))
}

// Descriptor is the salt the compute engine hashes together with a nonce.
func Descriptor(address string, c *Challenge) []byte {
	targetHex := c.TargetHex
	if targetHex == "" {
		targetHex = fmt.Sprintf("%08x", c.Target)
	}
	d := make([]byte, 0, len(address)+len(c.ID)+len(targetHex)+len(c.RomKey)+len(c.LatestSubmission)+len(c.RomKeyHour))
	d = append(d, address...)
	d = append(d, c.ID...)
	d = append(d, targetHex...)
	d = append(d, c.RomKey...)
	d = append(d, c.LatestSubmission...)
	d = append(d, c.RomKeyHour...)
	return d
}

// NonceHex renders a nonce the way the remote service expects it.
func NonceHex(nonce uint64) string {
	return fmt.Sprintf("%016x", nonce)
}
