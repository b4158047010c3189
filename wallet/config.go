package wallet

import (
	"time"

	"github.com/midnightgpu/orchestrator/retry"
)

// DefaultTerms is the statement every wallet signs when registering.
const DefaultTerms = "I agree to abide by the terms and conditions as described in version 1-0 of the " +
	"Defensio DFO mining process: 2da58cd94d6ccf3d933c4a55ebc720ba03b829b84033b4844aafc36828477cc0"

// ConsolidationMessage is the statement signed to sweep a wallet to destination.
func ConsolidationMessage(destination string) string {
	return "Assign accumulated Scavenger rights to: " + destination
}

func DefaultConfig() Config {
	registration := retry.DefaultPolicy()
	registration.Attempts = 5
	return Config{
		RotationSolves:         10,
		RotationAge:            24 * time.Hour,
		AttributionRatio:       0.05,
		ConsolidationInterval:  10 * time.Minute,
		MaxRegisterAttempts:    5,
		MaxConsolidateAttempts: 10,
		Terms:                  DefaultTerms,
		Retry:                  registration,
	}
}

//nolint:lll
type Config struct {
	RotationSolves         uint64        `long:"rotation-solves"          description:"Rotate a wallet out after this many accepted solutions (0 disables)"`
	RotationAge            time.Duration `long:"rotation-age"             description:"Rotate a wallet out after it has existed this long (0 disables)"`
	BalanceThreshold       uint64        `long:"balance-threshold"        description:"Rotate a wallet out once its remote balance reaches this amount (0 disables)"`
	ConsolidateAddress     string        `long:"consolidate-address"      description:"Address retired wallets are consolidated to (empty retires without consolidating)"`
	AttributionAddress     string        `long:"attribution-address"      description:"Address attributed wallets are consolidated to"`
	AttributionRatio       float64       `long:"attribution-ratio"        description:"Fraction of assignments worked by attributed wallets"`
	ConsolidationInterval  time.Duration `long:"consolidation-interval"   description:"Interval between consolidation sweeps"`
	MaxRegisterAttempts    uint32        `long:"max-register-attempts"    description:"Failed registration rounds before a wallet is abandoned"`
	MaxConsolidateAttempts uint32        `long:"max-consolidate-attempts" description:"Failed consolidation sweeps before a wallet is abandoned"`
	Terms                  string        `long:"terms"                    description:"Statement signed when registering a wallet"`

	Retry retry.Policy `group:"Registration retries" namespace:"register"`
}
