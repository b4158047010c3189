package shared

import (
	"strconv"
	"time"
)

type WalletState uint32

const (
	WalletProvisioning WalletState = iota
	WalletActive
	WalletConsolidating
	WalletRetired
)

func (s WalletState) String() string {
	switch s {
	case WalletProvisioning:
		return "provisioning"
	case WalletActive:
		return "active"
	case WalletConsolidating:
		return "consolidating"
	case WalletRetired:
		return "retired"
	default:
		return "unknown(" + strconv.FormatUint(uint64(s), 10) + ")"
	}
}

// Wallet is the persisted view of a mining wallet.
// Key material lives in the keystore, never here.
type Wallet struct {
	Address   string
	PublicKey []byte
	// Signature is the hex COSE_Sign1 envelope over the service terms.
	Signature string

	State      WalletState
	Attributed bool
	Abandoned  bool

	Attempted    uint64
	Solved       uint64
	CreatedAt    int64
	LastActivity int64

	RegisterAttempts    uint32
	ConsolidateAttempts uint32
}

func (w *Wallet) Created() time.Time {
	return time.Unix(0, w.CreatedAt)
}

// Workable reports whether the wallet may receive new assignments.
func (w *Wallet) Workable() bool {
	return w.State == WalletActive
}
