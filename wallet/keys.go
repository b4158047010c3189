package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/minio/sha256-simd"
)

// AddressPrefix starts every address derived by Ed25519Generator.
const AddressPrefix = "addr_"

const addressHashSize = 28

// Key is an opaque handle to a wallet's signing key.
type Key interface {
	Address() string
	// AddressBytes is the raw address embedded in signed envelopes.
	AddressBytes() []byte
	PublicKey() []byte
	// Secret is the material the keystore encrypts.
	Secret() []byte
	Sign(msg []byte) []byte
}

// KeyGenerator creates new keys and restores them from keystore secrets.
type KeyGenerator interface {
	Generate() (Key, error)
	Restore(secret []byte) (Key, error)
}

type Ed25519Generator struct{}

func (Ed25519Generator) Generate() (Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return newEd25519Key(priv), nil
}

func (Ed25519Generator) Restore(secret []byte) (Key, error) {
	if len(secret) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid ed25519 seed length %d", len(secret))
	}
	return newEd25519Key(ed25519.NewKeyFromSeed(secret)), nil
}

type ed25519Key struct {
	priv ed25519.PrivateKey
	addr []byte
}

func newEd25519Key(priv ed25519.PrivateKey) *ed25519Key {
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	return &ed25519Key{priv: priv, addr: sum[:addressHashSize]}
}

func (k *ed25519Key) Address() string {
	return AddressPrefix + hex.EncodeToString(k.addr)
}

func (k *ed25519Key) AddressBytes() []byte {
	return k.addr
}

func (k *ed25519Key) PublicKey() []byte {
	return k.priv.Public().(ed25519.PublicKey)
}

func (k *ed25519Key) Secret() []byte {
	return k.priv.Seed()
}

func (k *ed25519Key) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// AddressFromPublicKey derives the address an Ed25519Generator key with this public key has.
func AddressFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return AddressPrefix + hex.EncodeToString(sum[:addressHashSize])
}
