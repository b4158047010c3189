// Package keystore keeps wallet private keys encrypted on disk.
//
// Each key lives in its own file, sealed with chacha20poly1305 under a key
// derived from the operator passphrase with argon2id.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/midnightgpu/orchestrator/types"
	"github.com/midnightgpu/orchestrator/util"
)

// PassphraseEnv names the environment variable holding the keystore passphrase.
const PassphraseEnv = "ORCHESTRATOR_KEYSTORE_PASSPHRASE"

const saltSize = 16

var (
	ErrNoKey         = errors.New("no key stored for address")
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted key file")
)

// Params tunes the argon2id key derivation.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

func DefaultParams() Params {
	return Params{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

type sealed struct {
	Version    uint32
	Time       uint32
	MemoryKiB  uint32
	Threads    uint32
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

type Keystore struct {
	dir        string
	passphrase []byte
	params     Params
}

type optionFunc func(*Keystore)

func WithParams(p Params) optionFunc {
	return func(k *Keystore) {
		k.params = p
	}
}

func New(dir string, passphrase []byte, opts ...optionFunc) (*Keystore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty keystore passphrase", types.ErrFatalConfig)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore dir: %w", err)
	}
	k := &Keystore{dir: dir, passphrase: passphrase, params: DefaultParams()}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// FromEnv opens a keystore using the passphrase in PassphraseEnv.
func FromEnv(dir string, opts ...optionFunc) (*Keystore, error) {
	pass, ok := os.LookupEnv(PassphraseEnv)
	if !ok || pass == "" {
		return nil, fmt.Errorf("%w: %s is not set", types.ErrFatalConfig, PassphraseEnv)
	}
	return New(dir, []byte(pass), opts...)
}

func (k *Keystore) path(address string) (string, error) {
	if address == "" || strings.ContainsAny(address, `/\`) || address == "." || address == ".." {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return filepath.Join(k.dir, address+".key"), nil
}

func (k *Keystore) derive(salt []byte, p Params) []byte {
	return argon2.IDKey(k.passphrase, salt, p.Time, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
}

// Save encrypts secret and atomically writes it under address.
func (k *Keystore) Save(address string, secret []byte) error {
	path, err := k.path(address)
	if err != nil {
		return err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(k.derive(salt, k.params))
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	s := sealed{
		Version:    1,
		Time:       k.params.Time,
		MemoryKiB:  k.params.MemoryKiB,
		Threads:    uint32(k.params.Threads),
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, secret, []byte(address)),
	}
	if err := util.Persist(path, &s); err != nil {
		return fmt.Errorf("persisting key for %s: %w", address, err)
	}
	return nil
}

// Load decrypts the secret stored under address.
func (k *Keystore) Load(address string) ([]byte, error) {
	path, err := k.path(address)
	if err != nil {
		return nil, err
	}
	var s sealed
	switch err := util.Load(path, &s); {
	case errors.Is(err, util.ErrNoFile):
		return nil, fmt.Errorf("%w: %s", ErrNoKey, address)
	case err != nil:
		return nil, fmt.Errorf("loading key for %s: %w", address, err)
	}
	p := Params{Time: s.Time, MemoryKiB: s.MemoryKiB, Threads: uint8(s.Threads)}
	aead, err := chacha20poly1305.NewX(k.derive(s.Salt, p))
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != aead.NonceSize() {
		return nil, ErrBadPassphrase
	}
	secret, err := aead.Open(nil, s.Nonce, s.Ciphertext, []byte(address))
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return secret, nil
}

func (k *Keystore) Has(address string) bool {
	path, err := k.path(address)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
