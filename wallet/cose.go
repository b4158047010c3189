package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// algEdDSA is the COSE algorithm identifier for EdDSA.
const algEdDSA = -8

var ErrBadSignature = errors.New("invalid signature")

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("building cbor encoder: %v", err))
	}
}

type sign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[string]bool
	Payload     []byte
	Signature   []byte
}

type sigStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

func toBeSigned(protected, payload []byte) ([]byte, error) {
	return encMode.Marshal(sigStructure{
		Context:     "Signature1",
		Protected:   protected,
		ExternalAAD: []byte{},
		Payload:     payload,
	})
}

// SignMessage wraps message in a COSE_Sign1 envelope signed by key and
// returns it hex encoded.
func SignMessage(key Key, message string) (string, error) {
	protected, err := encMode.Marshal(map[any]any{
		1:         algEdDSA,
		"address": key.AddressBytes(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding protected header: %w", err)
	}
	payload := []byte(message)
	tbs, err := toBeSigned(protected, payload)
	if err != nil {
		return "", fmt.Errorf("encoding sig structure: %w", err)
	}
	envelope, err := encMode.Marshal(sign1{
		Protected:   protected,
		Unprotected: map[string]bool{"hashed": false},
		Payload:     payload,
		Signature:   key.Sign(tbs),
	})
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return hex.EncodeToString(envelope), nil
}

// VerifyMessage checks a hex COSE_Sign1 envelope against an Ed25519 public
// key and returns the signed message.
func VerifyMessage(pub []byte, signature string) (string, error) {
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	var env sign1
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: decoding envelope: %v", ErrBadSignature, err)
	}
	var header map[any]any
	if err := cbor.Unmarshal(env.Protected, &header); err != nil {
		return "", fmt.Errorf("%w: decoding protected header: %v", ErrBadSignature, err)
	}
	if alg, ok := header[uint64(1)]; !ok || fmt.Sprint(alg) != fmt.Sprint(algEdDSA) {
		return "", fmt.Errorf("%w: unsupported algorithm %v", ErrBadSignature, alg)
	}
	tbs, err := toBeSigned(env.Protected, env.Payload)
	if err != nil {
		return "", err
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, tbs, env.Signature) {
		return "", ErrBadSignature
	}
	return string(env.Payload), nil
}
