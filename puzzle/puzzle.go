// Package puzzle hosts the proof-of-work capability that backs spark
// generation. The capability is keyed by (version, identity, nonce) so a
// proof mined for one account state cannot be replayed against another.
package puzzle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"sparkcash/crypto"
)

var (
	// ErrMalformedProof is returned when a secrets blob cannot be decoded
	// into fixed-width secrets.
	ErrMalformedProof = errors.New("puzzle: malformed secrets blob")

	// ErrInsufficientProof is returned when a blob decodes but carries no
	// measurable work.
	ErrInsufficientProof = errors.New("puzzle: insufficient proof")
)

// SecretLength is the fixed width of one secret in bytes.
const SecretLength = 32

// MaxSecrets bounds how many secrets a single verification accepts.
const MaxSecrets = 2048

// Context is one opened puzzle instance. Generate is the client side,
// Verify the server side; both score against the same (version, identity,
// nonce) key material. Close releases any resources held by the backend.
type Context interface {
	Generate(ctx context.Context, minimum *big.Int) (secret []byte, value *big.Int, err error)
	Verify(secretsBlob []byte) (*big.Int, error)
	Close() error
}

// Opener constructs puzzle contexts. The settlement engine and the miner
// both consume this interface; tests substitute a deterministic fake.
type Opener interface {
	Open(version string, identity crypto.Address, nonce uint64) (Context, error)
}

// KeyMaterial packs the context key into the three 32-byte big-endian
// words mixed into every secret's score.
func KeyMaterial(version string, identity crypto.Address, nonce uint64) ([]byte, error) {
	v, ok := new(big.Int).SetString(version, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("puzzle: invalid version %q", version)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("puzzle: version %q overflows 256 bits", version)
	}
	material := make([]byte, 3*32)
	v.FillBytes(material[:32])
	copy(material[32+12:64], identity.Bytes())
	new(big.Int).SetUint64(nonce).FillBytes(material[64:96])
	return material, nil
}
