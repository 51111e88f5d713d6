package puzzle

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"sparkcash/crypto"
)

// Mixin is the production Opener. Each secret is scored by hashing it
// together with the context key material; rarer digests score higher, so
// value behaves like an inverse-target difficulty measure.
type Mixin struct{}

var _ Opener = Mixin{}

// Open binds a context to (version, identity, nonce).
func (Mixin) Open(version string, identity crypto.Address, nonce uint64) (Context, error) {
	material, err := KeyMaterial(version, identity, nonce)
	if err != nil {
		return nil, err
	}
	return &mixinContext{material: material}, nil
}

type mixinContext struct {
	material []byte
}

var maxScore = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func (c *mixinContext) score(secret []byte) *big.Int {
	digest := ethcrypto.Keccak256(c.material, secret)
	h := new(big.Int).SetBytes(digest)
	h.Add(h, big.NewInt(1))
	return h.Div(maxScore, h)
}

// Generate draws random secrets until one scores at least minimum. The
// search is unbounded above; cancellation is the only way to stop early.
func (c *mixinContext) Generate(ctx context.Context, minimum *big.Int) ([]byte, *big.Int, error) {
	if minimum == nil || minimum.Sign() < 1 {
		return nil, nil, fmt.Errorf("puzzle: minimum must be positive")
	}
	secret := make([]byte, SecretLength)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, fmt.Errorf("puzzle: draw secret: %w", err)
		}
		if value := c.score(secret); value.Cmp(minimum) >= 0 {
			out := make([]byte, SecretLength)
			copy(out, secret)
			return out, value, nil
		}
	}
}

// Verify scores every secret in the blob and returns the aggregate value.
func (c *mixinContext) Verify(blob []byte) (*big.Int, error) {
	if len(blob) == 0 || len(blob)%SecretLength != 0 {
		return nil, ErrMalformedProof
	}
	if len(blob) > SecretLength*MaxSecrets {
		return nil, ErrMalformedProof
	}
	total := new(big.Int)
	for off := 0; off < len(blob); off += SecretLength {
		total.Add(total, c.score(blob[off:off+SecretLength]))
	}
	if total.Sign() == 0 {
		return nil, ErrInsufficientProof
	}
	return total, nil
}

func (c *mixinContext) Close() error {
	c.material = nil
	return nil
}
