// Package puzzletest provides a deterministic in-process puzzle capability
// for tests.
package puzzletest

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync/atomic"

	"sparkcash/crypto"
	"sparkcash/puzzle"
)

// Opener is a deterministic puzzle.Opener. The zero value always meets the
// requested minimum and scores every secret at ValuePerSecret (default 1).
type Opener struct {
	// Refuse makes Generate report that the minimum can never be met and
	// Verify reject every blob as insufficient.
	Refuse bool

	// ValuePerSecret overrides the score assigned to each secret.
	ValuePerSecret int64

	// OpenErr, when set, is returned by Open.
	OpenErr error

	opened  atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
}

var _ puzzle.Opener = (*Opener)(nil)

func (o *Opener) value() *big.Int {
	if o.ValuePerSecret > 0 {
		return big.NewInt(o.ValuePerSecret)
	}
	return big.NewInt(1)
}

// Opened reports how many contexts were opened in total.
func (o *Opener) Opened() int64 { return o.opened.Load() }

// MaxActive reports the high-water mark of simultaneously generating
// contexts, for concurrency-bound assertions.
func (o *Opener) MaxActive() int64 { return o.maxSeen.Load() }

func (o *Opener) Open(version string, identity crypto.Address, nonce uint64) (puzzle.Context, error) {
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	if _, err := puzzle.KeyMaterial(version, identity, nonce); err != nil {
		return nil, err
	}
	o.opened.Add(1)
	return &fakeContext{parent: o}, nil
}

type fakeContext struct {
	parent *Opener
	serial atomic.Uint64
	closed atomic.Bool
}

func (c *fakeContext) Generate(ctx context.Context, minimum *big.Int) ([]byte, *big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if c.parent.Refuse {
		return nil, nil, puzzle.ErrInsufficientProof
	}
	active := c.parent.active.Add(1)
	defer c.parent.active.Add(-1)
	for {
		prev := c.parent.maxSeen.Load()
		if active <= prev || c.parent.maxSeen.CompareAndSwap(prev, active) {
			break
		}
	}
	secret := make([]byte, puzzle.SecretLength)
	binary.BigEndian.PutUint64(secret[puzzle.SecretLength-8:], c.serial.Add(1))
	value := c.parent.value()
	if minimum != nil && value.Cmp(minimum) < 0 {
		value = new(big.Int).Set(minimum)
	}
	return secret, value, nil
}

func (c *fakeContext) Verify(blob []byte) (*big.Int, error) {
	if len(blob) == 0 || len(blob)%puzzle.SecretLength != 0 {
		return nil, puzzle.ErrMalformedProof
	}
	if c.parent.Refuse {
		return nil, puzzle.ErrInsufficientProof
	}
	count := int64(len(blob) / puzzle.SecretLength)
	return new(big.Int).Mul(big.NewInt(count), c.parent.value()), nil
}

func (c *fakeContext) Close() error {
	c.closed.Store(true)
	return nil
}
