package ledger

import (
	"math/big"
	"time"
)

// EmissionRate emits Num/Den token units per elapsed second. The default
// matches the historical curve of one unit per 100 seconds.
type EmissionRate struct {
	Num int64
	Den int64
}

// DefaultEmissionRate is used when the configuration does not override it.
var DefaultEmissionRate = EmissionRate{Num: 1, Den: 100}

// Emitted returns floor(seconds * Num / Den) for the elapsed interval,
// clamped at zero for non-positive intervals.
func (r EmissionRate) Emitted(elapsed time.Duration) *big.Int {
	if elapsed <= 0 {
		return new(big.Int)
	}
	den := r.Den
	if den <= 0 {
		den = 1
	}
	seconds := big.NewInt(int64(elapsed / time.Second))
	seconds.Mul(seconds, big.NewInt(r.Num))
	return seconds.Quo(seconds, big.NewInt(den))
}

// PoolState is the constant-product pool driving the spark price.
type PoolState struct {
	Sparks *big.Int
	Tokens *big.Int
}

// Quote is the outcome of pricing one batch.
type Quote struct {
	// Accepted is the spark amount actually exchanged, clamped so a
	// single batch cannot drain more than the pooled sparks.
	Accepted *big.Int

	// Tokens is the amount credited to the receiver. Always a proper
	// fraction of the pooled tokens, so the pool never underflows.
	Tokens *big.Int

	// Emitted is the time-decay emission added before the exchange.
	Emitted *big.Int

	// After is the pool state to persist.
	After PoolState
}

// Price runs the bonding-curve exchange:
//
//	ptokens += emitted
//	accepted = min(sparks, psparks)
//	tokens   = floor(accepted * ptokens / (psparks + accepted))
//	psparks += accepted
//	ptokens -= tokens
//
// Yield is strictly increasing but sub-linear in the submitted sparks.
func Price(state PoolState, sparks *big.Int, elapsed time.Duration, rate EmissionRate) Quote {
	psparks := new(big.Int).Set(state.Sparks)
	ptokens := new(big.Int).Set(state.Tokens)

	emitted := rate.Emitted(elapsed)
	ptokens.Add(ptokens, emitted)

	accepted := new(big.Int).Set(sparks)
	if accepted.Cmp(psparks) > 0 {
		accepted.Set(psparks)
	}

	tokens := new(big.Int).Mul(accepted, ptokens)
	tokens.Quo(tokens, new(big.Int).Add(psparks, accepted))

	psparks.Add(psparks, accepted)
	ptokens.Sub(ptokens, tokens)

	return Quote{
		Accepted: accepted,
		Tokens:   tokens,
		Emitted:  emitted,
		After:    PoolState{Sparks: psparks, Tokens: ptokens},
	}
}
