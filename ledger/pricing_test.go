package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshPool() PoolState {
	return PoolState{Sparks: big.NewInt(1), Tokens: big.NewInt(1)}
}

func TestEmittedIsMonotonicAndZeroAtOrigin(t *testing.T) {
	rate := DefaultEmissionRate

	require.Equal(t, int64(0), rate.Emitted(0).Int64())
	require.Equal(t, int64(0), rate.Emitted(-time.Hour).Int64())
	require.Equal(t, int64(0), rate.Emitted(99*time.Second).Int64())
	require.Equal(t, int64(1), rate.Emitted(100*time.Second).Int64())
	require.Equal(t, int64(36), rate.Emitted(time.Hour).Int64())

	prev := new(big.Int)
	for _, d := range []time.Duration{0, time.Second, time.Minute, time.Hour, 24 * time.Hour} {
		got := rate.Emitted(d)
		require.True(t, got.Cmp(prev) >= 0, "emission must be monotonic in elapsed time")
		prev = got
	}
}

func TestPriceZeroSparksYieldsZeroTokens(t *testing.T) {
	quote := Price(freshPool(), new(big.Int), 0, DefaultEmissionRate)
	require.Equal(t, int64(0), quote.Tokens.Int64())
	require.Equal(t, int64(0), quote.Accepted.Int64())
}

func TestPriceUnitPoolFloorsToZero(t *testing.T) {
	// psparks=ptokens=1, sparks=1: floor(1*1/(1+1)) = 0.
	quote := Price(freshPool(), big.NewInt(1), 0, DefaultEmissionRate)
	require.Equal(t, int64(0), quote.Tokens.Int64())
	require.Equal(t, int64(1), quote.Accepted.Int64())
	require.Equal(t, int64(2), quote.After.Sparks.Int64())
	require.Equal(t, int64(1), quote.After.Tokens.Int64())
}

func TestPriceClampsToPooledSparks(t *testing.T) {
	quote := Price(freshPool(), big.NewInt(1000), 0, DefaultEmissionRate)
	require.Equal(t, int64(1), quote.Accepted.Int64(), "cannot drain more than pooled sparks")
	require.Equal(t, int64(0), quote.Tokens.Int64())
}

func TestPriceIsMonotonicAndSubLinear(t *testing.T) {
	state := PoolState{Sparks: big.NewInt(1_000), Tokens: big.NewInt(1_000_000)}

	prevTokens := big.NewInt(-1)
	prevPerSpark := new(big.Rat)
	first := true
	for _, sparks := range []int64{0, 1, 10, 100, 500, 1000} {
		quote := Price(state, big.NewInt(sparks), 0, DefaultEmissionRate)
		require.True(t, quote.Tokens.Cmp(prevTokens) >= 0, "tokensOut must be non-decreasing in sparks")
		prevTokens = quote.Tokens

		if sparks > 0 {
			perSpark := new(big.Rat).SetFrac(quote.Tokens, big.NewInt(sparks))
			if !first {
				require.True(t, perSpark.Cmp(prevPerSpark) <= 0, "per-spark yield must diminish")
			}
			prevPerSpark = perSpark
			first = false
		}
	}
}

func TestPricePreservesPoolInvariants(t *testing.T) {
	state := PoolState{Sparks: big.NewInt(17), Tokens: big.NewInt(23)}
	for _, elapsed := range []time.Duration{0, time.Second, 500 * time.Second} {
		for _, sparks := range []int64{0, 1, 5, 17, 9999} {
			quote := Price(state, big.NewInt(sparks), elapsed, DefaultEmissionRate)

			require.True(t, quote.After.Sparks.Cmp(state.Sparks) >= 0, "pooled sparks never shrink")
			require.True(t, quote.After.Tokens.Sign() > 0, "pooled tokens never drain")

			ceiling := new(big.Int).Add(state.Tokens, quote.Emitted)
			require.True(t, quote.After.Tokens.Cmp(ceiling) <= 0)
			require.True(t, quote.Tokens.Cmp(ceiling) < 0, "payout is a proper fraction of the pool")

			state = quote.After
		}
	}
}

func TestPriceEmissionGrowsPoolBeforeExchange(t *testing.T) {
	quote := Price(freshPool(), big.NewInt(1), 1000*time.Second, DefaultEmissionRate)
	// 1000s at 1/100 emits 10 tokens: pool becomes 11, payout floor(11/2)=5.
	require.Equal(t, int64(10), quote.Emitted.Int64())
	require.Equal(t, int64(5), quote.Tokens.Int64())
	require.Equal(t, int64(6), quote.After.Tokens.Int64())
	require.Equal(t, int64(2), quote.After.Sparks.Int64())
}
