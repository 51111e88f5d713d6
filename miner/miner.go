// Package miner drives batches of puzzle work and turns them into signed
// submissions.
package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sparkcash/crypto"
	"sparkcash/pool"
	"sparkcash/protocol"
	"sparkcash/puzzle"
)

// Mode selects how Run schedules batches.
type Mode string

const (
	// ModeStop runs exactly one batch, submits it and returns.
	ModeStop Mode = "stop"

	// ModeLoop runs batches back to back until cancelled. Per-batch
	// submission failures are logged, the nonce is resynchronized and
	// the loop proceeds.
	ModeLoop Mode = "loop"
)

// ErrCapabilityUnavailable flags a puzzle backend that cannot open
// contexts at all. This is a configuration failure and aborts loop mode.
var ErrCapabilityUnavailable = errors.New("miner: puzzle capability unavailable")

// retryBackoff spaces out loop-mode retries after a failed batch so a
// persistently failing backend does not spin.
const retryBackoff = time.Second

// Submitter is the slice of the settlement API the miner needs.
type Submitter interface {
	Submit(ctx context.Context, req *protocol.GenerateRequest) (*big.Int, error)
	Account(ctx context.Context, address crypto.Address) (*protocol.AccountInfo, error)
}

// Config wires a miner.
type Config struct {
	Key    *crypto.PrivateKey
	Pool   *pool.Pool
	Opener puzzle.Opener
	Client Submitter
	Log    *slog.Logger

	// OnProof observes every accepted proof's value, in completion
	// order. Optional.
	OnProof func(value *big.Int)
}

// Miner orchestrates spark generation for one signing identity.
type Miner struct {
	key     *crypto.PrivateKey
	pool    *pool.Pool
	opener  puzzle.Opener
	client  Submitter
	log     *slog.Logger
	onProof func(*big.Int)
}

func New(cfg Config) (*Miner, error) {
	if cfg.Key == nil {
		return nil, errors.New("miner: signing key required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("miner: worker pool required")
	}
	if cfg.Opener == nil {
		return nil, errors.New("miner: puzzle opener required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Miner{
		key:     cfg.Key,
		pool:    cfg.Pool,
		opener:  cfg.Opener,
		client:  cfg.Client,
		log:     log,
		onProof: cfg.OnProof,
	}, nil
}

// Address is the mining identity.
func (m *Miner) Address() crypto.Address {
	return m.key.PubKey().Address()
}

// BatchOptions parameterizes one batch.
type BatchOptions struct {
	// Size is the number of proofs per submission, 1 to 2048.
	Size int

	// Minimum is the per-proof value threshold. Positive, unbounded
	// above.
	Minimum *big.Int

	// Nonce is the account nonce the batch binds to.
	Nonce uint64

	// Receiver is credited with the priced tokens. It may differ from
	// the mining identity.
	Receiver crypto.Address
}

// GenerateBatch produces one signed submission: Size proofs mined under a
// shared (version, identity, nonce) context, concatenated in completion
// order. Cancellation mid-batch discards the partial blob.
func (m *Miner) GenerateBatch(ctx context.Context, opts BatchOptions) (*protocol.GenerateRequest, error) {
	if opts.Size < 1 || opts.Size > protocol.MaxBatchSize {
		return nil, fmt.Errorf("miner: batch size must be between 1 and %d, got %d", protocol.MaxBatchSize, opts.Size)
	}
	if opts.Minimum == nil || opts.Minimum.Sign() < 1 {
		return nil, errors.New("miner: minimum must be greater than or equal to 1")
	}

	// One puzzle context per slot, shared by whichever generate calls
	// land on that slot. Opened once per batch, not per secret.
	identity := m.Address()
	contexts := make([]puzzle.Context, m.pool.Capacity())
	for i := range contexts {
		pctx, err := m.opener.Open(protocol.Version, identity, opts.Nonce)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
		}
		contexts[i] = pctx
	}
	defer func() {
		for _, pctx := range contexts {
			_ = pctx.Close()
		}
	}()

	var (
		mu   sync.Mutex
		blob []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Size; i++ {
		g.Go(func() error {
			slot, err := m.pool.Acquire(gctx)
			if err != nil {
				return err
			}
			defer m.pool.Release(slot)

			secret, value, err := contexts[slot].Generate(gctx, opts.Minimum)
			if err != nil {
				return err
			}
			mu.Lock()
			blob = append(blob, secret...)
			mu.Unlock()

			m.log.Info("generated spark", "value", value.String())
			if m.onProof != nil {
				m.onProof(value)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return protocol.SignGenerate(m.key, opts.Nonce, opts.Receiver, blob)
}

// Options parameterizes Run.
type Options struct {
	Mode     Mode
	Size     int
	Minimum  *big.Int
	Receiver crypto.Address
}

// Run mines and submits batches according to the mode. The nonce is
// fetched from the server up front and advanced locally on success; any
// rejection resynchronizes it. Only cancellation (or an unavailable
// capability) stops loop mode.
func (m *Miner) Run(ctx context.Context, opts Options) error {
	if m.client == nil {
		return errors.New("miner: submit client required")
	}
	identity := m.Address()
	info, err := m.client.Account(ctx, identity)
	if err != nil {
		return fmt.Errorf("miner: fetch account: %w", err)
	}
	nonce := info.Nonce

	for {
		req, err := m.GenerateBatch(ctx, BatchOptions{
			Size:     opts.Size,
			Minimum:  opts.Minimum,
			Nonce:    nonce,
			Receiver: opts.Receiver,
		})
		if err != nil {
			if opts.Mode != ModeLoop || ctx.Err() != nil || errors.Is(err, ErrCapabilityUnavailable) {
				return err
			}
			m.log.Warn("batch failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
			continue
		}

		tokens, err := m.client.Submit(ctx, req)
		switch {
		case err == nil:
			m.log.Info("claimed tokens", "tokens", tokens.String(), "nonce", nonce)
			nonce++
		case opts.Mode != ModeLoop:
			return err
		default:
			m.log.Warn("submission failed", "err", err)
			if info, aerr := m.client.Account(ctx, identity); aerr == nil {
				nonce = info.Nonce
			}
		}

		if opts.Mode != ModeLoop {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
