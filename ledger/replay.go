package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"gorm.io/gorm"
)

// ReplayState is the world state rebuilt purely from the event chain. It
// must match the materialized Account and Pool tables at all times.
type ReplayState struct {
	// Nonces and Balances are keyed by address.
	Nonces   map[string]uint64
	Balances map[string]*big.Int

	// Pool holds the bonding-curve state after the last generate event,
	// or nil when no generation has settled yet.
	Pool *PoolState
}

// Replay walks the whole chain from genesis, verifying the hash links,
// and folds every sub-event into a fresh state. It returns an error on
// the first broken parent pointer or hash mismatch.
func Replay(ctx context.Context, db *gorm.DB) (*ReplayState, error) {
	state := &ReplayState{
		Nonces:   make(map[string]uint64),
		Balances: make(map[string]*big.Int),
	}

	prev := GenesisRef
	for {
		var rows []Event
		err := db.WithContext(ctx).Where("id > ?", prev.ID).Order("id ASC").Limit(256).Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		if len(rows) == 0 {
			return state, nil
		}
		for _, row := range rows {
			if err := verifyLink(prev, row); err != nil {
				return nil, err
			}
			payload, err := DecodePayload(row.Payload)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", row.ID, err)
			}
			if err := state.apply(payload); err != nil {
				return nil, fmt.Errorf("event %d: %w", row.ID, err)
			}
			prev = ParentRef{ID: row.ID, Hash: row.Hash}
		}
	}
}

func verifyLink(prev ParentRef, row Event) error {
	if row.ParentID != prev.ID || row.ParentHash != prev.Hash {
		return fmt.Errorf("event %d: broken chain: parent (%d, %s), want (%d, %s)",
			row.ID, row.ParentID, row.ParentHash, prev.ID, prev.Hash)
	}
	if got := HashPayload([]byte(row.Payload)); got != row.Hash {
		return fmt.Errorf("event %d: payload hash %s does not match stored %s", row.ID, got, row.Hash)
	}
	payload, err := DecodePayload(row.Payload)
	if err != nil {
		return fmt.Errorf("event %d: %w", row.ID, err)
	}
	if payload.Parent != prev {
		return fmt.Errorf("event %d: payload parent diverges from row parent", row.ID)
	}
	return nil
}

func (s *ReplayState) apply(payload Payload) error {
	for _, sub := range payload.Events {
		switch sub.Type {
		case SubEventNonce:
			var nonce uint64
			if _, err := fmt.Sscanf(sub.Value, "%d", &nonce); err != nil {
				return fmt.Errorf("nonce sub-event %q: %w", sub.Value, err)
			}
			s.Nonces[sub.Key] = nonce
		case SubEventBalance:
			balance, ok := new(big.Int).SetString(sub.Value, 10)
			if !ok || balance.Sign() < 0 {
				return fmt.Errorf("balance sub-event %q", sub.Value)
			}
			s.Balances[sub.Key] = balance
		case SubEventGenerate:
			var record GenerateRecord
			if err := decodeRecord(sub.Data, &record); err != nil {
				return err
			}
			psparks, ok1 := new(big.Int).SetString(record.PSparks, 10)
			ptokens, ok2 := new(big.Int).SetString(record.PTokens, 10)
			if !ok1 || !ok2 {
				return fmt.Errorf("generate record pool state %q/%q", record.PSparks, record.PTokens)
			}
			s.Pool = &PoolState{Sparks: psparks, Tokens: ptokens}
		case SubEventTransfer:
			// Transfers carry no state beyond the balance sub-events.
		default:
			return fmt.Errorf("unknown sub-event type %q", sub.Type)
		}
	}
	return nil
}

func decodeRecord(raw []byte, out any) error {
	if len(raw) == 0 {
		return errors.New("missing sub-event record")
	}
	return decodeJSON(raw, out)
}
