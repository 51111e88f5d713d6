package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sparkcash/crypto"
	"sparkcash/protocol"
	"sparkcash/puzzle"
)

var (
	// ErrMalformedRequest flags input that fails shape validation before
	// any side effect.
	ErrMalformedRequest = errors.New("ledger: malformed request")

	// ErrInvalidSignature flags submissions whose signature does not
	// recover a signer.
	ErrInvalidSignature = errors.New("ledger: invalid signature")

	// ErrInvalidNonce flags replayed or out-of-order submissions. The
	// client resynchronizes its nonce on this error.
	ErrInvalidNonce = errors.New("ledger: invalid nonce")

	// ErrInvalidProof flags secrets that fail puzzle verification.
	ErrInvalidProof = errors.New("ledger: invalid proof")

	// ErrInsufficientBalance flags transfers exceeding the sender funds.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrChainContention flags an append that lost the race for the chain
	// tip to another writer. The submission itself is fine and can be
	// retried.
	ErrChainContention = errors.New("ledger: chain contention")
)

// Engine settles authenticated submissions against the ledger. Every
// settlement is one database transaction; the engine mutex serializes the
// read-compute-write sequence on the chain tip, the pool and the accounts,
// since every settlement extends the same global chain.
type Engine struct {
	db     *gorm.DB
	opener puzzle.Opener
	rate   EmissionRate
	now    func() time.Time
	log    *slog.Logger

	mu sync.Mutex
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithEmissionRate overrides the pool emission rate.
func WithEmissionRate(rate EmissionRate) EngineOption {
	return func(e *Engine) { e.rate = rate }
}

// WithClock overrides the settlement clock, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine wires the settlement engine to its storage and puzzle backend.
func NewEngine(db *gorm.DB, opener puzzle.Opener, opts ...EngineOption) *Engine {
	e := &Engine{
		db:     db,
		opener: opener,
		rate:   DefaultEmissionRate,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate settles a proof-of-work submission: recover the signer, verify
// the secrets against the (version, signer, nonce) puzzle context, price
// the batch on the pool, then atomically mutate accounts, pool and ledger.
// The credited token amount is returned alongside the appended event.
func (e *Engine) Generate(ctx context.Context, req *protocol.GenerateRequest) (*big.Int, *Event, error) {
	if req.Version != protocol.Version {
		return nil, nil, fmt.Errorf("%w: unknown version", ErrMalformedRequest)
	}
	if req.Type != protocol.MethodGenerate {
		return nil, nil, fmt.Errorf("%w: unexpected type %q", ErrMalformedRequest, req.Type)
	}
	nonce, err := protocol.ParseNonce(req.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	receiver, err := crypto.DecodeAddress(req.Receiver)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: receiver: %v", ErrMalformedRequest, err)
	}
	blob, err := protocol.DecodeSecrets(req.Secrets)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: secrets: %v", ErrMalformedRequest, err)
	}
	sig, err := protocol.DecodeSignature(req.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrMalformedRequest, err)
	}

	// The message is rebuilt from the wire fields verbatim so the bytes
	// match what the client signed.
	msg, err := protocol.GenerateMessage(nonce, protocol.GenerateData{Receiver: req.Receiver, Secrets: req.Secrets})
	if err != nil {
		return nil, nil, err
	}
	signer, err := crypto.RecoverAddress(msg, sig)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// The proof binds to the authenticating identity, not the receiver:
	// once the nonce increments the same secrets stop verifying.
	puzzleCtx, err := e.opener.Open(req.Version, signer, nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("open puzzle context: %w", err)
	}
	defer puzzleCtx.Close()
	sparks, err := puzzleCtx.Verify(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	intentParams, err := marshalRecord(protocol.GenerateData{Receiver: req.Receiver, Secrets: req.Secrets})
	if err != nil {
		return nil, nil, err
	}
	intent := Intent{
		Method:    protocol.MethodGenerate,
		Version:   req.Version,
		Nonce:     req.Nonce,
		Address:   signer.String(),
		Signature: req.Signature,
		Params:    intentParams,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		tokens *big.Int
		event  *Event
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sender := signer.String()
		now := e.now().UTC()

		current, err := accountNonce(tx, sender)
		if err != nil {
			return err
		}
		if current != nonce {
			return ErrInvalidNonce
		}

		state, settledAt, err := readPool(tx)
		if err != nil {
			return err
		}
		var elapsed time.Duration
		if settledAt != nil {
			elapsed = now.Sub(*settledAt)
		}
		quote := Price(state, sparks, elapsed, e.rate)
		tokens = quote.Tokens

		senderAcct, err := mutateAccount(tx, sender, func(a *Account) error {
			a.Nonce++
			return nil
		})
		if err != nil {
			return err
		}
		receiverAcct, err := mutateAccount(tx, receiver.String(), func(a *Account) error {
			balance, err := parseAmount(a.Balance)
			if err != nil {
				return err
			}
			a.Balance = balance.Add(balance, tokens).String()
			return nil
		})
		if err != nil {
			return err
		}

		if err := writePool(tx, quote.After, now); err != nil {
			return err
		}

		record, err := marshalRecord(GenerateRecord{
			Sender:   sender,
			Receiver: receiver.String(),
			Sparks:   sparks.String(),
			Tokens:   tokens.String(),
			PSparks:  quote.After.Sparks.String(),
			PTokens:  quote.After.Tokens.String(),
		})
		if err != nil {
			return err
		}
		subs := []SubEvent{
			{Type: SubEventNonce, Key: sender, Value: fmt.Sprintf("%d", senderAcct.Nonce)},
			{Type: SubEventBalance, Key: receiver.String(), Value: receiverAcct.Balance},
			{Type: SubEventGenerate, Data: record},
		}
		event, err = appendEvent(tx, intent, subs, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	e.log.Info("settled generation",
		"sender", intent.Address,
		"receiver", receiver.String(),
		"sparks", sparks.String(),
		"tokens", tokens.String(),
		"event", event.ID,
	)
	return tokens, event, nil
}

// Transfer settles a signed balance transfer under the same nonce and
// ledger discipline as Generate.
func (e *Engine) Transfer(ctx context.Context, req *protocol.TransferRequest) (*Event, error) {
	if req.Version != protocol.Version {
		return nil, fmt.Errorf("%w: unknown version", ErrMalformedRequest)
	}
	if req.Type != protocol.MethodTransfer {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrMalformedRequest, req.Type)
	}
	nonce, err := protocol.ParseNonce(req.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	receiver, err := crypto.DecodeAddress(req.Receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver: %v", ErrMalformedRequest, err)
	}
	value, err := protocol.ParseValue(req.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrMalformedRequest, err)
	}
	sig, err := protocol.DecodeSignature(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedRequest, err)
	}

	msg, err := protocol.TransferMessage(nonce, protocol.TransferData{Receiver: req.Receiver, Value: req.Value})
	if err != nil {
		return nil, err
	}
	signer, err := crypto.RecoverAddress(msg, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	intentParams, err := marshalRecord(protocol.TransferData{Receiver: req.Receiver, Value: req.Value})
	if err != nil {
		return nil, err
	}
	intent := Intent{
		Method:    protocol.MethodTransfer,
		Version:   req.Version,
		Nonce:     req.Nonce,
		Address:   signer.String(),
		Signature: req.Signature,
		Params:    intentParams,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var event *Event
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sender := signer.String()
		now := e.now().UTC()

		current, err := accountNonce(tx, sender)
		if err != nil {
			return err
		}
		if current != nonce {
			return ErrInvalidNonce
		}

		senderAcct, err := mutateAccount(tx, sender, func(a *Account) error {
			balance, err := parseAmount(a.Balance)
			if err != nil {
				return err
			}
			if balance.Cmp(value) < 0 {
				return ErrInsufficientBalance
			}
			a.Nonce++
			a.Balance = balance.Sub(balance, value).String()
			return nil
		})
		if err != nil {
			return err
		}
		receiverAcct, err := mutateAccount(tx, receiver.String(), func(a *Account) error {
			balance, err := parseAmount(a.Balance)
			if err != nil {
				return err
			}
			a.Balance = balance.Add(balance, value).String()
			return nil
		})
		if err != nil {
			return err
		}

		record, err := marshalRecord(TransferRecord{
			Sender:   sender,
			Receiver: receiver.String(),
			Value:    value.String(),
		})
		if err != nil {
			return err
		}
		subs := []SubEvent{
			{Type: SubEventNonce, Key: sender, Value: fmt.Sprintf("%d", senderAcct.Nonce)},
			{Type: SubEventBalance, Key: sender, Value: senderAcct.Balance},
			{Type: SubEventBalance, Key: receiver.String(), Value: receiverAcct.Balance},
			{Type: SubEventTransfer, Data: record},
		}
		event, err = appendEvent(tx, intent, subs, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("settled transfer",
		"sender", intent.Address,
		"receiver", receiver.String(),
		"value", value.String(),
		"event", event.ID,
	)
	return event, nil
}

// Account reports the materialized state of an address, with zero-valued
// defaults for unknown accounts.
func (e *Engine) Account(ctx context.Context, address crypto.Address) (protocol.AccountInfo, error) {
	info := protocol.AccountInfo{Address: address.String(), Balance: "0"}
	var acct Account
	err := e.db.WithContext(ctx).First(&acct, "address = ?", address.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("query account: %w", err)
	}
	info.Balance = acct.Balance
	info.Nonce = acct.Nonce
	return info, nil
}

// Events returns up to limit ledger rows with IDs greater than after, in
// chain order.
func (e *Engine) Events(ctx context.Context, after uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	var rows []Event
	err := e.db.WithContext(ctx).Where("id > ?", after).Order("id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return rows, nil
}

// --- storage helpers, all called inside the settlement transaction ---

func accountNonce(tx *gorm.DB, address string) (uint64, error) {
	var acct Account
	err := tx.First(&acct, "address = ?", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query account: %w", err)
	}
	return acct.Nonce, nil
}

func mutateAccount(tx *gorm.DB, address string, mutate func(*Account) error) (Account, error) {
	var acct Account
	err := tx.First(&acct, "address = ?", address).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		acct = Account{Address: address, Balance: "0"}
		if err := mutate(&acct); err != nil {
			return acct, err
		}
		if err := tx.Create(&acct).Error; err != nil {
			return acct, fmt.Errorf("create account: %w", err)
		}
		return acct, nil
	case err != nil:
		return acct, fmt.Errorf("query account: %w", err)
	}
	if err := mutate(&acct); err != nil {
		return acct, err
	}
	if err := tx.Save(&acct).Error; err != nil {
		return acct, fmt.Errorf("update account: %w", err)
	}
	return acct, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("corrupt amount %q", s)
	}
	return v, nil
}

func readPool(tx *gorm.DB) (PoolState, *time.Time, error) {
	state := PoolState{Sparks: big.NewInt(1), Tokens: big.NewInt(1)}
	var rows []Pool
	if err := tx.Find(&rows, "key IN ?", []string{PoolSparksKey, PoolTokensKey}).Error; err != nil {
		return state, nil, fmt.Errorf("query pool: %w", err)
	}
	var settledAt *time.Time
	for _, row := range rows {
		value, ok := new(big.Int).SetString(row.Value, 10)
		if !ok || value.Sign() < 1 {
			return state, nil, fmt.Errorf("corrupt pool value %q for %q", row.Value, row.Key)
		}
		switch row.Key {
		case PoolSparksKey:
			state.Sparks = value
		case PoolTokensKey:
			state.Tokens = value
			at := row.SettledAt
			settledAt = &at
		}
	}
	return state, settledAt, nil
}

func writePool(tx *gorm.DB, state PoolState, now time.Time) error {
	rows := []Pool{
		{Key: PoolSparksKey, Value: state.Sparks.String(), SettledAt: now},
		{Key: PoolTokensKey, Value: state.Tokens.String(), SettledAt: now},
	}
	for _, row := range rows {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "settled_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("write pool %q: %w", row.Key, err)
		}
	}
	return nil
}

func appendEvent(tx *gorm.DB, intent Intent, subs []SubEvent, now time.Time) (*Event, error) {
	parent := GenesisRef
	var tip Event
	err := tx.Order("id DESC").First(&tip).Error
	switch {
	case err == nil:
		parent = ParentRef{ID: tip.ID, Hash: tip.Hash}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("query chain tip: %w", err)
	}

	for i := range subs {
		var t Tip
		err := tx.First(&t, "type = ? AND key = ?", subs[i].Type, subs[i].Key).Error
		switch {
		case err == nil:
			subs[i].Parent = ParentRef{ID: t.EventID, Hash: t.EventHash}
		case errors.Is(err, gorm.ErrRecordNotFound):
			subs[i].Parent = GenesisRef
		default:
			return nil, fmt.Errorf("query sub-event tip: %w", err)
		}
	}

	payload := Payload{Parent: parent, Intent: intent, Events: subs}
	encoded, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	event := &Event{
		Hash:       HashPayload(encoded),
		ParentID:   parent.ID,
		ParentHash: parent.Hash,
		Payload:    string(encoded),
		CreatedAt:  now,
	}
	if err := tx.Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrChainContention
		}
		return nil, fmt.Errorf("append event: %w", err)
	}

	for _, sub := range subs {
		t := Tip{Type: sub.Type, Key: sub.Key, EventID: event.ID, EventHash: event.Hash}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "type"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"event_id", "event_hash"}),
		}).Create(&t).Error
		if err != nil {
			return nil, fmt.Errorf("advance tip (%s, %s): %w", sub.Type, sub.Key, err)
		}
	}
	return event, nil
}
