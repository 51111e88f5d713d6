package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Sub-event types. Each (type, key) pair names one backward-linked chain
// inside the global event chain.
const (
	SubEventNonce    = "nonce"
	SubEventBalance  = "balance"
	SubEventGenerate = "generate"
	SubEventTransfer = "transfer"
)

// ZeroHash is the parent sentinel for the first link of any chain.
const ZeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// ParentRef points at a prior event row.
type ParentRef struct {
	ID   uint64 `json:"id"`
	Hash string `json:"hash"`
}

// GenesisRef is the parent of the very first event and of the first
// sub-event of every chain.
var GenesisRef = ParentRef{ID: 0, Hash: ZeroHash}

// Intent records the verified request that caused an event.
type Intent struct {
	Method    string          `json:"method"`
	Version   string          `json:"version"`
	Nonce     string          `json:"nonce"`
	Address   string          `json:"address"`
	Signature string          `json:"signature"`
	Params    json.RawMessage `json:"params"`
}

// SubEvent is one state transition inside an event. Value carries scalar
// mutations (nonce, balance); Data carries the structured generate and
// transfer records.
type SubEvent struct {
	Type   string          `json:"type"`
	Key    string          `json:"key"`
	Value  string          `json:"value,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Parent ParentRef       `json:"parent"`
}

// GenerateRecord is the Data of a generate sub-event: the priced batch and
// the pool state after settlement.
type GenerateRecord struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Sparks   string `json:"sparks"`
	Tokens   string `json:"tokens"`
	PSparks  string `json:"psparks"`
	PTokens  string `json:"ptokens"`
}

// TransferRecord is the Data of a transfer sub-event.
type TransferRecord struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Value    string `json:"value"`
}

// Payload is the hashed body of an event row.
type Payload struct {
	Parent ParentRef  `json:"parent"`
	Intent Intent     `json:"intent"`
	Events []SubEvent `json:"events"`
}

// Encode renders the payload in its canonical form: compact JSON with
// fields in declaration order and no HTML escaping.
func (p Payload) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashPayload digests canonical payload bytes.
func HashPayload(encoded []byte) string {
	return "0x" + fmt.Sprintf("%x", ethcrypto.Keccak256(encoded))
}

// DecodePayload parses a stored payload back into its structured form.
func DecodePayload(encoded string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(encoded), &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func decodeJSON(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func marshalRecord(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
