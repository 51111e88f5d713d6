package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"sparkcash/crypto"
)

// Version identifies the network. Submissions carrying any other version
// are rejected outright.
const Version = "422827093349"

// Method names accepted by the settlement engine.
const (
	MethodGenerate = "generate"
	MethodTransfer = "transfer"
)

const (
	// SecretLength is the fixed width of a single proof secret in bytes.
	SecretLength = 32

	// MaxBatchSize bounds the number of secrets in one submission.
	MaxBatchSize = 2048

	// MaxSecretsHexLength is the longest accepted secrets blob: the 0x
	// prefix plus MaxBatchSize fixed-width hex secrets.
	MaxSecretsHexLength = 2 + SecretLength*2*MaxBatchSize
)

// GenerateData is the data section of a generate message. Field order is
// load-bearing: the canonical encoding is signed byte for byte.
type GenerateData struct {
	Receiver string `json:"receiver"`
	Secrets  string `json:"secrets"`
}

// TransferData is the data section of a transfer message.
type TransferData struct {
	Receiver string `json:"receiver"`
	Value    string `json:"value"`
}

type message struct {
	Version string `json:"version"`
	Type    string `json:"type"`
	Nonce   string `json:"nonce"`
	Data    any    `json:"data"`
}

func encodeMessage(typ, nonce string, data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(message{Version: Version, Type: typ, Nonce: nonce, Data: data}); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	// Encoder appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// GenerateMessage returns the canonical signing payload for a generate
// submission: {"version":...,"type":"generate","nonce":...,"data":{...}}
// with no whitespace and fields in declaration order.
func GenerateMessage(nonce uint64, data GenerateData) ([]byte, error) {
	return encodeMessage(MethodGenerate, strconv.FormatUint(nonce, 10), data)
}

// TransferMessage returns the canonical signing payload for a transfer.
func TransferMessage(nonce uint64, data TransferData) ([]byte, error) {
	return encodeMessage(MethodTransfer, strconv.FormatUint(nonce, 10), data)
}

// GenerateRequest is the wire body of POST /v0/generate.
type GenerateRequest struct {
	Version   string `json:"version"`
	Type      string `json:"type"`
	Nonce     string `json:"nonce"`
	Receiver  string `json:"receiver"`
	Secrets   string `json:"secrets"`
	Signature string `json:"signature"`
}

// TransferRequest is the wire body of POST /v0/transfer.
type TransferRequest struct {
	Version   string `json:"version"`
	Type      string `json:"type"`
	Nonce     string `json:"nonce"`
	Receiver  string `json:"receiver"`
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

// AccountInfo is the response body of GET /v0/account.
type AccountInfo struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// ParseNonce parses the wire nonce, a decimal string.
func ParseNonce(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid nonce %q: %w", s, err)
	}
	return n, nil
}

// ParseValue parses a non-negative decimal amount.
func ParseValue(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", s)
	}
	return v, nil
}

// DecodeSecrets decodes the 0x-prefixed secrets blob and checks that it
// holds between 1 and MaxBatchSize fixed-width secrets.
func DecodeSecrets(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, errors.New("secrets must start with 0x")
	}
	if len(s) > MaxSecretsHexLength {
		return nil, fmt.Errorf("secrets blob exceeds %d hex characters", MaxSecretsHexLength)
	}
	blob, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid secrets hex: %w", err)
	}
	if len(blob) == 0 || len(blob)%SecretLength != 0 {
		return nil, fmt.Errorf("secrets blob must be a positive multiple of %d bytes, got %d", SecretLength, len(blob))
	}
	return blob, nil
}

// EncodeSecrets renders a raw secrets blob in wire form.
func EncodeSecrets(blob []byte) string {
	return "0x" + hex.EncodeToString(blob)
}

// DecodeSignature decodes a 0x-prefixed 65-byte hex signature.
func DecodeSignature(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, errors.New("signature must start with 0x")
	}
	sig, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

// EncodeSignature renders a raw signature in wire form.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// SignGenerate assembles and signs a generate submission for the wire.
func SignGenerate(key *crypto.PrivateKey, nonce uint64, receiver crypto.Address, secrets []byte) (*GenerateRequest, error) {
	data := GenerateData{Receiver: receiver.String(), Secrets: EncodeSecrets(secrets)}
	msg, err := GenerateMessage(nonce, data)
	if err != nil {
		return nil, err
	}
	sig, err := key.SignMessage(msg)
	if err != nil {
		return nil, err
	}
	return &GenerateRequest{
		Version:   Version,
		Type:      MethodGenerate,
		Nonce:     strconv.FormatUint(nonce, 10),
		Receiver:  data.Receiver,
		Secrets:   data.Secrets,
		Signature: EncodeSignature(sig),
	}, nil
}

// SignTransfer assembles and signs a transfer submission for the wire.
func SignTransfer(key *crypto.PrivateKey, nonce uint64, receiver crypto.Address, value *big.Int) (*TransferRequest, error) {
	if value == nil || value.Sign() < 0 {
		return nil, errors.New("transfer value must be non-negative")
	}
	data := TransferData{Receiver: receiver.String(), Value: value.String()}
	msg, err := TransferMessage(nonce, data)
	if err != nil {
		return nil, err
	}
	sig, err := key.SignMessage(msg)
	if err != nil {
		return nil, err
	}
	return &TransferRequest{
		Version:   Version,
		Type:      MethodTransfer,
		Nonce:     strconv.FormatUint(nonce, 10),
		Receiver:  data.Receiver,
		Value:     data.Value,
		Signature: EncodeSignature(sig),
	}, nil
}
