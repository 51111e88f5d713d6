package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressLength is the size of an account address in bytes.
const AddressLength = 20

// Address represents a 20-byte account address rendered as 0x-prefixed
// lowercase hex on the wire.
type Address struct {
	bytes [AddressLength]byte
}

func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	var a Address
	copy(a.bytes[:], b)
	return a, nil
}

// DecodeAddress parses a 0x-prefixed lowercase hex address. Mixed or upper
// case input is rejected so the wire form stays canonical.
func DecodeAddress(s string) (Address, error) {
	if !strings.HasPrefix(s, "0x") {
		return Address{}, errors.New("address must start with 0x")
	}
	body := s[2:]
	if len(body) != AddressLength*2 {
		return Address{}, fmt.Errorf("address must be %d hex characters, got %d", AddressLength*2, len(body))
	}
	if body != strings.ToLower(body) {
		return Address{}, errors.New("address must be lowercase")
	}
	b, err := hex.DecodeString(body)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex address: %w", err)
	}
	return NewAddress(b)
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a.bytes[:])
}

func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addr, err := NewAddress(ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes())
	if err != nil {
		panic(err)
	}
	return addr
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses an optionally 0x-prefixed hex private key.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	body := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if body == "" {
		return nil, errors.New("empty private key")
	}
	key, err := ethcrypto.HexToECDSA(body)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// --- Personal-message signatures ---

// PersonalHash computes the personal-message digest of msg:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
func PersonalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

// SignMessage produces a 65-byte r||s||v recoverable signature over the
// personal-message digest of msg, with v in {0, 1}.
func (k *PrivateKey) SignMessage(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(PersonalHash(msg), k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return sig, nil
}

// RecoverAddress recovers the signer of a personal-message signature.
// Signatures carrying a legacy 27/28 recovery byte are normalized first.
func RecoverAddress(msg, sig []byte) (Address, error) {
	if len(sig) != 65 {
		return Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	pub, err := ethcrypto.SigToPub(PersonalHash(msg), normalized)
	if err != nil {
		return Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return NewAddress(ethcrypto.PubkeyToAddress(*pub).Bytes())
}
