package protocol

import (
	"bytes"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"sparkcash/crypto"
)

func TestGenerateMessageCanonicalForm(t *testing.T) {
	msg, err := GenerateMessage(7, GenerateData{Receiver: "0xabc", Secrets: "0xdef"})
	require.NoError(t, err)

	want := fmt.Sprintf(`{"version":%q,"type":"generate","nonce":"7","data":{"receiver":"0xabc","secrets":"0xdef"}}`, Version)
	require.Equal(t, want, string(msg))
	require.False(t, bytes.ContainsAny(msg, " \n\t"), "canonical form carries no whitespace")
}

func TestTransferMessageCanonicalForm(t *testing.T) {
	msg, err := TransferMessage(0, TransferData{Receiver: "0xabc", Value: "42"})
	require.NoError(t, err)

	want := fmt.Sprintf(`{"version":%q,"type":"transfer","nonce":"0","data":{"receiver":"0xabc","value":"42"}}`, Version)
	require.Equal(t, want, string(msg))
}

func TestSecretsBlobLengthEncodesCount(t *testing.T) {
	for _, count := range []int{1, 3, 16} {
		blob := make([]byte, count*SecretLength)
		encoded := EncodeSecrets(blob)
		require.Len(t, encoded, 2+count*SecretLength*2)

		decoded, err := DecodeSecrets(encoded)
		require.NoError(t, err)
		require.Equal(t, blob, decoded)
	}
}

func TestDecodeSecretsRejectsMalformedBlobs(t *testing.T) {
	cases := map[string]string{
		"missing prefix": "deadbeef",
		"empty":          "0x",
		"ragged width":   "0x" + "ab",
		"bad hex":        "0x" + "zz" + "00",
	}
	for name, blob := range cases {
		_, err := DecodeSecrets(blob)
		require.Error(t, err, name)
	}

	oversized := EncodeSecrets(make([]byte, (MaxBatchSize+1)*SecretLength))
	_, err := DecodeSecrets(oversized)
	require.Error(t, err, "oversized blob must be rejected")
}

func TestSignGenerateRecoversSigner(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	receiver := key.PubKey().Address()

	secrets := make([]byte, 2*SecretLength)
	req, err := SignGenerate(key, 3, receiver, secrets)
	require.NoError(t, err)
	require.Equal(t, Version, req.Version)
	require.Equal(t, MethodGenerate, req.Type)
	require.Equal(t, "3", req.Nonce)

	// The server rebuilds the message from the wire fields verbatim.
	nonce, err := ParseNonce(req.Nonce)
	require.NoError(t, err)
	msg, err := GenerateMessage(nonce, GenerateData{Receiver: req.Receiver, Secrets: req.Secrets})
	require.NoError(t, err)

	sig, err := DecodeSignature(req.Signature)
	require.NoError(t, err)
	signer, err := crypto.RecoverAddress(msg, sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address(), signer)
}

func TestSignTransferRecoversSigner(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	receiver := key.PubKey().Address()

	req, err := SignTransfer(key, 0, receiver, big.NewInt(99))
	require.NoError(t, err)

	msg, err := TransferMessage(0, TransferData{Receiver: req.Receiver, Value: req.Value})
	require.NoError(t, err)
	sig, err := DecodeSignature(req.Signature)
	require.NoError(t, err)
	signer, err := crypto.RecoverAddress(msg, sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address(), signer)
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("12345678901234567890")
	require.NoError(t, err)
	require.Equal(t, "12345678901234567890", v.String())

	_, err = ParseValue("-1")
	require.Error(t, err)
	_, err = ParseValue("1.5")
	require.Error(t, err)
	_, err = ParseValue("")
	require.Error(t, err)
}
