package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sparkcash/crypto"
	"sparkcash/ledger"
	"sparkcash/protocol"
	"sparkcash/puzzle/puzzletest"
)

type fixture struct {
	srv    *httptest.Server
	engine *ledger.Engine
	clock  *time.Time
}

func newFixture(t *testing.T, opener *puzzletest.Opener) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, ledger.AutoMigrate(db))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{clock: &now}
	f.engine = ledger.NewEngine(db, opener, ledger.WithClock(func() time.Time { return *f.clock }))

	srv := New(Config{Engine: f.engine})
	f.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func signedGenerate(t *testing.T, key *crypto.PrivateKey, nonce uint64, receiver crypto.Address) *protocol.GenerateRequest {
	t.Helper()
	blob := make([]byte, protocol.SecretLength)
	req, err := protocol.SignGenerate(key, nonce, receiver, blob)
	require.NoError(t, err)
	return req
}

func TestGenerateEndpoint(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{ValuePerSecret: 1000})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()

	req := signedGenerate(t, key, 0, addr)
	resp, raw := f.post(t, "/v0/generate", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"tokens":"0"}`, string(raw))

	// Same nonce again is a replay.
	resp, raw = f.post(t, "/v0/generate", req)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(raw), "nonce")
}

func TestGenerateEndpointRejectsGarbage(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{})

	resp, err := http.Post(f.srv.URL+"/v0/generate", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGenerateEndpointRejectsUnknownVersion(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	req := signedGenerate(t, key, 0, key.PubKey().Address())
	req.Version = "1"
	resp, _ := f.post(t, "/v0/generate", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGenerateEndpointRejectsFailedProof(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{Refuse: true})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	resp, raw := f.post(t, "/v0/generate", signedGenerate(t, key, 0, key.PubKey().Address()))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(raw), "proof")
}

func TestTransferEndpoint(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{ValuePerSecret: 1000})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()
	otherKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	other := otherKey.PubKey().Address()

	// Fund the account: a priming settlement, then one after emission.
	resp, _ := f.post(t, "/v0/generate", signedGenerate(t, key, 0, addr))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.advance(200000 * time.Second)
	resp, raw := f.post(t, "/v0/generate", signedGenerate(t, key, 1, addr))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"tokens":"1000"}`, string(raw))

	transfer, err := protocol.SignTransfer(key, 2, other, big.NewInt(250))
	require.NoError(t, err)
	resp, raw = f.post(t, "/v0/transfer", transfer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ref struct {
		ID   uint64 `json:"id"`
		Hash string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(raw, &ref))
	require.Equal(t, uint64(3), ref.ID)
	require.Len(t, ref.Hash, 66)

	resp, raw = f.get(t, "/v0/account?address="+other.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info protocol.AccountInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	require.Equal(t, "250", info.Balance)
	require.Equal(t, uint64(0), info.Nonce)
}

func TestTransferEndpointRejectsOverdraft(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	transfer, err := protocol.SignTransfer(key, 0, otherKey.PubKey().Address(), big.NewInt(1))
	require.NoError(t, err)
	resp, raw := f.post(t, "/v0/transfer", transfer)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(raw), "balance")
}

func TestAccountEndpointDefaults(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()

	resp, raw := f.get(t, "/v0/account?address="+addr.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info protocol.AccountInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	require.Equal(t, addr.String(), info.Address)
	require.Equal(t, "0", info.Balance)
	require.Equal(t, uint64(0), info.Nonce)

	resp, _ = f.get(t, "/v0/account?address=bogus")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.get(t, "/v0/account")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsEndpointPages(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()

	for nonce := uint64(0); nonce < 3; nonce++ {
		resp, _ := f.post(t, "/v0/generate", signedGenerate(t, key, nonce, addr))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, raw := f.get(t, "/v0/events?after=1&limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []ledger.Event
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, uint64(2), rows[0].ID)

	resp, _ = f.get(t, "/v0/events?after=zzz")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{})

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v0/generate", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://wallet.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestRejectionStatusMapsContention(t *testing.T) {
	status, reason := rejectionStatus(ledger.ErrChainContention)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "contention", reason)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, &puzzletest.Opener{})
	resp, raw := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(raw))
}
