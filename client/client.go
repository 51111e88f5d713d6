// Package client talks to the settlement endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sparkcash/crypto"
	"sparkcash/protocol"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Reason)
}

// IsRejection reports whether err is a domain rejection (nonce, signature,
// proof or balance) rather than a transport or server failure. Rejections
// are safe to handle by resynchronizing; everything else may be retried
// verbatim.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// Client is a thin JSON client over the settlement HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New validates the base URL and constructs a client.
func New(base string) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return nil, errors.New("client: empty server URL")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("client: invalid server URL: %w", err)
	}
	return &Client{
		base: trimmed,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// EventRef identifies an appended ledger row.
type EventRef struct {
	ID   uint64 `json:"id"`
	Hash string `json:"hash"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			apiErr.Reason = body.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// Submit posts a generate submission and returns the credited tokens.
func (c *Client) Submit(ctx context.Context, req *protocol.GenerateRequest) (*big.Int, error) {
	var body struct {
		Tokens string `json:"tokens"`
	}
	if err := c.post(ctx, "/v0/generate", req, &body); err != nil {
		return nil, err
	}
	tokens, ok := new(big.Int).SetString(body.Tokens, 10)
	if !ok {
		return nil, fmt.Errorf("client: invalid token amount %q", body.Tokens)
	}
	return tokens, nil
}

// Transfer posts a transfer submission.
func (c *Client) Transfer(ctx context.Context, req *protocol.TransferRequest) (*EventRef, error) {
	var ref EventRef
	if err := c.post(ctx, "/v0/transfer", req, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// Account fetches the balance and nonce of an address, with zero-valued
// defaults for accounts the server has never seen.
func (c *Client) Account(ctx context.Context, address crypto.Address) (*protocol.AccountInfo, error) {
	var info protocol.AccountInfo
	path := "/v0/account?address=" + url.QueryEscape(address.String())
	if err := c.get(ctx, path, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
