package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/soleid/soleid/internal/domain/chain"
	domainLease "github.com/soleid/soleid/internal/domain/lease"
	domainToken "github.com/soleid/soleid/internal/domain/token"
)

// Client speaks the Authority HTTP protocol. Transient failures are
// retried with bounded backoff; terminal rejections (lease held, fork
// detected, token problems) are mapped back to their typed errors and
// returned as-is.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	backoff    time.Duration

	tokenMu sync.RWMutex
	token   string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry tunes transient-failure retries.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.backoff = backoff
	}
}

// NewClient creates a client for one Authority base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retries:    2,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcquireLease implements lease.Transport.
func (c *Client) AcquireLease(ctx context.Context, req domainLease.Request) (*domainLease.Grant, error) {
	var grant domainLease.Grant
	if err := c.call(ctx, http.MethodPost, "/v1/lease/acquire", "", req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RenewLease implements lease.Transport.
func (c *Client) RenewLease(ctx context.Context, identityID, sessionID, token string) (*domainLease.Grant, error) {
	body := map[string]string{"identity_id": identityID, "session_id": sessionID, "token": token}
	var grant domainLease.Grant
	if err := c.call(ctx, http.MethodPost, "/v1/lease/renew", "", body, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// ReleaseLease implements lease.Transport.
func (c *Client) ReleaseLease(ctx context.Context, identityID, sessionID, token string) error {
	body := map[string]string{"identity_id": identityID, "session_id": sessionID, "token": token}
	return c.call(ctx, http.MethodPost, "/v1/lease/release", "", body, nil)
}

// UseToken sets the bearer token attached to state pushes. Grants
// rotate the token on every renewal, so callers update it after each
// successful lease operation.
func (c *Client) UseToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// AppendState implements statechain.Remote. The entry is sent as both
// the claimed head and a one-element extension: the Authority's fork
// detector needs the extension to link the new head to the one it
// already knows.
func (c *Client) AppendState(ctx context.Context, entry *chain.StateEntry) error {
	path := fmt.Sprintf("/v1/state/%s/append", entry.IdentityID)
	body := map[string]any{
		"head":      entry,
		"extension": []*chain.StateEntry{entry},
	}
	return c.call(ctx, http.MethodPost, path, c.bearer(), body, nil)
}

// GetStateHead implements statechain.Remote. A 404 yields (nil, nil).
func (c *Client) GetStateHead(ctx context.Context, identityID string) (*chain.StateEntry, error) {
	var head chain.StateEntry
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/v1/state/%s/head", identityID), "", nil, &head)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &head, nil
}

// GetStateHistory implements statechain.Remote.
func (c *Client) GetStateHistory(ctx context.Context, identityID string, from, to uint64) ([]*chain.StateEntry, error) {
	var out struct {
		Entries []*chain.StateEntry `json:"entries"`
	}
	path := fmt.Sprintf("/v1/state/%s/history?from=%d&to=%d", identityID, from, to)
	if err := c.call(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// APIError is a non-2xx Authority response that has no more specific
// typed mapping.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authority returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method, path, bearer string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			}
		}
		retryable, err := c.once(ctx, method, path, bearer, payload, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path, bearer string, payload []byte, out any) (retryable bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return false, nil
		}
		return false, json.NewDecoder(resp.Body).Decode(out)
	}

	apiErr := decodeError(resp)
	if resp.StatusCode >= 500 {
		return true, apiErr
	}
	return false, mapTerminal(apiErr)
}

func decodeError(resp *http.Response) *APIError {
	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(data, &body)
	return &APIError{
		Status:  resp.StatusCode,
		Code:    body.Error.Code,
		Message: body.Error.Message,
		Details: body.Error.Details,
	}
}

// mapTerminal converts protocol codes back into the typed errors agent
// code branches on.
func mapTerminal(apiErr *APIError) error {
	switch apiErr.Code {
	case "LEASE_HELD":
		held := &domainLease.HeldError{}
		if v, ok := apiErr.Details["identity_id"].(string); ok {
			held.IdentityID = v
		}
		if v, ok := apiErr.Details["holder_session_id"].(string); ok {
			held.HolderSessionID = v
		}
		if v, ok := apiErr.Details["expires_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				held.ExpiresAt = t
			}
		}
		return held
	case "POLICY_DENIED":
		return domainLease.ErrPolicyDenied
	case "LEASE_NOT_HELD":
		return domainLease.ErrNotHeld
	case "TOKEN_EXPIRED":
		return domainToken.ErrExpired
	case "TOKEN_INVALID", "TOKEN_MISSING":
		return domainToken.ErrInvalid
	case "TOKEN_REVOKED":
		revoked := &domainToken.RevokedError{}
		if v, ok := apiErr.Details["identity_id"].(string); ok {
			revoked.IdentityID = v
		}
		if v, ok := apiErr.Details["token_id"].(string); ok {
			revoked.TokenID = v
		}
		return revoked
	case "FORK_DETECTED":
		fork := &chain.ForkError{}
		if v, ok := apiErr.Details["identity_id"].(string); ok {
			fork.IdentityID = v
		}
		if v, ok := apiErr.Details["sequence"].(float64); ok {
			fork.Sequence = uint64(v)
		}
		if v, ok := apiErr.Details["expected"].(string); ok {
			fork.Expected, _ = chain.ParseDigest(v)
		}
		if v, ok := apiErr.Details["actual"].(string); ok {
			fork.Actual, _ = chain.ParseDigest(v)
		}
		return fork
	default:
		return apiErr
	}
}
