// Package rpc is a small client of the Stacks node and Hiro API endpoints the
// relayer needs: contract events, account nonces, read-only calls and
// transaction broadcasting.
package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/log"
)

const (
	// DefaultRetries is the number of attempts of a request when the
	// connection fails or the server answers with a 5xx status.
	DefaultRetries = 3
	// DefaultTimeout is the default timeout for the HTTP client.
	DefaultTimeout = 20 * time.Second

	retryDelay     = 500 * time.Millisecond
	maxResponseLen = 16 << 20
	apiKeyHeader   = "x-api-key"
)

// ErrNotFound is returned when the API answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is returned for non 2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stacks api error: %d (%s)", e.Status, e.Body)
}

// Client is the Stacks API HTTP client.
type Client struct {
	c       *http.Client
	host    *url.URL
	retries int
	apiKey  string
}

// New returns a client for the API at host. The apiKey is optional.
func New(host, apiKey string) (*Client, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	if hostURL.Scheme == "" || hostURL.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", host)
	}
	tr := &http.Transport{
		IdleConnTimeout:     DefaultTimeout,
		MaxIdleConnsPerHost: 8,
	}
	c := &Client{
		c:       &http.Client{Transport: tr, Timeout: DefaultTimeout},
		host:    hostURL,
		retries: DefaultRetries,
		apiKey:  apiKey,
	}
	log.Debugw("stacks api client created", "host", hostURL.String())
	return c, nil
}

// SetRetries configures the number of attempts of each request.
func (c *Client) SetRetries(n int) {
	if n < 1 {
		n = 1
	}
	c.retries = n
}

// SetTimeout configures the timeout of each attempt.
func (c *Client) SetTimeout(d time.Duration) {
	c.c.Timeout = d
}

// Host returns the API base URL.
func (c *Client) Host() string {
	return c.host.String()
}

// request performs a request against the API. Query params are given as a
// flat key, value list. Connection errors and 5xx answers are retried.
func (c *Client) request(ctx context.Context, method string, body []byte, contentType string,
	params []string, urlPath ...string,
) ([]byte, int, error) {
	u := *c.host
	u.Path = path.Join(u.Path, path.Join(urlPath...))
	if len(params) > 0 {
		values := url.Values{}
		for i := 0; i < len(params)-1; i += 2 {
			values.Set(params[i], params[i+1])
		}
		u.RawQuery = values.Encode()
	}

	var (
		lastErr error
		data    []byte
		status  int
	)
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set(apiKeyHeader, c.apiKey)
		}
		resp, err := c.c.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = err
			log.Warnw("stacks api request failed", "url", u.String(), "error", err.Error(), "attempt", attempt)
			continue
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
		resp.Body.Close()
		status = resp.StatusCode
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}
		if status >= http.StatusInternalServerError {
			lastErr = &StatusError{Status: status, Body: truncate(data)}
			log.Warnw("stacks api server error", "url", u.String(), "status", status, "attempt", attempt)
			continue
		}
		return data, status, nil
	}
	return nil, status, fmt.Errorf("request %s %s failed after %d attempts: %w", method, u.Path, c.retries, lastErr)
}

func (c *Client) getJSON(ctx context.Context, out any, params []string, urlPath ...string) error {
	data, status, err := c.request(ctx, http.MethodGet, nil, "", params, urlPath...)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path.Join(urlPath...))
	}
	if status != http.StatusOK {
		return &StatusError{Status: status, Body: truncate(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path.Join(urlPath...), err)
	}
	return nil
}

// Info returns the node info (/v2/info).
func (c *Client) Info(ctx context.Context) (*NodeInfo, error) {
	info := &NodeInfo{}
	if err := c.getJSON(ctx, info, nil, "v2", "info"); err != nil {
		return nil, err
	}
	return info, nil
}

// ContractEvents returns a page of events of the contract, newest first.
func (c *Client) ContractEvents(ctx context.Context, contractID string, limit, offset int) (*EventsPage, error) {
	page := &EventsPage{}
	params := []string{"limit", strconv.Itoa(limit), "offset", strconv.Itoa(offset)}
	if err := c.getJSON(ctx, page, params, "extended", "v1", "contract", contractID, "events"); err != nil {
		return nil, err
	}
	return page, nil
}

// Transaction returns the status and block of a transaction.
func (c *Client) Transaction(ctx context.Context, txID string) (*Transaction, error) {
	tx := &Transaction{}
	if err := c.getJSON(ctx, tx, nil, "extended", "v1", "tx", normalizeTxID(txID)); err != nil {
		return nil, err
	}
	return tx, nil
}

// AccountNonce returns the next nonce of the account.
func (c *Client) AccountNonce(ctx context.Context, address string) (uint64, error) {
	acc := &Account{}
	if err := c.getJSON(ctx, acc, []string{"proof", "0"}, "v2", "accounts", address); err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}

// CallReadOnly calls a read-only function. Arguments and the result are hex
// encoded consensus serialized values.
func (c *Client) CallReadOnly(ctx context.Context, contractAddress, contractName, function, sender string,
	args []string,
) (string, error) {
	if args == nil {
		args = []string{}
	}
	body, err := json.Marshal(&ReadOnlyRequest{Sender: sender, Arguments: args})
	if err != nil {
		return "", err
	}
	data, status, err := c.request(ctx, http.MethodPost, body, "application/json", nil,
		"v2", "contracts", "call-read", contractAddress, contractName, function)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &StatusError{Status: status, Body: truncate(data)}
	}
	res := &ReadOnlyResponse{}
	if err := json.Unmarshal(data, res); err != nil {
		return "", fmt.Errorf("decode read-only response: %w", err)
	}
	if !res.Okay {
		return "", fmt.Errorf("read-only call %s failed: %s", function, res.Cause)
	}
	return res.Result, nil
}

// BroadcastTx submits a serialized transaction and returns its id.
func (c *Client) BroadcastTx(ctx context.Context, raw []byte) (string, error) {
	data, status, err := c.request(ctx, http.MethodPost, raw, "application/octet-stream", nil, "v2", "transactions")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		rejection := &BroadcastRejection{}
		if json.Unmarshal(data, rejection) == nil && rejection.Err != "" {
			return "", rejection
		}
		return "", &StatusError{Status: status, Body: truncate(data)}
	}
	var txID string
	if err := json.Unmarshal(data, &txID); err != nil {
		txID = strings.Trim(strings.TrimSpace(string(data)), `"`)
	}
	return normalizeTxID(txID), nil
}

// EncodeArg hex encodes a consensus serialized argument for CallReadOnly.
func EncodeArg(serialized []byte) string {
	return "0x" + hex.EncodeToString(serialized)
}

func normalizeTxID(id string) string {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return strings.ToLower(id)
}

func truncate(b []byte) string {
	if len(b) > 512 {
		return string(b[:512]) + "..."
	}
	return string(b)
}
