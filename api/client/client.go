// Package client is the HTTP client of the relayer API. It is used by the
// relayer tool and by the tests of the API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/api"
	"github.com/vocdoni/stx-mixer-relayer/log"
)

const (
	// HTTPGET is the method string used for calling Request()
	HTTPGET = http.MethodGet
	// HTTPPOST is the method string used for calling Request()
	HTTPPOST = http.MethodPost

	errCodeNot200 = "API error"

	// DefaultRetries this enables Request() to handle the situation where the server connection fails
	DefaultRetries = 3
	// DefaultTimeout is the default timeout for the HTTP client
	DefaultTimeout = 30 * time.Second
)

// HTTPclient is the relayer API HTTP client.
type HTTPclient struct {
	c       *http.Client
	host    *url.URL
	retries int
}

// New connects to the API host and checks it answers the ping endpoint.
func New(host string) (*HTTPclient, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		IdleConnTimeout:    DefaultTimeout,
		DisableCompression: false,
	}
	c := &HTTPclient{
		c:       &http.Client{Transport: tr, Timeout: DefaultTimeout},
		host:    hostURL,
		retries: DefaultRetries,
	}
	log.Debugw("http client created", "host", hostURL.String())
	data, status, err := c.Request(HTTPGET, nil, nil, api.PingEndpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: %d (%s)", errCodeNot200, status, data)
	}
	return c, nil
}

// SetRetries configures the number of retries for the HTTP client.
func (c *HTTPclient) SetRetries(n int) {
	c.retries = n
}

// SetTimeout configures the timeout for the HTTP client.
func (c *HTTPclient) SetTimeout(d time.Duration) {
	c.c.Timeout = d
	if tr, ok := c.c.Transport.(*http.Transport); ok {
		tr.ResponseHeaderTimeout = d
	}
}

// Request performs a `method` type raw request to the endpoint specified in urlPath parameter.
// Method is either GET or POST. If POST, a JSON struct should be attached.  Returns the response,
// the status code and an error.
//
// Supports query parameters via `params` slice. If the slice is not empty, it should contain pairs of strings;
// the first element of each pair is the key, and the second element is the value.
func (c *HTTPclient) Request(method string, jsonBody any, params []string, urlPath ...string) ([]byte, int, error) {
	var (
		body []byte
		err  error
	)
	if jsonBody != nil {
		body, err = json.Marshal(jsonBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}

	u := *c.host
	u.Path = path.Join(u.Path, path.Join(urlPath...))
	if len(params) > 0 {
		values := url.Values{}
		for i := 0; i < len(params)-1; i += 2 {
			values.Set(params[i], params[i+1])
		}
		u.RawQuery = values.Encode()
	}

	headers := http.Header{}
	if jsonBody != nil {
		headers.Set("Content-Type", "application/json")
		headers.Set("Accept", "application/json")
	}

	log.Debugw("http client request",
		"type", method,
		"url", u.String(),
		"body", func() string {
			if len(body) > 512 {
				return string(body[:512]) + "..."
			}
			return string(body)
		}(),
	)

	var resp *http.Response
	for i := 1; i <= c.retries; i++ {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, rerr := http.NewRequest(method, u.String(), reqBody)
		if rerr != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", rerr)
		}
		req.Header = headers.Clone()

		resp, err = c.c.Do(req)
		if err != nil {
			log.Warnw("http request failed", "error", err.Error(), "attempt", i, "retries", c.retries)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		break
	}
	if err != nil {
		return nil, 0, fmt.Errorf("http request ultimately failed after retries: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// Error is a non 200 answer of the API.
type Error struct {
	Status      int    `json:"-"`
	Message     string `json:"error"`
	Code        int    `json:"code"`
	CurrentRoot string `json:"currentRoot,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d code %d (%s)", errCodeNot200, e.Status, e.Code, e.Message)
}

// call performs the request and decodes the answer into out, or returns an
// *Error if the status is not 200.
func (c *HTTPclient) call(method string, jsonBody, out any, urlPath ...string) error {
	data, status, err := c.Request(method, jsonBody, nil, urlPath...)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		apiErr := &Error{Status: status}
		if err := json.Unmarshal(data, apiErr); err != nil {
			apiErr.Message = string(data)
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Root returns the current root of the commitment tree.
func (c *HTTPclient) Root() (string, error) {
	res := &api.RootResponse{}
	if err := c.call(HTTPGET, nil, res, api.RootEndpoint); err != nil {
		return "", err
	}
	return res.Root, nil
}

// Proof returns the inclusion proof of a commitment.
func (c *HTTPclient) Proof(commitment string) (*api.ProofResponse, error) {
	res := &api.ProofResponse{}
	if err := c.call(HTTPGET, nil, res, "proof", commitment); err != nil {
		return nil, err
	}
	return res, nil
}

// Stats returns the relayer status.
func (c *HTTPclient) Stats() (*api.Stats, error) {
	res := &api.Stats{}
	if err := c.call(HTTPGET, nil, res, api.StatsEndpoint); err != nil {
		return nil, err
	}
	return res, nil
}

// Withdraw submits a withdrawal request.
func (c *HTTPclient) Withdraw(req *api.WithdrawRequest) (*api.WithdrawResponse, error) {
	res := &api.WithdrawResponse{}
	if err := c.call(HTTPPOST, req, res, api.WithdrawEndpoint); err != nil {
		return nil, err
	}
	return res, nil
}

// DepositEvent reports a deposit to a relayer running on the same host.
func (c *HTTPclient) DepositEvent(commitment string) (*api.DepositEventResponse, error) {
	res := &api.DepositEventResponse{}
	if err := c.call(HTTPPOST, &api.DepositEvent{Commitment: commitment}, res, api.DepositEventEndpoint); err != nil {
		return nil, err
	}
	return res, nil
}
