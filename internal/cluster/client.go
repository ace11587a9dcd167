// Package cluster holds the request helpers coordinators, peers and
// device agents use to talk to each other over HTTP. Public API traffic
// is JSON; coordinator-to-coordinator traffic is deterministic CBOR.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ContentTypeCBOR is the media type used for gossip and snapshot bodies.
const ContentTypeCBOR = "application/cbor"

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	URL  string
	Body string
	Code int
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// Client issues JSON and CBOR requests with a bounded timeout.
type Client struct {
	http *http.Client
}

// NewClient creates a Client whose requests time out after timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

var defaultClient = NewClient(5 * time.Second)

// PostJSON posts body as JSON using the default client.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return defaultClient.PostJSON(ctx, url, body, out)
}

// GetJSON fetches url and decodes JSON into out using the default client.
func GetJSON(ctx context.Context, url string, out any) error {
	return defaultClient.GetJSON(ctx, url, out)
}

// BaseURL turns host:port or a full URL into a URL without a trailing slash.
func BaseURL(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// PostJSON posts body as JSON and decodes a JSON response into out when
// out is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, url, "application/json", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostCBOR posts body as CBOR and decodes a CBOR response into out when
// out is non-nil.
func (c *Client) PostCBOR(ctx context.Context, url string, body any, out any) error {
	reqBody, err := MarshalCBOR(body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, url, ContentTypeCBOR, reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return UnmarshalCBOR(data, out)
}

// GetBytes fetches url and returns the raw response body.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
