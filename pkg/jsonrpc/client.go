// Package jsonrpc is a minimal JSON-RPC 2.0 client over HTTP whose results
// are read with gjson paths.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"-"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("RPC error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-200 response.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// Client sends JSON-RPC requests to one endpoint.
type Client struct {
	url        string
	header     http.Header
	httpClient *http.Client
	requestID  atomic.Uint64
}

// New creates a client for url.
func New(url string) *Client {
	return &Client{
		url:    url,
		header: make(http.Header),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHeader adds a header sent with every request.
func (c *Client) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// URL returns the endpoint.
func (c *Client) URL() string {
	return c.url
}

// Call invokes method and returns the "result" member.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (gjson.Result, error) {
	if params == nil {
		params = []interface{}{}
	}
	return c.CallRaw(ctx, method, params)
}

// CallRaw invokes method with params marshalled as-is, which allows
// by-name parameter objects.
func (c *Client) CallRaw(ctx context.Context, method string, params interface{}) (gjson.Result, error) {
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.requestID.Add(1),
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return gjson.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, &HTTPError{Code: resp.StatusCode, Body: string(body)}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("failed to parse response: invalid json")
	}

	parsed := gjson.ParseBytes(body)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		rpcErr := &RPCError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
		}
		if d := e.Get("data"); d.Exists() {
			rpcErr.Data = d.String()
		}
		return gjson.Result{}, rpcErr
	}
	return parsed.Get("result"), nil
}
