// Package relay is the client of the relay service that submits gasless
// initiates and redeems on behalf of the user.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// Response statuses
const (
	StatusOk    = "Ok"
	StatusError = "Error"
)

// DefaultTimeout bounds a single relay request.
const DefaultTimeout = 30 * time.Second

var ErrEmptyResult = errors.New("relay returned no transaction hash")

// InitiateRequest submits a signed EIP-712 initiate.
type InitiateRequest struct {
	OrderID   string `json:"order_id"`
	Signature string `json:"signature"`
	PerformOn string `json:"perform_on"`
}

// StarknetInitiateRequest submits a SNIP-12 signed initiate. The
// signature is a list of felts.
type StarknetInitiateRequest struct {
	OrderID   string   `json:"order_id"`
	Signature []string `json:"signature"`
	PerformOn string   `json:"perform_on"`
}

// RedeemRequest reveals the secret so the relay can redeem.
type RedeemRequest struct {
	OrderID   string `json:"order_id"`
	Secret    string `json:"secret"`
	PerformOn string `json:"perform_on"`
}

type response struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the api-key header sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to one relay deployment. EVM and Starknet relays share the
// wire format.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logging.Logger
}

// New creates a relay client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.GetDefault().Component("relay"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewInitiateRequest builds an initiate request for a leg.
func NewInitiateRequest(orderID, signature string, leg order.Leg) InitiateRequest {
	return InitiateRequest{OrderID: orderID, Signature: signature, PerformOn: leg.PerformOn()}
}

// NewRedeemRequest builds a redeem request for a leg.
func NewRedeemRequest(orderID, secret string, leg order.Leg) RedeemRequest {
	return RedeemRequest{OrderID: orderID, Secret: secret, PerformOn: leg.PerformOn()}
}

// Initiate submits a signed initiate and returns the tx hash.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	return c.post(ctx, "relay.initiate", "/initiate", req)
}

// StarknetInitiate submits a SNIP-12 signed initiate and returns the tx hash.
func (c *Client) StarknetInitiate(ctx context.Context, req StarknetInitiateRequest) (string, error) {
	return c.post(ctx, "relay.initiate", "/initiate", req)
}

// Redeem asks the relay to redeem with the secret and returns the tx hash.
func (c *Client) Redeem(ctx context.Context, req RedeemRequest) (string, error) {
	return c.post(ctx, "relay.redeem", "/redeem", req)
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", swaperr.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", swaperr.Transient(op, err)
	}

	var r response
	decodeErr := json.Unmarshal(raw, &r)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if decodeErr == nil && r.Error != "" {
			msg = r.Error
		}
		c.log.Debug("Relay request failed", "path", path, "status", resp.StatusCode, "error", msg)
		return "", swaperr.FromHTTP(op, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", swaperr.Rejected(op, fmt.Errorf("malformed relay response: %w", decodeErr))
	}
	if r.Status == StatusError {
		return "", swaperr.RejectedMsg(op, r.Error)
	}
	if r.Status != StatusOk {
		return "", swaperr.RejectedMsg(op, fmt.Sprintf("unexpected status %q", r.Status))
	}

	txHash := resultString(r.Result)
	if txHash == "" {
		return "", swaperr.Rejected(op, ErrEmptyResult)
	}
	c.log.Debug("Relay accepted request", "path", path, "tx", txHash)
	return txHash, nil
}

// resultString accepts a JSON string result or any other scalar.
func resultString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
