// Package orderbook is the client of the orderbook service, which stores
// create orders and publishes the matched orders the daemon executes.
package orderbook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// Defaults
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultPerPage    = 100
)

// Response statuses
const (
	StatusOk    = "Ok"
	StatusError = "Error"
)

var (
	ErrEmptyResult = errors.New("orderbook returned no result")
	ErrNoOrderID   = errors.New("order id is required")
)

// TokenProvider supplies the bearer token sent with every request. An
// empty token sends no Authorization header.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Page is one page of a paginated order listing.
type Page struct {
	Data       []*order.MatchedOrder `json:"data"`
	Page       int                   `json:"page"`
	TotalPages int                   `json:"total_pages"`
	TotalItems int                   `json:"total_items"`
	PerPage    int                   `json:"per_page"`
}

// HasMore reports whether another page follows this one.
func (p *Page) HasMore() bool {
	return p.Page < p.TotalPages
}

type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithTokenProvider enables bearer authentication.
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) { c.tokens = p }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries bounds the retries of a transient failure. Zero disables
// retrying.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackOff overrides the retry schedule factory.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// Client talks to one orderbook deployment.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	log        *logging.Logger
}

// New creates an orderbook client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		newBackOff: defaultBackOff,
		log:        logging.GetDefault().Component("orderbook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateOrder submits a create order and returns its id.
func (c *Client) CreateOrder(ctx context.Context, co *order.CreateOrder) (string, error) {
	var id string
	if err := c.do(ctx, "orderbook.create_order", http.MethodPost, "/orders", co, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", swaperr.Rejected("orderbook.create_order", ErrEmptyResult)
	}
	return id, nil
}

// GetOrder fetches one matched order.
func (c *Client) GetOrder(ctx context.Context, id string) (*order.MatchedOrder, error) {
	if id == "" {
		return nil, swaperr.ValidationErr("orderbook.get_order", ErrNoOrderID)
	}
	var o order.MatchedOrder
	path := "/orders/id/" + url.PathEscape(id) + "/matched"
	if err := c.do(ctx, "orderbook.get_order", http.MethodGet, path, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListMatchedOrders returns one page of the pending matched orders of an
// address.
func (c *Client) ListMatchedOrders(ctx context.Context, address string, page, perPage int) (*Page, error) {
	return c.list(ctx, "orderbook.list_matched", address, "matched", page, perPage)
}

// ListUnmatchedOrders returns one page of create orders still waiting for
// a counterparty, wrapped as matched orders without legs.
func (c *Client) ListUnmatchedOrders(ctx context.Context, address string, page, perPage int) (*Page, error) {
	return c.list(ctx, "orderbook.list_unmatched", address, "unmatched", page, perPage)
}

func (c *Client) list(ctx context.Context, op, address, kind string, page, perPage int) (*Page, error) {
	if address == "" {
		return nil, swaperr.Validation(op, "address is required")
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("pending", "true")
	path := "/orders/user/" + url.PathEscape(address) + "/" + kind + "?" + q.Encode()

	var p Page
	if err := c.do(ctx, op, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	if p.Page == 0 {
		p.Page = page
	}
	if p.PerPage == 0 {
		p.PerPage = perPage
	}
	return &p, nil
}

// ListAllMatchedOrders walks every page of an address's pending matched
// orders.
func (c *Client) ListAllMatchedOrders(ctx context.Context, address string, perPage int) ([]*order.MatchedOrder, error) {
	var all []*order.MatchedOrder
	for page := 1; ; page++ {
		p, err := c.ListMatchedOrders(ctx, address, page, perPage)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if !p.HasMore() || len(p.Data) == 0 {
			return all, nil
		}
	}
}

// do runs one request, retrying transient failures.
func (c *Client) do(ctx context.Context, op, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return swaperr.ValidationErr(op, err)
		}
	}

	var bo backoff.BackOff = c.newBackOff()
	if c.maxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, c.maxRetries)
	} else {
		bo = &backoff.StopBackOff{}
	}
	bo = backoff.WithContext(bo, ctx)

	attempt := func() error {
		err := c.once(ctx, op, method, path, body, out)
		if err != nil && !swaperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("Orderbook request failed, retrying", "path", path, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(attempt, bo, notify)
	if err != nil && ctx.Err() != nil && swaperr.KindOf(err) == 0 {
		return swaperr.Transient(op, ctx.Err())
	}
	return err
}

func (c *Client) once(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return swaperr.ValidationErr(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return swaperr.Transient(op, fmt.Errorf("auth token: %w", err))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return swaperr.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return swaperr.Transient(op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if decodeErr == nil && env.Error != "" {
			msg = env.Error
		}
		return swaperr.FromHTTP(op, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return swaperr.Rejected(op, fmt.Errorf("malformed orderbook response: %w", decodeErr))
	}
	if env.Status == StatusError {
		return swaperr.RejectedMsg(op, env.Error)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return swaperr.Rejected(op, ErrEmptyResult)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return swaperr.Rejected(op, fmt.Errorf("decode result: %w", err))
	}
	return nil
}
