package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/swaperr"
)

// Stream tuning
const (
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamWriteWait  = 10 * time.Second
	streamReadLimit  = 1 << 20
	streamBuffer     = 64
)

// Update is one push notification from the orderbook. Order is nil for
// notifications that only name the order.
type Update struct {
	Type    string              `json:"type"`
	OrderID string              `json:"order_id,omitempty"`
	Order   *order.MatchedOrder `json:"order,omitempty"`
}

type subscription struct {
	Action  string `json:"action"`
	Address string `json:"address"`
}

// streamURL maps the REST root onto the websocket endpoint.
func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Stream subscribes to order updates for an address. The connection is
// re-established with exponential backoff until ctx is cancelled, at
// which point the channel is closed.
func (c *Client) Stream(ctx context.Context, address string) (<-chan Update, error) {
	const op = "orderbook.stream"
	if address == "" {
		return nil, swaperr.Validation(op, "address is required")
	}
	wsURL, err := c.streamURL()
	if err != nil {
		return nil, swaperr.ValidationErr(op, err)
	}

	out := make(chan Update, streamBuffer)
	go c.runStream(ctx, wsURL, address, out)
	return out, nil
}

func (c *Client) runStream(ctx context.Context, wsURL, address string, out chan<- Update) {
	defer close(out)

	bo := c.newBackOff()
	for {
		connected, err := c.streamOnce(ctx, wsURL, address, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.log.Warn("Orderbook stream giving up", "error", err)
			return
		}
		c.log.Debug("Orderbook stream disconnected", "retry_in", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// streamOnce holds one connection until it fails. connected reports
// whether the subscription was established.
func (c *Client) streamOnce(ctx context.Context, wsURL, address string, out chan<- Update) (connected bool, err error) {
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("auth token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// One writer at a time: the subscribe message and the ping loop share
	// the connection.
	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteMessage(messageType, data)
	}

	sub, _ := json.Marshal(subscription{Action: "subscribe", Address: address})
	if err := write(websocket.TextMessage, sub); err != nil {
		return false, err
	}
	c.log.Info("Subscribed to orderbook stream", "address", address)

	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(streamPongWait))

		var u Update
		if err := json.Unmarshal(msg, &u); err != nil {
			c.log.Debug("Ignoring malformed stream message", "error", err)
			continue
		}
		if u.OrderID == "" && u.Order != nil {
			u.OrderID = u.Order.ID()
		}

		select {
		case out <- u:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
