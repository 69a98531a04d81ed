package orderbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/swaperr"
)

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func writeEnvelope(w http.ResponseWriter, code int, status string, result interface{}, errMsg string) {
	raw, _ := json.Marshal(result)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: status, Result: raw, Error: errMsg})
}

func matched(id string) *order.MatchedOrder {
	return &order.MatchedOrder{CreateOrder: order.CreateOrder{CreateID: id, Nonce: "1"}}
}

func TestCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q", got)
		}
		var co order.CreateOrder
		if err := json.NewDecoder(r.Body).Decode(&co); err != nil {
			t.Errorf("decode body: %v", err)
		}
		writeEnvelope(w, http.StatusOK, StatusOk, "id-"+co.Nonce, "")
	}))
	defer srv.Close()

	c := New(srv.URL, WithTokenProvider(StaticToken("secret-token")))
	id, err := c.CreateOrder(context.Background(), &order.CreateOrder{Nonce: "7"})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if id != "id-7" {
		t.Errorf("id = %s, want id-7", id)
	}
}

func TestGetOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/id/abc/matched" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization sent without a token provider")
		}
		writeEnvelope(w, http.StatusOK, StatusOk, matched("abc"), "")
	}))
	defer srv.Close()

	c := New(srv.URL)
	o, err := c.GetOrder(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if o.ID() != "abc" {
		t.Errorf("order id = %s", o.ID())
	}

	if _, err := c.GetOrder(context.Background(), ""); swaperr.KindOf(err) != swaperr.KindValidation {
		t.Errorf("empty id kind = %v", swaperr.KindOf(err))
	}
}

func TestListMatchedOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/orders/user/0xabc/") {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("pending") != "true" || q.Get("per_page") != "2" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		page := q.Get("page")
		var data []*order.MatchedOrder
		switch page {
		case "1":
			data = []*order.MatchedOrder{matched("a"), matched("b")}
		case "2":
			data = []*order.MatchedOrder{matched("c")}
		default:
			t.Errorf("unexpected page %s", page)
		}
		var n int
		fmt.Sscan(page, &n)
		writeEnvelope(w, http.StatusOK, StatusOk, Page{Data: data, Page: n, TotalPages: 2, TotalItems: 3, PerPage: 2}, "")
	}))
	defer srv.Close()

	c := New(srv.URL)
	p, err := c.ListMatchedOrders(context.Background(), "0xabc", 1, 2)
	if err != nil {
		t.Fatalf("ListMatchedOrders failed: %v", err)
	}
	if len(p.Data) != 2 || !p.HasMore() {
		t.Errorf("page = %+v", p)
	}

	all, err := c.ListAllMatchedOrders(context.Background(), "0xabc", 2)
	if err != nil {
		t.Fatalf("ListAllMatchedOrders failed: %v", err)
	}
	if len(all) != 3 || all[2].ID() != "c" {
		t.Errorf("all = %d orders", len(all))
	}
}

func TestListUnmatchedOrdersPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/user/0xabc/unmatched" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, StatusOk, Page{}, "")
	}))
	defer srv.Close()

	p, err := New(srv.URL).ListUnmatchedOrders(context.Background(), "0xabc", 0, 0)
	if err != nil {
		t.Fatalf("ListUnmatchedOrders failed: %v", err)
	}
	if p.Page != 1 || p.PerPage != DefaultPerPage {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		code      int
		retries   uint64
		wantCalls int32
		wantKind  swaperr.Kind
	}{
		{"recovers after 503", 2, http.StatusServiceUnavailable, 3, 3, 0},
		{"rate limit exhausts retries", 10, http.StatusTooManyRequests, 2, 3, swaperr.KindTransient},
		{"bad request not retried", 10, http.StatusBadRequest, 3, 1, swaperr.KindValidation},
		{"retries disabled", 10, http.StatusBadGateway, 0, 1, swaperr.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				if n <= tt.failures {
					writeEnvelope(w, tt.code, StatusError, nil, "try later")
					return
				}
				writeEnvelope(w, http.StatusOK, StatusOk, matched("x"), "")
			}))
			defer srv.Close()

			c := New(srv.URL, WithMaxRetries(tt.retries), WithBackOff(fastBackOff))
			_, err := c.GetOrder(context.Background(), "x")
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantKind == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if swaperr.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v (err %v)", swaperr.KindOf(err), tt.wantKind, err)
			}
			if !strings.Contains(err.Error(), "try later") {
				t.Errorf("error %q lost the server message", err)
			}
		})
	}
}

func TestEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"status error", `{"status":"Error","error":"order not found"}`, swaperr.ErrChainRejected},
		{"empty result", `{"status":"Ok"}`, ErrEmptyResult},
		{"malformed", `not json`, swaperr.ErrChainRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, WithBackOff(fastBackOff)).GetOrder(context.Background(), "x")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscription
		if err := conn.ReadJSON(&sub); err != nil || sub.Action != "subscribe" || sub.Address != "0xabc" {
			t.Errorf("subscription = %+v, %v", sub, err)
			return
		}
		n := atomic.AddInt32(&conns, 1)
		conn.WriteJSON(Update{Type: "order_update", Order: matched(fmt.Sprintf("order-%d", n))})
		// Drop the first connection to force a reconnect.
		if n > 1 {
			time.Sleep(time.Second)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(srv.URL, WithTokenProvider(StaticToken("tok")), WithBackOff(fastBackOff))
	updates, err := c.Stream(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	for _, want := range []string{"order-1", "order-2"} {
		select {
		case u := <-updates:
			if u.OrderID != want {
				t.Errorf("update order id = %s, want %s", u.OrderID, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	cancel()
	for range updates {
	}
}

func TestStreamValidation(t *testing.T) {
	if _, err := New("http://localhost").Stream(context.Background(), ""); swaperr.KindOf(err) != swaperr.KindValidation {
		t.Errorf("empty address kind = %v", swaperr.KindOf(err))
	}
	if _, err := New("ftp://localhost").Stream(context.Background(), "0xabc"); swaperr.KindOf(err) != swaperr.KindValidation {
		t.Errorf("bad scheme kind = %v", swaperr.KindOf(err))
	}
}
