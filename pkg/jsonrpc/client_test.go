package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCall(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("missing header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"data":[{"balance":"42"}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetHeader("x-api-key", "secret")
	res, err := c.Call(context.Background(), "suix_getCoins", "0x1", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Get("data.0.balance").Uint() != 42 {
		t.Errorf("balance = %s", res.Get("data.0.balance").String())
	}
	if got["method"] != "suix_getCoins" || got["jsonrpc"] != "2.0" {
		t.Errorf("request = %v", got)
	}
	params, _ := got["params"].([]interface{})
	if len(params) != 2 {
		t.Errorf("params = %v", got["params"])
	}
}

func TestCallNoParams(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"1000"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Call(context.Background(), "suix_getReferenceGasPrice")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Uint() != 1000 {
		t.Errorf("result = %s", res.Raw)
	}
	if string(got["params"]) != "[]" {
		t.Errorf("params = %s, want []", got["params"])
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		checkFn func(error) bool
	}{
		{"rpc error", http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params","data":"bad digest"}}`,
			func(err error) bool {
				var e *RPCError
				return errors.As(err, &e) && e.Code == -32602 && e.Data == "bad digest"
			}},
		{"http error", http.StatusServiceUnavailable, `down`,
			func(err error) bool {
				var e *HTTPError
				return errors.As(err, &e) && e.Code == http.StatusServiceUnavailable
			}},
		{"invalid json", http.StatusOK, `<html>`,
			func(err error) bool { return err != nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL).Call(context.Background(), "m")
			if !tt.checkFn(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
