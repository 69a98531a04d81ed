package starknet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Klingon-tech/swapd/internal/swaperr"
)

var ErrNoSignature = errors.New("signer returned no signature")

// Account submits invoke transactions and signs typed data for one
// Starknet address.
type Account interface {
	Address() string
	Execute(ctx context.Context, calls []FunctionCall) (string, error)
	SignTypedData(ctx context.Context, td TypedData) ([]string, error)
}

// RemoteAccount delegates execution and signing to an external signer
// service that holds the account key.
type RemoteAccount struct {
	address    string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoteAccount creates an account backed by the signer at baseURL.
func NewRemoteAccount(address, baseURL, apiKey string) *RemoteAccount {
	return &RemoteAccount{
		address:    address,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Address returns the account address.
func (a *RemoteAccount) Address() string {
	return a.address
}

type wireCall struct {
	ContractAddress string   `json:"contract_address"`
	EntryPoint      string   `json:"entry_point"`
	Calldata        []string `json:"calldata"`
}

// Execute sends a multicall and returns the transaction hash.
func (a *RemoteAccount) Execute(ctx context.Context, calls []FunctionCall) (string, error) {
	wire := make([]wireCall, len(calls))
	for i, c := range calls {
		wire[i] = wireCall{
			ContractAddress: FeltHex(c.ContractAddress),
			EntryPoint:      c.EntryPoint,
			Calldata:        FeltsHex(c.Calldata),
		}
	}
	res, err := a.post(ctx, "starknet.execute", "/execute", map[string]interface{}{
		"address": a.address,
		"calls":   wire,
	})
	if err != nil {
		return "", err
	}
	hash := res.Get("transaction_hash").String()
	if hash == "" {
		return "", swaperr.RejectedMsg("starknet.execute", "signer returned no transaction hash")
	}
	return hash, nil
}

// SignTypedData returns the SNIP-12 signature as felt strings.
func (a *RemoteAccount) SignTypedData(ctx context.Context, td TypedData) ([]string, error) {
	res, err := a.post(ctx, "starknet.sign", "/sign", map[string]interface{}{
		"address":    a.address,
		"typed_data": td,
	})
	if err != nil {
		return nil, err
	}
	var sig []string
	for _, v := range res.Get("signature").Array() {
		sig = append(sig, v.String())
	}
	if len(sig) == 0 {
		return nil, swaperr.Rejected("starknet.sign", ErrNoSignature)
	}
	return sig, nil
}

func (a *RemoteAccount) post(ctx context.Context, op, path string, payload interface{}) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, swaperr.ValidationErr(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, swaperr.ValidationErr(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, swaperr.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, swaperr.Transient(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, swaperr.FromHTTP(op, resp.StatusCode, string(raw))
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, swaperr.RejectedMsg(op, "malformed signer response")
	}
	return gjson.ParseBytes(raw), nil
}

var _ Account = (*RemoteAccount)(nil)
