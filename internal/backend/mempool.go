package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	return &MempoolBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close marks the backend disconnected.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddressUTXOs returns unspent outputs for an address.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string        `json:"txid"`
		Vout   uint32        `json:"vout"`
		Status mempoolStatus `json:"status"`
		Value  uint64        `json:"value"`
	}
	if err := m.get(ctx, "/address/"+address+"/utxo", &result, ErrAddressNotFound); err != nil {
		return nil, err
	}

	// Confirmations fall back to 1 for confirmed outputs when the tip is
	// unavailable.
	tip, err := m.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations(u.Status, tip),
			BlockHeight:   u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result, ErrTxNotFound); err != nil {
		return nil, err
	}
	var tip int64
	if result.Status.Confirmed {
		tip, _ = m.GetBlockHeight(ctx)
	}
	tx := convertTxs([]mempoolTx{result}, tip)[0]
	return &tx, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns its txid.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrRateLimited
	case resp.StatusCode >= 500:
		return "", &StatusError{Code: resp.StatusCode, Body: string(body)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := m.get(ctx, "/blocks/tip/height", &height, nil); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result, nil); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// StatusError is an unexpected HTTP status from the indexer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// get performs a GET request and decodes the JSON response. A 404 maps to
// notFound when it is set.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}, notFound error) error {
	body, err := m.do(ctx, http.MethodGet, path, nil, notFound)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (m *MempoolBackend) do(ctx context.Context, method, path string, payload io.Reader, notFound error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, payload)
	if err != nil {
		return nil, err
	}

	// Avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		return nil, notFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

type mempoolStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

type mempoolOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address"`
	Value            uint64 `json:"value"`
}

type mempoolInput struct {
	TxID     string         `json:"txid"`
	Vout     uint32         `json:"vout"`
	Witness  []string       `json:"witness"`
	Sequence uint32         `json:"sequence"`
	Prevout  *mempoolOutput `json:"prevout"`
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string          `json:"txid"`
	Version  int32           `json:"version"`
	LockTime uint32          `json:"locktime"`
	Weight   int64           `json:"weight"`
	Fee      uint64          `json:"fee"`
	Status   mempoolStatus   `json:"status"`
	Vin      []mempoolInput  `json:"vin"`
	Vout     []mempoolOutput `json:"vout"`
}

func (o mempoolOutput) convert() TxOutput {
	return TxOutput{
		ScriptPubKey:     o.ScriptPubKey,
		ScriptPubKeyType: o.ScriptPubKeyType,
		ScriptPubKeyAddr: o.ScriptPubKeyAddr,
		Value:            o.Value,
	}
}

func confirmations(s mempoolStatus, tip int64) int64 {
	switch {
	case !s.Confirmed || s.BlockHeight <= 0:
		return 0
	case tip >= s.BlockHeight:
		return tip - s.BlockHeight + 1
	default:
		return 1
	}
}

// convertTxs converts the mempool format to Transaction.
func convertTxs(mTxs []mempoolTx, tip int64) []Transaction {
	txs := make([]Transaction, len(mTxs))
	for i, mt := range mTxs {
		tx := Transaction{
			TxID:          mt.TxID,
			Version:       mt.Version,
			Weight:        mt.Weight,
			VSize:         (mt.Weight + 3) / 4,
			LockTime:      mt.LockTime,
			Fee:           mt.Fee,
			Confirmed:     mt.Status.Confirmed,
			BlockHash:     mt.Status.BlockHash,
			BlockHeight:   mt.Status.BlockHeight,
			Confirmations: confirmations(mt.Status, tip),
			Inputs:        make([]TxInput, len(mt.Vin)),
			Outputs:       make([]TxOutput, len(mt.Vout)),
		}
		for j, vin := range mt.Vin {
			input := TxInput{
				TxID:     vin.TxID,
				Vout:     vin.Vout,
				Witness:  vin.Witness,
				Sequence: vin.Sequence,
			}
			if vin.Prevout != nil {
				prev := vin.Prevout.convert()
				input.PrevOut = &prev
			}
			tx.Inputs[j] = input
		}
		for j, vout := range mt.Vout {
			tx.Outputs[j] = vout.convert()
		}
		txs[i] = tx
	}
	return txs
}

var _ Backend = (*MempoolBackend)(nil)
