package sui

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Klingon-tech/swapd/pkg/jsonrpc"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrNotShared      = errors.New("object is not shared")
)

// Coin is an owned coin object.
type Coin struct {
	Ref      ObjectRef
	CoinType string
	Balance  uint64
}

// ExecutionResult is the outcome of a dry run or an execution.
type ExecutionResult struct {
	Digest  string
	Success bool
	Error   string
	GasUsed uint64
}

// Client is a Sui JSON-RPC client.
type Client struct {
	rpc *jsonrpc.Client
}

// NewClient creates a client for a fullnode URL.
func NewClient(url string) *Client {
	return &Client{rpc: jsonrpc.New(url)}
}

// GetCoins returns the owner's coins of coinType, following pagination.
func (c *Client) GetCoins(ctx context.Context, owner Address, coinType string) ([]Coin, error) {
	var coins []Coin
	var cursor interface{}
	for {
		res, err := c.rpc.Call(ctx, "suix_getCoins", owner.String(), coinType, cursor, 50)
		if err != nil {
			return nil, err
		}
		for _, item := range res.Get("data").Array() {
			ref, err := ParseObjectRef(item.Get("coinObjectId").String(), item.Get("version").Uint(), item.Get("digest").String())
			if err != nil {
				return nil, err
			}
			coins = append(coins, Coin{
				Ref:      ref,
				CoinType: item.Get("coinType").String(),
				Balance:  item.Get("balance").Uint(),
			})
		}
		if !res.Get("hasNextPage").Bool() {
			return coins, nil
		}
		cursor = res.Get("nextCursor").String()
	}
}

// GetReferenceGasPrice returns the current reference gas price.
func (c *Client) GetReferenceGasPrice(ctx context.Context) (uint64, error) {
	res, err := c.rpc.Call(ctx, "suix_getReferenceGasPrice")
	if err != nil {
		return 0, err
	}
	return res.Uint(), nil
}

// GetSharedObject resolves a shared object's initial version.
func (c *Client) GetSharedObject(ctx context.Context, id Address, mutable bool) (SharedObject, error) {
	res, err := c.rpc.Call(ctx, "sui_getObject", id.String(), map[string]bool{"showOwner": true})
	if err != nil {
		return SharedObject{}, err
	}
	if res.Get("error").Exists() || !res.Get("data").Exists() {
		return SharedObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	v := res.Get("data.owner.Shared.initial_shared_version")
	if !v.Exists() {
		return SharedObject{}, fmt.Errorf("%w: %s", ErrNotShared, id)
	}
	return SharedObject{ObjectID: id, InitialSharedVersion: v.Uint(), Mutable: mutable}, nil
}

// DryRun simulates a transaction.
func (c *Client) DryRun(ctx context.Context, txBytes []byte) (*ExecutionResult, error) {
	res, err := c.rpc.Call(ctx, "sui_dryRunTransactionBlock", base64.StdEncoding.EncodeToString(txBytes))
	if err != nil {
		return nil, err
	}
	return parseEffects(res.Get("effects")), nil
}

// Execute submits a signed transaction and waits for local execution.
func (c *Client) Execute(ctx context.Context, txBytes []byte, signatures ...string) (*ExecutionResult, error) {
	res, err := c.rpc.Call(ctx, "sui_executeTransactionBlock",
		base64.StdEncoding.EncodeToString(txBytes),
		signatures,
		map[string]bool{"showEffects": true},
		"WaitForLocalExecution",
	)
	if err != nil {
		return nil, err
	}
	r := parseEffects(res.Get("effects"))
	r.Digest = res.Get("digest").String()
	return r, nil
}

func parseEffects(effects gjson.Result) *ExecutionResult {
	gas := effects.Get("gasUsed")
	used := gas.Get("computationCost").Uint() + gas.Get("storageCost").Uint()
	rebate := gas.Get("storageRebate").Uint()
	if rebate < used {
		used -= rebate
	} else {
		used = 0
	}
	return &ExecutionResult{
		Digest:  effects.Get("transactionDigest").String(),
		Success: strings.EqualFold(effects.Get("status.status").String(), "success"),
		Error:   effects.Get("status.error").String(),
		GasUsed: used,
	}
}
