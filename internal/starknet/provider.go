package starknet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/swapd/pkg/jsonrpc"
)

// FunctionCall is a call to a contract entry point.
type FunctionCall struct {
	ContractAddress *big.Int
	EntryPoint      string
	Calldata        []*big.Int
}

// Provider reads state through a Starknet JSON-RPC node.
type Provider struct {
	rpc *jsonrpc.Client
}

// NewProvider creates a provider for a node URL.
func NewProvider(url string) *Provider {
	return &Provider{rpc: jsonrpc.New(url)}
}

// Call runs starknet_call against the latest block.
func (p *Provider) Call(ctx context.Context, call FunctionCall) ([]*big.Int, error) {
	request := map[string]interface{}{
		"contract_address":     FeltHex(call.ContractAddress),
		"entry_point_selector": FeltHex(Selector(call.EntryPoint)),
		"calldata":             FeltsHex(call.Calldata),
	}
	res, err := p.rpc.Call(ctx, "starknet_call", request, "latest")
	if err != nil {
		return nil, err
	}

	items := res.Array()
	out := make([]*big.Int, len(items))
	for i, item := range items {
		v, err := FeltFromHex(item.String())
		if err != nil {
			return nil, fmt.Errorf("starknet_call result %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// ChainID returns the network's chain id felt.
func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	res, err := p.rpc.Call(ctx, "starknet_chainId")
	if err != nil {
		return nil, err
	}
	return FeltFromHex(res.String())
}

// Allowance reads token.allowance(owner, spender) as a u256.
func (p *Provider) Allowance(ctx context.Context, token, owner, spender *big.Int) (*big.Int, error) {
	out, err := p.Call(ctx, FunctionCall{
		ContractAddress: token,
		EntryPoint:      "allowance",
		Calldata:        []*big.Int{owner, spender},
	})
	if err != nil {
		return nil, err
	}
	switch len(out) {
	case 1:
		return out[0], nil
	case 2:
		return FromU256(out[0], out[1]), nil
	default:
		return nil, fmt.Errorf("allowance: unexpected result length %d", len(out))
	}
}
