// Package htlc provides a Go client for the EVM HTLC contract and the ERC20
// calls that precede an initiate.
package htlc

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	htlcABI  = mustParse(HTLCABI)
	erc20ABI = mustParse(ERC20ABI)

	// MaxAllowance is the approval amount used before initiating.
	MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// NativeAssetSentinel is the address some orderbooks use for the gas
	// asset instead of the zero address.
	NativeAssetSentinel = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

	ErrTxReverted = errors.New("transaction reverted")
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("htlc: invalid abi: %v", err))
	}
	return parsed
}

// IsNativeAsset reports whether an asset address denotes the gas asset.
func IsNativeAsset(asset common.Address) bool {
	return asset == (common.Address{}) || asset == NativeAssetSentinel
}

// Backend is the chain access the client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Domain is the EIP-712 domain reported by eip712Domain().
type Domain struct {
	Fields            [1]byte
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
	Salt              [32]byte
	Extensions        []*big.Int
}

// Client is a wrapper around one deployed HTLC contract.
type Client struct {
	backend         Backend
	contract        *bind.BoundContract
	contractAddress common.Address
	chainID         *big.Int
}

// NewClient binds the HTLC at contractAddress.
func NewClient(backend Backend, contractAddress common.Address, chainID *big.Int) *Client {
	return &Client{
		backend:         backend,
		contract:        bind.NewBoundContract(contractAddress, htlcABI, backend, backend, backend),
		contractAddress: contractAddress,
		chainID:         new(big.Int).Set(chainID),
	}
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// ContractAddress returns the contract address
func (c *Client) ContractAddress() common.Address {
	return c.contractAddress
}

func (c *Client) token(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, erc20ABI, c.backend, c.backend, c.backend)
}

// =============================================================================
// View Functions
// =============================================================================

// Token returns the ERC20 the HTLC locks.
func (c *Client) Token(ctx context.Context) (common.Address, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "token"); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// Allowance returns how much of token owner allowed the HTLC to spend.
func (c *Client) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, c.contractAddress); err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// EIP712Domain reads the contract's signing domain.
func (c *Client) EIP712Domain(ctx context.Context) (*Domain, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "eip712Domain"); err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("eip712Domain: unexpected output length %d", len(out))
	}
	return &Domain{
		Fields:            *abi.ConvertType(out[0], new([1]byte)).(*[1]byte),
		Name:              *abi.ConvertType(out[1], new(string)).(*string),
		Version:           *abi.ConvertType(out[2], new(string)).(*string),
		ChainID:           *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		VerifyingContract: *abi.ConvertType(out[4], new(common.Address)).(*common.Address),
		Salt:              *abi.ConvertType(out[5], new([32]byte)).(*[32]byte),
		Extensions:        *abi.ConvertType(out[6], new([]*big.Int)).(*[]*big.Int),
	}, nil
}

// =============================================================================
// Transactions
// =============================================================================

// Approve lets the HTLC spend amount of token.
func (c *Client) Approve(ctx context.Context, privateKey *ecdsa.PrivateKey, token common.Address, amount *big.Int) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.token(token).Transact(auth, "approve", c.contractAddress, amount)
}

// Initiate locks amount of the HTLC token for redeemer.
func (c *Client) Initiate(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	redeemer common.Address,
	timelock *big.Int,
	amount *big.Int,
	secretHash [32]byte,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "initiate", redeemer, timelock, amount, secretHash)
}

// InitiateNative locks amount of the gas asset, sent as the call value.
func (c *Client) InitiateNative(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	redeemer common.Address,
	timelock *big.Int,
	amount *big.Int,
	secretHash [32]byte,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	auth.Value = amount
	return c.contract.Transact(auth, "initiate", redeemer, timelock, amount, secretHash)
}

// Redeem claims an order by revealing the secret.
func (c *Client) Redeem(ctx context.Context, privateKey *ecdsa.PrivateKey, orderID [32]byte, secret []byte) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "redeem", orderID, secret)
}

// Refund returns an expired order to its initiator.
func (c *Client) Refund(ctx context.Context, privateKey *ecdsa.PrivateKey, orderID [32]byte) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "refund", orderID)
}

// WaitMined waits for a transaction to be mined and fails if it reverted.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

// WaitMinedHash polls for the receipt of a transaction submitted by
// another party, such as a wallet, and fails if it reverted.
func (c *Client) WaitMinedHash(ctx context.Context, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
			}
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Calldata
// =============================================================================

// PackInitiate returns the calldata of initiate.
func PackInitiate(redeemer common.Address, timelock, amount *big.Int, secretHash [32]byte) ([]byte, error) {
	return htlcABI.Pack("initiate", redeemer, timelock, amount, secretHash)
}

// PackApprove returns the calldata of an ERC20 approve.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackAllowance returns the calldata of an ERC20 allowance query.
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

// UnpackAllowance decodes the result of an allowance query.
func UnpackAllowance(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("allowance", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// =============================================================================
// Order ID
// =============================================================================

var orderIDArgs = func() abi.Arguments {
	uint256, _ := abi.NewType("uint256", "", nil)
	bytes32, _ := abi.NewType("bytes32", "", nil)
	address, _ := abi.NewType("address", "", nil)
	return abi.Arguments{
		{Type: uint256}, {Type: bytes32}, {Type: address}, {Type: address},
		{Type: uint256}, {Type: uint256}, {Type: address},
	}
}()

// OrderID computes the id the contract assigns to an initiate:
// sha256(abi.encode(chainId, secretHash, initiator, redeemer, timelock,
// amount, htlc)).
func OrderID(
	chainID *big.Int,
	secretHash [32]byte,
	initiator, redeemer common.Address,
	timelock, amount *big.Int,
	htlc common.Address,
) ([32]byte, error) {
	encoded, err := orderIDArgs.Pack(chainID, secretHash, initiator, redeemer, timelock, amount, htlc)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(encoded), nil
}

// OrderID computes the order id for this contract.
func (c *Client) OrderID(secretHash [32]byte, initiator, redeemer common.Address, timelock, amount *big.Int) ([32]byte, error) {
	return OrderID(c.chainID, secretHash, initiator, redeemer, timelock, amount, c.contractAddress)
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (c *Client) newTransactor(ctx context.Context, privateKey *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}
