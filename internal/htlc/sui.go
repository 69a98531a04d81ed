package htlc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/sui"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/pkg/helpers"
	"github.com/Klingon-tech/swapd/pkg/jsonrpc"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// Sui defaults
const (
	DefaultSuiModule    = "htlc"
	DefaultSuiGasBudget = 50_000_000
)

var ErrInsufficientCoins = errors.New("insufficient coin balance")

// SuiClient is the node access of the Sui actor. *sui.Client satisfies it.
type SuiClient interface {
	GetCoins(ctx context.Context, owner sui.Address, coinType string) ([]sui.Coin, error)
	GetReferenceGasPrice(ctx context.Context) (uint64, error)
	GetSharedObject(ctx context.Context, id sui.Address, mutable bool) (sui.SharedObject, error)
	DryRun(ctx context.Context, txBytes []byte) (*sui.ExecutionResult, error)
	Execute(ctx context.Context, txBytes []byte, signatures ...string) (*sui.ExecutionResult, error)
}

// SuiConfig configures the Sui actor.
type SuiConfig struct {
	Chain   chain.Chain
	Package string
	Module  string
	// Registry is the shared object holding the orders. When empty the
	// leg's asset is used.
	Registry  string
	CoinType  string
	GasBudget uint64
}

// SuiActor signs and executes HTLC calls itself; Sui has no relay.
type SuiActor struct {
	cfg      SuiConfig
	pkg      sui.Address
	coinType sui.StructTag
	client   SuiClient
	signer   *sui.Signer
	log      *logging.Logger
}

// NewSuiActor creates a Sui actor signing with key.
func NewSuiActor(cfg SuiConfig, client SuiClient, key ed25519.PrivateKey) (*SuiActor, error) {
	if cfg.Module == "" {
		cfg.Module = DefaultSuiModule
	}
	if cfg.CoinType == "" {
		cfg.CoinType = sui.SuiCoinType
	}
	if cfg.GasBudget == 0 {
		cfg.GasBudget = DefaultSuiGasBudget
	}
	pkg, err := sui.ParseAddress(cfg.Package)
	if err != nil {
		return nil, fmt.Errorf("package: %w", err)
	}
	coinType, err := sui.ParseStructTag(cfg.CoinType)
	if err != nil {
		return nil, fmt.Errorf("coin type: %w", err)
	}
	signer, err := sui.NewSigner(key)
	if err != nil {
		return nil, err
	}
	return &SuiActor{
		cfg:      cfg,
		pkg:      pkg,
		coinType: coinType,
		client:   client,
		signer:   signer,
		log:      logging.GetDefault().Component("htlc.sui").With("chain", cfg.Chain),
	}, nil
}

// Family returns FamilySui.
func (a *SuiActor) Family() chain.Family { return chain.FamilySui }

// Address returns the signer's address.
func (a *SuiActor) Address() string { return a.signer.Address().String() }

func (a *SuiActor) isSUI() bool { return a.cfg.CoinType == sui.SuiCoinType }

// Initiate locks the source leg's coins in the registry.
func (a *SuiActor) Initiate(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "sui.initiate"
	if err := CheckInitiate(op, a, o); err != nil {
		return "", err
	}
	s := &o.SourceSwap

	redeemer, err := sui.ParseAddress(s.Redeemer)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("redeemer: %w", err))
	}
	hash, err := s.SecretHashBytes()
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	amountInt := s.AmountInt()
	if !amountInt.IsUint64() {
		return "", swaperr.Validation(op, "amount %s exceeds u64", amountInt)
	}
	amount := amountInt.Uint64()
	if a.isSUI() && amount > math.MaxUint64-a.cfg.GasBudget {
		return "", swaperr.Validation(op, "amount %d plus gas budget exceeds u64", amount)
	}

	b := sui.NewBuilder()
	registry, err := a.registry(ctx, op, b, s)
	if err != nil {
		return "", err
	}

	gasCoins, err := a.client.GetCoins(ctx, a.signer.Address(), sui.SuiCoinType)
	if err != nil {
		return "", suiErr(op, err)
	}

	var payment []sui.Coin
	var source sui.Argument
	if a.isSUI() {
		payment, err = selectCoins(gasCoins, amount+a.cfg.GasBudget)
		if err != nil {
			return "", swaperr.Rejected(op, err)
		}
		source = sui.GasCoin
	} else {
		tokens, err := a.client.GetCoins(ctx, a.signer.Address(), a.cfg.CoinType)
		if err != nil {
			return "", suiErr(op, err)
		}
		picked, err := selectCoins(tokens, amount)
		if err != nil {
			return "", swaperr.Rejected(op, err)
		}
		source = b.Object(picked[0].Ref)
		if len(picked) > 1 {
			rest := make([]sui.Argument, 0, len(picked)-1)
			for _, c := range picked[1:] {
				rest = append(rest, b.Object(c.Ref))
			}
			b.MergeCoins(source, rest...)
		}
		payment, err = selectCoins(gasCoins, a.cfg.GasBudget)
		if err != nil {
			return "", swaperr.Rejected(op, err)
		}
	}

	b.SplitCoins(source, b.Pure(sui.PureU64(amount)))
	coin := sui.NestedResult(uint16(b.CommandCount()-1), 0)

	b.MoveCall(a.pkg, a.cfg.Module, "initiate", []sui.StructTag{a.coinType},
		registry,
		coin,
		b.Pure(sui.PureAddress(redeemer)),
		b.Pure(sui.PureBytes(hash[:])),
		b.Pure(sui.PureU64(amount)),
		b.Pure(sui.PureU64(s.Timelock)),
		b.Clock(),
	)

	digest, err := a.submit(ctx, op, b, payment)
	if err != nil {
		return "", err
	}
	a.log.Info("Initiated HTLC", "order_id", o.ID(), "digest", digest)
	return digest, nil
}

// Redeem claims the destination leg with the secret.
func (a *SuiActor) Redeem(ctx context.Context, o *order.MatchedOrder, secret []byte) (string, error) {
	const op = "sui.redeem"
	if err := CheckRedeem(op, a, o, secret); err != nil {
		return "", err
	}
	s := &o.DestinationSwap
	orderID, err := helpers.HexToBytes(s.SwapID)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("swap id: %w", err))
	}
	digest, err := a.call(ctx, op, s, "redeem", func(b *sui.Builder) []sui.Argument {
		return []sui.Argument{b.Pure(sui.PureBytes(orderID)), b.Pure(sui.PureBytes(secret))}
	})
	if err != nil {
		return "", err
	}
	a.log.Info("Redeemed HTLC", "order_id", o.ID(), "digest", digest)
	return digest, nil
}

// Refund returns the expired source leg to the signer.
func (a *SuiActor) Refund(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "sui.refund"
	if err := CheckRefund(op, a, o); err != nil {
		return "", err
	}
	s := &o.SourceSwap
	orderID, err := helpers.HexToBytes(s.SwapID)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("swap id: %w", err))
	}
	digest, err := a.call(ctx, op, s, "refund", func(b *sui.Builder) []sui.Argument {
		return []sui.Argument{b.Pure(sui.PureBytes(orderID))}
	})
	if err != nil {
		return "", err
	}
	a.log.Info("Refunded HTLC", "order_id", o.ID(), "digest", digest)
	return digest, nil
}

// call runs function(registry, args..., clock) paid from gas coins.
func (a *SuiActor) call(ctx context.Context, op string, s *order.Swap, function string, args func(b *sui.Builder) []sui.Argument) (string, error) {
	b := sui.NewBuilder()
	registry, err := a.registry(ctx, op, b, s)
	if err != nil {
		return "", err
	}
	gasCoins, err := a.client.GetCoins(ctx, a.signer.Address(), sui.SuiCoinType)
	if err != nil {
		return "", suiErr(op, err)
	}
	payment, err := selectCoins(gasCoins, a.cfg.GasBudget)
	if err != nil {
		return "", swaperr.Rejected(op, err)
	}

	callArgs := append([]sui.Argument{registry}, args(b)...)
	callArgs = append(callArgs, b.Clock())
	b.MoveCall(a.pkg, a.cfg.Module, function, []sui.StructTag{a.coinType}, callArgs...)
	return a.submit(ctx, op, b, payment)
}

func (a *SuiActor) registry(ctx context.Context, op string, b *sui.Builder, s *order.Swap) (sui.Argument, error) {
	id := a.cfg.Registry
	if id == "" {
		id = s.Asset
	}
	addr, err := sui.ParseAddress(id)
	if err != nil {
		return sui.Argument{}, swaperr.ValidationErr(op, fmt.Errorf("registry: %w", err))
	}
	obj, err := a.client.GetSharedObject(ctx, addr, true)
	if err != nil {
		if errors.Is(err, sui.ErrObjectNotFound) || errors.Is(err, sui.ErrNotShared) {
			return sui.Argument{}, swaperr.ValidationErr(op, err)
		}
		return sui.Argument{}, suiErr(op, err)
	}
	return b.Shared(obj), nil
}

// submit dry-runs, signs and executes the transaction.
func (a *SuiActor) submit(ctx context.Context, op string, b *sui.Builder, payment []sui.Coin) (string, error) {
	price, err := a.client.GetReferenceGasPrice(ctx)
	if err != nil {
		return "", suiErr(op, err)
	}
	refs := make([]sui.ObjectRef, len(payment))
	for i, c := range payment {
		refs[i] = c.Ref
	}
	sender := a.signer.Address()
	txBytes := b.TransactionData(sender, sui.GasData{
		Payment: refs,
		Owner:   sender,
		Price:   price,
		Budget:  a.cfg.GasBudget,
	})

	dry, err := a.client.DryRun(ctx, txBytes)
	if err != nil {
		return "", suiErr(op, err)
	}
	if !dry.Success {
		return "", swaperr.RejectedMsg(op, "dry run failed: "+dry.Error)
	}

	res, err := a.client.Execute(ctx, txBytes, a.signer.SignTransaction(txBytes))
	if err != nil {
		return "", suiErr(op, err)
	}
	if !res.Success {
		return "", swaperr.RejectedMsg(op, fmt.Sprintf("transaction %s failed: %s", res.Digest, res.Error))
	}
	return res.Digest, nil
}

// selectCoins picks the largest coins until target is covered.
func selectCoins(coins []sui.Coin, target uint64) ([]sui.Coin, error) {
	sorted := append([]sui.Coin(nil), coins...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Balance > sorted[j].Balance })

	var total uint64
	for i, c := range sorted {
		if c.Balance > math.MaxUint64-total {
			total = math.MaxUint64
		} else {
			total += c.Balance
		}
		if total >= target {
			return sorted[:i+1], nil
		}
	}
	return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCoins, total, target)
}

func suiErr(op string, err error) error {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return swaperr.FromHTTP(op, httpErr.Code, httpErr.Body)
	}
	return swaperr.FromChainError(op, err)
}

var _ Actor = (*SuiActor)(nil)
