package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/Klingon-tech/swapd/internal/backend"
	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/config"
	contracts "github.com/Klingon-tech/swapd/internal/contracts/htlc"
	"github.com/Klingon-tech/swapd/internal/htlc"
	"github.com/Klingon-tech/swapd/internal/relay"
	"github.com/Klingon-tech/swapd/internal/secret"
	"github.com/Klingon-tech/swapd/internal/starknet"
	"github.com/Klingon-tech/swapd/internal/sui"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// buildActors creates one actor per enabled chain.
func buildActors(ctx context.Context, cfg *config.Config, secrets *secret.Manager, c cache.Cache) (*htlc.Registry, error) {
	log := logging.GetDefault().Component("actors")
	registry := htlc.NewRegistry()

	for _, name := range cfg.EnabledChains() {
		cc := cfg.Chains[name]
		params, ok := chain.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown chain %s", config.ErrInvalidChain, name)
		}

		var (
			actor htlc.Actor
			err   error
		)
		switch params.Family {
		case chain.FamilyEVM:
			actor, err = evmActor(ctx, params, cc, secrets)
		case chain.FamilyBitcoin:
			actor, err = bitcoinActor(params, cc, secrets, c)
		case chain.FamilyStarknet:
			actor = starknetActor(params, cc)
		case chain.FamilySui:
			actor, err = suiActor(params, cc, secrets)
		default:
			err = fmt.Errorf("unsupported family %s", params.Family)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		registry.Register(name, actor)
		log.Info("Chain enabled", "chain", name, "family", params.Family, "address", actor.Address())
	}
	return registry, nil
}

func relayFor(cc *config.ChainConfig) *relay.Client {
	var opts []relay.Option
	if cc.RelayAPIKey != "" {
		opts = append(opts, relay.WithAPIKey(cc.RelayAPIKey))
	}
	return relay.New(cc.RelayURL, opts...)
}

func evmActor(ctx context.Context, params *chain.Params, cc *config.ChainConfig, secrets *secret.Manager) (htlc.Actor, error) {
	client, err := ethclient.DialContext(ctx, cc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := new(big.Int).SetUint64(params.ChainID)
	if params.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
	}
	contractFor := func(addr common.Address) htlc.Contract {
		return contracts.NewClient(client, addr, chainID)
	}
	nativeHTLC := cc.NativeHTLCAddress(params.Name)

	if cc.Mode == config.EVMModeBatch {
		walletRPC, err := gethrpc.DialContext(ctx, cc.WalletURL)
		if err != nil {
			return nil, fmt.Errorf("dial wallet: %w", err)
		}
		return htlc.NewBatchActor(htlc.BatchConfig{
			Chain:      params.Name,
			Account:    cc.Account,
			NativeHTLC: nativeHTLC,
		}, walletRPC, contractFor, relayFor(cc))
	}

	key, err := secrets.PrivateKey()
	if err != nil {
		return nil, err
	}
	return htlc.NewEVMActor(htlc.EVMConfig{
		Chain:      params.Name,
		NativeHTLC: nativeHTLC,
		Gasless:    cc.Gasless,
	}, key, contractFor, relayFor(cc)), nil
}

func bitcoinActor(params *chain.Params, cc *config.ChainConfig, secrets *secret.Manager, c cache.Cache) (htlc.Actor, error) {
	be, err := backend.New(cc.Backend)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	key, err := secrets.BitcoinKey(params.Network)
	if err != nil {
		return nil, err
	}
	return htlc.NewBitcoinActor(htlc.BitcoinConfig{
		Chain:          params.Name,
		MinFeeRate:     cc.MinFeeRate,
		FeeBumpPercent: cc.FeeBumpPercent,
	}, key, be, c)
}

func starknetActor(params *chain.Params, cc *config.ChainConfig) htlc.Actor {
	return htlc.NewStarknetActor(
		htlc.StarknetConfig{Chain: params.Name},
		starknet.NewProvider(cc.RPCURL),
		starknet.NewRemoteAccount(cc.Account, cc.SignerURL, cc.SignerAPIKey),
		relayFor(cc),
	)
}

func suiActor(params *chain.Params, cc *config.ChainConfig, secrets *secret.Manager) (htlc.Actor, error) {
	w, err := secrets.Wallet(params.Network)
	if err != nil {
		return nil, err
	}
	key, err := w.SuiKey(0)
	if err != nil {
		return nil, err
	}
	return htlc.NewSuiActor(htlc.SuiConfig{
		Chain:     params.Name,
		Package:   cc.Package,
		Module:    cc.Module,
		Registry:  cc.Registry,
		CoinType:  cc.CoinType,
		GasBudget: cc.GasBudget,
	}, sui.NewClient(cc.RPCURL), key)
}
