package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/swapd/internal/backend"
	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(chain.Mainnet)

	if cfg.Network != chain.Mainnet {
		t.Errorf("expected mainnet, got %s", cfg.Network)
	}
	if cfg.Coordinator.PollInterval != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %v", cfg.Coordinator.PollInterval)
	}
	if cfg.Coordinator.RecordTTL != 20*time.Minute {
		t.Errorf("expected record ttl 20m, got %v", cfg.Coordinator.RecordTTL)
	}
	if cfg.Coordinator.Deadline != time.Hour {
		t.Errorf("expected deadline 1h, got %v", cfg.Coordinator.Deadline)
	}
	if cfg.Cache.Backend != cache.BackendSQLite {
		t.Errorf("expected sqlite cache, got %s", cfg.Cache.Backend)
	}

	btc := cfg.Chains[chain.Bitcoin]
	if btc == nil || !btc.Enabled || btc.Backend == nil || btc.Backend.URL != backend.DefaultURLs[chain.Bitcoin] {
		t.Errorf("bitcoin chain = %+v", btc)
	}
	if eth := cfg.Chains[chain.Ethereum]; eth == nil || eth.Enabled || eth.Mode != EVMModeEOA {
		t.Errorf("ethereum chain = %+v", eth)
	}
	if _, ok := cfg.Chains[chain.EthereumSepolia]; ok {
		t.Error("mainnet config lists a testnet chain")
	}
}

func TestDefaultConfigTestnet(t *testing.T) {
	cfg := DefaultConfig(chain.Testnet)
	if cfg.DataDir != "~/.swapd-testnet" {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	sepolia := cfg.Chains[chain.EthereumSepolia]
	if sepolia == nil || sepolia.HTLC == "" || sepolia.RPCURL == "" {
		t.Errorf("sepolia chain = %+v", sepolia)
	}
	if got := cfg.EnabledChains(); len(got) != 1 || got[0] != chain.BitcoinTestnet {
		t.Errorf("enabled chains = %v", got)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir, chain.Testnet)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("data dir = %s, want %s", cfg.DataDir, dir)
	}

	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if !strings.HasPrefix(string(data), "# swapd configuration") {
		t.Error("config file missing header")
	}
	if !strings.Contains(string(data), "poll_interval: 5s") {
		t.Error("durations not written as strings")
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")

	yml := `
network: testnet
orderbook:
  url: http://localhost:4000
  max_retries: 7
coordinator:
  poll_interval: 2s
  record_ttl: 90s
cache:
  backend: redis
  redis:
    addr: localhost:6380
chains:
  arbitrum_sepolia:
    enabled: true
    rpc_url: http://localhost:8545
    relay_url: http://localhost:4426
    htlc: "0x1111111111111111111111111111111111111111"
`
	if err := os.WriteFile(path, []byte(yml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path, "", chain.Testnet)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Orderbook.URL != "http://localhost:4000" || cfg.Orderbook.MaxRetries != 7 {
		t.Errorf("orderbook = %+v", cfg.Orderbook)
	}
	if cfg.Coordinator.PollInterval != 2*time.Second || cfg.Coordinator.RecordTTL != 90*time.Second {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.PageSize != 100 {
		t.Errorf("unset page size lost its default: %d", cfg.Coordinator.PageSize)
	}
	if cfg.Cache.Redis.Addr != "localhost:6380" || cfg.Cache.Redis.Prefix != "swapd" {
		t.Errorf("redis = %+v", cfg.Cache.Redis)
	}
	if got := cfg.EnabledChains(); len(got) != 1 || got[0] != chain.ArbitrumSepolia {
		t.Errorf("enabled chains = %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvOrderbookToken, "from-env")
	t.Setenv(EnvPassword, "hunter2hunter2")

	dir := t.TempDir()
	cfg, err := LoadConfig(dir, chain.Mainnet)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Orderbook.Token != "from-env" {
		t.Errorf("token = %q", cfg.Orderbook.Token)
	}
	data, _ := os.ReadFile(ConfigPath(dir))
	if strings.Contains(string(data), "from-env") {
		t.Error("environment token written to disk")
	}
	if pw, ok := Password(); !ok || pw != "hunter2hunter2" {
		t.Errorf("Password() = %q, %v", pw, ok)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"defaults", func(c *Config) {}, nil},
		{"bad network", func(c *Config) { c.Network = "moon" }, ErrInvalidNetwork},
		{"no orderbook", func(c *Config) { c.Orderbook.URL = " " }, ErrNoOrderbook},
		{"bad cache", func(c *Config) { c.Cache.Backend = "etcd" }, ErrInvalidCache},
		{"redis without addr", func(c *Config) {
			c.Cache.Backend = cache.BackendRedis
			c.Cache.Redis.Addr = ""
		}, ErrInvalidCache},
		{"unknown chain", func(c *Config) { c.Chains["dogecoin"] = &ChainConfig{Enabled: true} }, ErrInvalidChain},
		{"evm without rpc", func(c *Config) {
			c.Chains[chain.EthereumSepolia] = &ChainConfig{Enabled: true, RelayURL: "http://r"}
		}, ErrInvalidChain},
		{"evm batch without wallet", func(c *Config) {
			c.Chains[chain.EthereumSepolia] = &ChainConfig{Enabled: true, RPCURL: "http://x", RelayURL: "http://r", Mode: EVMModeBatch}
		}, ErrInvalidChain},
		{"evm bad mode", func(c *Config) {
			c.Chains[chain.EthereumSepolia] = &ChainConfig{Enabled: true, RPCURL: "http://x", RelayURL: "http://r", Mode: "4337"}
		}, ErrInvalidChain},
		{"sui without package", func(c *Config) {
			c.Chains[chain.SuiTestnet] = &ChainConfig{Enabled: true, RPCURL: "http://x"}
		}, ErrInvalidChain},
		{"starknet ok", func(c *Config) {
			c.Chains[chain.StarknetSepolia] = &ChainConfig{Enabled: true, RPCURL: "http://x", SignerURL: "http://s", Account: "0x1", RelayURL: "http://r"}
		}, nil},
		{"disabled chains skipped", func(c *Config) { c.Chains[chain.SuiTestnet] = &ChainConfig{} }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(chain.Testnet)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEVMContracts(t *testing.T) {
	if !IsHTLCDeployed(chain.EthereumSepolia) {
		t.Error("sepolia HTLC should be known")
	}
	if IsHTLCDeployed(chain.Ethereum) {
		t.Error("mainnet HTLC should not be deployed")
	}

	RegisterEVMContracts(chain.BaseSepolia, &EVMContracts{NativeHTLC: common.HexToAddress("0x4444444444444444444444444444444444444444")})
	cc := &ChainConfig{}
	if got := cc.NativeHTLCAddress(chain.BaseSepolia); !strings.EqualFold(got, "0x4444444444444444444444444444444444444444") {
		t.Errorf("native htlc = %s", got)
	}
	cc.NativeHTLC = "0x5555555555555555555555555555555555555555"
	if got := cc.NativeHTLCAddress(chain.BaseSepolia); got != cc.NativeHTLC {
		t.Errorf("configured native htlc ignored: %s", got)
	}

	// Callers get a copy.
	c, _ := DefaultEVMContracts(chain.EthereumSepolia)
	c.RPCURL = "changed"
	if again, _ := DefaultEVMContracts(chain.EthereumSepolia); again.RPCURL == "changed" {
		t.Error("DefaultEVMContracts returned shared state")
	}
}

func TestKeystorePath(t *testing.T) {
	cfg := DefaultConfig(chain.Mainnet)
	cfg.DataDir = "/var/lib/swapd"
	if got := cfg.KeystorePath(); got != "/var/lib/swapd/digest.key" {
		t.Errorf("KeystorePath = %s", got)
	}
	cfg.KeystoreFile = "/etc/swapd/key"
	if got := cfg.KeystorePath(); got != "/etc/swapd/key" {
		t.Errorf("absolute KeystorePath = %s", got)
	}

	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath = %s", got)
	}
}
