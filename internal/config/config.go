// Package config holds the swapd daemon configuration: which chains the
// daemon acts on, where their RPC endpoints, relays and contracts live,
// and how the coordinator, cache and control surface are tuned.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/swapd/internal/backend"
	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Environment overrides for secrets that should not live in the file.
const (
	EnvPassword       = "SWAPD_PASSWORD"
	EnvOrderbookToken = "SWAPD_ORDERBOOK_TOKEN"
)

// EVM actor modes
const (
	EVMModeEOA   = "eoa"
	EVMModeBatch = "batch"
)

var (
	ErrInvalidNetwork = errors.New("invalid network")
	ErrNoOrderbook    = errors.New("orderbook url is required")
	ErrInvalidCache   = errors.New("invalid cache backend")
	ErrInvalidChain   = errors.New("invalid chain configuration")
)

// Config is the daemon configuration.
type Config struct {
	Network chain.Network `yaml:"network"`
	DataDir string        `yaml:"data_dir"`

	// KeystoreFile holds the encrypted digest key, relative to DataDir.
	KeystoreFile string `yaml:"keystore_file"`

	Logging     LoggingConfig     `yaml:"logging"`
	RPC         RPCConfig         `yaml:"rpc"`
	Orderbook   OrderbookConfig   `yaml:"orderbook"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Cache       CacheConfig       `yaml:"cache"`

	// Chains configures one actor per chain. Chains absent here, or
	// present but disabled, are never acted on.
	Chains map[chain.Chain]*ChainConfig `yaml:"chains"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text, json or logfmt.
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// RPCConfig holds the local control surface settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// OrderbookConfig locates the orderbook service.
type OrderbookConfig struct {
	URL string `yaml:"url"`
	// Token is the bearer token. SWAPD_ORDERBOOK_TOKEN overrides it.
	Token      string        `yaml:"token,omitempty"`
	MaxRetries uint64        `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
	// Stream subscribes to push updates in addition to polling.
	Stream bool `yaml:"stream"`
}

// CoordinatorConfig tunes the execution loop.
type CoordinatorConfig struct {
	// Address is the monitored orderbook identity. Empty means the
	// digest key's EVM address.
	Address      string        `yaml:"address,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PageSize     int           `yaml:"page_size"`
	RecordTTL    time.Duration `yaml:"record_ttl"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	// Deadline is how long an order may sit before it is refunded or
	// considered expired.
	Deadline time.Duration `yaml:"deadline"`
}

// CacheConfig selects the idempotency cache backend.
type CacheConfig struct {
	// Backend is memory, redis or sqlite.
	Backend         string        `yaml:"backend"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ChainConfig configures the actor of one chain. Only the fields of the
// chain's family are read.
type ChainConfig struct {
	Enabled bool   `yaml:"enabled"`
	RPCURL  string `yaml:"rpc_url,omitempty"`

	// EVM and Starknet relay.
	RelayURL    string `yaml:"relay_url,omitempty"`
	RelayAPIKey string `yaml:"relay_api_key,omitempty"`

	// EVM
	Mode       string `yaml:"mode,omitempty"`
	HTLC       string `yaml:"htlc,omitempty"`
	NativeHTLC string `yaml:"native_htlc,omitempty"`
	Gasless    bool   `yaml:"gasless,omitempty"`
	// WalletURL is the smart-account wallet endpoint used in batch mode.
	WalletURL string `yaml:"wallet_url,omitempty"`
	Account   string `yaml:"account,omitempty"`

	// Bitcoin
	Backend        *backend.Config `yaml:"backend,omitempty"`
	MinFeeRate     uint64          `yaml:"min_fee_rate,omitempty"`
	FeeBumpPercent uint64          `yaml:"fee_bump_percent,omitempty"`

	// Starknet
	SignerURL    string `yaml:"signer_url,omitempty"`
	SignerAPIKey string `yaml:"signer_api_key,omitempty"`

	// Sui
	Package   string `yaml:"package,omitempty"`
	Module    string `yaml:"module,omitempty"`
	Registry  string `yaml:"registry,omitempty"`
	CoinType  string `yaml:"coin_type,omitempty"`
	GasBudget uint64 `yaml:"gas_budget,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for a network.
func DefaultConfig(network chain.Network) *Config {
	cfg := &Config{
		Network:      network,
		DataDir:      "~/.swapd",
		KeystoreFile: "digest.key",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RPC: RPCConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7890",
		},
		Orderbook: OrderbookConfig{
			URL:        "https://orderbook.klingon.tech",
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			Stream:     true,
		},
		Coordinator: CoordinatorConfig{
			PollInterval: 5 * time.Second,
			PageSize:     100,
			RecordTTL:    20 * time.Minute,
			CallTimeout:  5 * time.Minute,
			Deadline:     time.Hour,
		},
		Cache: CacheConfig{
			Backend:         cache.BackendSQLite,
			JanitorInterval: time.Minute,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "swapd",
			},
		},
		Chains: defaultChains(network),
	}
	if network == chain.Testnet {
		cfg.DataDir = "~/.swapd-testnet"
		cfg.Orderbook.URL = "https://testnet.orderbook.klingon.tech"
	}
	return cfg
}

func defaultChains(network chain.Network) map[chain.Chain]*ChainConfig {
	chains := make(map[chain.Chain]*ChainConfig)
	for _, name := range chain.List() {
		p, ok := chain.Get(name)
		if !ok || p.Network != network {
			continue
		}
		cc := &ChainConfig{}
		switch p.Family {
		case chain.FamilyBitcoin:
			if def, ok := backend.DefaultConfig(p.Name); ok {
				cc.Backend = def
				cc.Enabled = true
			}
		case chain.FamilyEVM:
			cc.Mode = EVMModeEOA
			if c, ok := DefaultEVMContracts(p.Name); ok {
				cc.HTLC = hexOrEmpty(c.HTLC)
				cc.NativeHTLC = hexOrEmpty(c.NativeHTLC)
				cc.RPCURL = c.RPCURL
			}
		}
		chains[p.Name] = cc
	}
	return chains
}

// LoadConfig loads configuration from dataDir/config.yaml. If the file
// doesn't exist, it creates one with default values.
func LoadConfig(dataDir string, network chain.Network) (*Config, error) {
	return LoadFile(ConfigPath(dataDir), dataDir, network)
}

// LoadFile loads configuration from an explicit path, creating it with
// defaults when missing.
func LoadFile(path, dataDir string, network chain.Network) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig(network)
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		cfg.ApplyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig(network)
	// Chains come from the file alone so removing one disables it.
	cfg.Chains = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays secrets from the environment.
func (c *Config) ApplyEnv() {
	if token := os.Getenv(EnvOrderbookToken); token != "" {
		c.Orderbook.Token = token
	}
}

// Password returns the keystore password from the environment.
func Password() (string, bool) {
	return os.LookupEnv(EnvPassword)
}

// Validate checks the configuration for values the daemon cannot start
// with.
func (c *Config) Validate() error {
	switch c.Network {
	case chain.Mainnet, chain.Testnet, chain.Regtest:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Network)
	}
	if strings.TrimSpace(c.Orderbook.URL) == "" {
		return ErrNoOrderbook
	}
	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendSQLite:
	case cache.BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("%w: redis addr is required", ErrInvalidCache)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCache, c.Cache.Backend)
	}

	for _, name := range c.EnabledChains() {
		if err := c.Chains[name].validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (cc *ChainConfig) validate(name chain.Chain) error {
	params, ok := chain.Get(name)
	if !ok {
		return fmt.Errorf("%w: unknown chain %s", ErrInvalidChain, name)
	}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidChain, name, fmt.Sprintf(format, args...))
	}

	switch params.Family {
	case chain.FamilyBitcoin:
		if cc.Backend == nil || cc.Backend.URL == "" {
			return fail("backend url is required")
		}
	case chain.FamilyEVM:
		if cc.RPCURL == "" {
			return fail("rpc_url is required")
		}
		switch cc.Mode {
		case "", EVMModeEOA:
		case EVMModeBatch:
			if cc.WalletURL == "" || cc.Account == "" {
				return fail("batch mode needs wallet_url and account")
			}
		default:
			return fail("unknown mode %q", cc.Mode)
		}
		if cc.RelayURL == "" {
			return fail("relay_url is required")
		}
	case chain.FamilyStarknet:
		if cc.RPCURL == "" || cc.SignerURL == "" || cc.Account == "" {
			return fail("rpc_url, signer_url and account are required")
		}
		if cc.RelayURL == "" {
			return fail("relay_url is required")
		}
	case chain.FamilySui:
		if cc.RPCURL == "" || cc.Package == "" {
			return fail("rpc_url and package are required")
		}
	}
	return nil
}

// EnabledChains lists the enabled chains in name order.
func (c *Config) EnabledChains() []chain.Chain {
	var out []chain.Chain
	for name, cc := range c.Chains {
		if cc != nil && cc.Enabled {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeystorePath returns the absolute keystore path.
func (c *Config) KeystorePath() string {
	if filepath.IsAbs(c.KeystoreFile) {
		return c.KeystoreFile
	}
	return filepath.Join(expandPath(c.DataDir), c.KeystoreFile)
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Never persist secrets that came from the environment.
	out := *c
	if os.Getenv(EnvOrderbookToken) != "" {
		out.Orderbook.Token = ""
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# swapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	return expandPath(path)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
