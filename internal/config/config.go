// Package config loads relay configuration from the environment, an optional
// .env file and an optional networks YAML file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LocalChainID is the development chain id (Hardhat / Anvil). Only this chain
// may fall back to the node's unlocked accounts for relaying.
const LocalChainID uint64 = 31337

// Config is the relay process configuration.
type Config struct {
	Addr string `env:"RELAY_ADDR,default=:8080"`

	RelayerPrivateKey string `env:"RELAYER_PRIVATE_KEY"`
	LocalRPCURL       string `env:"LOCAL_RPC_URL,default=http://127.0.0.1:8545"`
	RPCURL            string `env:"RPC_URL"`
	NetworksFile      string `env:"RELAY_NETWORKS_FILE"`

	ConfirmTimeout   time.Duration `env:"RELAY_CONFIRM_TIMEOUT,default=2m"`
	ReceiptPoll      time.Duration `env:"RELAY_RECEIPT_POLL,default=1s"`
	VerifySignatures bool          `env:"RELAY_VERIFY_SIGNATURES,default=false"`

	RateLimitRPS   int    `env:"RELAY_RATE_LIMIT_RPS,default=5"`
	RateLimitBurst int    `env:"RELAY_RATE_LIMIT_BURST,default=10"`
	RedisURL       string `env:"REDIS_URL"`
	DatabaseURL    string `env:"DATABASE_URL"`
	CORSOrigins    string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	TrustedProxies string `env:"RELAY_TRUSTED_PROXIES"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	BalanceCheckSchedule string `env:"RELAY_BALANCE_CHECK,default=@every 1m"`
	MinBalanceWei        string `env:"RELAY_MIN_BALANCE_WEI,default=100000000000000000"`

	Networks []Network
}

// Network describes one chain the relay can submit to.
type Network struct {
	ChainID   uint64   `yaml:"chainId"`
	Name      string   `yaml:"name"`
	RPCURL    string   `yaml:"rpcUrl"`
	Contracts []string `yaml:"contracts"`
}

type networksFile struct {
	Networks []Network `yaml:"networks"`
}

// Load reads .env (when present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv decodes the process environment and the networks file it names.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.RelayerPrivateKey = strings.TrimSpace(cfg.RelayerPrivateKey)
	cfg.RPCURL = strings.TrimSpace(cfg.RPCURL)

	if cfg.NetworksFile != "" {
		networks, err := LoadNetworksFromPath(cfg.NetworksFile)
		if err != nil {
			return nil, err
		}
		cfg.Networks = networks
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNetworksFromPath parses a networks YAML file.
func LoadNetworksFromPath(path string) ([]Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks config: %w", err)
	}

	var file networksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse networks config: %w", err)
	}

	seen := make(map[uint64]bool)
	for i, n := range file.Networks {
		if n.ChainID == 0 {
			return nil, fmt.Errorf("network %d: chainId is required", i)
		}
		if seen[n.ChainID] {
			return nil, fmt.Errorf("network %d: duplicate chainId %d", i, n.ChainID)
		}
		seen[n.ChainID] = true
	}
	return file.Networks, nil
}

// Validate checks values that envdecode cannot.
func (c *Config) Validate() error {
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("RELAY_CONFIRM_TIMEOUT must be positive")
	}
	if c.ReceiptPoll <= 0 {
		return fmt.Errorf("RELAY_RECEIPT_POLL must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	if _, ok := new(big.Int).SetString(c.MinBalanceWei, 10); !ok {
		return fmt.Errorf("RELAY_MIN_BALANCE_WEI must be a decimal integer")
	}
	return nil
}

// HasRelayerKey reports whether a relayer private key is configured.
func (c *Config) HasRelayerKey() bool {
	return c.RelayerPrivateKey != ""
}

// MinBalance returns the low-balance warning threshold in wei.
func (c *Config) MinBalance() *big.Int {
	v, ok := new(big.Int).SetString(c.MinBalanceWei, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c *Config) AllowedOrigins() []string {
	return SplitAndTrimCSV(c.CORSOrigins)
}

// TrustedProxyList splits RELAY_TRUSTED_PROXIES into IPs and CIDR blocks.
func (c *Config) TrustedProxyList() []string {
	return SplitAndTrimCSV(c.TrustedProxies)
}

// ResolveNetwork returns the network for chainID. Entries from the networks
// file win; otherwise the local chain uses LOCAL_RPC_URL and every other chain
// uses RPC_URL.
func (c *Config) ResolveNetwork(chainID uint64) (Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID != chainID {
			continue
		}
		if n.RPCURL == "" {
			n.RPCURL = c.defaultRPC(chainID)
		}
		return n, n.RPCURL != ""
	}

	rpc := c.defaultRPC(chainID)
	if rpc == "" {
		return Network{}, false
	}
	name := "remote"
	if chainID == LocalChainID {
		name = "local"
	}
	return Network{ChainID: chainID, Name: name, RPCURL: rpc}, true
}

// KnownNetworks lists networks the balance monitor should watch.
func (c *Config) KnownNetworks() []Network {
	if len(c.Networks) > 0 {
		out := make([]Network, 0, len(c.Networks))
		for _, n := range c.Networks {
			if resolved, ok := c.ResolveNetwork(n.ChainID); ok {
				out = append(out, resolved)
			}
		}
		return out
	}
	if c.HasRelayerKey() && c.RPCURL != "" {
		return []Network{{Name: "remote", RPCURL: c.RPCURL}}
	}
	return nil
}

// ContractAllowed reports whether contract may be targeted on network n.
// An empty allowlist allows any contract.
func (n Network) ContractAllowed(contract string) bool {
	if len(n.Contracts) == 0 {
		return true
	}
	for _, c := range n.Contracts {
		if strings.EqualFold(strings.TrimSpace(c), strings.TrimSpace(contract)) {
			return true
		}
	}
	return false
}

func (c *Config) defaultRPC(chainID uint64) string {
	if chainID == LocalChainID {
		return c.LocalRPCURL
	}
	return c.RPCURL
}

// SplitAndTrimCSV splits a comma separated list, dropping blanks.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
