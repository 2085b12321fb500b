// Package config loads and validates the engine daemon configuration from a
// YAML file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Defaults applied for omitted fields.
const (
	DefaultFeeBps           = 30
	DefaultMinimumLiquidity = 1000
	DefaultMaxHops          = 3
	DefaultListenAddr       = ":8546"
	DefaultMetricsAddr      = ":9090"
	DefaultEventBufferSize  = 256
)

// Config is the daemon configuration. Addresses are hex strings in the file
// and validated on load; use the accessor methods for parsed values.
type Config struct {
	// FeeBps is the swap fee in basis points, applied by every pool.
	FeeBps uint16 `yaml:"fee_bps"`

	// MinimumLiquidity is the share amount permanently locked on each pool's
	// first deposit.
	MinimumLiquidity int64 `yaml:"minimum_liquidity"`

	// ProtocolFeeEnabled turns on treasury share minting.
	ProtocolFeeEnabled bool `yaml:"protocol_fee_enabled"`

	// ProtocolFeeRecipient receives treasury shares. Required when the
	// protocol fee is enabled.
	ProtocolFeeRecipient string `yaml:"protocol_fee_recipient"`

	// BaseTokens are the router's intermediate assets for route search.
	BaseTokens []string `yaml:"base_tokens"`

	// MaxHops caps route depth.
	MaxHops int `yaml:"max_hops"`

	// ListenAddr is the websocket event stream bind address.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the prometheus scrape bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// EventBufferSize is the per-subscriber event queue depth.
	EventBufferSize uint `yaml:"event_buffer_size"`
}

// LoadConfig reads a YAML config file, fills defaults and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with the production defaults.
func Default() *Config {
	return &Config{
		FeeBps:           DefaultFeeBps,
		MinimumLiquidity: DefaultMinimumLiquidity,
		MaxHops:          DefaultMaxHops,
		ListenAddr:       DefaultListenAddr,
		MetricsAddr:      DefaultMetricsAddr,
		EventBufferSize:  DefaultEventBufferSize,
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.FeeBps >= 10000 {
		return fmt.Errorf("config: fee_bps %d must be below 10000", c.FeeBps)
	}
	if c.MinimumLiquidity <= 0 {
		return errors.New("config: minimum_liquidity must be positive")
	}
	if c.ProtocolFeeEnabled && c.ProtocolFeeRecipient == "" {
		return errors.New("config: protocol_fee_recipient is required when protocol_fee_enabled is set")
	}
	if c.ProtocolFeeRecipient != "" && !common.IsHexAddress(c.ProtocolFeeRecipient) {
		return fmt.Errorf("config: protocol_fee_recipient %q is not a hex address", c.ProtocolFeeRecipient)
	}
	for _, token := range c.BaseTokens {
		if !common.IsHexAddress(token) {
			return fmt.Errorf("config: base token %q is not a hex address", token)
		}
	}
	if c.MaxHops < 1 {
		return errors.New("config: max_hops must be at least 1")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.MetricsAddr == "" {
		return errors.New("config: metrics_addr is required")
	}
	if c.EventBufferSize < 1 {
		return errors.New("config: event_buffer_size must be greater than 0")
	}
	return nil
}

// MinimumLiquidityBig returns the locked-share amount as a big integer.
func (c *Config) MinimumLiquidityBig() *big.Int {
	return big.NewInt(c.MinimumLiquidity)
}

// ProtocolFeeRecipientAddress returns the parsed treasury address, or the
// zero address when unset.
func (c *Config) ProtocolFeeRecipientAddress() common.Address {
	if c.ProtocolFeeRecipient == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.ProtocolFeeRecipient)
}

// BaseTokenAddresses returns the parsed base token list.
func (c *Config) BaseTokenAddresses() []common.Address {
	tokens := make([]common.Address, len(c.BaseTokens))
	for i, token := range c.BaseTokens {
		tokens[i] = common.HexToAddress(token)
	}
	return tokens
}
