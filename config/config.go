package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"stratum/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	DataDir        string   `toml:"DataDir"`
	Environment    string   `toml:"Environment"`
	OwnerAddress   string   `toml:"OwnerAddress"`
	AdminJWTSecret string   `toml:"AdminJWTSecret"`
	Protocol       Protocol `toml:"Protocol"`
}

// Protocol carries the lending core's policy constants.
type Protocol struct {
	CollateralSymbol   string `toml:"CollateralSymbol"`
	StableSymbol       string `toml:"StableSymbol"`
	DebtSymbol         string `toml:"DebtSymbol"`
	PriceFeedID        string `toml:"PriceFeedID"`
	MaxPriceAgeSeconds uint64 `toml:"MaxPriceAgeSeconds"`
	LTVBps             uint64 `toml:"LTVBps"`
	SlippageBps        uint64 `toml:"SlippageBps"`
	PoolFeeBps         uint64 `toml:"PoolFeeBps"`
	// HarvestMinYield is the smallest stable-denominated yield (in wei, as a
	// decimal string) a harvest cycle will act on. Empty or "0" disables the
	// floor.
	HarvestMinYield string `toml:"HarvestMinYield"`
}

// MinYield parses HarvestMinYield. It returns nil when the floor is unset,
// zero or malformed; Validate rejects malformed values up front.
func (p Protocol) MinYield() *big.Int {
	trimmed := strings.TrimSpace(p.HarvestMinYield)
	if trimmed == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() <= 0 {
		return nil
	}
	return v
}

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the protocol cannot safely run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress must not be empty")
	}
	if c.Protocol.LTVBps == 0 || c.Protocol.LTVBps >= 10_000 {
		return fmt.Errorf("config: LTVBps must be within (0, 10000), got %d", c.Protocol.LTVBps)
	}
	if c.Protocol.SlippageBps >= 10_000 {
		return fmt.Errorf("config: SlippageBps must be below 10000, got %d", c.Protocol.SlippageBps)
	}
	if c.Protocol.MaxPriceAgeSeconds == 0 {
		return fmt.Errorf("config: MaxPriceAgeSeconds must be positive")
	}
	if strings.TrimSpace(c.Protocol.PriceFeedID) == "" {
		return fmt.Errorf("config: PriceFeedID must not be empty")
	}
	if trimmed := strings.TrimSpace(c.Protocol.HarvestMinYield); trimmed != "" {
		v, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("config: HarvestMinYield must be a non-negative integer, got %q", c.Protocol.HarvestMinYield)
		}
	}
	if c.OwnerAddress != "" {
		if _, err := crypto.DecodeAddress(c.OwnerAddress); err != nil {
			return fmt.Errorf("config: invalid OwnerAddress: %w", err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./stratum-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	p := &c.Protocol
	if p.CollateralSymbol == "" {
		p.CollateralSymbol = "BTC"
	}
	if p.StableSymbol == "" {
		p.StableSymbol = "MUSD"
	}
	if p.DebtSymbol == "" {
		p.DebtSymbol = "BMUSD"
	}
}

// createDefault writes a fresh configuration with a generated admin secret.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		ListenAddress:  ":8080",
		DataDir:        "./stratum-data",
		Environment:    "local",
		AdminJWTSecret: hex.EncodeToString(key.Bytes()),
		Protocol: Protocol{
			CollateralSymbol:   "BTC",
			StableSymbol:       "MUSD",
			DebtSymbol:         "BMUSD",
			PriceFeedID:        "btc-usd",
			MaxPriceAgeSeconds: 60,
			LTVBps:             5_000,
			SlippageBps:        50,
			PoolFeeBps:         30,
			HarvestMinYield:    "0",
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
