// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	API         APIConfig         `mapstructure:"api"`
	Market      MarketConfig      `mapstructure:"market"`
	Quote       QuoteConfig       `mapstructure:"quote"`
	Controller  ControllerConfig  `mapstructure:"controller"`
	Position    PositionConfig    `mapstructure:"position"`
	OrderTrack  OrderTrackConfig  `mapstructure:"order_tracker"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Inventory   InventoryConfig   `mapstructure:"inventory"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Ops         OpsConfig         `mapstructure:"ops"`
}

// WalletConfig holds the Ethereum wallet used for signing orders and
// on-chain split/merge transactions. PrivateKey signs L1 (EIP-712) auth and
// derives L2 API keys. FunderAddress is the on-chain address that funds
// orders (may differ from the signer when using a proxy/Safe wallet).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the engine derives them via L1
// auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// MarketConfig names the single binary market this process trades, when it
// is not supplied by the discovery pipeline.
type MarketConfig struct {
	ConditionID string `mapstructure:"condition_id"`
	YesTokenID  string `mapstructure:"yes_token_id"`
	NoTokenID   string `mapstructure:"no_token_id"`
}

// QuoteConfig tunes the pure quote generator (§4.F).
type QuoteConfig struct {
	SpreadPercent float64 `mapstructure:"spread_percent"` // (0,1]
	OrderSize     float64 `mapstructure:"order_size"`     // shares per side
}

// ControllerConfig tunes the quote lifecycle controller (§4.G).
type ControllerConfig struct {
	RebalanceThreshold float64       `mapstructure:"rebalance_threshold"` // abs midpoint move
	DebounceMs         int           `mapstructure:"debounce_ms"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	MaxPlacementRetries int          `mapstructure:"max_placement_retries"`
	PlacementBackoff    []time.Duration `mapstructure:"-"` // fixed: 250ms, 500ms, 1s
}

// PositionConfig sets the net-exposure limit enforced by the position tracker (§4.B).
type PositionConfig struct {
	MaxNetExposure float64 `mapstructure:"max_net_exposure"`
	WarnThreshold  float64 `mapstructure:"warn_threshold"` // fraction of MaxNetExposure, e.g. 0.8
}

// OrderTrackConfig bounds the in-memory order tracker (§4.C).
type OrderTrackConfig struct {
	Capacity int           `mapstructure:"capacity"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// FeedConfig tunes the market price feed's connectivity behavior (§4.D).
type FeedConfig struct {
	MaxSpreadForMidpoint float64       `mapstructure:"max_spread_for_midpoint"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	FallbackPolling      time.Duration `mapstructure:"fallback_polling"`
	LastTradeMaxAge      time.Duration `mapstructure:"last_trade_max_age"`
}

// InventoryConfig tunes the split/merge pre-flight and execution (§4.H).
type InventoryConfig struct {
	MinTokensPerSide  float64 `mapstructure:"min_tokens_per_side"`
	AutoSplit         bool    `mapstructure:"auto_split"`
	MinGasBalance     float64 `mapstructure:"min_gas_balance"` // in native gas-asset units
	ReserveMultiplier float64 `mapstructure:"reserve_multiplier"`
	RPCURL            string  `mapstructure:"rpc_url"`
	CTFAddress        string  `mapstructure:"ctf_address"`        // conditional-token framework contract
	CollateralAddress string  `mapstructure:"collateral_address"` // USDC
}

// DiscoveryConfig tunes the discovery & ranking engine (§4.I).
type DiscoveryConfig struct {
	LiquidityCommitment  float64       `mapstructure:"liquidity_commitment"` // L
	VolatilityThreshold  float64       `mapstructure:"volatility_threshold"`
	VolatilityLookback   time.Duration `mapstructure:"volatility_lookback"`
	MaxCandidates        int           `mapstructure:"max_candidates"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
}

// LiquidationConfig tunes the staged liquidation manager adapted from the
// teacher's kill-switch machinery.
type LiquidationConfig struct {
	DropPct       float64       `mapstructure:"drop_pct"`
	WindowSec     int           `mapstructure:"window_sec"`
	SkewedAfter   time.Duration `mapstructure:"skewed_after"`
	AggressiveAfter time.Duration `mapstructure:"aggressive_after"`
	MarketAfter   time.Duration `mapstructure:"market_after"`
}

// StoreConfig sets where fill/position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// OpsConfig controls the operator status HTTP surface.
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_PRIVATE_KEY, MM_API_KEY, MM_API_SECRET,
// MM_PASSPHRASE, MM_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("MM_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.Controller.PlacementBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, per the
// configuration-invalid error class (§7): fatal at startup.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set MM_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for Polygon mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Market.ConditionID == "" && c.Discovery.LiquidityCommitment <= 0 {
		return fmt.Errorf("either market.condition_id or discovery.liquidity_commitment must be set")
	}
	if c.Market.ConditionID != "" && (c.Market.YesTokenID == "" || c.Market.NoTokenID == "") {
		return fmt.Errorf("market.yes_token_id and market.no_token_id are required when market.condition_id is set")
	}
	if c.Quote.SpreadPercent <= 0 || c.Quote.SpreadPercent > 1 {
		return fmt.Errorf("quote.spread_percent must be in (0, 1]")
	}
	if c.Quote.OrderSize <= 0 {
		return fmt.Errorf("quote.order_size must be > 0")
	}
	if c.Position.MaxNetExposure <= 0 {
		return fmt.Errorf("position.max_net_exposure must be > 0")
	}
	if c.Position.WarnThreshold <= 0 || c.Position.WarnThreshold > 1 {
		return fmt.Errorf("position.warn_threshold must be in (0, 1]")
	}
	if c.Controller.RefreshInterval <= 0 {
		return fmt.Errorf("controller.refresh_interval must be > 0")
	}
	if c.Controller.DebounceMs <= 0 {
		return fmt.Errorf("controller.debounce_ms must be > 0")
	}
	return nil
}
