// Package config defines the top-level configuration for flashguard and
// provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashguard/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLASHGUARD_* environment variables.
type Config struct {
	Chain         ChainConfig      `toml:"chain"`
	Wallet        WalletConfig     `toml:"wallet"`
	Relay         RelayConfig      `toml:"relay"`
	Protection    ProtectionConfig `toml:"protection"`
	Settlement    SettlementConfig `toml:"settlement"`
	Monitor       MonitorConfig    `toml:"monitor"`
	Decoy         DecoyConfig      `toml:"decoy"`
	Route         RouteConfig      `toml:"route"`
	Liquidity     LiquidityConfig  `toml:"liquidity"`
	Scanner       ScannerConfig    `toml:"scanner"`
	Postgres      PostgresConfig   `toml:"postgres"`
	Redis         RedisConfig      `toml:"redis"`
	S3            S3Config         `toml:"s3"`
	Archive       ArchiveConfig    `toml:"archive"`
	Server        ServerConfig     `toml:"server"`
	Feed          FeedConfig       `toml:"feed"`
	Mode          string           `toml:"mode"`
	ExecutionMode string           `toml:"execution_mode"`
	LogLevel      string           `toml:"log_level"`
}

// ChainConfig describes the execution chain and any additional chains the
// route search prices gas on.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID uint64 `toml:"chain_id"`
	// Remote lists the other chains reachable through configured bridges.
	Remote []RemoteChainConfig `toml:"remote"`

	PriorityFeeMultiplier float64  `toml:"priority_fee_multiplier"`
	MinPriorityFeeGwei    float64  `toml:"min_priority_fee_gwei"`
	MaxPriorityFeeGwei    float64  `toml:"max_priority_fee_gwei"`
	BaseFeeMultiplier     int64    `toml:"base_fee_multiplier"`
	LegacyMultiplierPct   int64    `toml:"legacy_multiplier_pct"`
	GasLimitBufferPct     uint64   `toml:"gas_limit_buffer_pct"`
	EstimateRetries       int      `toml:"estimate_retries"`
	MineTimeout           duration `toml:"mine_timeout"`
}

// RemoteChainConfig is a chain only read from.
type RemoteChainConfig struct {
	ChainID uint64 `toml:"chain_id"`
	RPCURL  string `toml:"rpc_url"`
}

// WalletConfig holds the searcher key sources.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// RelayConfig holds the private relay endpoint and its submission limits.
type RelayConfig struct {
	URL string `toml:"url"`
	// AuthKey signs relay payloads. It is a reputation key, not the searcher key.
	AuthKey          string   `toml:"auth_key"`
	Timeout          duration `toml:"timeout"`
	MaxRetries       int      `toml:"max_retries"`
	RetryBackoff     duration `toml:"retry_backoff"`
	InclusionTimeout duration `toml:"inclusion_timeout"`
	PollInterval     duration `toml:"poll_interval"`
	// RateLimit requests per RateWindow, shared across processes through redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// ProtectionConfig holds commit-reveal and bundle retry parameters.
type ProtectionConfig struct {
	// Backend is "onchain" (deployed protection contract) or "inprocess".
	Backend           string   `toml:"backend"`
	Contract          string   `toml:"contract"`
	CommitFeeWei      string   `toml:"commit_fee_wei"`
	CommitDelayBlocks uint64   `toml:"commit_delay_blocks"`
	MaxBlocksToTry    int      `toml:"max_blocks_to_try"`
	MaxBlocksToWait   int      `toml:"max_blocks_to_wait"`
	DecoysByThreat    []int    `toml:"decoys_by_threat"`
	RevealGasLimit    uint64   `toml:"reveal_gas_limit"`
	LockTTL           duration `toml:"lock_ttl"`
	CancelTimeout     duration `toml:"cancel_timeout"`
	RetainFinished    duration `toml:"retain_finished"`

	ThreatBumpPct []int64 `toml:"threat_bump_pct"`
	EscalationPct int64   `toml:"escalation_pct"`
	FeeShareBps   int64   `toml:"fee_share_bps"`
	MaxTipGwei    float64 `toml:"max_tip_gwei"`

	// Registry parameters for the in-process backend.
	MinCommitAge       duration `toml:"min_commit_age"`
	CommitRevealWindow duration `toml:"commit_reveal_window"`
	MaxGasPriceGwei    float64  `toml:"max_gas_price_gwei"`
	EnforceGasPrice    bool     `toml:"enforce_gas_price"`
}

// SettlementConfig holds the atomic settlement contract parameters.
type SettlementConfig struct {
	Contract         string `toml:"contract"`
	MinProfitBps     int64  `toml:"min_profit_bps"`
	LenderPremiumBps int64  `toml:"lender_premium_bps"`
	SlippageBps      int64  `toml:"slippage_bps"`
	// Lender is only used by the in-process backend.
	Lender string `toml:"lender"`
}

// MonitorConfig holds the competitor pattern thresholds.
type MonitorConfig struct {
	HighFrequencyCount  int      `toml:"high_frequency_count"`
	FrequencyWindow     duration `toml:"frequency_window"`
	SpikeMultiplier     float64  `toml:"spike_multiplier"`
	EWMAWeight          float64  `toml:"ewma_weight"`
	KnownSelectors      []string `toml:"known_selectors"`
	StaleAfter          duration `toml:"stale_after"`
	SweepInterval       duration `toml:"sweep_interval"`
	AnomalyTxCount      uint64   `toml:"anomaly_tx_count"`
	AnomalyGasPriceGwei float64  `toml:"anomaly_gas_price_gwei"`
	AnomalySelectors    int      `toml:"anomaly_selectors"`
	ThreatWindow        duration `toml:"threat_window"`
	ElevatedAfter       int      `toml:"elevated_after"`
	HighAfter           int      `toml:"high_after"`
	Shards              int      `toml:"shards"`
}

// DecoyConfig holds the decoy call pool.
type DecoyConfig struct {
	Contracts     []string `toml:"contracts"`
	Selectors     []string `toml:"selectors"`
	BaseValueWei  string   `toml:"base_value_wei"`
	ValueVariance float64  `toml:"value_variance"`
	BaseGas       uint64   `toml:"base_gas"`
	GasVariance   uint64   `toml:"gas_variance"`
	Seed          int64    `toml:"seed"`
}

// RouteConfig holds bridges and USD pricing for route scoring.
type RouteConfig struct {
	Bridges []BridgeConfig `toml:"bridges"`
	// StaticPricesUSD is keyed by "<chain id>:<lowercase token address>".
	StaticPricesUSD map[string]string `toml:"static_prices_usd"`
	PriceMaxAge     duration          `toml:"price_max_age"`
	PriceTTL        duration          `toml:"price_ttl"`
}

// TokenConfig describes one ERC-20 token.
type TokenConfig struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals int32  `toml:"decimals"`
}

// BridgeConfig maps a token across two chains.
type BridgeConfig struct {
	Name         string      `toml:"name"`
	SourceChain  uint64      `toml:"source_chain"`
	TargetChain  uint64      `toml:"target_chain"`
	SourceToken  TokenConfig `toml:"source_token"`
	TargetToken  TokenConfig `toml:"target_token"`
	FeeBps       int64       `toml:"fee_bps"`
	FixedFeeUSD  string      `toml:"fixed_fee_usd"`
	GasUnitsSrc  uint64      `toml:"gas_units_src"`
	GasUnitsDest uint64      `toml:"gas_units_dest"`
}

// LiquidityConfig holds the tracked pools.
type LiquidityConfig struct {
	Pools           []PoolConfig `toml:"pools"`
	PollInterval    duration     `toml:"poll_interval"`
	Window          duration     `toml:"window"`
	SwingThreshold  float64      `toml:"swing_threshold"`
	DepthMultiplier int64        `toml:"depth_multiplier"`
	Concurrency     int          `toml:"concurrency"`
}

// PoolConfig is one tracked pool.
type PoolConfig struct {
	Pool  string `toml:"pool"`
	Token string `toml:"token"`
	Venue string `toml:"venue"`
}

// VenueConfig is one exchange router.
type VenueConfig struct {
	Name   string `toml:"name"`
	Router string `toml:"router"`
}

// PairConfig is a same-chain trade probed on every scan.
type PairConfig struct {
	SourceToken string      `toml:"source_token"`
	TargetToken string      `toml:"target_token"`
	AmountIn    string      `toml:"amount_in"`
	VenueA      VenueConfig `toml:"venue_a"`
	VenueB      VenueConfig `toml:"venue_b"`
	GasCost     string      `toml:"gas_cost"`
}

// RouteQueryConfig is a cross-chain search run on every scan.
type RouteQueryConfig struct {
	SourceToken string `toml:"source_token"`
	Amount      string `toml:"amount"`
	MaxHops     int    `toml:"max_hops"`
}

// ScannerConfig holds the opportunity scan loop.
type ScannerConfig struct {
	Enabled     bool               `toml:"enabled"`
	Interval    duration           `toml:"interval"`
	Concurrency int                `toml:"concurrency"`
	KeepRoutes  int                `toml:"keep_routes"`
	DedupTTL    duration           `toml:"dedup_ttl"`
	Pairs       []PairConfig       `toml:"pairs"`
	Routes      []RouteQueryConfig `toml:"routes"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	OpTimeout    duration `toml:"op_timeout"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ArchiveConfig controls the postgres to S3 archiver.
type ArchiveConfig struct {
	Enabled            bool   `toml:"enabled"`
	Cron               string `toml:"cron"`
	RetentionDays      int    `toml:"retention_days"`
	AuditRetentionDays int    `toml:"audit_retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// HMACSecret, when set, requires signed mutating requests.
	HMACSecret    string   `toml:"hmac_secret"`
	SignatureSkew duration `toml:"signature_skew"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// FeedConfig holds the mempool websocket subscription.
type FeedConfig struct {
	Enabled           bool     `toml:"enabled"`
	URL               string   `toml:"url"`
	FullTransactions  bool     `toml:"full_transactions"`
	HandshakeTimeout  duration `toml:"handshake_timeout"`
	PongWait          duration `toml:"pong_wait"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
	ResolveTimeout    duration `toml:"resolve_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:                "http://localhost:8545",
			ChainID:               1,
			PriorityFeeMultiplier: 1.2,
			MinPriorityFeeGwei:    1,
			MaxPriorityFeeGwei:    50,
			BaseFeeMultiplier:     2,
			LegacyMultiplierPct:   150,
			GasLimitBufferPct:     20,
			EstimateRetries:       3,
			MineTimeout:           duration{2 * time.Minute},
		},
		Relay: RelayConfig{
			URL:              "https://relay.flashbots.net",
			Timeout:          duration{10 * time.Second},
			MaxRetries:       2,
			RetryBackoff:     duration{250 * time.Millisecond},
			InclusionTimeout: duration{36 * time.Second},
			PollInterval:     duration{2 * time.Second},
			RateLimit:        10,
			RateWindow:       duration{time.Second},
		},
		Protection: ProtectionConfig{
			Backend:            "onchain",
			CommitFeeWei:       "1000000000000000",
			CommitDelayBlocks:  1,
			MaxBlocksToTry:     3,
			MaxBlocksToWait:    10,
			DecoysByThreat:     []int{1, 3, 5},
			RevealGasLimit:     600_000,
			LockTTL:            duration{10 * time.Second},
			CancelTimeout:      duration{2 * time.Minute},
			RetainFinished:     duration{10 * time.Minute},
			ThreatBumpPct:      []int64{0, 25, 50},
			EscalationPct:      15,
			FeeShareBps:        1_000,
			MaxTipGwei:         100,
			MinCommitAge:       duration{12 * time.Second},
			CommitRevealWindow: duration{5 * time.Minute},
			MaxGasPriceGwei:    500,
		},
		Settlement: SettlementConfig{
			MinProfitBps:     10,
			LenderPremiumBps: 5,
			SlippageBps:      50,
		},
		Monitor: MonitorConfig{
			HighFrequencyCount:  10,
			FrequencyWindow:     duration{time.Hour},
			SpikeMultiplier:     2,
			EWMAWeight:          0.7,
			StaleAfter:          duration{24 * time.Hour},
			SweepInterval:       duration{5 * time.Minute},
			AnomalyTxCount:      1000,
			AnomalyGasPriceGwei: 500,
			AnomalySelectors:    50,
			ThreatWindow:        duration{10 * time.Minute},
			ElevatedAfter:       1,
			HighAfter:           5,
			Shards:              64,
		},
		Decoy: DecoyConfig{
			BaseValueWei:  "10000000000000000",
			ValueVariance: 0.5,
			BaseGas:       120_000,
			GasVariance:   40_000,
		},
		Route: RouteConfig{
			StaticPricesUSD: map[string]string{},
			PriceMaxAge:     duration{time.Minute},
			PriceTTL:        duration{5 * time.Minute},
		},
		Liquidity: LiquidityConfig{
			PollInterval:    duration{15 * time.Second},
			Window:          duration{time.Hour},
			SwingThreshold:  0.10,
			DepthMultiplier: 10,
			Concurrency:     8,
		},
		Scanner: ScannerConfig{
			Enabled:     true,
			Interval:    duration{12 * time.Second},
			Concurrency: 4,
			KeepRoutes:  20,
			DedupTTL:    duration{10 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "flashguard",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "flashguard",
			StreamMaxLen: 100_000,
			OpTimeout:    duration{500 * time.Millisecond},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flashguard-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:            false,
			Cron:               "0 3 * * *",
			RetentionDays:      30,
			AuditRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000"},
			SignatureSkew: duration{30 * time.Second},
			RateLimit:     120,
			RateWindow:    duration{time.Minute},
		},
		Feed: FeedConfig{
			Enabled:           true,
			URL:               "ws://localhost:8546",
			FullTransactions:  true,
			HandshakeTimeout:  duration{15 * time.Second},
			PongWait:          duration{60 * time.Second},
			ReconnectDelay:    duration{2 * time.Second},
			MaxReconnectDelay: duration{60 * time.Second},
			ResolveTimeout:    duration{2 * time.Second},
		},
		Mode:          "full",
		ExecutionMode: "live",
		LogLevel:      "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"server":  true,
	"monitor": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validExecutionModes = map[string]bool{
	"live":     true,
	"simulate": true,
	"paused":   true,
}

// NeedsWallet reports whether the mode signs transactions.
func (c *Config) NeedsWallet() bool {
	m := strings.ToLower(c.Mode)
	return m == "full" || m == "server"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, server, monitor, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validExecutionModes[strings.ToLower(c.ExecutionMode)] {
		errs = append(errs, fmt.Sprintf("unknown execution_mode %q (valid: live, simulate, paused)", c.ExecutionMode))
	}

	// Chain
	if c.Mode != "archive" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
		if c.Chain.ChainID == 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
	}
	if c.Chain.MinPriorityFeeGwei > c.Chain.MaxPriorityFeeGwei {
		errs = append(errs, "chain: min_priority_fee_gwei must not exceed max_priority_fee_gwei")
	}
	for i, r := range c.Chain.Remote {
		if r.ChainID == 0 || r.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("chain: remote[%d] needs chain_id and rpc_url", i))
		}
	}

	if c.NeedsWallet() {
		errs = append(errs, c.validateExecution()...)
	}

	// Monitor
	if c.Monitor.EWMAWeight < 0 || c.Monitor.EWMAWeight >= 1 {
		errs = append(errs, fmt.Sprintf("monitor: ewma_weight must be in [0, 1), got %g", c.Monitor.EWMAWeight))
	}
	if c.Monitor.Shards < 1 {
		errs = append(errs, "monitor: shards must be >= 1")
	}
	if c.Monitor.ElevatedAfter > c.Monitor.HighAfter {
		errs = append(errs, "monitor: elevated_after must not exceed high_after")
	}
	for _, s := range c.Monitor.KnownSelectors {
		if _, err := ParseSelector(s); err != nil {
			errs = append(errs, "monitor: "+err.Error())
		}
	}

	// Route
	for i, b := range c.Route.Bridges {
		if b.Name == "" || b.SourceChain == 0 || b.TargetChain == 0 {
			errs = append(errs, fmt.Sprintf("route: bridges[%d] needs name, source_chain and target_chain", i))
		}
		errs = appendAddr(errs, fmt.Sprintf("route: bridges[%d].source_token", i), b.SourceToken.Address)
		errs = appendAddr(errs, fmt.Sprintf("route: bridges[%d].target_token", i), b.TargetToken.Address)
		if b.FixedFeeUSD != "" {
			if _, err := decimal.NewFromString(b.FixedFeeUSD); err != nil {
				errs = append(errs, fmt.Sprintf("route: bridges[%d].fixed_fee_usd: %v", i, err))
			}
		}
	}
	for k, v := range c.Route.StaticPricesUSD {
		if _, err := decimal.NewFromString(v); err != nil {
			errs = append(errs, fmt.Sprintf("route: static_prices_usd[%s]: %v", k, err))
		}
	}

	// Liquidity
	for i, p := range c.Liquidity.Pools {
		errs = appendAddr(errs, fmt.Sprintf("liquidity: pools[%d].pool", i), p.Pool)
		errs = appendAddr(errs, fmt.Sprintf("liquidity: pools[%d].token", i), p.Token)
	}
	if c.Liquidity.SwingThreshold <= 0 {
		errs = append(errs, "liquidity: swing_threshold must be positive")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// Archive
	if c.Archive.Enabled || c.Mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if err := pipeline.ValidateCron(c.Archive.Cron); err != nil {
			errs = append(errs, "archive: "+err.Error())
		}
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Feed
	if c.Feed.Enabled && c.Mode != "archive" && c.Mode != "server" && c.Feed.URL == "" {
		errs = append(errs, "feed: url must not be empty when the feed is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateExecution() []string {
	var errs []string

	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	if c.Relay.URL == "" {
		errs = append(errs, "relay: url must not be empty")
	}
	if c.Relay.MaxRetries < 0 {
		errs = append(errs, "relay: max_retries must be >= 0")
	}

	switch c.Protection.Backend {
	case "onchain":
		errs = appendAddr(errs, "protection: contract", c.Protection.Contract)
	case "inprocess":
		if c.Protection.MinCommitAge.Duration >= c.Protection.CommitRevealWindow.Duration {
			errs = append(errs, "protection: min_commit_age must be shorter than commit_reveal_window")
		}
	default:
		errs = append(errs, fmt.Sprintf("protection: unknown backend %q (valid: onchain, inprocess)", c.Protection.Backend))
	}
	if _, ok := new(big.Int).SetString(c.Protection.CommitFeeWei, 10); !ok {
		errs = append(errs, fmt.Sprintf("protection: commit_fee_wei %q is not an integer", c.Protection.CommitFeeWei))
	}
	if c.Protection.MaxBlocksToTry < 0 {
		errs = append(errs, "protection: max_blocks_to_try must be >= 0")
	}
	if len(c.Protection.DecoysByThreat) != 3 {
		errs = append(errs, "protection: decoys_by_threat needs one count per threat level (3)")
	}
	if len(c.Protection.ThreatBumpPct) != 3 {
		errs = append(errs, "protection: threat_bump_pct needs one value per threat level (3)")
	}

	errs = appendAddr(errs, "settlement: contract", c.Settlement.Contract)
	if c.Settlement.MinProfitBps < 0 || c.Settlement.MinProfitBps > 10_000 {
		errs = append(errs, "settlement: min_profit_bps must be 0-10000")
	}
	if c.Settlement.SlippageBps < 0 || c.Settlement.SlippageBps >= 10_000 {
		errs = append(errs, "settlement: slippage_bps must be 0-9999")
	}

	for i, a := range c.Decoy.Contracts {
		errs = appendAddr(errs, fmt.Sprintf("decoy: contracts[%d]", i), a)
	}
	for _, s := range c.Decoy.Selectors {
		if _, err := ParseSelector(s); err != nil {
			errs = append(errs, "decoy: "+err.Error())
		}
	}
	if _, ok := new(big.Int).SetString(c.Decoy.BaseValueWei, 10); !ok {
		errs = append(errs, fmt.Sprintf("decoy: base_value_wei %q is not an integer", c.Decoy.BaseValueWei))
	}

	for i, p := range c.Scanner.Pairs {
		field := fmt.Sprintf("scanner: pairs[%d]", i)
		errs = appendAddr(errs, field+".source_token", p.SourceToken)
		errs = appendAddr(errs, field+".target_token", p.TargetToken)
		errs = appendAddr(errs, field+".venue_a.router", p.VenueA.Router)
		errs = appendAddr(errs, field+".venue_b.router", p.VenueB.Router)
		if _, ok := new(big.Int).SetString(p.AmountIn, 10); !ok {
			errs = append(errs, field+".amount_in must be an integer")
		}
	}
	for i, q := range c.Scanner.Routes {
		field := fmt.Sprintf("scanner: routes[%d]", i)
		errs = appendAddr(errs, field+".source_token", q.SourceToken)
		if _, ok := new(big.Int).SetString(q.Amount, 10); !ok {
			errs = append(errs, field+".amount must be an integer")
		}
	}
	return errs
}

func appendAddr(errs []string, field, value string) []string {
	if !common.IsHexAddress(value) {
		return append(errs, fmt.Sprintf("%s %q is not a hex address", field, value))
	}
	return errs
}
