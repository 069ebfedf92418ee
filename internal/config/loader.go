package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLASHGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLASHGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "FLASHGUARD_CHAIN_RPC_URL")
	setUint64(&cfg.Chain.ChainID, "FLASHGUARD_CHAIN_CHAIN_ID")
	setFloat64(&cfg.Chain.PriorityFeeMultiplier, "FLASHGUARD_CHAIN_PRIORITY_FEE_MULTIPLIER")
	setFloat64(&cfg.Chain.MaxPriorityFeeGwei, "FLASHGUARD_CHAIN_MAX_PRIORITY_FEE_GWEI")
	setDuration(&cfg.Chain.MineTimeout, "FLASHGUARD_CHAIN_MINE_TIMEOUT")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "FLASHGUARD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "FLASHGUARD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "FLASHGUARD_WALLET_KEY_PASSWORD")

	// ── Relay ──
	setStr(&cfg.Relay.URL, "FLASHGUARD_RELAY_URL")
	setStr(&cfg.Relay.AuthKey, "FLASHGUARD_RELAY_AUTH_KEY")
	setDuration(&cfg.Relay.Timeout, "FLASHGUARD_RELAY_TIMEOUT")
	setInt(&cfg.Relay.MaxRetries, "FLASHGUARD_RELAY_MAX_RETRIES")
	setDuration(&cfg.Relay.InclusionTimeout, "FLASHGUARD_RELAY_INCLUSION_TIMEOUT")
	setInt(&cfg.Relay.RateLimit, "FLASHGUARD_RELAY_RATE_LIMIT")

	// ── Protection ──
	setStr(&cfg.Protection.Backend, "FLASHGUARD_PROTECTION_BACKEND")
	setStr(&cfg.Protection.Contract, "FLASHGUARD_PROTECTION_CONTRACT")
	setStr(&cfg.Protection.CommitFeeWei, "FLASHGUARD_PROTECTION_COMMIT_FEE_WEI")
	setInt(&cfg.Protection.MaxBlocksToTry, "FLASHGUARD_PROTECTION_MAX_BLOCKS_TO_TRY")
	setInt(&cfg.Protection.MaxBlocksToWait, "FLASHGUARD_PROTECTION_MAX_BLOCKS_TO_WAIT")
	setFloat64(&cfg.Protection.MaxTipGwei, "FLASHGUARD_PROTECTION_MAX_TIP_GWEI")

	// ── Settlement ──
	setStr(&cfg.Settlement.Contract, "FLASHGUARD_SETTLEMENT_CONTRACT")
	setInt64(&cfg.Settlement.MinProfitBps, "FLASHGUARD_SETTLEMENT_MIN_PROFIT_BPS")
	setInt64(&cfg.Settlement.SlippageBps, "FLASHGUARD_SETTLEMENT_SLIPPAGE_BPS")

	// ── Monitor ──
	setInt(&cfg.Monitor.HighFrequencyCount, "FLASHGUARD_MONITOR_HIGH_FREQUENCY_COUNT")
	setStringSlice(&cfg.Monitor.KnownSelectors, "FLASHGUARD_MONITOR_KNOWN_SELECTORS")
	setDuration(&cfg.Monitor.SweepInterval, "FLASHGUARD_MONITOR_SWEEP_INTERVAL")

	// ── Decoy ──
	setStringSlice(&cfg.Decoy.Contracts, "FLASHGUARD_DECOY_CONTRACTS")
	setStringSlice(&cfg.Decoy.Selectors, "FLASHGUARD_DECOY_SELECTORS")
	setInt64(&cfg.Decoy.Seed, "FLASHGUARD_DECOY_SEED")

	// ── Liquidity / Scanner ──
	setDuration(&cfg.Liquidity.PollInterval, "FLASHGUARD_LIQUIDITY_POLL_INTERVAL")
	setFloat64(&cfg.Liquidity.SwingThreshold, "FLASHGUARD_LIQUIDITY_SWING_THRESHOLD")
	setBool(&cfg.Scanner.Enabled, "FLASHGUARD_SCANNER_ENABLED")
	setDuration(&cfg.Scanner.Interval, "FLASHGUARD_SCANNER_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FLASHGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLASHGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLASHGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLASHGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLASHGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHGUARD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "FLASHGUARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "FLASHGUARD_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.OpTimeout, "FLASHGUARD_REDIS_OP_TIMEOUT")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FLASHGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLASHGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLASHGUARD_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FLASHGUARD_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "FLASHGUARD_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "FLASHGUARD_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLASHGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLASHGUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLASHGUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLASHGUARD_SERVER_API_KEY")
	setStr(&cfg.Server.HMACSecret, "FLASHGUARD_SERVER_HMAC_SECRET")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "FLASHGUARD_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "FLASHGUARD_FEED_URL")
	setBool(&cfg.Feed.FullTransactions, "FLASHGUARD_FEED_FULL_TRANSACTIONS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FLASHGUARD_MODE")
	setStr(&cfg.ExecutionMode, "FLASHGUARD_EXECUTION_MODE")
	setStr(&cfg.LogLevel, "FLASHGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
