package config

import (
	"maps"
	"net/url"
)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.Relay.AuthKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Server.HMACSecret)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Monitor.KnownSelectors = append([]string(nil), cfg.Monitor.KnownSelectors...)
	out.Decoy.Contracts = append([]string(nil), cfg.Decoy.Contracts...)
	out.Decoy.Selectors = append([]string(nil), cfg.Decoy.Selectors...)
	out.Chain.Remote = append([]RemoteChainConfig(nil), cfg.Chain.Remote...)
	out.Route.Bridges = append([]BridgeConfig(nil), cfg.Route.Bridges...)
	out.Liquidity.Pools = append([]PoolConfig(nil), cfg.Liquidity.Pools...)
	out.Scanner.Pairs = append([]PairConfig(nil), cfg.Scanner.Pairs...)
	out.Scanner.Routes = append([]RouteQueryConfig(nil), cfg.Scanner.Routes...)
	if cfg.Route.StaticPricesUSD != nil {
		out.Route.StaticPricesUSD = maps.Clone(cfg.Route.StaticPricesUSD)
	}

	for i := range out.Chain.Remote {
		redactURL(&out.Chain.Remote[i].RPCURL)
	}
	redactURL(&out.Chain.RPCURL)
	redactURL(&out.Feed.URL)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL keeps the scheme and host of an endpoint and masks credentials,
// path and query, which providers use to carry API keys.
func redactURL(s *string) {
	u, err := url.Parse(*s)
	if err != nil || u.Host == "" {
		redact(s)
		return
	}
	if u.User == nil && (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
		return
	}
	*s = u.Scheme + "://" + u.Host + "/" + redacted
}
