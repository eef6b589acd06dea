package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcpwire/mcpwire/pkg/reconnect"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// FromEnv builds a configuration from MCPWIRE_* environment variables,
// loading .env files first when present. Unset variables keep their defaults.
//
// Recognized variables:
//
//	MCPWIRE_SERVER_URL                target endpoint (required)
//	MCPWIRE_TRANSPORT_STRATEGY        auto|http-first|http-only|websocket-first|websocket-only
//	MCPWIRE_FALLBACK_ORDER            comma-separated transport types
//	MCPWIRE_MAX_ATTEMPTS_PER_TRANSPORT
//	MCPWIRE_MAX_CONCURRENT_REQUESTS
//	MCPWIRE_CONNECTION_TIMEOUT        Go duration, e.g. 10s
//	MCPWIRE_REQUEST_TIMEOUT           Go duration
//	MCPWIRE_RECONNECT_MAX_ATTEMPTS
//	MCPWIRE_RECONNECT_INITIAL_DELAY   Go duration
//	MCPWIRE_RECONNECT_MAX_DELAY       Go duration
//	MCPWIRE_RECONNECT_STRATEGY        exponential|linear|fixed
//	MCPWIRE_CIRCUIT_ENABLED           bool
//	MCPWIRE_CIRCUIT_FAILURE_THRESHOLD
//	MCPWIRE_CIRCUIT_SUCCESS_THRESHOLD
//	MCPWIRE_CIRCUIT_RECOVERY_TIMEOUT  Go duration
//	MCPWIRE_BLOCK_PRIVATE_HOSTS       bool
//	MCPWIRE_ENABLE_CACHING            bool
//	MCPWIRE_CACHE_TTL                 Go duration
func FromEnv(dotenvFiles ...string) (Orchestrator, error) {
	// Missing .env files are not an error; real environment always wins.
	if len(dotenvFiles) > 0 {
		_ = godotenv.Load(dotenvFiles...)
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	cfg := Default(os.Getenv("MCPWIRE_SERVER_URL"))

	if v := os.Getenv("MCPWIRE_TRANSPORT_STRATEGY"); v != "" {
		cfg.TransportStrategy = Strategy(v)
	}
	if v := os.Getenv("MCPWIRE_FALLBACK_ORDER"); v != "" {
		var order []transport.Type
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				order = append(order, transport.Type(part))
			}
		}
		cfg.FallbackOrder = order
	}
	if n, ok := envInt("MCPWIRE_MAX_ATTEMPTS_PER_TRANSPORT"); ok {
		cfg.MaxAttemptsPerTransport = n
	}
	if n, ok := envInt("MCPWIRE_MAX_CONCURRENT_REQUESTS"); ok {
		cfg.MaxConcurrentRequests = int64(n)
	}
	if d, ok := envDuration("MCPWIRE_CONNECTION_TIMEOUT"); ok {
		cfg.Transport.ConnectionTimeout = d
	}
	if d, ok := envDuration("MCPWIRE_REQUEST_TIMEOUT"); ok {
		cfg.Transport.RequestTimeout = d
	}

	if n, ok := envInt("MCPWIRE_RECONNECT_MAX_ATTEMPTS"); ok {
		cfg.Reconnection.MaxAttempts = n
	}
	if d, ok := envDuration("MCPWIRE_RECONNECT_INITIAL_DELAY"); ok {
		cfg.Reconnection.Backoff.InitialDelay = d
	}
	if d, ok := envDuration("MCPWIRE_RECONNECT_MAX_DELAY"); ok {
		cfg.Reconnection.Backoff.MaxDelay = d
	}
	if v := os.Getenv("MCPWIRE_RECONNECT_STRATEGY"); v != "" {
		cfg.Reconnection.Backoff.Strategy = reconnect.Strategy(v)
	}

	if b, ok := envBool("MCPWIRE_CIRCUIT_ENABLED"); ok {
		cfg.CircuitEnabled = b
	}
	if n, ok := envInt("MCPWIRE_CIRCUIT_FAILURE_THRESHOLD"); ok {
		cfg.Circuit.FailureThreshold = n
	}
	if n, ok := envInt("MCPWIRE_CIRCUIT_SUCCESS_THRESHOLD"); ok {
		cfg.Circuit.SuccessThreshold = n
	}
	if d, ok := envDuration("MCPWIRE_CIRCUIT_RECOVERY_TIMEOUT"); ok {
		cfg.Circuit.RecoveryTimeout = d
	}

	if b, ok := envBool("MCPWIRE_BLOCK_PRIVATE_HOSTS"); ok {
		cfg.Transport.BlockPrivateHosts = b
	}
	if b, ok := envBool("MCPWIRE_ENABLE_CACHING"); ok {
		cfg.Transport.EnableCaching = b
	}
	if d, ok := envDuration("MCPWIRE_CACHE_TTL"); ok {
		cfg.Transport.CacheTTL = defaultDuration(d, cfg.Transport.CacheTTL)
	}

	cfg.Transport.Endpoint = cfg.ServerURL

	if err := cfg.Validate(); err != nil {
		return Orchestrator{}, err
	}
	return cfg, nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
