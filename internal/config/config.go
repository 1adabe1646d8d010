package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the signaling process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	Redis RedisConfig
	Auth  AuthConfig
	Call  CallConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	// OpsJWTSecret signs service tokens guarding the ops API. Client
	// authentication belongs to the transport collaborator, not here.
	OpsJWTSecret string
	OpsJWTIssuer string
	OpsTokenTTL  time.Duration
}

// CallConfig is the tunable surface of the call lifecycle. The fixed
// keyspace TTLs (session, active call, tokens, terminal grace) live as
// constants in internal/store because they are an interop contract.
type CallConfig struct {
	// RingTimeout is how long a call rings unanswered before the deadline
	// manager times it out. RING_TIMEOUT_MS, default 45000.
	RingTimeout time.Duration
	// MaxCallDuration force-ends calls that run too long.
	// MAX_CALL_DURATION_MS, default 3600000.
	MaxCallDuration time.Duration
	// RingTTL bounds RINGING records in the store. Must exceed RingTimeout
	// so the record outlives its timer. RING_TTL_S, default 60.
	RingTTL time.Duration
	// SocketAckTimeout is how long the transport waits for a client ack
	// before handing the push fallback to the push collaborator.
	// SOCKET_ACK_TIMEOUT_MS, default 5000.
	SocketAckTimeout time.Duration
	// ReconnectGrace is the window a disconnected user is not yet treated
	// as unreachable. RECONNECT_GRACE_S, default 10.
	ReconnectGrace time.Duration
	// CleanupInterval is the period of the expired-record sweep.
	// CLEANUP_INTERVAL, default 5m.
	CleanupInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.OpsJWTSecret = os.Getenv("OPS_JWT_SECRET")
	c.Auth.OpsJWTIssuer = strings.TrimSpace(os.Getenv("OPS_JWT_ISSUER"))
	c.Auth.OpsTokenTTL = optionalDuration("OPS_TOKEN_TTL")

	{
		ms, err := optionalInt("RING_TIMEOUT_MS")
		ms, parseErrs = appendParseErr(parseErrs, ms, err)
		c.Call.RingTimeout = time.Duration(ms) * time.Millisecond
	}
	{
		ms, err := optionalInt("MAX_CALL_DURATION_MS")
		ms, parseErrs = appendParseErr(parseErrs, ms, err)
		c.Call.MaxCallDuration = time.Duration(ms) * time.Millisecond
	}
	{
		s, err := optionalInt("RING_TTL_S")
		s, parseErrs = appendParseErr(parseErrs, s, err)
		c.Call.RingTTL = time.Duration(s) * time.Second
	}
	{
		ms, err := optionalInt("SOCKET_ACK_TIMEOUT_MS")
		ms, parseErrs = appendParseErr(parseErrs, ms, err)
		c.Call.SocketAckTimeout = time.Duration(ms) * time.Millisecond
	}
	{
		s, err := optionalInt("RECONNECT_GRACE_S")
		s, parseErrs = appendParseErr(parseErrs, s, err)
		c.Call.ReconnectGrace = time.Duration(s) * time.Second
	}
	c.Call.CleanupInterval = optionalDuration("CLEANUP_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.OpsJWTSecret == "" {
		errs = append(errs, errors.New("OPS_JWT_SECRET is required"))
	}
	if c.IsProduction() && c.Auth.OpsJWTIssuer == "" {
		errs = append(errs, errors.New("OPS_JWT_ISSUER is required in production"))
	}
	if c.Auth.OpsTokenTTL <= 0 {
		c.Auth.OpsTokenTTL = time.Hour
	}

	if c.Call.RingTimeout <= 0 {
		c.Call.RingTimeout = 45 * time.Second
	}
	if c.Call.MaxCallDuration <= 0 {
		c.Call.MaxCallDuration = time.Hour
	}
	if c.Call.RingTTL <= 0 {
		c.Call.RingTTL = 60 * time.Second
	}
	if c.Call.SocketAckTimeout <= 0 {
		c.Call.SocketAckTimeout = 5 * time.Second
	}
	if c.Call.ReconnectGrace <= 0 {
		c.Call.ReconnectGrace = 10 * time.Second
	}
	if c.Call.CleanupInterval <= 0 {
		c.Call.CleanupInterval = 5 * time.Minute
	}

	// The record must outlive its timer, or a slow timeout transition
	// races the store's own expiry.
	if c.Call.RingTTL <= c.Call.RingTimeout {
		errs = append(errs, fmt.Errorf("RING_TTL_S (%s) must exceed RING_TIMEOUT_MS (%s)", c.Call.RingTTL, c.Call.RingTimeout))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalInt returns 0 for an unset key; defaults are applied in Validate.
func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
