package config // package config loads application configuration from environment variables

import (
	"log" // log is used to report configuration errors and halt execution
	"os"  // os provides access to environment variables
	"time"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Required values are enforced at startup; the
// admission tunables fall back to defaults.
type Config struct {
	Env         string // application environment (e.g. "dev", "prod")
	Port        string // HTTP port to listen on
	DBUser      string // database username
	DBPass      string // database password (optional)
	DBHost      string // database host address
	DBPort      string // database port number
	DBName      string // database name
	JWTSecret   string // secret used to verify staff JWTs issued by the identity service
	ServiceName string // name stamped on outbound envelopes
	Admission   AdmissionConfig
	Guard       GuardConfig
	Broker      BrokerConfig
	RateLimit   RateLimitConfig
}

// AdmissionConfig groups the token and lock settings of the admission engine.
type AdmissionConfig struct {
	SigningSecret   string        // HMAC key for admission tokens; never leaves the process
	DefaultTokenTTL time.Duration // TTL when the event has no rotation interval
	ReplayCheck     bool          // track token nonces and reject replays
	LockTTL         time.Duration // per-ticket lock lifetime
}

// GuardConfig holds the anti-sharing thresholds.
type GuardConfig struct {
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	DeviceMismatchBlock time.Duration
	RaceWindow          time.Duration
	FlipFlopWindow      time.Duration
	FlipFlopMaxToggles  int
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:         must("APP_ENV"),
		Port:        must("APP_PORT"),
		DBUser:      must("DB_USER"),
		DBPass:      os.Getenv("DB_PASS"), // empty allowed
		DBHost:      must("DB_HOST"),
		DBPort:      must("DB_PORT"),
		DBName:      must("DB_NAME"),
		JWTSecret:   must("JWT_SECRET"),
		ServiceName: envStr("SERVICE_NAME", "admission"),
		Admission:   LoadAdmissionConfig(),
		Guard:       LoadGuardConfig(),
		Broker:      LoadBrokerConfig(),
		RateLimit:   LoadRateLimitConfig(),
	}
}

// LoadAdmissionConfig reads the token and lock settings.  The signing secret
// is required; everything else has a default.
func LoadAdmissionConfig() AdmissionConfig {
	c := AdmissionConfig{
		SigningSecret:   must("ADMISSION_SIGNING_SECRET"),
		DefaultTokenTTL: envDur("TOKEN_DEFAULT_TTL", 60*time.Second),
		ReplayCheck:     envBool("TOKEN_REPLAY_CHECK", false),
		LockTTL:         envDur("LOCK_TTL", 5*time.Second),
	}
	if c.DefaultTokenTTL <= 0 {
		c.DefaultTokenTTL = 60 * time.Second
	}
	if c.LockTTL < time.Second {
		c.LockTTL = time.Second
	}
	return c
}

// LoadGuardConfig reads the anti-sharing thresholds.
func LoadGuardConfig() GuardConfig {
	c := GuardConfig{
		BaseBackoff:         envDur("GUARD_BASE_BACKOFF", 30*time.Second),
		MaxBackoff:          envDur("GUARD_MAX_BACKOFF", 600*time.Second),
		DeviceMismatchBlock: envDur("GUARD_DEVICE_MISMATCH_BLOCK", 3*time.Minute),
		RaceWindow:          envDur("GUARD_RACE_WINDOW", 10*time.Second),
		FlipFlopWindow:      envDur("GUARD_FLIPFLOP_WINDOW", 60*time.Second),
		FlipFlopMaxToggles:  envInt("GUARD_FLIPFLOP_MAX_TOGGLES", 4),
	}
	if c.BaseBackoff < time.Second {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.FlipFlopMaxToggles < 1 {
		c.FlipFlopMaxToggles = 1
	}
	return c
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
