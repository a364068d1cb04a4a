package config

import (
    "strings"
    "time"
)

// RateKey selects what a scan bucket is keyed by.
type RateKey string

const (
    RateKeyGate     RateKey = "gate"      // one bucket per gate device
    RateKeyUser     RateKey = "user"      // one bucket per staff account
    RateKeyGateUser RateKey = "gate_user" // one bucket per staff account at each gate
)

// ParseRateKey maps RATE_LIMIT_KEY_STRATEGY onto a RateKey.  Unknown values
// fall back to RateKeyGateUser.
func ParseRateKey(s string) RateKey {
    switch k := RateKey(strings.ToLower(strings.TrimSpace(s))); k {
    case RateKeyGate, RateKeyUser, RateKeyGateUser:
        return k
    }
    return RateKeyGateUser
}

// RateLimitConfig sizes the Redis token bucket in front of POST /v1/scan.
// A gate stuck re-submitting the same QR code in a tight loop drains its
// bucket here instead of contending for the ticket lock.
type RateLimitConfig struct {
    Enabled      bool
    Burst        int // scans a gate may fire back to back
    RefillTokens int // scans credited every RefillEvery
    RefillEvery  time.Duration
    KeyTTL       time.Duration // idle buckets expire after this
    Key          RateKey
    Prefix       string
    ExposeKey    bool // echo the bucket key in X-RateLimit-Key
}

// LoadRateLimitConfig reads the RATE_LIMIT_* variables.  The defaults allow
// a burst of 30 scans refilled at two per second.
func LoadRateLimitConfig() RateLimitConfig {
    c := RateLimitConfig{
        Enabled:      envBool("RATE_LIMIT_ENABLED", true),
        Burst:        envInt("RATE_LIMIT_BURST", envInt("RATE_LIMIT_CAPACITY", 30)),
        RefillTokens: envInt("RATE_LIMIT_REFILL_TOKENS", 1),
        RefillEvery:  envDur("RATE_LIMIT_REFILL_INTERVAL", 500*time.Millisecond),
        KeyTTL:       envDur("RATE_LIMIT_TTL", 10*time.Minute),
        Key:          ParseRateKey(envStr("RATE_LIMIT_KEY_STRATEGY", string(RateKeyGateUser))),
        Prefix:       envStr("RATE_LIMIT_PREFIX", "rl:scan"),
        ExposeKey:    envBool("RATE_LIMIT_DEBUG", false),
    }
    if c.Burst < 1 {
        c.Burst = 1
    }
    if c.RefillTokens < 1 {
        c.RefillTokens = 1
    }
    if c.RefillEvery <= 0 {
        c.RefillEvery = time.Second
    }
    // A bucket must outlive a few refills or it resets to full while a gate
    // is still throttled.
    if floor := 5 * c.RefillEvery; c.KeyTTL < floor {
        c.KeyTTL = floor
    }
    return c
}
