package middleware

import (
    "context"
    "fmt"
    "log/slog"
    "math"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/gatekeep/admission/internal/config"
)

// limiterScript refills and takes one token atomically.  It returns
// {allowed, remaining, retry_after_ms}.
var limiterScript = redis.NewScript(`
        local key = KEYS[1]
        local now_ms = tonumber(ARGV[1])
        local capacity = tonumber(ARGV[2])
        local refill_tokens = tonumber(ARGV[3])
        local interval_ms = tonumber(ARGV[4])
        local ttl_seconds = tonumber(ARGV[5])

        local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
        local tokens = tonumber(state[1])
        local last_refill = tonumber(state[2])

        if tokens == nil or last_refill == nil then
            tokens = capacity
            last_refill = now_ms
        end

        if interval_ms > 0 and refill_tokens > 0 then
            local elapsed = math.max(0, now_ms - last_refill)
            local intervals = math.floor(elapsed / interval_ms)
            if intervals > 0 then
                tokens = math.min(capacity, tokens + (intervals * refill_tokens))
                last_refill = last_refill + (intervals * interval_ms)
            end
        end

        local allowed = 0
        local retry_after_ms = 0
        if tokens > 0 then
            allowed = 1
            tokens = tokens - 1
        else
            local until_next = interval_ms - (now_ms - last_refill)
            if until_next < 0 then until_next = 0 end
            retry_after_ms = until_next
        end

        redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill, 'capacity', capacity)
        redis.call('EXPIRE', key, ttl_seconds)

        return { allowed, tokens, retry_after_ms }
`)

// nowFunc is the limiter's clock.
var nowFunc = time.Now

// NewTokenBucket throttles requests per gate and/or user with a Redis token
// bucket.  Redis failures let the request through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb redis.Scripter) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return func(c echo.Context) error { return next(c) } }
    }

    log := slog.Default().With("component", "ratelimit")
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := buildRateKey(cfg, c)
            res, err := takeToken(c.Request().Context(), rdb, cfg, key)
            if err != nil {
                log.Warn("limiter unavailable, letting request through", "key", key, "err", err)
                return next(c)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.remaining, 10))
            if cfg.ExposeKey {
                h.Set("X-RateLimit-Key", key)
            }
            if res.allowed {
                return next(c)
            }

            secs := int(math.Ceil(float64(res.retryAfter) / float64(time.Second)))
            if secs < 0 { secs = 0 }
            h.Set("Retry-After", strconv.Itoa(secs))
            log.Debug("scan throttled", "key", key, "retry_after", res.retryAfter)
            return c.JSON(http.StatusTooManyRequests, map[string]any{
                "error":       "too_many_requests",
                "message":     "gate is scanning too fast, slow down",
                "retry_after": secs,
            })
        }
    }
}

type bucketResult struct {
    allowed    bool
    remaining  int64
    retryAfter time.Duration
}

// takeToken runs limiterScript for key.
func takeToken(ctx context.Context, rdb redis.Scripter, cfg config.RateLimitConfig, key string) (bucketResult, error) {
    args := []interface{}{
        nowFunc().UnixMilli(),
        cfg.Burst,
        cfg.RefillTokens,
        cfg.RefillEvery.Milliseconds(),
        int64(cfg.KeyTTL / time.Second),
    }
    vals, err := limiterScript.Run(ctx, rdb, []string{key}, args...).Slice()
    if err != nil {
        return bucketResult{}, err
    }
    if len(vals) != 3 {
        return bucketResult{}, fmt.Errorf("unexpected limiter result %#v", vals)
    }
    return bucketResult{
        allowed:    asInt64(vals[0]) == 1,
        remaining:  asInt64(vals[1]),
        retryAfter: time.Duration(asInt64(vals[2])) * time.Millisecond,
    }, nil
}

func asInt64(v interface{}) int64 {
    switch t := v.(type) {
    case int64: return t
    case int: return int64(t)
    case float64: return int64(t)
    case string:
        if n, err := strconv.ParseInt(t, 10, 64); err == nil { return n }
    }
    return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
    parts := []string{cfg.Prefix}
    gate := GateID(c)
    if gate == "" {
        gate = c.RealIP()
    }
    if gate == "" { gate = "unknown" }
    uid := ActingUser(c)
    if uid == "" { uid = "anon" }

    switch cfg.Key {
    case config.RateKeyGate:
        parts = append(parts, "gate", gate)
    case config.RateKeyUser:
        parts = append(parts, "user", uid)
    default:
        parts = append(parts, "gate", gate, "user", uid)
    }
    return strings.Join(parts, ":")
}
