package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log/slog"
    "sync"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"

    "github.com/gatekeep/admission/internal/config"
    "github.com/gatekeep/admission/internal/dispatch"
)

// Router is the part of the dispatch registry the consumer needs.
type Router interface {
    Topics() []string
    Dispatch(ctx context.Context, topic string, payload []byte) dispatch.Outcome
}

// Consumer binds the command queue to every registered topic and feeds
// deliveries to the router.  Every delivery is acked once the router has
// seen it, whatever the outcome: delivery is at most once.
type Consumer struct {
    cfg    config.BrokerConfig
    router Router
    log    *slog.Logger
}

// NewConsumer returns a Consumer for cfg.
func NewConsumer(cfg config.BrokerConfig, router Router, logger *slog.Logger) *Consumer {
    if logger == nil {
        logger = slog.Default()
    }
    return &Consumer{cfg: cfg, router: router, log: logger.With("component", "consumer")}
}

// Run connects to the broker and consumes until ctx is cancelled,
// reconnecting with a capped backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
    backoff := time.Second
    for {
        conn, err := dial(c.cfg)
        if err != nil {
            c.log.Warn("failed to dial broker", "err", err, "retry_in", backoff)
            if !sleep(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second // reset after successful connect

        err = c.consumeLoop(ctx, conn)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        c.log.Warn("consume loop ended, reconnecting", "err", err)
        if !sleep(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
        c.log.Warn("set QoS failed", "err", err)
    }
    if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
        return fmt.Errorf("exchange declare: %w", err)
    }
    q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    for _, topic := range c.router.Topics() {
        if err := ch.QueueBind(q.Name, topic, c.cfg.Exchange, false, nil); err != nil {
            return fmt.Errorf("bind %s: %w", topic, err)
        }
    }

    msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }
    c.log.Info("consuming", "queue", q.Name, "topics", len(c.router.Topics()), "workers", c.cfg.Prefetch)

    var wg sync.WaitGroup
    for i := 0; i < c.cfg.Prefetch; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for d := range msgs {
                c.handle(ctx, d)
            }
        }()
    }
    wg.Wait()
    return errors.New("deliveries channel closed")
}

// handle dispatches one delivery and acks it.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) dispatch.Outcome {
    out := c.router.Dispatch(ctx, d.RoutingKey, unwrap(d.Body))
    if err := d.Ack(false); err != nil {
        c.log.Warn("ack failed", "topic", d.RoutingKey, "err", err)
    }
    return out
}

// unwrap returns the payload of an enveloped message, or body unchanged
// when it is a bare payload.
func unwrap(body []byte) []byte {
    var env struct {
        Event   string          `json:"event"`
        Payload json.RawMessage `json:"payload"`
    }
    if err := json.Unmarshal(body, &env); err != nil || env.Event == "" || len(env.Payload) == 0 {
        return body
    }
    return env.Payload
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
