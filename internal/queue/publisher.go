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
)

// ErrBrokerUnavailable is returned by Publish while a failed dial is
// cooling down.
var ErrBrokerUnavailable = errors.New("queue: broker unavailable")

const fallbackDialTimeout = 2 * time.Second

type traceKey struct{}

// WithTrace attaches a trace id that Publish copies into the envelope.
func WithTrace(ctx context.Context, trace string) context.Context {
    if trace == "" {
        return ctx
    }
    return context.WithValue(ctx, traceKey{}, trace)
}

// TraceFrom returns the trace id stored by WithTrace.
func TraceFrom(ctx context.Context) string {
    s, _ := ctx.Value(traceKey{}).(string)
    return s
}

// NewEnvelope wraps payload for publishing.
func NewEnvelope(ctx context.Context, service, event string, payload any) Envelope {
    return Envelope{
        Event:   event,
        Service: service,
        Version: EnvelopeVersion,
        Trace:   TraceFrom(ctx),
        Payload: payload,
    }
}

// Publisher publishes enveloped JSON events to the admission topic
// exchange, using the event name as routing key.  The connection is opened
// lazily and dropped after any failure so the next call redials.  After a
// failed dial, calls fail fast with ErrBrokerUnavailable until
// RedialCooldown has passed.  Errors are logged and returned so callers can
// treat publishing as best effort.
type Publisher struct {
    cfg     config.BrokerConfig
    service string
    log     *slog.Logger
    now     func() time.Time

    mu      sync.Mutex
    conn    *amqp.Connection
    ch      *amqp.Channel
    retryAt time.Time
}

// NewPublisher returns a Publisher; it does not dial until the first
// Publish.
func NewPublisher(cfg config.BrokerConfig, service string, logger *slog.Logger) *Publisher {
    if logger == nil {
        logger = slog.Default()
    }
    return &Publisher{cfg: cfg, service: service, log: logger.With("component", "publisher"), now: time.Now}
}

// Publish sends payload under event.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) error {
    body, err := json.Marshal(NewEnvelope(ctx, p.service, event, payload))
    if err != nil {
        return fmt.Errorf("marshal %s: %w", event, err)
    }

    p.mu.Lock()
    defer p.mu.Unlock()

    ch, err := p.channel()
    if errors.Is(err, ErrBrokerUnavailable) {
        return err
    }
    if err != nil {
        p.retryAt = p.now().Add(p.cfg.RedialCooldown)
        p.log.Warn("rabbitmq: connect failed", "err", err, "retry_after", p.cfg.RedialCooldown)
        return err
    }
    pub := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent, // store on disk
        Timestamp:    time.Now().UTC(),
        Type:         event,
        AppId:        p.service,
        Body:         body,
    }
    if err := ch.PublishWithContext(ctx, p.cfg.Exchange, event, false, false, pub); err != nil {
        p.log.Warn("rabbitmq: publish failed", "event", event, "err", err)
        p.reset()
        return err
    }
    return nil
}

// channel returns the open channel, dialing when needed.  Callers hold mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
    if p.ch != nil && !p.ch.IsClosed() {
        return p.ch, nil
    }
    if p.now().Before(p.retryAt) {
        return nil, ErrBrokerUnavailable
    }
    p.reset()
    conn, err := dial(p.cfg)
    if err != nil {
        return nil, fmt.Errorf("dial: %w", err)
    }
    ch, err := conn.Channel()
    if err != nil {
        _ = conn.Close()
        return nil, fmt.Errorf("channel open: %w", err)
    }
    if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
        _ = ch.Close()
        _ = conn.Close()
        return nil, fmt.Errorf("exchange declare: %w", err)
    }
    p.conn, p.ch = conn, ch
    return ch, nil
}

// dial opens a connection whose TCP connect and handshake are bounded by
// cfg.DialTimeout.
func dial(cfg config.BrokerConfig) (*amqp.Connection, error) {
    timeout := cfg.DialTimeout
    if timeout <= 0 {
        timeout = fallbackDialTimeout
    }
    return amqp.DialConfig(cfg.URL, amqp.Config{
        Locale: "en_US",
        Dial:   amqp.DefaultDial(timeout),
    })
}

func (p *Publisher) reset() {
    if p.ch != nil {
        _ = p.ch.Close()
        p.ch = nil
    }
    if p.conn != nil {
        _ = p.conn.Close()
        p.conn = nil
    }
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.reset()
    return nil
}
