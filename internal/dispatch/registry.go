// Package dispatch routes inbound bus messages to the handler that owns
// their topic.  The routing table is built once at startup and never
// changes; delivery is at most once.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/gatekeep/admission/internal/metrics"
)

// HandlerFunc processes one message payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Handler declares the topic group it serves and the exact topics it
// accepts.  Every topic must start with the group followed by a dot.
type Handler interface {
	Group() string
	Routes() map[string]HandlerFunc
}

// Outcome reports what Dispatch did with a message.
type Outcome string

const (
	Handled  Outcome = "ok"
	Unrouted Outcome = "unrouted"
	Failed   Outcome = "failed"
	Panicked Outcome = "panic"
)

type route struct {
	group string
	fn    HandlerFunc
}

// Registry maps topics to handler methods.
type Registry struct {
	routes map[string]route
	log    *slog.Logger
}

// NewRegistry builds the routing table.  A topic claimed twice, or a topic
// outside its handler's group, is a startup error.
func NewRegistry(logger *slog.Logger, handlers ...Handler) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{routes: make(map[string]route), log: logger.With("component", "dispatch")}
	for _, h := range handlers {
		group := h.Group()
		if group == "" {
			return nil, fmt.Errorf("dispatch: handler %T has no group", h)
		}
		for topic, fn := range h.Routes() {
			if !strings.HasPrefix(topic, group+".") {
				return nil, fmt.Errorf("dispatch: topic %q is outside group %q", topic, group)
			}
			if fn == nil {
				return nil, fmt.Errorf("dispatch: topic %q has no handler", topic)
			}
			if prev, ok := r.routes[topic]; ok {
				return nil, fmt.Errorf("dispatch: topic %q registered by groups %q and %q", topic, prev.group, group)
			}
			r.routes[topic] = route{group: group, fn: fn}
		}
	}
	return r, nil
}

// Topics returns the registered topics in sorted order.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch hands payload to the owner of topic.  Unknown topics are logged
// and dropped; handler errors and panics are logged and the message counts
// as consumed.  Nothing is ever returned to the transport for retry.
func (r *Registry) Dispatch(ctx context.Context, topic string, payload []byte) (out Outcome) {
	rt, ok := r.routes[topic]
	if !ok {
		r.log.Warn("no handler for topic, dropping message", "topic", topic, "bytes", len(payload))
		metrics.Dispatch("unknown", string(Unrouted))
		return Unrouted
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panicked", "topic", topic, "panic", p)
			out = Panicked
		}
		metrics.Dispatch(topic, string(out))
	}()
	if err := rt.fn(ctx, payload); err != nil {
		r.log.Error("handler failed", "topic", topic, "err", err)
		return Failed
	}
	return Handled
}
