// Package events publishes node lifecycle events for downstream consumers
// (accounting, dashboards). Publishing is best effort.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Type names a lifecycle event. It is the last token of the subject.
type Type string

const (
	TypeRequested   Type = "requested"
	TypeReady       Type = "ready"
	TypeQuarantined Type = "quarantined"
	TypeReleased    Type = "released"
	TypeReclaimed   Type = "reclaimed"
	TypeOrphan      Type = "orphan"
)

// Event is the JSON payload published per lifecycle change.
type Event struct {
	Type       Type      `json:"type"`
	Node       string    `json:"node"`
	ProviderID string    `json:"provider_id,omitempty"`
	Class      string    `json:"class,omitempty"`
	Account    string    `json:"account"`
	Address    string    `json:"address,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher sends lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// ErrNotConnected is returned after the connection is closed.
var ErrNotConnected = errors.New("events: nats not connected")

type conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
	Close()
}

// NATSPublisher publishes to <prefix>.<type>.
type NATSPublisher struct {
	nc     conn
	prefix string
}

// NewNATSPublisher connects to url and reconnects forever.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("skyway-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.nc.Publish(p.prefix+"."+string(e.Type), payload)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() {}

// Events returns the recorded events, optionally only those of the given types.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]Event(nil), r.events...)
	}
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for _, e := range r.events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// Compile-time interface checks
var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
