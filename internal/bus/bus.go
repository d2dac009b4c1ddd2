// Package bus carries swarm lifecycle events over NATS.
//
// By default the bus runs an embedded NATS server bound to localhost and
// publishes to it over a loopback client connection, so a single swarmd
// process needs no external broker. Setting Config.URL connects to an
// external server instead, which lets several daemons share one bus.
//
// Events are JSON-encoded and published to the swarm.* subjects declared
// in events.go. Publishing is fire-and-forget: a failed publish is logged
// and counted but never fails the mutation that produced the event.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/bus"

// readyTimeout bounds how long New waits for the embedded server to
// accept connections before giving up.
const readyTimeout = 5 * time.Second

// Config holds bus configuration.
type Config struct {
	// URL connects to an external NATS server instead of embedding one.
	// Empty means run an embedded server.
	URL string

	// Host and Port bind the embedded server when URL is empty.
	// Port -1 selects a random free port.
	Host string
	Port int
}

// DefaultConfig returns the default bus configuration: an embedded
// server on localhost with a randomly assigned port.
func DefaultConfig() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: -1,
	}
}

// Bus publishes and subscribes to swarm events.
type Bus struct {
	config *Config
	logger *zap.Logger

	server *natsserver.Server
	conn   *nats.Conn

	closeOnce sync.Once

	tracer trace.Tracer
	meter  metric.Meter

	publishedTotal metric.Int64Counter
	publishErrors  metric.Int64Counter
}

// New starts the bus. With an empty Config.URL it boots an embedded NATS
// server and connects to it over loopback; otherwise it connects to the
// configured external server.
func New(cfg *Config, logger *zap.Logger) (*Bus, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = -1
	}

	b := &Bus{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	b.initMetrics()

	url := cfg.URL
	if url == "" {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:   cfg.Host,
			Port:   cfg.Port,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedded nats server: %w", err)
		}

		go srv.Start()

		if !srv.ReadyForConnections(readyTimeout) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded nats server not ready after %s", readyTimeout)
		}

		b.server = srv
		url = srv.ClientURL()
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		if b.server != nil {
			b.server.Shutdown()
		}
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	b.conn = conn

	logger.Info("event bus started",
		zap.String("url", url),
		zap.Bool("embedded", b.server != nil))

	return b, nil
}

func (b *Bus) initMetrics() {
	var err error

	b.publishedTotal, err = b.meter.Int64Counter(
		"swarmd.bus.published_total",
		metric.WithDescription("Total events published to the swarm bus"),
	)
	if err != nil {
		b.logger.Warn("failed to create published counter", zap.Error(err))
	}

	b.publishErrors, err = b.meter.Int64Counter(
		"swarmd.bus.publish_errors_total",
		metric.WithDescription("Total failed publishes to the swarm bus"),
	)
	if err != nil {
		b.logger.Warn("failed to create publish error counter", zap.Error(err))
	}
}

// ClientURL returns the URL clients can use to reach the bus.
func (b *Bus) ClientURL() string {
	if b.server != nil {
		return b.server.ClientURL()
	}
	return b.config.URL
}

// Publish JSON-encodes event and publishes it to subject. The returned
// error is for callers that want to log it; core state never depends on
// a publish succeeding.
func (b *Bus) Publish(ctx context.Context, subject string, event any) error {
	_, span := b.tracer.Start(ctx, "bus.publish",
		trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		span.SetStatus(codes.Error, "marshal failed")
		span.RecordError(err)
		b.countError(ctx, subject)
		return fmt.Errorf("marshal event for %s: %w", subject, err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		span.SetStatus(codes.Error, "publish failed")
		span.RecordError(err)
		b.countError(ctx, subject)
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	if b.publishedTotal != nil {
		b.publishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
	}

	return nil
}

func (b *Bus) countError(ctx context.Context, subject string) {
	if b.publishErrors != nil {
		b.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
	}
}

// Subscribe registers handler for every message on subject. The handler
// runs on the NATS delivery goroutine and receives the raw JSON payload.
// The returned subscription can be drained or unsubscribed by the caller;
// Close tears down all subscriptions with the connection.
func (b *Bus) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Close flushes and closes the client connection, then shuts down the
// embedded server if one was started. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		if b.conn != nil {
			// Best effort: give in-flight publishes a moment to leave.
			_ = b.conn.FlushTimeout(2 * time.Second)
			b.conn.Close()
		}
		if b.server != nil {
			b.server.Shutdown()
			b.server.WaitForShutdown()
		}
		b.logger.Info("event bus stopped")
	})
}
