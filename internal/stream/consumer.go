// Package stream consumes the push channel: live driver locations, fleet
// invalidation hints and alerts.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/observability"
)

// Conn is one established push connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context) (Conn, error)
	Name() string
}

// Sink applies location updates.
type Sink interface {
	ApplyLocation(ctx context.Context, ev models.LocationEvent) error
}

type Refresher interface {
	Trigger(reason string)
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

type Options struct {
	Clock    clock.Clock
	Activity activity.Recorder
	Logger   *slog.Logger
}

type Consumer struct {
	transport Transport
	sink      Sink
	refresh   Refresher
	clock     clock.Clock
	activity  activity.Recorder
	logger    *slog.Logger
	connected atomic.Bool

	// wait sleeps between dial attempts; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

func NewConsumer(t Transport, sink Sink, refresh Refresher, opts Options) *Consumer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Consumer{
		transport: t,
		sink:      sink,
		refresh:   refresh,
		clock:     opts.Clock,
		activity:  opts.Activity,
		logger:    opts.Logger.With("transport", t.Name()),
		wait:      sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Consumer) Connected() bool { return c.connected.Load() }

// Run keeps a connection open until ctx is done. Every successful connect
// after the first triggers one snapshot refresh, since nothing missed while
// disconnected is replayed.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := minBackoff
	everConnected := false
	for {
		conn, err := c.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("stream dial failed", "error", err, "backoff", backoff)
			if c.wait(ctx, backoff) != nil {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		if everConnected {
			observability.StreamReconnect.Inc()
			c.refresh.Trigger("reconnect")
		}
		everConnected = true
		c.setConnected(true)

		err = c.consume(ctx, conn)
		_ = conn.Close()
		c.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("stream disconnected", "error", err)
		if c.wait(ctx, backoff) != nil {
			return nil
		}
	}
}

func (c *Consumer) setConnected(up bool) {
	c.connected.Store(up)
	if up {
		observability.StreamConnected.Set(1)
		c.activity.Record(activity.KindSystem, "", "Live updates connected")
		c.logger.Info("stream connected")
		return
	}
	observability.StreamConnected.Set(0)
	c.activity.Record(activity.KindSystem, "", "Live updates disconnected")
}

func (c *Consumer) consume(ctx context.Context, conn Conn) error {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg []byte) {
	env, err := Decode(msg)
	if err != nil {
		observability.PushInvalid.Inc()
		c.logger.Debug("invalid stream message", "error", err)
		return
	}

	switch env.Type {
	case TypeLocation:
		p, err := env.Location()
		if err != nil {
			observability.PushInvalid.Inc()
			c.logger.Debug("invalid location update", "error", err)
			return
		}
		ev := models.LocationEvent{DriverID: p.DriverID, Lat: *p.Lat, Lng: *p.Lng, FullName: p.FullName, ReceivedAt: c.clock.Now()}
		if err := c.sink.ApplyLocation(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("apply location failed", "driver_id", p.DriverID, "error", err)
		}
	case TypeFleet:
		c.refresh.Trigger(string(TypeFleet))
	case TypeAlert:
		p, err := env.Alert()
		if err != nil {
			observability.PushInvalid.Inc()
			return
		}
		c.activity.Record(activity.KindAlert, "", "%s", p.Message)
	default:
		observability.PushMessages.WithLabelValues("unknown").Inc()
		c.logger.Debug("unknown stream message type", "type", env.Type)
		return
	}
	observability.PushMessages.WithLabelValues(string(env.Type)).Inc()
}
