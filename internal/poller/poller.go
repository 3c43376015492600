// Package poller fetches the full snapshot feeds from the remote API on a
// fixed cadence and hands each cycle to a sink as one batch.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/observability"
	"github.com/example/fleet-sync/internal/reconcile"
)

// Feed fetches one complete replace-set.
type Feed struct {
	Name  reconcile.Feed
	Fetch func(ctx context.Context) ([]models.Entity, error)
}

// Sink receives the snapshots of one cycle.
type Sink interface {
	ApplySnapshots(ctx context.Context, batch []reconcile.Snapshot) error
}

type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Clock        clock.Clock
	Activity     activity.Recorder
	Logger       *slog.Logger
}

type Poller struct {
	feeds    []Feed
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	activity activity.Recorder
	logger   *slog.Logger

	triggers chan string
	// newTicker is replaced in tests.
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu      sync.Mutex
	seq     uint64
	failing map[reconcile.Feed]bool
}

func New(feeds []Feed, sink Sink, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = opts.Interval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		feeds:    feeds,
		sink:     sink,
		interval: opts.Interval,
		timeout:  opts.FetchTimeout,
		clock:    opts.Clock,
		activity: opts.Activity,
		logger:   opts.Logger,
		triggers: make(chan string, 16),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		failing: make(map[reconcile.Feed]bool),
	}
}

// Trigger requests an out-of-band fetch. Requests made while a fetch is
// outstanding collapse into one follow-up fetch.
func (p *Poller) Trigger(reason string) {
	observability.RefreshTriggers.WithLabelValues(reason).Inc()
	select {
	case p.triggers <- reason:
	default:
		p.logger.Debug("refresh trigger coalesced", "reason", reason)
	}
}

// Run fetches once immediately and then on every tick until ctx is done.
// At most one fetch cycle is outstanding at any time.
func (p *Poller) Run(ctx context.Context) error {
	done := make(chan struct{}, 1)
	inFlight := false
	followUp := ""
	start := func(reason string) {
		inFlight = true
		go func() {
			p.cycle(ctx, reason)
			done <- struct{}{}
		}()
	}

	ticks, stop := p.newTicker(p.interval)
	defer stop()

	p.logger.Info("snapshot poller started", "interval", p.interval, "feeds", len(p.feeds))
	start("startup")
	for {
		select {
		case <-ctx.Done():
			if inFlight {
				<-done
			}
			return nil
		case <-ticks:
			if inFlight {
				observability.TicksDropped.Inc()
				p.logger.Debug("poll tick dropped, fetch still outstanding")
				continue
			}
			start("scheduled")
		case reason := <-p.triggers:
			if inFlight {
				followUp = reason
				continue
			}
			start(reason)
		case <-done:
			inFlight = false
			if followUp != "" {
				reason := followUp
				followUp = ""
				start(reason)
			}
		}
	}
}

func (p *Poller) nextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

// Seq returns the sequence number of the last started cycle.
func (p *Poller) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// cycle fetches every feed concurrently. A failed feed is left out of the
// batch so the store keeps its last good state for it.
func (p *Poller) cycle(ctx context.Context, reason string) {
	seq := p.nextSeq()
	started := p.clock.Now()
	results := make([]*reconcile.Snapshot, len(p.feeds))

	var g errgroup.Group
	for i, f := range p.feeds {
		i, f := i, f
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			t0 := time.Now()
			entities, err := f.Fetch(fctx)
			observability.FetchLatency.WithLabelValues(string(f.Name)).Observe(time.Since(t0).Seconds())
			if err != nil {
				p.fetchFailed(f.Name, seq, err)
				return nil
			}
			p.fetchRecovered(f.Name)
			results[i] = &reconcile.Snapshot{Feed: f.Name, Entities: entities, Seq: seq, StartedAt: started}
			return nil
		})
	}
	_ = g.Wait()

	batch := make([]reconcile.Snapshot, 0, len(results))
	for _, r := range results {
		if r != nil {
			batch = append(batch, *r)
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := p.sink.ApplySnapshots(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("apply snapshots failed", "seq", seq, "error", err)
		return
	}
	p.logger.Debug("poll cycle applied", "seq", seq, "reason", reason, "feeds", len(batch))
}

func (p *Poller) fetchFailed(feed reconcile.Feed, seq uint64, err error) {
	observability.FetchErrors.WithLabelValues(string(feed)).Inc()
	p.logger.Warn("snapshot fetch failed", "feed", feed, "seq", seq, "error", err)

	p.mu.Lock()
	first := !p.failing[feed]
	p.failing[feed] = true
	p.mu.Unlock()
	if first {
		p.activity.Record(activity.KindError, "", "Refreshing %s failed: %v", feed, err)
	}
}

func (p *Poller) fetchRecovered(feed reconcile.Feed) {
	p.mu.Lock()
	was := p.failing[feed]
	delete(p.failing, feed)
	p.mu.Unlock()
	if was {
		p.activity.Record(activity.KindSystem, "", "Refreshing %s recovered", feed)
	}
}
