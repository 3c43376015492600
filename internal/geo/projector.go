package geo

import (
	"context"
	"log/slog"

	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/observability"
	"github.com/example/fleet-sync/internal/store"
)

// Mirror is an external copy of driver positions.
type Mirror interface {
	Write(ctx context.Context, d *models.Driver) error
	Delete(ctx context.Context, id string) error
}

type mirrorOp struct {
	driver *models.Driver
	id     string
}

// Projector keeps an Index, and optionally a Mirror, in step with the
// drivers collection. Store callbacks only touch the index and enqueue;
// mirror writes happen on Run's goroutine.
type Projector struct {
	index  *Index
	mirror Mirror
	queue  chan mirrorOp
	logger *slog.Logger
}

func NewProjector(index *Index, mirror Mirror, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{index: index, mirror: mirror, queue: make(chan mirrorOp, 1024), logger: logger}
}

// Attach seeds the index from s and subscribes to its changes.
func (p *Projector) Attach(s *store.Store) func() {
	cancel := s.Subscribe(p.onChange)
	for _, d := range store.AllAs[*models.Driver](s, models.Drivers) {
		p.index.Upsert(d)
	}
	return cancel
}

func (p *Projector) onChange(ch store.Change) {
	if ch.Collection != models.Drivers {
		return
	}
	if ch.Op == store.OpRemoved {
		p.index.Remove(ch.ID)
		p.enqueue(mirrorOp{id: ch.ID})
		return
	}
	d, ok := ch.Entity.(*models.Driver)
	if !ok {
		return
	}
	p.index.Upsert(d)
	p.enqueue(mirrorOp{driver: d, id: d.ID})
}

func (p *Projector) enqueue(op mirrorOp) {
	if p.mirror == nil {
		return
	}
	select {
	case p.queue <- op:
	default:
		observability.GeoMirrorErrors.Inc()
		p.logger.Warn("geo mirror queue full, dropping update", "driver_id", op.id)
	}
}

// Run drains queued mirror writes until ctx is done. Without a mirror it
// just waits.
func (p *Projector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-p.queue:
			var err error
			if op.driver == nil {
				err = p.mirror.Delete(ctx, op.id)
			} else {
				err = p.mirror.Write(ctx, op.driver)
			}
			if err != nil && ctx.Err() == nil {
				observability.GeoMirrorErrors.Inc()
				p.logger.Warn("geo mirror write failed", "driver_id", op.id, "error", err)
			}
		}
	}
}
