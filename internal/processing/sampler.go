package processing

import (
	"context"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// RenderSink draws a snapshot. It is only ever called from the sampler goroutine.
type RenderSink interface {
	Render(snapshot Snapshot) error
}

type Sampler struct {
	refreshInterval time.Duration
	renderQueue     <-chan Snapshot
	sink            RenderSink
	logger          *zap.Logger

	rendered     tally.Counter
	renderErrors tally.Counter
	lastSeq      uint64
}

func NewSampler(refreshInterval time.Duration, renderQueue <-chan Snapshot, sink RenderSink, logger *zap.Logger, scope tally.Scope) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Sampler{
		refreshInterval: refreshInterval,
		renderQueue:     renderQueue,
		sink:            sink,
		logger:          logger,
		rendered:        scope.Counter("render_frames"),
		renderErrors:    scope.Counter("render_errors"),
	}
}

// Run redraws on every refresh tick with the newest snapshot handed over since the last
// tick. It never touches the serial port or the data store.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return
		case <-ticker.C:
			if open := s.SampleAndRender(); !open {
				s.logger.Info("[sampler] render queue closed")
				return
			}
		}
	}
}

// SampleAndRender drains the queue and renders the newest snapshot, if any. It returns false
// once the queue has been closed.
func (s *Sampler) SampleAndRender() bool {
	latest, ok, open := s.drain()
	if ok {
		s.render(latest)
	}
	return open
}

func (s *Sampler) drain() (latest Snapshot, ok bool, open bool) {
	for {
		select {
		case snapshot, more := <-s.renderQueue:
			if !more {
				return latest, ok, false
			}
			latest, ok = snapshot, true
		default:
			return latest, ok, true
		}
	}
}

func (s *Sampler) render(snapshot Snapshot) {
	if snapshot.Seq != 0 && snapshot.Seq == s.lastSeq {
		return
	}
	s.lastSeq = snapshot.Seq

	if err := s.sink.Render(snapshot); err != nil {
		s.renderErrors.Inc(1)
		s.logger.Warn("[sampler] error rendering snapshot", zap.Error(err), zap.Uint64("seq", snapshot.Seq))
		return
	}
	s.rendered.Inc(1)
}
