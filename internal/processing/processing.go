package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	rserial "sleepywoodpecker/rt-serial-plot/internal/rSerial"
)

const DefaultQueueSize = 1

// FrameSource yields raw serial lines. ok is false when nothing is available yet.
type FrameSource interface {
	ReadFrame() (line []byte, ok bool, err error)
}

type ProcessorOptions struct {
	Source    FrameSource
	Decoder   *Decoder
	DataStore *DataSampleStore
	RawLog    RawLogSink
	// RenderQueue receives one snapshot every Divisor accepted frames.
	RenderQueue chan Snapshot
	Divisor     int
	// TimeFromDevice takes the timestamp from field 0, in milliseconds.
	TimeFromDevice bool
	// TimeStep is the synthesized time added per accepted frame. Spacing is assumed
	// uniform at the refresh interval and never measured.
	TimeStep       time.Duration
	Logger         *zap.Logger
	Scope          tally.Scope
}

type processorMetrics struct {
	accepted      tally.Counter
	malformed     tally.Counter
	outOfSync     tally.Counter
	notifications tally.Counter
	dropped       tally.Counter
}

func newProcessorMetrics(scope tally.Scope) processorMetrics {
	return processorMetrics{
		accepted:      scope.Counter("frames_accepted"),
		malformed:     scope.Counter("frames_malformed"),
		outOfSync:     scope.Counter("frames_out_of_sync"),
		notifications: scope.Counter("render_notifications"),
		dropped:       scope.Counter("render_dropped"),
	}
}

// Processor is the acquisition loop: every frame is decoded, logged and recorded, and
// every Divisor-th frame a snapshot is handed to the render side.
type Processor struct {
	source         FrameSource
	decoder        *Decoder
	dataStore      *DataSampleStore
	rawLog         RawLogSink
	renderQueue    chan Snapshot
	divisor        int
	timeFromDevice bool
	timeStep       time.Duration
	logger         *zap.Logger
	metrics        processorMetrics

	counter      int
	syntheticNow time.Duration
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Source == nil || opts.Decoder == nil || opts.DataStore == nil || opts.RenderQueue == nil {
		return nil, errors.New("[processor] source, decoder, data store and render queue are required")
	}
	if opts.Divisor < 1 {
		return nil, fmt.Errorf("[processor] divisor must be at least 1, got %d", opts.Divisor)
	}
	if !opts.TimeFromDevice && opts.TimeStep <= 0 {
		return nil, fmt.Errorf("[processor] time step must be positive, got %s", opts.TimeStep)
	}
	if opts.RawLog == nil {
		opts.RawLog = NopRawLog{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}

	return &Processor{
		source:         opts.Source,
		decoder:        opts.Decoder,
		dataStore:      opts.DataStore,
		rawLog:         opts.RawLog,
		renderQueue:    opts.RenderQueue,
		divisor:        opts.Divisor,
		timeFromDevice: opts.TimeFromDevice,
		timeStep:       opts.TimeStep,
		logger:         opts.Logger,
		metrics:        newProcessorMetrics(opts.Scope),
	}, nil
}

// Run polls the source until ctx is cancelled or the serial link fails. Only I/O failures
// are returned; bad frames are logged and skipped.
func (p *Processor) Run(ctx context.Context) error {
	defer func() {
		if err := p.rawLog.Flush(); err != nil {
			p.logger.Warn("[processor] error flushing raw log", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("[processor] received shutdown signal")
			return nil
		default:
			line, ok, err := p.source.ReadFrame()
			if err != nil {
				var oosError *rserial.OutOfSyncError
				if errors.As(err, &oosError) {
					p.metrics.outOfSync.Inc(1)
					p.logger.Warn("[processor] serial stream out of sync", zap.Error(err), zap.ByteString("payload", oosError.ByteSequence))
					continue
				}
				p.logger.Error("[processor] serial read failed, stopping acquisition", zap.Error(err))
				return err
			}
			if !ok {
				continue
			}

			if err := p.ProcessFrame(line); err != nil {
				var malformed *MalformedFrameError
				if errors.As(err, &malformed) {
					p.metrics.malformed.Inc(1)
					p.logger.Warn("[processor] dropping malformed frame", zap.Error(err), zap.ByteString("rawBytes", line))
					continue
				}
				p.logger.Error("[processor] error storing frame, stopping acquisition", zap.Error(err))
				return err
			}
		}
	}
}

// ProcessFrame handles one serial line. A *MalformedFrameError leaves every buffer and the
// raw log untouched; any other error is fatal.
func (p *Processor) ProcessFrame(line []byte) error {
	raw, err := p.decoder.Decode(line)
	if err != nil {
		return err
	}

	timestamp, err := p.nextTimestamp(line, raw)
	if err != nil {
		return err
	}

	plotted := p.plotted(raw)
	if len(plotted) != p.dataStore.NumChannels() {
		return &MalformedFrameError{
			Line:   line,
			Reason: fmt.Sprintf("%d plotted fields for %d channels", len(plotted), p.dataStore.NumChannels()),
		}
	}

	if err := p.rawLog.Append(timestamp, raw); err != nil {
		return err
	}
	if err := p.dataStore.Record(plotted, timestamp); err != nil {
		return err
	}
	p.advanceClock()
	p.metrics.accepted.Inc(1)

	p.counter++
	if p.counter >= p.divisor {
		p.counter = 0
		p.notify(p.dataStore.Snapshot())
	}

	return nil
}

// nextTimestamp returns seconds. Device time is fixed to milliseconds. Synthesized time
// starts at 0 and advances by the time step per accepted frame regardless of wall clock.
func (p *Processor) nextTimestamp(line []byte, raw []float64) (float64, error) {
	if !p.timeFromDevice {
		return p.syntheticNow.Seconds(), nil
	}
	if len(raw) == 0 {
		return 0, &MalformedFrameError{Line: line, Reason: "missing device time field"}
	}
	return raw[0] / 1000, nil
}

func (p *Processor) advanceClock() {
	if !p.timeFromDevice {
		p.syntheticNow += p.timeStep
	}
}

// plotted strips the device time field and any trailing log-only fields. A short frame
// comes back short.
func (p *Processor) plotted(raw []float64) []float64 {
	start := 0
	if p.timeFromDevice {
		start = 1
	}
	if start > len(raw) {
		return nil
	}
	end := start + p.dataStore.NumChannels()
	if end > len(raw) {
		end = len(raw)
	}
	return raw[start:end]
}

// notify hands the snapshot over without ever blocking. If the consumer has fallen behind,
// the oldest pending snapshot makes room for the new one.
func (p *Processor) notify(snapshot Snapshot) {
	for {
		select {
		case p.renderQueue <- snapshot:
			p.metrics.notifications.Inc(1)
			return
		default:
		}

		select {
		case stale := <-p.renderQueue:
			p.metrics.dropped.Inc(1)
			p.logger.Debug("[processor] render consumer behind, dropping snapshot", zap.Uint64("seq", stale.Seq))
		default:
		}
	}
}
