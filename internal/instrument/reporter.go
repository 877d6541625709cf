// Package instrument wires tally metrics to the application's zap logger.
package instrument

import (
	"io"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

const DefaultReportInterval = 10 * time.Second

type capabilities struct{}

func (capabilities) Reporting() bool { return true }
func (capabilities) Tagging() bool   { return true }

// zapReporter emits every reported metric as a debug log line. It is meant for a single
// operator session where the log file is the only durable output.
type zapReporter struct {
	logger *zap.Logger
}

// NewZapReporter returns a tally.StatsReporter that logs through logger.
func NewZapReporter(logger *zap.Logger) tally.StatsReporter {
	return &zapReporter{logger: logger}
}

func (r *zapReporter) Capabilities() tally.Capabilities { return capabilities{} }

func (r *zapReporter) Flush() {}

func (r *zapReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.logger.Debug("[metrics] counter", zap.String("name", name), zap.Any("tags", tags), zap.Int64("value", value))
}

func (r *zapReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Debug("[metrics] gauge", zap.String("name", name), zap.Any("tags", tags), zap.Float64("value", value))
}

func (r *zapReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Debug("[metrics] timer", zap.String("name", name), zap.Any("tags", tags), zap.Duration("value", interval))
}

func (r *zapReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64,
	samples int64,
) {
	r.logger.Debug("[metrics] histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Float64("lower", bucketLowerBound),
		zap.Float64("upper", bucketUpperBound),
		zap.Int64("samples", samples),
	)
}

func (r *zapReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration,
	samples int64,
) {
	r.logger.Debug("[metrics] histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Duration("lower", bucketLowerBound),
		zap.Duration("upper", bucketUpperBound),
		zap.Int64("samples", samples),
	)
}

// NewRootScope creates the process-wide metrics scope. The returned closer stops the
// reporting loop and flushes once more.
func NewRootScope(prefix string, logger *zap.Logger, interval time.Duration) (tally.Scope, io.Closer) {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   prefix,
		Reporter: NewZapReporter(logger),
	}, interval)
}
