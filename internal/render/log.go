package render

import (
	"go.uber.org/zap"

	"sleepywoodpecker/rt-serial-plot/internal/processing"
)

// LogSink is the headless renderer: each snapshot becomes one debug line with the
// latest value of every channel.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Render(snapshot processing.Snapshot) error {
	n := snapshot.Len()
	if n == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(snapshot.Channels)+3)
	fields = append(fields,
		zap.Uint64("seq", snapshot.Seq),
		zap.Int("points", n),
		zap.Float64("time", snapshot.Channels[0].Times[n-1]),
	)
	for _, ch := range snapshot.Channels {
		fields = append(fields, zap.Float64(ch.Name, ch.Values[n-1]))
	}

	s.logger.Debug("[render] snapshot", fields...)
	return nil
}
