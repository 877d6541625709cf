package processing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	rserial "sleepywoodpecker/rt-serial-plot/internal/rSerial"
)

// scriptedSource replays lines, then reports "no data" forever or returns err once.
type scriptedSource struct {
	lines []string
	err   error
}

func (s *scriptedSource) ReadFrame() ([]byte, bool, error) {
	if len(s.lines) > 0 {
		line := s.lines[0]
		s.lines = s.lines[1:]
		return []byte(line), true, nil
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		return nil, false, err
	}
	return nil, false, nil
}

type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

type failingRawLog struct {
	NopRawLog
}

func (failingRawLog) Append(float64, []float64) error { return errors.New("disk full") }

func counterValue(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

type processorFixture struct {
	processor *Processor
	source    *scriptedSource
	store     *DataSampleStore
	queue     chan Snapshot
	log       *bufferCloser
	rawLog    *RawLog
	scope     tally.TestScope
}

func newFixture(t *testing.T, divisor int, lines ...string) *processorFixture {
	t.Helper()
	f := &processorFixture{
		source: &scriptedSource{lines: lines},
		store:  NewDataSampleStore([]string{"a", "b"}, 4),
		queue:  make(chan Snapshot, DefaultQueueSize),
		log:    &bufferCloser{},
		scope:  tally.NewTestScope("", nil),
	}
	f.rawLog = NewRawLog(f.log, []string{"time", "a", "b"}, false)

	p, err := NewProcessor(ProcessorOptions{
		Source:      f.source,
		Decoder:     NewDecoder(",", 2),
		DataStore:   f.store,
		RawLog:      f.rawLog,
		RenderQueue: f.queue,
		Divisor:     divisor,
		TimeStep:    100 * time.Millisecond,
		Logger:      zap.NewNop(),
		Scope:       f.scope,
	})
	require.NoError(t, err)
	f.processor = p
	return f
}

func (f *processorFixture) logRows(t *testing.T) []string {
	t.Helper()
	require.NoError(t, f.rawLog.Flush())
	return strings.Split(strings.TrimSuffix(f.log.String(), "\n"), "\n")
}

func TestNewProcessorValidatesOptions(t *testing.T) {
	_, err := NewProcessor(ProcessorOptions{})
	require.Error(t, err)

	_, err = NewProcessor(ProcessorOptions{
		Source:      &scriptedSource{},
		Decoder:     NewDecoder(",", 1),
		DataStore:   NewDataSampleStore([]string{"a"}, 1),
		RenderQueue: make(chan Snapshot, 1),
		Divisor:     0,
		TimeStep:    time.Millisecond,
	})
	require.Error(t, err)

	_, err = NewProcessor(ProcessorOptions{
		Source:      &scriptedSource{},
		Decoder:     NewDecoder(",", 1),
		DataStore:   NewDataSampleStore([]string{"a"}, 1),
		RenderQueue: make(chan Snapshot, 1),
		Divisor:     1,
	})
	require.Error(t, err)
}

func TestProcessFrameDecimation(t *testing.T) {
	const divisor = 4
	f := newFixture(t, divisor)

	for i := 1; i < divisor; i++ {
		require.NoError(t, f.processor.ProcessFrame([]byte("1,2")))
		require.Len(t, f.queue, 0)
	}

	require.NoError(t, f.processor.ProcessFrame([]byte("7,8")))
	require.Len(t, f.queue, 1)

	snapshot := <-f.queue
	require.Equal(t, uint64(divisor), snapshot.Seq)
	require.Equal(t, divisor, snapshot.Len())
	require.Equal(t, 7.0, snapshot.Channels[0].Values[divisor-1])
	require.Equal(t, 8.0, snapshot.Channels[1].Values[divisor-1])
	require.Equal(t, int64(1), counterValue(f.scope, "render_notifications"))

	// the counter resets: another full period is needed for the next notification
	for i := 1; i < divisor; i++ {
		require.NoError(t, f.processor.ProcessFrame([]byte("1,2")))
	}
	require.Len(t, f.queue, 0)
}

func TestProcessFrameSynthesizesUniformTime(t *testing.T) {
	// one render every two frames: the step is the 100ms refresh interval, not 50ms per frame
	f := newFixture(t, 2)

	require.NoError(t, f.processor.ProcessFrame([]byte("1,1")))
	require.Error(t, f.processor.ProcessFrame([]byte("bad")))
	require.NoError(t, f.processor.ProcessFrame([]byte("2,2")))
	require.NoError(t, f.processor.ProcessFrame([]byte("3,3")))

	times := f.store.Snapshot().Channels[0].Times
	require.Len(t, times, 3)
	require.InDelta(t, 0.0, times[0], 1e-9)
	require.InDelta(t, 0.1, times[1], 1e-9)
	require.InDelta(t, 0.2, times[2], 1e-9)

	require.Equal(t, []string{"0,1,1", "0.1,2,2", "0.2,3,3"}, f.logRows(t))
}

func TestProcessFrameRejectsFrameShorterThanStore(t *testing.T) {
	store := NewDataSampleStore([]string{"a", "b", "c"}, 4)
	log := &bufferCloser{}
	rawLog := NewRawLog(log, []string{"time", "a", "b"}, false)
	queue := make(chan Snapshot, 1)

	p, err := NewProcessor(ProcessorOptions{
		Source:      &scriptedSource{},
		Decoder:     NewDecoder(",", 2),
		DataStore:   store,
		RawLog:      rawLog,
		RenderQueue: queue,
		Divisor:     1,
		TimeStep:    100 * time.Millisecond,
	})
	require.NoError(t, err)

	err = p.ProcessFrame([]byte("1,2"))
	var malformed *MalformedFrameError
	require.True(t, errors.As(err, &malformed))
	require.Equal(t, []byte("1,2"), malformed.Line)

	require.Equal(t, 0, store.Len())
	require.NoError(t, rawLog.Flush())
	require.Empty(t, log.String())
	require.Len(t, queue, 0)
	require.Equal(t, 0.0, p.syntheticNow.Seconds())
}

func TestProcessFrameDeviceTime(t *testing.T) {
	store := NewDataSampleStore([]string{"pressure1", "pressure2"}, 10)
	log := &bufferCloser{}
	rawLog := NewRawLog(log, []string{"time", "pressure1", "pressure2", "actuator"}, true)
	queue := make(chan Snapshot, 1)

	p, err := NewProcessor(ProcessorOptions{
		Source:         &scriptedSource{},
		Decoder:        NewDecoder(",", 4),
		DataStore:      store,
		RawLog:         rawLog,
		RenderQueue:    queue,
		Divisor:        1,
		TimeFromDevice: true,
	})
	require.NoError(t, err)

	require.NoError(t, p.ProcessFrame([]byte("1500,1.25,2.5,90")))
	require.NoError(t, p.ProcessFrame([]byte("1550,1.5,2.75,90")))

	snapshot := store.Snapshot()
	require.Equal(t, []float64{1.5, 1.55}, snapshot.Channels[0].Times)
	require.Equal(t, []float64{1.25, 1.5}, snapshot.Channels[0].Values)
	require.Equal(t, []float64{2.5, 2.75}, snapshot.Channels[1].Values)

	require.NoError(t, rawLog.Flush())
	require.Equal(t, "1500,1.25,2.5,90\n1550,1.5,2.75,90\n", log.String())
}

func TestMalformedFrameLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.processor.ProcessFrame([]byte("1,2")))
	before := f.store.Snapshot()

	for _, line := range []string{"1", "1,2,3", "1,x", ""} {
		err := f.processor.ProcessFrame([]byte(line))
		var malformed *MalformedFrameError
		require.True(t, errors.As(err, &malformed))
	}

	require.Equal(t, before, f.store.Snapshot())
	require.Equal(t, []string{"0,1,2"}, f.logRows(t))
	require.Len(t, f.queue, 0)
}

func TestRunSkipsMalformedFramesAndLogsEveryAcceptedFrame(t *testing.T) {
	defer goleak.VerifyNone(t)

	lines := []string{"1,1", "2,2", "oops", "3,3", "4,4", "5", "6,6", "7,7", "8,8"}
	f := newFixture(t, 3, lines...)
	f.source.err = &rserial.SerialIOError{PortName: "/dev/fake", Op: "read", Err: io.EOF}

	err := f.processor.Run(context.Background())
	var ioErr *rserial.SerialIOError
	require.True(t, errors.As(err, &ioErr))

	rows := f.logRows(t)
	require.Len(t, rows, 7)
	require.Equal(t, "0,1,1", rows[0])
	require.Equal(t, "0.6,8,8", rows[6])

	require.Equal(t, int64(7), counterValue(f.scope, "frames_accepted"))
	require.Equal(t, int64(2), counterValue(f.scope, "frames_malformed"))
	require.Equal(t, int64(2), counterValue(f.scope, "render_notifications"))

	// the window holds the latest four accepted frames in arrival order
	snapshot := f.store.Snapshot()
	require.Equal(t, []float64{4, 6, 7, 8}, snapshot.Channels[0].Values)
}

func TestRunContinuesAfterOutOfSync(t *testing.T) {
	f := newFixture(t, 1, "1,1")
	f.source.err = &rserial.OutOfSyncError{ByteSequence: []byte("garbage")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.processor.Run(ctx)
	}()

	snapshot := <-f.queue
	require.Equal(t, uint64(1), snapshot.Seq)

	require.Eventually(t, func() bool {
		return counterValue(f.scope, "frames_out_of_sync") == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.processor.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestRunFailsOnRawLogError(t *testing.T) {
	p, err := NewProcessor(ProcessorOptions{
		Source:      &scriptedSource{lines: []string{"1"}},
		Decoder:     NewDecoder(",", 1),
		DataStore:   NewDataSampleStore([]string{"a"}, 2),
		RawLog:      failingRawLog{},
		RenderQueue: make(chan Snapshot, 1),
		Divisor:     1,
		TimeStep:    time.Millisecond,
	})
	require.NoError(t, err)

	require.EqualError(t, p.Run(context.Background()), "disk full")
}

func TestNotifyNeverBlocksAndKeepsNewest(t *testing.T) {
	f := newFixture(t, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.processor.ProcessFrame([]byte("1,2")))
	}

	require.Len(t, f.queue, 1)
	snapshot := <-f.queue
	require.Equal(t, uint64(5), snapshot.Seq)
	require.Equal(t, int64(5), counterValue(f.scope, "render_notifications"))
	require.Equal(t, int64(4), counterValue(f.scope, "render_dropped"))
}
