// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultReadTimeout  = 5 * time.Millisecond
	DefaultMaxFrameSize = 4096
	readChunkSize       = 256
)

// Port is the subset of serial.Port the plotter needs.
type Port interface {
	io.ReadWriteCloser
}

type RSerial struct {
	Port
	logger       *zap.Logger
	portName     string
	stopSequence byte
	maxFrameSize int
	readTimeout  time.Duration

	pending  []byte
	tempBuff []byte
	synced   bool
	dropping bool
}

// SerialIOError means the port can no longer be used. It is fatal to acquisition.
type SerialIOError struct {
	PortName string
	Op       string
	Err      error
}

func (e *SerialIOError) Error() string {
	return fmt.Sprintf("[rserial] %s on %s failed: %v", e.Op, e.PortName, e.Err)
}

func (e *SerialIOError) Unwrap() error {
	return e.Err
}

// OutOfSyncError is returned when no line terminator was seen within the maximum frame size.
// The buffered bytes are dropped and reading resumes after the next terminator.
type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] no line terminator within %d bytes", len(e.ByteSequence))
}

type Options struct {
	BaudRate     int
	ReadTimeout  time.Duration
	MaxFrameSize int
}

// Open opens portName and prepares it for non-blocking line reads.
func Open(portName string, opts Options, logger *zap.Logger) (*RSerial, error) {
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &SerialIOError{PortName: portName, Op: "open", Err: err}
	}

	return NewRSerial(port, portName, opts, logger), nil
}

// NewRSerial wraps an already opened port.
func NewRSerial(port Port, portName string, opts Options, logger *zap.Logger) *RSerial {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RSerial{
		Port:         port,
		logger:       logger,
		portName:     portName,
		stopSequence: '\n',
		maxFrameSize: opts.MaxFrameSize,
		readTimeout:  opts.ReadTimeout,
		tempBuff:     make([]byte, readChunkSize),
	}
}

// Initialize sets the poll timeout and flushes stale input when the port supports it.
func (r *RSerial) Initialize() error {
	if p, ok := r.Port.(interface{ SetReadTimeout(time.Duration) error }); ok {
		if err := p.SetReadTimeout(r.readTimeout); err != nil {
			return &SerialIOError{PortName: r.portName, Op: "set read timeout", Err: err}
		}
	}
	if p, ok := r.Port.(interface{ ResetInputBuffer() error }); ok {
		if err := p.ResetInputBuffer(); err != nil {
			return &SerialIOError{PortName: r.portName, Op: "reset input buffer", Err: err}
		}
	}
	r.logger.Info("[rserial] port initialized", zap.String("portName", r.portName), zap.Duration("readTimeout", r.readTimeout))
	return nil
}

// PortName returns the port identifier this reader was opened with.
func (r *RSerial) PortName() string {
	return r.portName
}

// ReadFrame returns the next complete line without its terminator. ok is false when no
// complete line is available yet; this is the normal outcome of a read timeout and the
// caller should simply poll again.
func (r *RSerial) ReadFrame() (line []byte, ok bool, err error) {
	if line, ok := r.nextLine(); ok {
		return line, true, nil
	}

	n, err := r.Read(r.tempBuff)
	if err != nil {
		return nil, false, &SerialIOError{PortName: r.portName, Op: "read", Err: err}
	}
	if n == 0 {
		return nil, false, nil
	}
	r.pending = append(r.pending, r.tempBuff[:n]...)

	if line, ok := r.nextLine(); ok {
		return line, true, nil
	}

	if len(r.pending) > r.maxFrameSize {
		byteSequenceCopy := make([]byte, len(r.pending))
		copy(byteSequenceCopy, r.pending)
		r.pending = r.pending[:0]
		r.dropping = true

		return nil, false, &OutOfSyncError{ByteSequence: byteSequenceCopy}
	}

	return nil, false, nil
}

// nextLine pops one terminated line from pending. Bytes before the first terminator after
// opening (or after an overflow) are a partial frame and are discarded.
func (r *RSerial) nextLine() ([]byte, bool) {
	for {
		idx := bytes.IndexByte(r.pending, r.stopSequence)
		if idx < 0 {
			return nil, false
		}

		line := make([]byte, idx)
		copy(line, r.pending[:idx])
		r.pending = r.pending[:copy(r.pending, r.pending[idx+1:])]

		if !r.synced || r.dropping {
			r.synced = true
			r.dropping = false
			r.logger.Warn("[rserial] resynced serial stream", zap.String("portName", r.portName), zap.Int("discardedBytes", len(line)))
			continue
		}

		return line, true
	}
}

// Write sends p to the device in a single write.
func (r *RSerial) Write(p []byte) (int, error) {
	n, err := r.Port.Write(p)
	if err != nil {
		return n, &SerialIOError{PortName: r.portName, Op: "write", Err: err}
	}
	return n, nil
}

func (r *RSerial) Close() error {
	r.logger.Info("[rserial] closing port", zap.String("portName", r.portName))
	return r.Port.Close()
}
