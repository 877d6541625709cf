package processing

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// RawLogSink receives every accepted frame, before decimation.
type RawLogSink interface {
	Append(timestamp float64, raw []float64) error
	Flush() error
	Close() error
}

// RawLog writes one CSV row per accepted frame. When the device supplies the time, raw
// already starts with it and the row is raw as received; otherwise the synthesized
// timestamp is prepended.
type RawLog struct {
	Filename       string
	closer         io.Closer
	writer         *bufio.Writer
	timeFromDevice bool
	row            []byte
}

// NewRawLogFile creates directory if needed and a new log file named by formatting the
// current time with pattern. The header row is written immediately.
func NewRawLogFile(directory, pattern string, header []string, timeFromDevice bool) (*RawLog, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("[processor] error creating log directory %s: %w", directory, err)
	}

	filename := filepath.Join(directory, time.Now().Format(pattern))
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("[processor] error opening log file %s: %w", filename, err)
	}

	rawLog := NewRawLog(file, header, timeFromDevice)
	rawLog.Filename = filename
	if err := rawLog.writeHeader(header); err != nil {
		return nil, multierr.Append(err, file.Close())
	}
	return rawLog, nil
}

// NewRawLog writes to w without a header; NewRawLogFile adds the header for files.
func NewRawLog(w io.WriteCloser, header []string, timeFromDevice bool) *RawLog {
	return &RawLog{
		closer:         w,
		writer:         bufio.NewWriter(w),
		timeFromDevice: timeFromDevice,
		row:            make([]byte, 0, 16*len(header)),
	}
}

func (l *RawLog) writeHeader(header []string) error {
	if _, err := l.writer.WriteString(strings.Join(header, ",") + "\n"); err != nil {
		return err
	}
	return l.writer.Flush()
}

func (l *RawLog) Append(timestamp float64, raw []float64) error {
	row := l.row[:0]
	if !l.timeFromDevice {
		row = strconv.AppendFloat(row, timestamp, 'f', -1, 64)
		if len(raw) > 0 {
			row = append(row, ',')
		}
	}
	for i, v := range raw {
		if i > 0 {
			row = append(row, ',')
		}
		row = strconv.AppendFloat(row, v, 'f', -1, 64)
	}
	row = append(row, '\n')
	l.row = row

	_, err := l.writer.Write(row)
	return err
}

func (l *RawLog) Flush() error {
	return l.writer.Flush()
}

func (l *RawLog) Close() error {
	return multierr.Append(l.writer.Flush(), l.closer.Close())
}

// NopRawLog is used when logging is disabled.
type NopRawLog struct{}

func (NopRawLog) Append(float64, []float64) error { return nil }
func (NopRawLog) Flush() error                    { return nil }
func (NopRawLog) Close() error                    { return nil }
