package processing

import (
	"bytes"
	"fmt"
	"strconv"
)

// MalformedFrameError marks a single bad frame. It is never fatal: the frame is dropped and
// acquisition carries on.
type MalformedFrameError struct {
	Line   []byte
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("[processor] malformed frame %q: %s", e.Line, e.Reason)
}

// Decoder turns one serial line into a fixed-arity vector of readings.
type Decoder struct {
	separator []byte
	arity     int
}

// NewDecoder creates a decoder. An arity of 0 is established by the first valid frame.
func NewDecoder(separator string, arity int) *Decoder {
	return &Decoder{
		separator: []byte(separator),
		arity:     arity,
	}
}

func (d *Decoder) Arity() int {
	return d.arity
}

func (d *Decoder) Decode(line []byte) ([]float64, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, &MalformedFrameError{Line: line, Reason: "empty frame"}
	}

	fields := bytes.Split(trimmed, d.separator)
	if d.arity > 0 && len(fields) != d.arity {
		return nil, &MalformedFrameError{
			Line:   line,
			Reason: fmt.Sprintf("expected %d fields, got %d", d.arity, len(fields)),
		}
	}

	values := make([]float64, len(fields))
	for i, field := range fields {
		v, err := parseReading(bytes.TrimSpace(field))
		if err != nil {
			return nil, &MalformedFrameError{
				Line:   line,
				Reason: fmt.Sprintf("field %d is not numeric", i),
			}
		}
		values[i] = v
	}

	if d.arity == 0 {
		d.arity = len(values)
	}
	return values, nil
}

// parseReading accepts decimal notation only. strconv also takes hex floats such as 0x1p-2,
// which no device sends.
func parseReading(field []byte) (float64, error) {
	digits := bytes.TrimLeft(field, "+-")
	if len(digits) > 1 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		return 0, fmt.Errorf("hex literal %q", field)
	}
	return strconv.ParseFloat(string(field), 64)
}
