// Package actuator turns operator commands into valve control bytes for the device.
//
// A command line is a list of type:index:value triples separated by commas or semicolons:
//
//	solenoid:0:open, motor:1:90
//
// Only actuators whose requested value differs from what was last sent are encoded, as
// S<index>:<0|1> and M<index>:<angle> tokens written in one go.
package actuator

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	TypeSolenoid = "solenoid"
	TypeMotor    = "motor"
)

// InvalidCommandError describes one rejected token. A rejected line leaves every actuator
// state untouched.
type InvalidCommandError struct {
	Token  string
	Reason string
}

func (e *InvalidCommandError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("[actuator] invalid command: %s", e.Reason)
	}
	return fmt.Sprintf("[actuator] invalid command %q: %s", e.Token, e.Reason)
}

type Config struct {
	Solenoids int
	Motors    int
	MinAngle  int
	MaxAngle  int
	// Delimiter joins encoded tokens on the wire.
	Delimiter string
}

func DefaultConfig() Config {
	return Config{
		Solenoids: 6,
		Motors:    2,
		MinAngle:  0,
		MaxAngle:  180,
		Delimiter: ",",
	}
}

// State is one snapshot of every actuator.
type State struct {
	Solenoids []bool
	Motors    []int
}

func newState(cfg Config) State {
	return State{
		Solenoids: make([]bool, cfg.Solenoids),
		Motors:    make([]int, cfg.Motors),
	}
}

func (s State) clone() State {
	c := State{
		Solenoids: make([]bool, len(s.Solenoids)),
		Motors:    make([]int, len(s.Motors)),
	}
	copy(c.Solenoids, s.Solenoids)
	copy(c.Motors, s.Motors)
	return c
}

func (s State) String() string {
	var b strings.Builder
	for i, open := range s.Solenoids {
		if i > 0 {
			b.WriteByte(' ')
		}
		if open {
			fmt.Fprintf(&b, "S%d=open", i)
		} else {
			fmt.Fprintf(&b, "S%d=close", i)
		}
	}
	for i, angle := range s.Motors {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "M%d=%d", i, angle)
	}
	return b.String()
}

type assignment struct {
	motor bool
	index int
	open  bool
	angle int
}

type Translator struct {
	cfg      Config
	out      io.Writer
	logger   *zap.Logger
	desired  State
	lastSent State
	mu       sync.Mutex

	sent      tally.Counter
	rejected  tally.Counter
	unchanged tally.Counter
}

// NewTranslator starts with every valve closed and every motor at angle 0, both desired
// and last sent.
func NewTranslator(cfg Config, out io.Writer, logger *zap.Logger, scope tally.Scope) (*Translator, error) {
	if cfg.Solenoids < 0 || cfg.Motors < 0 {
		return nil, fmt.Errorf("[actuator] actuator counts must not be negative")
	}
	if cfg.MinAngle > cfg.MaxAngle {
		return nil, fmt.Errorf("[actuator] min angle %d exceeds max angle %d", cfg.MinAngle, cfg.MaxAngle)
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = ","
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}

	initial := newState(cfg)
	for i := range initial.Motors {
		initial.Motors[i] = clamp(0, cfg.MinAngle, cfg.MaxAngle)
	}

	return &Translator{
		cfg:       cfg,
		out:       out,
		logger:    logger,
		desired:   initial,
		lastSent:  initial.clone(),
		sent:      scope.Counter("commands_sent"),
		rejected:  scope.Counter("commands_rejected"),
		unchanged: scope.Counter("commands_unchanged"),
	}, nil
}

// Submit parses line, updates the desired state and writes the changed actuators. It returns
// the bytes written, nil when nothing changed. Any invalid token rejects the whole line.
func (t *Translator) Submit(line string) ([]byte, error) {
	assignments, err := t.parse(line)
	if err != nil {
		t.rejected.Inc(1)
		t.logger.Warn("[actuator] rejected command", zap.String("command", line), zap.Error(err))
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range assignments {
		if a.motor {
			t.desired.Motors[a.index] = a.angle
		} else {
			t.desired.Solenoids[a.index] = a.open
		}
	}

	payload := t.encodeChanges()
	if len(payload) == 0 {
		t.unchanged.Inc(1)
		t.logger.Debug("[actuator] command changes nothing", zap.String("command", line))
		return nil, nil
	}

	if _, err := t.out.Write(payload); err != nil {
		t.logger.Error("[actuator] error writing command", zap.Error(err), zap.ByteString("payload", payload))
		return nil, err
	}

	t.lastSent = t.desired.clone()
	t.sent.Inc(1)
	t.logger.Info("[actuator] sent command", zap.String("command", line), zap.ByteString("payload", payload))

	return payload, nil
}

// State returns copies of the desired and last sent states.
func (t *Translator) State() (desired State, lastSent State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.desired.clone(), t.lastSent.clone()
}

func (t *Translator) encodeChanges() []byte {
	var tokens []string
	for i, open := range t.desired.Solenoids {
		if open != t.lastSent.Solenoids[i] {
			bit := 0
			if open {
				bit = 1
			}
			tokens = append(tokens, fmt.Sprintf("S%d:%d", i, bit))
		}
	}
	for i, angle := range t.desired.Motors {
		if angle != t.lastSent.Motors[i] {
			tokens = append(tokens, fmt.Sprintf("M%d:%d", i, angle))
		}
	}

	if len(tokens) == 0 {
		return nil
	}
	return []byte(strings.Join(tokens, t.cfg.Delimiter))
}

func (t *Translator) parse(line string) ([]assignment, error) {
	tokens := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';'
	})

	var (
		assignments []assignment
		errs        error
	)
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		a, err := t.parseToken(token)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		assignments = append(assignments, a)
	}

	if errs != nil {
		return nil, errs
	}
	if len(assignments) == 0 {
		return nil, &InvalidCommandError{Reason: "empty command"}
	}
	return assignments, nil
}

func (t *Translator) parseToken(token string) (assignment, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return assignment{}, &InvalidCommandError{Token: token, Reason: "expected type:index:value"}
	}
	kind := strings.ToLower(strings.TrimSpace(parts[0]))
	indexText := strings.TrimSpace(parts[1])
	value := strings.ToLower(strings.TrimSpace(parts[2]))

	var count int
	switch kind {
	case TypeSolenoid:
		count = t.cfg.Solenoids
	case TypeMotor:
		count = t.cfg.Motors
	default:
		return assignment{}, &InvalidCommandError{Token: token, Reason: fmt.Sprintf("unknown actuator type %q", kind)}
	}

	index, err := strconv.Atoi(indexText)
	if err != nil {
		return assignment{}, &InvalidCommandError{Token: token, Reason: fmt.Sprintf("index %q is not an integer", indexText)}
	}
	if index < 0 || index >= count {
		return assignment{}, &InvalidCommandError{
			Token:  token,
			Reason: fmt.Sprintf("%s index %d out of range [0, %d)", kind, index, count),
		}
	}

	if kind == TypeSolenoid {
		switch value {
		case "open":
			return assignment{index: index, open: true}, nil
		case "close":
			return assignment{index: index, open: false}, nil
		default:
			return assignment{}, &InvalidCommandError{Token: token, Reason: fmt.Sprintf("solenoid value %q must be open or close", value)}
		}
	}

	angle, err := strconv.Atoi(value)
	if err != nil {
		return assignment{}, &InvalidCommandError{Token: token, Reason: fmt.Sprintf("motor angle %q is not an integer", value)}
	}
	if angle < t.cfg.MinAngle || angle > t.cfg.MaxAngle {
		return assignment{}, &InvalidCommandError{
			Token:  token,
			Reason: fmt.Sprintf("motor angle %d out of range [%d, %d]", angle, t.cfg.MinAngle, t.cfg.MaxAngle),
		}
	}
	return assignment{motor: true, index: index, angle: angle}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
