// Package config loads and validates the plotter configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validator "gopkg.in/validator.v2"
	yaml "gopkg.in/yaml.v2"
)

// TimeChannel is the reserved first channel name meaning the device supplies the timestamp.
const TimeChannel = "time"

const (
	DefaultBaudRate        = 9600
	DefaultReadTimeout     = 5 * time.Millisecond
	DefaultSeparator       = ","
	DefaultRefreshInterval = 50 * time.Millisecond
	DefaultSensorInterval  = 50 * time.Millisecond
	DefaultMaxSize         = 250
	DefaultRenderQueueSize = 1
	DefaultLogDirectory    = "logs"
	DefaultLogFilePattern  = "2006-01-02_15-04-05.csv"
	DefaultSolenoids       = 6
	DefaultMotors          = 2
	DefaultMinAngle        = 0
	DefaultMaxAngle        = 180
	DefaultWindowTitle     = "Real-time Plotting"
)

var errNoChannels = errors.New("at least one channel is required")

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("[config] invalid %s: %s", e.Field, e.Reason)
}

type SerialConfiguration struct {
	Port        string        `yaml:"port" validate:"nonzero"`
	BaudRate    int           `yaml:"baud_rate" validate:"min=1"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	Separator   string        `yaml:"separator" validate:"nonzero"`
}

type LoggingConfiguration struct {
	Enabled     bool   `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	FilePattern string `yaml:"file_pattern"`
}

type ActuatorConfiguration struct {
	Solenoids int    `yaml:"solenoids" validate:"min=0"`
	Motors    int    `yaml:"motors" validate:"min=0"`
	MinAngle  int    `yaml:"min_angle"`
	MaxAngle  int    `yaml:"max_angle"`
	Delimiter string `yaml:"delimiter"`
}

// Configuration is the whole constructor-level surface of the plotter.
type Configuration struct {
	WindowTitle     string                `yaml:"window_title"`
	Serial          SerialConfiguration   `yaml:"serial"`
	Channels        []string              `yaml:"channels" validate:"nonzero"`
	ExtraLogColumns []string              `yaml:"extra_log_columns"`
	RefreshInterval time.Duration         `yaml:"refresh_interval"`
	SensorInterval  time.Duration         `yaml:"sensor_interval"`
	MaxSize         int                   `yaml:"max_size" validate:"min=1"`
	RenderQueueSize int                   `yaml:"render_queue_size" validate:"min=1"`
	Logging         LoggingConfiguration  `yaml:"logging"`
	Actuators       ActuatorConfiguration `yaml:"actuators"`
}

// Default returns a configuration populated with the reference defaults. Port and
// channels still need to be supplied.
func Default() Configuration {
	return Configuration{
		WindowTitle: DefaultWindowTitle,
		Serial: SerialConfiguration{
			BaudRate:    DefaultBaudRate,
			ReadTimeout: DefaultReadTimeout,
			Separator:   DefaultSeparator,
		},
		RefreshInterval: DefaultRefreshInterval,
		SensorInterval:  DefaultSensorInterval,
		MaxSize:         DefaultMaxSize,
		RenderQueueSize: DefaultRenderQueueSize,
		Logging: LoggingConfiguration{
			Enabled:     true,
			Directory:   DefaultLogDirectory,
			FilePattern: DefaultLogFilePattern,
		},
		Actuators: ActuatorConfiguration{
			Solenoids: DefaultSolenoids,
			Motors:    DefaultMotors,
			MinAngle:  DefaultMinAngle,
			MaxAngle:  DefaultMaxAngle,
			Delimiter: ",",
		},
	}
}

// LoadFile reads fname over the defaults. Validation is left to the caller so that
// command line overrides can be applied first.
func LoadFile(cfg *Configuration, fname string) error {
	data, err := os.ReadFile(fname)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// Validate runs the struct tag validators and the cross-field checks.
func (c *Configuration) Validate() error {
	if len(c.Channels) == 0 {
		return &ConfigurationError{Field: "channels", Reason: errNoChannels.Error()}
	}
	if err := validator.Validate(c); err != nil {
		return &ConfigurationError{Field: "configuration", Reason: err.Error()}
	}

	for i, name := range c.Channels {
		if strings.TrimSpace(name) == "" {
			return &ConfigurationError{Field: "channels", Reason: fmt.Sprintf("channel %d has an empty name", i)}
		}
		if i > 0 && name == TimeChannel {
			return &ConfigurationError{Field: "channels", Reason: "\"time\" is only allowed as the first channel"}
		}
	}
	if c.TimeFromDevice() && len(c.Channels) == 1 {
		return &ConfigurationError{Field: "channels", Reason: "no channels to plot besides \"time\""}
	}

	if _, err := c.Divisor(); err != nil {
		return err
	}

	if c.Serial.ReadTimeout < 0 {
		return &ConfigurationError{Field: "serial.read_timeout", Reason: "must not be negative"}
	}

	if c.Logging.Enabled {
		if c.Logging.Directory == "" {
			return &ConfigurationError{Field: "logging.directory", Reason: "required when logging is enabled"}
		}
		if c.Logging.FilePattern == "" {
			return &ConfigurationError{Field: "logging.file_pattern", Reason: "required when logging is enabled"}
		}
	}

	a := c.Actuators
	if a.MinAngle > a.MaxAngle {
		return &ConfigurationError{
			Field:  "actuators",
			Reason: fmt.Sprintf("min_angle %d exceeds max_angle %d", a.MinAngle, a.MaxAngle),
		}
	}
	if a.Delimiter == "" {
		return &ConfigurationError{Field: "actuators.delimiter", Reason: "must not be empty"}
	}

	return nil
}

// Divisor is the number of accepted frames per render notification.
func (c *Configuration) Divisor() (int, error) {
	if c.SensorInterval <= 0 {
		return 0, &ConfigurationError{Field: "sensor_interval", Reason: "must be positive"}
	}
	if c.RefreshInterval <= 0 {
		return 0, &ConfigurationError{Field: "refresh_interval", Reason: "must be positive"}
	}
	if c.RefreshInterval%c.SensorInterval != 0 {
		return 0, &ConfigurationError{
			Field: "refresh_interval",
			Reason: fmt.Sprintf("%s is not a multiple of sensor_interval %s",
				c.RefreshInterval, c.SensorInterval),
		}
	}
	return int(c.RefreshInterval / c.SensorInterval), nil
}

// SynthesizedTimeStep is the spacing assumed between accepted frames when the device sends
// no time field.
func (c *Configuration) SynthesizedTimeStep() time.Duration {
	return c.RefreshInterval
}

// TimeFromDevice reports whether the first field of every frame is a device timestamp.
func (c *Configuration) TimeFromDevice() bool {
	return len(c.Channels) > 0 && c.Channels[0] == TimeChannel
}

// PlottedChannels are the channel names held in the sliding window.
func (c *Configuration) PlottedChannels() []string {
	if c.TimeFromDevice() {
		return c.Channels[1:]
	}
	return c.Channels
}

// Arity is the number of fields in every serial frame.
func (c *Configuration) Arity() int {
	return len(c.Channels) + len(c.ExtraLogColumns)
}

// LogHeader is the first row of the raw sample log.
func (c *Configuration) LogHeader() []string {
	header := make([]string, 0, 1+c.Arity())
	header = append(header, TimeChannel)
	header = append(header, c.PlottedChannels()...)
	header = append(header, c.ExtraLogColumns...)
	return header
}
