package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/rt-serial-plot/internal/actuator"
	"sleepywoodpecker/rt-serial-plot/internal/config"
	"sleepywoodpecker/rt-serial-plot/internal/instrument"
	"sleepywoodpecker/rt-serial-plot/internal/logger"
	"sleepywoodpecker/rt-serial-plot/internal/processing"
	"sleepywoodpecker/rt-serial-plot/internal/render"
	rserial "sleepywoodpecker/rt-serial-plot/internal/rSerial"
)

const LOG_FILE_PATH = "rtplot.logs"
const METRICS_PREFIX = "rtplot"
const SHUTDOWN_GRACE = 500 * time.Millisecond

type flags struct {
	configFile string
	port       string
	baudRate   int
	channels   []string
	logFile    string
	headless   bool
	noLog      bool
	debug      bool
}

var gFlags flags

var rootCmd = &cobra.Command{
	Use:   "rtplot",
	Short: "plot serial sensor readings live and drive actuators",
	Long: `rtplot reads comma separated readings from a serial device, keeps a sliding window per
channel, draws it as a live chart and logs every sample to a CSV file. Lines typed on stdin
are actuator commands, e.g. "solenoid:0:open, motor:1:90".`,
	Example: `# plot six channels with device supplied time
rtplot --port /dev/ttyACM0 --channels time,pressure1,pressure2,pressure3,temperature1,flow

# everything from a config file, no chart
rtplot --config rtplot.yaml --headless`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&gFlags.configFile, "config", "c", "", "YAML configuration file")
	f.StringVarP(&gFlags.port, "port", "p", "", "serial port, overrides serial.port")
	f.IntVarP(&gFlags.baudRate, "baud", "b", 0, "baud rate, overrides serial.baud_rate")
	f.StringSliceVar(&gFlags.channels, "channels", nil, "channel names, overrides channels")
	f.StringVar(&gFlags.logFile, "log-file", LOG_FILE_PATH, "application log file")
	f.BoolVar(&gFlags.headless, "headless", false, "log snapshots instead of drawing a chart")
	f.BoolVar(&gFlags.noLog, "no-log", false, "do not write the raw sample CSV")
	f.BoolVar(&gFlags.debug, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfiguration() (config.Configuration, error) {
	cfg := config.Default()
	if gFlags.configFile != "" {
		if err := config.LoadFile(&cfg, gFlags.configFile); err != nil {
			return cfg, &config.ConfigurationError{Field: "config file", Reason: err.Error()}
		}
	}

	if gFlags.port != "" {
		cfg.Serial.Port = gFlags.port
	}
	if gFlags.baudRate != 0 {
		cfg.Serial.BaudRate = gFlags.baudRate
	}
	if len(gFlags.channels) > 0 {
		cfg.Channels = gFlags.channels
	}
	if gFlags.noLog {
		cfg.Logging.Enabled = false
	}

	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return err
	}
	divisor, _ := cfg.Divisor()

	// context handler for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// first initialize the main logger
	newLogger := logger.NewLogger
	if gFlags.debug {
		newLogger = logger.NewDebugLogger
	}
	log, err := newLogger(gFlags.logFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	scope, metricsCloser := instrument.NewRootScope(METRICS_PREFIX, log, instrument.DefaultReportInterval)
	defer metricsCloser.Close()

	// initialize the serial connection
	port, err := rserial.Open(cfg.Serial.Port, rserial.Options{
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}, log)
	if err != nil {
		log.Error("[main] error opening serial port", zap.Error(err), zap.String("portName", cfg.Serial.Port))
		return err
	}
	defer port.Close()

	if err := port.Initialize(); err != nil {
		return err
	}

	// initialize the raw sample log
	var rawLog processing.RawLogSink = processing.NopRawLog{}
	if cfg.Logging.Enabled {
		fileLog, err := processing.NewRawLogFile(cfg.Logging.Directory, cfg.Logging.FilePattern, cfg.LogHeader(), cfg.TimeFromDevice())
		if err != nil {
			return &config.ConfigurationError{Field: "logging", Reason: err.Error()}
		}
		log.Info("[main] logging raw samples", zap.String("outputFile", fileLog.Filename))
		rawLog = fileLog
	}
	defer func() {
		if err := rawLog.Close(); err != nil {
			log.Warn("[main] error closing raw sample log", zap.Error(err))
		}
	}()

	// initialize the sample store and the acquisition loop
	dataStore := processing.NewDataSampleStore(cfg.PlottedChannels(), cfg.MaxSize)
	renderQueue := make(chan processing.Snapshot, cfg.RenderQueueSize)

	processor, err := processing.NewProcessor(processing.ProcessorOptions{
		Source:         port,
		Decoder:        processing.NewDecoder(cfg.Serial.Separator, cfg.Arity()),
		DataStore:      dataStore,
		RawLog:         rawLog,
		RenderQueue:    renderQueue,
		Divisor:        divisor,
		TimeFromDevice: cfg.TimeFromDevice(),
		TimeStep:       cfg.SynthesizedTimeStep(),
		Logger:         log,
		Scope:          scope.SubScope("processor"),
	})
	if err != nil {
		return err
	}

	var sink processing.RenderSink
	if gFlags.headless {
		sink = render.NewLogSink(log)
	} else {
		terminal := render.NewTerminalSink(cfg.WindowTitle, 0, 0)
		terminal.Clear()
		sink = terminal
	}
	sampler := processing.NewSampler(cfg.RefreshInterval, renderQueue, sink, log, scope.SubScope("sampler"))

	translator, err := actuator.NewTranslator(actuator.Config{
		Solenoids: cfg.Actuators.Solenoids,
		Motors:    cfg.Actuators.Motors,
		MinAngle:  cfg.Actuators.MinAngle,
		MaxAngle:  cfg.Actuators.MaxAngle,
		Delimiter: cfg.Actuators.Delimiter,
	}, port, log, scope.SubScope("actuator"))
	if err != nil {
		return err
	}

	log.Info("[main] starting acquisition",
		zap.String("portName", cfg.Serial.Port),
		zap.Strings("channels", cfg.Channels),
		zap.Int("divisor", divisor),
		zap.Int("maxSize", cfg.MaxSize),
	)

	// run everything
	acquisitionErr := make(chan error, 1)
	go func() {
		acquisitionErr <- processor.Run(ctx)
	}()
	go sampler.Run(ctx)
	go operatorLoop(os.Stdin, cmd.ErrOrStderr(), translator)

	runErr := waitForShutdown(sigCh, acquisitionErr, cancel, SHUTDOWN_GRACE, log)
	var ioErr *rserial.SerialIOError
	if errors.As(runErr, &ioErr) {
		fmt.Fprintf(cmd.ErrOrStderr(), "serial link lost: %v\n", runErr)
	}
	return runErr
}

// waitForShutdown blocks until a signal arrives or acquisition stops on its own. After a
// signal it cancels and waits up to grace for the acquisition loop to flush and return, so
// the deferred raw log close never races its last writes.
func waitForShutdown(sigCh <-chan os.Signal, acquisitionErr <-chan error, cancel context.CancelFunc, grace time.Duration, log *zap.Logger) error {
	var runErr error
	select {
	case <-sigCh:
		log.Info("[main] received shutdown signal")
		cancel()
		select {
		case err := <-acquisitionErr:
			runErr = multierr.Append(runErr, err)
		case <-time.After(grace):
			log.Warn("[main] acquisition did not stop in time", zap.Duration("grace", grace))
		}
	case err := <-acquisitionErr:
		cancel()
		runErr = multierr.Append(runErr, err)
	}
	return runErr
}

// operatorLoop turns every stdin line into an actuator command. Errors are reported and the
// line is discarded; actuator state is only changed by accepted commands.
func operatorLoop(in io.Reader, out io.Writer, translator *actuator.Translator) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		payload, err := translator.Submit(line)
		if err != nil {
			fmt.Fprintf(out, "command rejected: %v\n", err)
			continue
		}

		desired, _ := translator.State()
		if payload == nil {
			fmt.Fprintf(out, "no change: %s\n", desired)
			continue
		}
		fmt.Fprintf(out, "sent %s: %s\n", payload, desired)
	}
}
