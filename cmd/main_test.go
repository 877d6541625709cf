package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sleepywoodpecker/rt-serial-plot/internal/actuator"
	"sleepywoodpecker/rt-serial-plot/internal/config"
)

func TestOperatorLoop(t *testing.T) {
	var wire, feedback bytes.Buffer
	translator, err := actuator.NewTranslator(actuator.DefaultConfig(), &wire, nil, nil)
	require.NoError(t, err)

	input := strings.Join([]string{
		"solenoid:0:open,motor:1:90",
		"solenoid:9:open",
		"solenoid:0:open,motor:1:90",
	}, "\n")
	operatorLoop(strings.NewReader(input), &feedback, translator)

	require.Equal(t, "S0:1,M1:90", wire.String())

	lines := strings.Split(strings.TrimSpace(feedback.String()), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "sent S0:1,M1:90: S0=open"))
	require.True(t, strings.HasPrefix(lines[1], "command rejected:"))
	require.True(t, strings.HasPrefix(lines[2], "no change:"))
}

func TestLoadConfigurationAppliesFlagOverrides(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "rtplot.yaml")
	require.NoError(t, os.WriteFile(fname, []byte("serial:\n  port: /dev/ttyUSB0\nchannels: [a, b]\n"), 0644))

	defer func(saved flags) { gFlags = saved }(gFlags)
	gFlags = flags{configFile: fname, port: "/dev/ttyACM1", baudRate: 115200, noLog: true}

	cfg, err := loadConfiguration()
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM1", cfg.Serial.Port)
	require.Equal(t, 115200, cfg.Serial.BaudRate)
	require.Equal(t, []string{"a", "b"}, cfg.Channels)
	require.False(t, cfg.Logging.Enabled)
}

func TestLoadConfigurationRequiresChannels(t *testing.T) {
	defer func(saved flags) { gFlags = saved }(gFlags)
	gFlags = flags{port: "/dev/ttyACM1"}

	_, err := loadConfiguration()
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestWaitForShutdownWaitsForAcquisitionToReturn(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	acquisitionErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushed := make(chan struct{})
	go func() {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(flushed)
		acquisitionErr <- nil
	}()

	sigCh <- os.Interrupt
	err := waitForShutdown(sigCh, acquisitionErr, cancel, time.Minute, zap.NewNop())
	require.NoError(t, err)

	select {
	case <-flushed:
	default:
		t.Fatal("returned before acquisition finished")
	}
}

func TestWaitForShutdownGivesUpAfterGrace(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	acquisitionErr := make(chan error)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh <- os.Interrupt
	start := time.Now()
	require.NoError(t, waitForShutdown(sigCh, acquisitionErr, cancel, 10*time.Millisecond, zap.NewNop()))
	require.Less(t, time.Since(start), time.Second)
}

func TestWaitForShutdownReturnsAcquisitionError(t *testing.T) {
	acquisitionErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acquisitionErr <- errors.New("link lost")
	err := waitForShutdown(make(chan os.Signal), acquisitionErr, cancel, time.Minute, zap.NewNop())
	require.EqualError(t, err, "link lost")
	require.Error(t, ctx.Err())
}
