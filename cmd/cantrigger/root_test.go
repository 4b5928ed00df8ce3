package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	can "github.com/samsamfire/cantrigger/pkg/can"
	"github.com/samsamfire/cantrigger/pkg/config"
	"github.com/samsamfire/cantrigger/pkg/settings"
	"github.com/samsamfire/cantrigger/pkg/trigger"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// Bus seeing a single trigger frame then staying idle
type fakeBus struct {
	mu        sync.Mutex
	channel   string
	triggered bool
	sent      []can.Frame
	filter    uint32
	closed    bool
}

var (
	fakesMu sync.Mutex
	fakes   []*fakeBus
)

func init() {
	can.RegisterInterface("fake", func(channel string) (can.Bus, error) {
		bus := &fakeBus{channel: channel}
		fakesMu.Lock()
		fakes = append(fakes, bus)
		fakesMu.Unlock()
		return bus, nil
	})
}

func lastFake() *fakeBus {
	fakesMu.Lock()
	defer fakesMu.Unlock()
	if len(fakes) == 0 {
		return nil
	}
	return fakes[len(fakes)-1]
}

func (b *fakeBus) Connect(...any) error { return nil }

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}

func (b *fakeBus) Recv(timeout time.Duration) (can.Frame, error) {
	b.mu.Lock()
	if !b.triggered {
		b.triggered = true
		b.mu.Unlock()
		return can.NewFrame(0x101, false, nil)
	}
	b.mu.Unlock()
	time.Sleep(time.Millisecond)
	return can.Frame{}, can.ErrTimeout
}

func (b *fakeBus) SetIdentifierFilter(id uint32, extended bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = id
	return nil
}

func (b *fakeBus) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func TestResolveConfigDefaults(t *testing.T) {
	cmd := newRootCmd()
	assert.Nil(t, cmd.ParseFlags([]string{}))
	cfg, err := resolveConfig(cmd, []string{"can0"})
	assert.Nil(t, err)
	expected := config.Default()
	expected.Interface = "can0"
	assert.Equal(t, expected, cfg)
}

func TestResolveConfigFlags(t *testing.T) {
	cmd := newRootCmd()
	assert.Nil(t, cmd.ParseFlags([]string{"-i", "18FF1234", "-d", "", "-e", "-t", "18FF5678", "--driver", "virtualcan"}))
	cfg, err := resolveConfig(cmd, []string{"localhost:18888"})
	assert.Nil(t, err)
	assert.Equal(t, "18FF1234", cfg.CanID)
	assert.Equal(t, "", cfg.Data)
	assert.True(t, cfg.Extended)
	assert.Equal(t, "18FF5678", cfg.Trigger)
	assert.Equal(t, "virtualcan", cfg.Driver)
	assert.Equal(t, "localhost:18888", cfg.Interface)
}

func TestResolveConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigger.ini")
	content := "[trigger]\ncan_id = 200\ntrigger = 201\ninterface = can1\n"
	assert.Nil(t, os.WriteFile(path, []byte(content), 0o644))

	cmd := newRootCmd()
	assert.Nil(t, cmd.ParseFlags([]string{"--config", path, "-t", "300"}))
	cfg, err := resolveConfig(cmd, nil)
	assert.Nil(t, err)
	assert.Equal(t, "200", cfg.CanID)
	assert.Equal(t, "300", cfg.Trigger)
	assert.Equal(t, "can1", cfg.Interface)

	cfg, err = resolveConfig(cmd, []string{"can2"})
	assert.Nil(t, err)
	assert.Equal(t, "can2", cfg.Interface)
}

func TestResolveConfigErrors(t *testing.T) {
	cmd := newRootCmd()
	assert.Nil(t, cmd.ParseFlags([]string{}))
	_, err := resolveConfig(cmd, nil)
	assert.ErrorContains(t, err, "interface")

	cmd = newRootCmd()
	assert.Nil(t, cmd.ParseFlags([]string{"--config", "trigger.yaml"}))
	_, err = resolveConfig(cmd, []string{"can0"})
	assert.ErrorIs(t, err, config.ErrUnsupportedFormat)
}

func TestRunBurstsThenStops(t *testing.T) {
	cfg := config.Default()
	cfg.Driver = "fake"
	cfg.Interface = "fake0"
	out := &bytes.Buffer{}
	stop := make(chan os.Signal, 1)
	done := make(chan error)
	go func() { done <- run(cfg, out, stop) }()

	assert.Eventually(t, func() bool {
		bus := lastFake()
		return bus != nil && bus.channel == "fake0" && bus.sentCount() == trigger.BurstCount
	}, 5*time.Second, 5*time.Millisecond)
	stop <- os.Interrupt

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	bus := lastFake()
	assert.True(t, bus.closed)
	assert.EqualValues(t, 0x101, bus.filter)
	assert.Contains(t, out.String(), "Cli parameters:")
	assert.Contains(t, out.String(), "Settings:")
	assert.Contains(t, out.String(), "response=0x100")
}

func TestRunInvalidSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Driver = "fake"
	cfg.Interface = "invalid0"
	cfg.Data = "A5F"
	err := run(cfg, &bytes.Buffer{}, make(chan os.Signal))
	assert.ErrorIs(t, err, settings.ErrAlignment)
	bus := lastFake()
	assert.True(t, bus == nil || bus.channel != "invalid0")
}

func TestRunUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Driver = "doesnotexist"
	cfg.Interface = "can0"
	err := run(cfg, &bytes.Buffer{}, make(chan os.Signal))
	assert.ErrorIs(t, err, can.ErrUnknownDriver)
}

func TestExecuteRejectsOutOfRangeID(t *testing.T) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"-i", "800", "vcan0"})
	err := cmd.Execute()
	assert.ErrorIs(t, err, settings.ErrRange)
	assert.Contains(t, out.String(), "0x800")
}

func TestExecuteTooManyArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"can0", "can1"})
	assert.NotNil(t, cmd.Execute())
}

func TestExecuteLogLevel(t *testing.T) {
	level := log.GetLevel()
	defer log.SetLevel(level)

	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--log-level", "loud", "vcan0"})
	assert.ErrorContains(t, cmd.Execute(), "loud")
	assert.NotContains(t, out.String(), "Cli parameters:")

	// Logging is set up before the configuration is resolved
	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--log-level", "debug", "-i", "800", "vcan0"})
	assert.ErrorIs(t, cmd.Execute(), settings.ErrRange)
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}
