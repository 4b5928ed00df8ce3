package can

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewFrameStandard(t *testing.T) {
	frame, err := NewFrame(0x100, false, []byte{0xA5, 0xF1})
	assert.Nil(t, err)
	assert.False(t, frame.Extended())
	assert.EqualValues(t, 0x100, frame.ID)
	assert.EqualValues(t, 0x100, frame.Identifier())
	assert.EqualValues(t, 2, frame.DLC)
	assert.Equal(t, []byte{0xA5, 0xF1}, frame.Payload())
	assert.Equal(t, "100 [2] A5 F1", frame.String())
}

func TestNewFrameExtended(t *testing.T) {
	frame, err := NewFrame(0x1FFFFFFF, true, nil)
	assert.Nil(t, err)
	assert.True(t, frame.Extended())
	assert.False(t, frame.Remote())
	assert.Equal(t, CanEffFlag|CanEffMask, frame.ID)
	assert.EqualValues(t, 0x1FFFFFFF, frame.Identifier())
	assert.Len(t, frame.Payload(), 0)
	assert.Equal(t, "1FFFFFFF [0] ", frame.String())
}

func TestNewFrameTooLong(t *testing.T) {
	_, err := NewFrame(0x100, false, make([]byte, 9))
	assert.ErrorIs(t, err, ErrDataTooLong)
}

func TestPayloadClampsDLC(t *testing.T) {
	frame := Frame{ID: 0x10, DLC: 15}
	assert.Len(t, frame.Payload(), MaxDataLength)
}

func TestIdentifierMasksFlags(t *testing.T) {
	frame := Frame{ID: 0x101 | CanRtrFlag}
	assert.True(t, frame.Remote())
	assert.EqualValues(t, 0x101, frame.Identifier())
}

type nopBus struct{ channel string }

func (b *nopBus) Connect(...any) error { return nil }
func (b *nopBus) Disconnect() error    { return nil }
func (b *nopBus) Send(Frame) error     { return nil }
func (b *nopBus) Recv(time.Duration) (Frame, error) {
	return Frame{}, ErrTimeout
}

type failingConnectBus struct{ nopBus }

func (b *failingConnectBus) Connect(...any) error { return errors.New("no such device") }

func TestRegistry(t *testing.T) {
	RegisterInterface("nop", func(channel string) (Bus, error) {
		return &nopBus{channel: channel}, nil
	})
	RegisterInterface("broken", func(channel string) (Bus, error) {
		return nil, errors.New("no such device")
	})
	RegisterInterface("unclaimable", func(channel string) (Bus, error) {
		return &failingConnectBus{}, nil
	})
	assert.Contains(t, Interfaces(), "nop")

	bus, err := Open("nop", "can0")
	assert.Nil(t, err)
	assert.Equal(t, "can0", bus.(*nopBus).channel)

	_, err = NewBus("unknown", "can0")
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open("broken", "can7")
	assert.ErrorIs(t, err, ErrBusUnavailable)
	assert.Contains(t, err.Error(), "can7")

	_, err = Open("unclaimable", "can8")
	assert.ErrorIs(t, err, ErrBusUnavailable)
	assert.Contains(t, err.Error(), "can8")
}
