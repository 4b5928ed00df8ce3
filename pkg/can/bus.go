package can

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

const CanEffFlag uint32 = 0x80000000
const CanRtrFlag uint32 = 0x40000000
const CanErrFlag uint32 = 0x20000000
const CanSffMask uint32 = 0x000007FF
const CanEffMask uint32 = 0x1FFFFFFF

// Maximum payload of a classical CAN frame
const MaxDataLength = 8

var (
	ErrTimeout        = errors.New("no frame received before timeout")
	ErrNotConnected   = errors.New("bus is not connected")
	ErrDataTooLong    = errors.New("frame data exceeds 8 bytes")
	ErrUnknownDriver  = errors.New("unsupported interface")
	ErrBusUnavailable = errors.New("CAN interface unavailable")
)

// A CAN frame, the ID carries the EFF/RTR/ERR flags
// the same way linux "struct can_frame" does
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

// Create a data frame. Extended selects the 29-bit identifier space
func NewFrame(id uint32, extended bool, data []byte) (Frame, error) {
	if len(data) > MaxDataLength {
		return Frame{}, ErrDataTooLong
	}
	frame := Frame{DLC: uint8(len(data))}
	if extended {
		frame.ID = (id & CanEffMask) | CanEffFlag
	} else {
		frame.ID = id & CanSffMask
	}
	copy(frame.Data[:], data)
	return frame, nil
}

// Identifier without any of the flag bits
func (f Frame) Identifier() uint32 {
	if f.Extended() {
		return f.ID & CanEffMask
	}
	return f.ID & CanSffMask
}

func (f Frame) Extended() bool {
	return f.ID&CanEffFlag != 0
}

func (f Frame) Remote() bool {
	return f.ID&CanRtrFlag != 0
}

// Valid part of the payload
func (f Frame) Payload() []byte {
	n := f.DLC
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	if f.Extended() {
		return fmt.Sprintf("%08X [%d] % X", f.Identifier(), f.DLC, f.Payload())
	}
	return fmt.Sprintf("%03X [%d] % X", f.Identifier(), f.DLC, f.Payload())
}

// A CAN Bus interface
type Bus interface {
	// Connect to the CAN bus
	Connect(...any) error
	// Disconnect from CAN bus
	Disconnect() error
	// Send a frame on the bus
	Send(frame Frame) error
	// Wait at most timeout for the next frame, ErrTimeout if nothing arrived
	Recv(timeout time.Duration) (Frame, error)
}

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Names of every registered interface type
func Interfaces() []string {
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface
// Currently supported : socketcan, socketcanv2, virtualcan
func NewBus(canInterface string, channel string) (Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("%w : %v", ErrUnknownDriver, canInterface)
	}
	bus, err := createInterface(channel)
	if err != nil {
		return nil, fmt.Errorf("%w %v : %v", ErrBusUnavailable, channel, err)
	}
	return bus, nil
}

// Create and connect a CAN bus, returns an error wrapping
// ErrBusUnavailable if the channel cannot be claimed
func Open(canInterface string, channel string) (Bus, error) {
	bus, err := NewBus(canInterface, channel)
	if err != nil {
		return nil, err
	}
	if err := bus.Connect(); err != nil {
		return nil, fmt.Errorf("%w %v : %v", ErrBusUnavailable, channel, err)
	}
	return bus, nil
}
