package socketcanv2

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	can "github.com/samsamfire/cantrigger/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	SocketCANFrameSize = 16
)

func init() {
	can.RegisterInterface("socketcanv2", NewSocketCanBus)
}

type CANframe struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

// Raw AF_CAN socket, reads are bounded with SO_RCVTIMEO
// so no reception goroutine is needed
type SocketcanBus struct {
	mu      sync.Mutex
	fd      int
	channel string
	timeout time.Duration
	closed  bool
	logger  *log.Entry
}

// Create a new SocketCAN bus. This expects the CAN channel to be up.
// e.g. running "ip a" should show can0 or something similar.
func NewSocketCanBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %v", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	logger := log.WithFields(log.Fields{"driver": "socketcanv2", "channel": channel})
	return &SocketcanBus{fd: fd, channel: channel, logger: logger}, nil
}

// "Connect" implementation of Bus interface
// The socket is already bound on creation
func (s *SocketcanBus) Connect(...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return can.ErrNotConnected
	}
	return nil
}

// "Disconnect" implementation of Bus interface
func (s *SocketcanBus) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// "Send" implementation of Bus interface
func (s *SocketcanBus) Send(frame can.Frame) error {
	canFrame := &CANframe{}
	canFrame.id = frame.ID
	canFrame.dlc = frame.DLC
	canFrame.pad = frame.Flags
	canFrame.data = frame.Data

	rawData := (*(*[SocketCANFrameSize]byte)(unsafe.Pointer(canFrame)))[:]
	n, err := unix.Write(s.fd, rawData)
	if err != nil {
		return err
	}
	if n != SocketCANFrameSize {
		return fmt.Errorf("short write on %v : %v bytes", s.channel, n)
	}
	return nil
}

// "Recv" implementation of Bus interface
func (s *SocketcanBus) Recv(timeout time.Duration) (can.Frame, error) {
	if err := s.setReadTimeout(timeout); err != nil {
		return can.Frame{}, err
	}
	rxFrame := make([]byte, SocketCANFrameSize)
	n, err := unix.Read(s.fd, rxFrame)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return can.Frame{}, can.ErrTimeout
	}
	if err != nil {
		return can.Frame{}, err
	}
	if n != SocketCANFrameSize {
		return can.Frame{}, fmt.Errorf("short read on %v : %v bytes", s.channel, n)
	}
	// Direct translation in CANFrame
	frame := (*CANframe)(unsafe.Pointer(&rxFrame[0]))
	return can.Frame{ID: frame.id, DLC: frame.dlc, Flags: frame.pad, Data: frame.data}, nil
}

// SO_RCVTIMEO is only updated when the requested timeout changes
func (s *SocketcanBus) setReadTimeout(timeout time.Duration) error {
	if timeout == s.timeout {
		return nil
	}
	// A zero timeval would block forever
	if timeout <= 0 {
		timeout = time.Microsecond
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("failed to set read timeout %v", err)
	}
	s.timeout = timeout
	return nil
}

// Enable own reception on the bus. CAN be useful when testing for example
func (s *SocketcanBus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	s.logger.Infof("setting option 'CAN_RAW_RECV_OWN_MSGS' to %v", enabled)
	return unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// Add some filtering to CAN bus
func (s *SocketcanBus) SetFilters(filters []unix.CanFilter) error {
	s.logger.Infof("setting option 'CAN_RAW_FILTER' %+v", filters)
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}

// Only let frames with exactly this identifier through
func (s *SocketcanBus) SetIdentifierFilter(id uint32, extended bool) error {
	return s.SetFilters([]unix.CanFilter{IdentifierFilter(id, extended)})
}

// Kernel filter matching a single identifier of the given kind
func IdentifierFilter(id uint32, extended bool) unix.CanFilter {
	if extended {
		return unix.CanFilter{
			Id:   (id & unix.CAN_EFF_MASK) | unix.CAN_EFF_FLAG,
			Mask: unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG,
		}
	}
	return unix.CanFilter{
		Id:   id & unix.CAN_SFF_MASK,
		Mask: unix.CAN_SFF_MASK | unix.CAN_EFF_FLAG,
	}
}
