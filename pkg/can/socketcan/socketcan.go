package socketcan

import (
	"sync"
	"sync/atomic"
	"time"

	sockcan "github.com/brutella/can"
	can "github.com/samsamfire/cantrigger/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can
// Received frames are queued until read with Recv.
// brutella closes its socket on the first read error, the
// interface is then reopened on the next Recv

// Frames kept while nobody reads, oldest frames are dropped first
const DefaultQueueSize = 256

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	mu      sync.Mutex
	bus     *sockcan.Bus
	open    func() (*sockcan.Bus, error)
	channel string
	rx      chan can.Frame
	connErr chan error
	closing atomic.Bool
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	socketcan.mu.Lock()
	defer socketcan.mu.Unlock()
	socketcan.closing.Store(false)
	if socketcan.bus == nil {
		bus, err := socketcan.open()
		if err != nil {
			return err
		}
		socketcan.bus = bus
	}
	socketcan.startReception(socketcan.bus)
	return nil
}

// Run brutella reception for bus until its socket is closed
func (socketcan *SocketcanBus) startReception(bus *sockcan.Bus) {
	bus.Subscribe(socketcan)
	go func() {
		err := bus.ConnectAndPublish()
		if socketcan.closing.Load() {
			log.Debugf("[SOCKETCAN] %v reception closed : %v", socketcan.channel, err)
			return
		}
		log.Warnf("[SOCKETCAN] %v reception stopped : %v", socketcan.channel, err)
		socketcan.connErr <- err
	}()
}

// Reopen the interface after brutella closed it
func (socketcan *SocketcanBus) reconnect() error {
	socketcan.mu.Lock()
	defer socketcan.mu.Unlock()
	if socketcan.closing.Load() {
		return can.ErrNotConnected
	}
	socketcan.bus = nil
	bus, err := socketcan.open()
	if err != nil {
		return err
	}
	socketcan.bus = bus
	socketcan.startReception(bus)
	log.Infof("[SOCKETCAN] %v reopened", socketcan.channel)
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	socketcan.mu.Lock()
	defer socketcan.mu.Unlock()
	socketcan.closing.Store(true)
	if socketcan.bus == nil {
		return nil
	}
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame can.Frame) error {
	socketcan.mu.Lock()
	bus := socketcan.bus
	socketcan.mu.Unlock()
	if bus == nil {
		return can.ErrNotConnected
	}
	return bus.Publish(
		sockcan.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
}

// "Recv" implementation of Bus interface
// A reception failure is returned once, the interface is reopened
// before returning so the following calls receive again
func (socketcan *SocketcanBus) Recv(timeout time.Duration) (can.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-socketcan.rx:
		return frame, nil
	case err := <-socketcan.connErr:
		if reopenErr := socketcan.reconnect(); reopenErr != nil {
			log.Warnf("[SOCKETCAN] %v reopen failed : %v", socketcan.channel, reopenErr)
			// Retry on the next call, without spinning
			socketcan.connErr <- reopenErr
			<-timer.C
		}
		return can.Frame{}, err
	case <-timer.C:
		return can.Frame{}, can.ErrTimeout
	}
}

// brutella/can specific "Handle" implementation
// This runs on the brutella reception goroutine and never blocks it
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	socketcan.enqueue(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func (socketcan *SocketcanBus) enqueue(frame can.Frame) {
	for {
		select {
		case socketcan.rx <- frame:
			return
		default:
		}
		// Queue full, make room by discarding the oldest frame
		select {
		case dropped := <-socketcan.rx:
			log.Debugf("[SOCKETCAN] %v rx queue full, dropped %v", socketcan.channel, dropped)
		default:
		}
	}
}

func NewSocketCanBus(name string) (can.Bus, error) {
	open := func() (*sockcan.Bus, error) {
		return sockcan.NewBusForInterfaceWithName(name)
	}
	bus, err := open()
	if err != nil {
		return nil, err
	}
	socketcan := newSocketCanBus(name, open)
	socketcan.bus = bus
	return socketcan, nil
}

func newSocketCanBus(name string, open func() (*sockcan.Bus, error)) *SocketcanBus {
	return &SocketcanBus{
		open:    open,
		channel: name,
		rx:      make(chan can.Frame, DefaultQueueSize),
		connErr: make(chan error, 1),
	}
}
