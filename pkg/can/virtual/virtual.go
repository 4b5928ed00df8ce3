package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	can "github.com/samsamfire/cantrigger/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus implementation with TCP primarily used for testing
// This needs a broker server to send CAN frames to all connected clients
// More information : https://github.com/windelbouwman/virtualcan

const (
	driverName      = "virtualcan"
	headerSize      = 4
	frameSize       = 14
	writeTimeout    = 10 * time.Millisecond
	bodyReadTimeout = 200 * time.Millisecond
	// Longer records can't come from a virtualcan peer, the stream is lost
	maxSkipSize = 64
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface(driverName, NewVirtualCanBus)
}

type Bus struct {
	mu      sync.Mutex
	channel string
	conn    net.Conn
	broken  bool
	logger  *log.Entry

	// Header bytes received so far, only touched by Recv
	header    [headerSize]byte
	headerLen int
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	logger := log.WithFields(log.Fields{"driver": driverName, "channel": channel})
	return &Bus{channel: channel, logger: logger}, nil
}

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, headerSize)
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	frameBytes = append(frameBytes, dataBytes...)
	return frameBytes, nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (can.Frame, error) {
	var frame can.Frame
	buf := bytes.NewBuffer(buffer)
	err := binary.Read(buf, binary.BigEndian, &frame)
	if err != nil {
		return can.Frame{}, err
	}
	return frame, nil
}

// "Connect" to server e.g. localhost:18000
func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		err := tcpConn.SetNoDelay(true)
		if err != nil {
			conn.Close()
			return err
		}
	}
	b.mu.Lock()
	b.conn = conn
	b.broken = false
	b.headerLen = 0
	b.mu.Unlock()
	b.logger.Debug("connected to broker")
	return nil
}

// "Disconnect" from server
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.broken = false
	return err
}

// Current connection, redialed if it was dropped after a stream error
func (b *Bus) connection() (net.Conn, error) {
	b.mu.Lock()
	conn, broken := b.conn, b.broken
	b.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	if !broken {
		return nil, can.ErrNotConnected
	}
	if err := b.Connect(); err != nil {
		return nil, err
	}
	b.logger.Info("reconnected to broker")
	return b.connection()
}

// Close a connection whose stream can't be trusted anymore
func (b *Bus) drop(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return
	}
	conn.Close()
	b.conn = nil
	b.broken = true
	b.headerLen = 0
	b.logger.Warn("connection dropped")
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frameBytes)
	return err
}

// "Recv" implementation of Bus interface
// A header cut by the timeout is completed on the next call
func (b *Bus) Recv(timeout time.Duration) (can.Frame, error) {
	conn, err := b.connection()
	if errors.Is(err, can.ErrNotConnected) {
		return can.Frame{}, err
	}
	if err != nil {
		// Broker still unreachable, don't let the caller spin
		time.Sleep(timeout)
		return can.Frame{}, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := io.ReadFull(conn, b.header[b.headerLen:])
	b.headerLen += n
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return can.Frame{}, can.ErrTimeout
		}
		received := b.headerLen
		b.drop(conn)
		return can.Frame{}, fmt.Errorf("error deserializing : expected %v, got %v, err : %v", headerSize, received, err)
	}
	b.headerLen = 0
	length := binary.BigEndian.Uint32(b.header[:])
	// Header already received, the rest of the frame should follow shortly
	_ = conn.SetReadDeadline(time.Now().Add(bodyReadTimeout))
	if length != frameSize {
		if length > maxSkipSize {
			b.drop(conn)
			return can.Frame{}, fmt.Errorf("error deserializing : unexpected frame length %v", length)
		}
		// Skip the record so that the next header is aligned
		if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
			b.drop(conn)
		}
		return can.Frame{}, fmt.Errorf("error deserializing : unexpected frame length %v", length)
	}
	frameBytes := make([]byte, length)
	n, err = io.ReadFull(conn, frameBytes)
	if err != nil {
		b.drop(conn)
		return can.Frame{}, fmt.Errorf("error deserializing : expected %v, got %v, err : %v", length, n, err)
	}
	return deserializeFrame(frameBytes)
}
