// Package trigger waits for a trigger frame on a CAN bus and answers it
// with a burst of response frames.
package trigger

import (
	"errors"
	"sync/atomic"
	"time"

	can "github.com/samsamfire/cantrigger/pkg/can"
	"github.com/samsamfire/cantrigger/pkg/settings"
	log "github.com/sirupsen/logrus"
)

const (
	// Frames sent for every received trigger
	BurstCount = 100
	// Longest wait for a frame, also bounds the delay before Stop is honoured
	PollTimeout = 1 * time.Second
)

type Responder struct {
	bus         can.Bus
	descriptor  settings.Descriptor
	response    can.Frame
	pollTimeout time.Duration
	stopped     atomic.Bool
	bursts      atomic.Uint32
	logger      *log.Entry
}

func NewResponder(bus can.Bus, descriptor settings.Descriptor) *Responder {
	return &Responder{
		bus:         bus,
		descriptor:  descriptor,
		response:    descriptor.Frame(),
		pollTimeout: PollTimeout,
		logger: log.WithFields(log.Fields{
			"interface": descriptor.Interface,
			"trigger":   descriptor.TriggerID,
		}),
	}
}

// Request the loop to exit, safe to call from any goroutine
// An ongoing burst is always completed
func (r *Responder) Stop() {
	r.stopped.Store(true)
}

// Number of bursts sent so far, wraps on overflow
func (r *Responder) Bursts() uint32 {
	return r.bursts.Load()
}

// Run polls the bus until Stop is called
// Transport errors never end the loop
func (r *Responder) Run() error {
	r.logger.Infof("[TRIGGER] waiting for 0x%X", r.descriptor.TriggerID)
	for !r.stopped.Load() {
		if !r.waitTrigger() {
			continue
		}
		r.burst()
	}
	r.logger.Infof("[TRIGGER] stopped after %v bursts", r.Bursts())
	return nil
}

// Wait at most one poll period for the trigger frame
func (r *Responder) waitTrigger() bool {
	frame, err := r.bus.Recv(r.pollTimeout)
	if errors.Is(err, can.ErrTimeout) {
		return false
	}
	if err != nil {
		r.logger.Debugf("[TRIGGER] read failed : %v", err)
		return false
	}
	return r.matches(frame)
}

func (r *Responder) matches(frame can.Frame) bool {
	return frame.Extended() == r.descriptor.Extended && frame.Identifier() == r.descriptor.TriggerID
}

// Send the response BurstCount times, failed sends are dropped
func (r *Responder) burst() {
	failed := 0
	for i := 0; i < BurstCount; i++ {
		if err := r.bus.Send(r.response); err != nil {
			failed++
			r.logger.Debugf("[TRIGGER] send %v failed : %v", i, err)
		}
	}
	count := r.bursts.Add(1)
	r.logger.Infof("[TRIGGER] burst %v sent %v (%v dropped)", count, r.response, failed)
}
