// Package settings turns the textual trigger configuration into a
// validated Descriptor.
package settings

import (
	"errors"
	"fmt"
	"strconv"

	can "github.com/samsamfire/cantrigger/pkg/can"
)

const (
	MaxStandardID   uint32 = 1<<11 - 1
	MaxExtendedID   uint32 = 1<<29 - 1
	MaxPayloadChars        = 2 * can.MaxDataLength
)

var (
	ErrParse     = errors.New("invalid hexadecimal value")
	ErrRange     = errors.New("identifier out of range")
	ErrAlignment = errors.New("length of the hex string declaring the data must be aligned to bytes")
	ErrTooLong   = errors.New("data mustn't be longer than 8 bytes (16 hex characters)")
)

// Raw configuration values, identifiers and data are hexadecimal strings
type Options struct {
	CanID     string
	Data      string
	Trigger   string
	Extended  bool
	Interface string
}

// Validated response frame and trigger configuration
type Descriptor struct {
	ResponseID uint32
	Data       [8]byte
	Length     uint8
	TriggerID  uint32
	Extended   bool
	Interface  string
}

// Largest identifier allowed for the identifier space
func MaxID(extended bool) uint32 {
	if extended {
		return MaxExtendedID
	}
	return MaxStandardID
}

// Parse a hexadecimal identifier and check it fits the identifier space
func ParseIdentifier(text string, extended bool) (uint32, error) {
	value, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w %q : %v", ErrParse, text, err)
	}
	id := uint32(value)
	maxID := MaxID(extended)
	if id > maxID {
		return 0, fmt.Errorf("%w : 0x%X is too big (max: 0x%X)", ErrRange, id, maxID)
	}
	return id, nil
}

// Decode up to 8 bytes given as hexadecimal text, two characters per byte
func ParsePayload(text string) ([8]byte, uint8, error) {
	var data [8]byte
	n := len(text)
	if n > MaxPayloadChars {
		return [8]byte{}, 0, fmt.Errorf("%w : got %v characters", ErrTooLong, n)
	}
	if n%2 != 0 {
		return [8]byte{}, 0, fmt.Errorf("%w : got %v characters", ErrAlignment, n)
	}
	for i := 0; i < n; i += 2 {
		chunk := text[i : i+2]
		value, err := strconv.ParseUint(chunk, 16, 8)
		if err != nil {
			return [8]byte{}, 0, fmt.Errorf("%w %q : %v", ErrParse, chunk, err)
		}
		data[i/2] = byte(value)
	}
	return data, uint8(n / 2), nil
}

// Validate every option, stops at the first invalid one
func Build(options Options) (Descriptor, error) {
	responseID, err := ParseIdentifier(options.CanID, options.Extended)
	if err != nil {
		return Descriptor{}, fmt.Errorf("can id : %w", err)
	}
	triggerID, err := ParseIdentifier(options.Trigger, options.Extended)
	if err != nil {
		return Descriptor{}, fmt.Errorf("trigger : %w", err)
	}
	data, length, err := ParsePayload(options.Data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("data : %w", err)
	}
	return Descriptor{
		ResponseID: responseID,
		Data:       data,
		Length:     length,
		TriggerID:  triggerID,
		Extended:   options.Extended,
		Interface:  options.Interface,
	}, nil
}

// Valid part of the payload
func (d Descriptor) Payload() []byte {
	return d.Data[:d.Length]
}

// Frame sent on every burst
func (d Descriptor) Frame() can.Frame {
	// Length is at most 8 for any built descriptor
	frame, _ := can.NewFrame(d.ResponseID, d.Extended, d.Payload())
	return frame
}

func (d Descriptor) String() string {
	kind := "standard"
	if d.Extended {
		kind = "extended"
	}
	return fmt.Sprintf("interface=%v trigger=0x%X response=0x%X data=[% X] ids=%v",
		d.Interface, d.TriggerID, d.ResponseID, d.Payload(), kind)
}
