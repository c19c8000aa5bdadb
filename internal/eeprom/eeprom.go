// Package eeprom provides bounded, verified access to a controller's EEPROM image.
package eeprom

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Size is the addressable EEPROM image size of a TPS6598x controller.
const Size uint32 = 0x100000

// Flash is the raw block access a device transport provides.
// Implementations may assume offset and len(buf) were already bounds checked.
type Flash interface {
	Size() uint32
	ReadBlock(ctx context.Context, offset uint32, buf []byte) error
	WriteBlock(ctx context.Context, offset uint32, data []byte) error
}

// Eraser is implemented by flash that must be erased sector-wise before programming.
type Eraser interface {
	SectorSize() uint32
	EraseSectors(ctx context.Context, offset uint32, count uint32) error
}

var defaultOptions = options{
	verify: true,
	log:    zap.NewNop(),
}

type options struct {
	verify bool
	log    *zap.Logger
}

type Option func(*options)

// WithVerify toggles readback verification after writes.
func WithVerify(verify bool) Option {
	return func(o *options) {
		o.verify = verify
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Memory reads and writes windows of a device EEPROM.
// It owns no retry policy and never returns partial data.
type Memory struct {
	flash   Flash
	options options
}

func New(flash Flash, opts ...Option) *Memory {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Memory{
		flash:   flash,
		options: options,
	}
}

// Size returns the usable size, the smaller of the flash size and Size.
func (m *Memory) Size() uint32 {
	if s := m.flash.Size(); s < Size {
		return s
	}
	return Size
}

func (m *Memory) checkRange(offset uint32, length uint64) error {
	limit := m.Size()
	if uint64(offset)+length > uint64(limit) {
		return &RangeError{Offset: offset, Length: length, Limit: limit}
	}
	return nil
}

func (m *Memory) Read(ctx context.Context, offset, length uint32) ([]byte, error) {
	if err := m.checkRange(offset, uint64(length)); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	if err := m.flash.ReadBlock(ctx, offset, buf); err != nil {
		return nil, &TransportError{Op: "read", Offset: offset, Err: err}
	}
	return buf, nil
}

func (m *Memory) Write(ctx context.Context, offset uint32, payload []byte) error {
	if err := m.checkRange(offset, uint64(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	var err error
	if eraser, ok := m.flash.(Eraser); ok && eraser.SectorSize() > 0 {
		err = m.writeSectors(ctx, eraser, offset, payload)
	} else {
		err = m.flash.WriteBlock(ctx, offset, payload)
		if err != nil {
			err = &TransportError{Op: "write", Offset: offset, Err: err}
		}
	}
	if err != nil {
		return err
	}
	if !m.options.verify {
		return nil
	}
	return m.verify(ctx, offset, payload)
}

// writeSectors rewrites every sector touched by the payload: read, merge, erase, program.
func (m *Memory) writeSectors(ctx context.Context, eraser Eraser, offset uint32, payload []byte) error {
	sectorSize := eraser.SectorSize()
	end := offset + uint32(len(payload))
	first := offset - offset%sectorSize
	for base := first; base < end; base += sectorSize {
		length := sectorSize
		if base+length > m.flash.Size() {
			length = m.flash.Size() - base
		}
		sector := make([]byte, length)
		if err := m.flash.ReadBlock(ctx, base, sector); err != nil {
			return &TransportError{Op: "read sector", Offset: base, Err: err}
		}
		lo := max(base, offset)
		hi := min(base+length, end)
		merged := append([]byte(nil), sector...)
		copy(merged[lo-base:hi-base], payload[lo-offset:hi-offset])
		if bytes.Equal(merged, sector) {
			continue
		}
		m.options.log.Debug("rewriting sector", zap.String("base", fmt.Sprintf("0x%06x", base)))
		if err := eraser.EraseSectors(ctx, base, 1); err != nil {
			return &TransportError{Op: "erase sector", Offset: base, Err: err}
		}
		if err := m.flash.WriteBlock(ctx, base, merged); err != nil {
			return &TransportError{Op: "write sector", Offset: base, Err: err}
		}
	}
	return nil
}

func (m *Memory) verify(ctx context.Context, offset uint32, payload []byte) error {
	readback := make([]byte, len(payload))
	if err := m.flash.ReadBlock(ctx, offset, readback); err != nil {
		return &TransportError{Op: "verify", Offset: offset, Err: err}
	}
	for i := range payload {
		if readback[i] != payload[i] {
			return &VerifyError{
				Address:  offset + uint32(i),
				Expected: payload[i],
				Actual:   readback[i],
			}
		}
	}
	return nil
}
