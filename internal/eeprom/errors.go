package eeprom

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfRange     = errors.New("eeprom access out of range")
	ErrTransport      = errors.New("eeprom transport error")
	ErrVerifyMismatch = errors.New("eeprom verify mismatch")
)

// RangeError is returned before any I/O when a window does not fit the EEPROM.
type RangeError struct {
	Offset uint32
	Length uint64
	Limit  uint32
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("window 0x%x+0x%x exceeds eeprom size 0x%x", e.Offset, e.Length, e.Limit)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// TransportError wraps a failure of the underlying device transport.
type TransportError struct {
	Op     string
	Offset uint32
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to %s at 0x%x: %v", e.Op, e.Offset, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// VerifyError reports the first address whose readback differs from what was written.
type VerifyError struct {
	Address  uint32
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify mismatch at 0x%x: wrote 0x%02x, read back 0x%02x", e.Address, e.Expected, e.Actual)
}

func (e *VerifyError) Is(target error) bool {
	return target == ErrVerifyMismatch
}
