package patcher

import (
	"errors"
	"fmt"

	"github.com/neuroplastio/tbpatch/internal/patchset"
)

var (
	ErrPatchFailed     = errors.New("patch failed")
	ErrNoInverse       = errors.New("operation has no inverse")
	ErrContentMismatch = errors.New("eeprom content matches neither original nor patched bytes")
	ErrInvalidPatchSet = errors.New("invalid patch set")
)

// PatchFailed reports the operation at which an application stopped. Index is -1
// when the set was rejected before any operation ran.
type PatchFailed struct {
	Index int
	Op    patchset.Operation
	Cause error
}

func (e *PatchFailed) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v", ErrPatchFailed, e.Cause)
	}
	return fmt.Sprintf("%s at step %d (%s): %v", ErrPatchFailed, e.Index, e.Op, e.Cause)
}

func (e *PatchFailed) Unwrap() error {
	return e.Cause
}

func (e *PatchFailed) Is(target error) bool {
	return target == ErrPatchFailed
}

// ContentMismatchError is returned for compare-and-write operations when the
// device holds unexpected bytes.
type ContentMismatchError struct {
	Offset   uint32
	Expected []byte
	Actual   []byte
}

func (e *ContentMismatchError) Error() string {
	return fmt.Sprintf("%s at 0x%06x: expected % x, found % x", ErrContentMismatch, e.Offset, e.Expected, e.Actual)
}

func (e *ContentMismatchError) Is(target error) bool {
	return target == ErrContentMismatch
}
