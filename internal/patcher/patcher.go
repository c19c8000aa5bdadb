// Package patcher applies patch sets to a device EEPROM.
package patcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/neuroplastio/tbpatch/internal/eeprom"
	"github.com/neuroplastio/tbpatch/internal/patchset"
	"go.uber.org/zap"
)

type State uint8

const (
	StateIdle State = iota
	StateValidating
	StateApplying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateApplying:
		return "applying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Progress is reported on every state change and after every operation.
type Progress struct {
	State State
	// Index of the operation just handled, -1 outside Applying.
	Index   int
	Total   int
	Skipped bool
	Err     error
}

type Observer func(Progress)

// Memory is the EEPROM access the engine needs. eeprom.Memory implements it.
type Memory interface {
	Size() uint32
	Read(ctx context.Context, offset, length uint32) ([]byte, error)
	Write(ctx context.Context, offset uint32, payload []byte) error
}

var _ Memory = (*eeprom.Memory)(nil)

// Result counts what an application did.
type Result struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

var defaultOptions = options{
	verifyRetries: 2,
	retryInterval: 50 * time.Millisecond,
	log:           zap.NewNop(),
}

type options struct {
	verifyRetries uint
	retryInterval time.Duration
	observer      Observer
	log           *zap.Logger
}

type Option func(*options)

// WithVerifyRetries sets how often a write whose readback mismatched is repeated.
func WithVerifyRetries(n uint) Option {
	return func(o *options) {
		o.verifyRetries = n
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

type Engine struct {
	options options
}

func New(opts ...Option) *Engine {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Engine{options: options}
}

// With returns a copy of the engine with opts applied on top.
func (e *Engine) With(opts ...Option) *Engine {
	options := e.options
	for _, opt := range opts {
		opt(&options)
	}
	return &Engine{options: options}
}

func (e *Engine) report(p Progress) {
	if e.options.observer != nil {
		e.options.observer(p)
	}
}

// Apply runs every operation of ps in order, or every inverse when reverse is set.
// It stops at the first failure and leaves whatever was written so far.
func (e *Engine) Apply(ctx context.Context, mem Memory, ps *patchset.PatchSet, reverse bool) (Result, error) {
	var result Result
	log := e.options.log.With(zap.Bool("reverse", reverse))
	fail := func(index int, op patchset.Operation, cause error) (Result, error) {
		err := &PatchFailed{Index: index, Op: op, Cause: cause}
		log.Error("patch failed", zap.Int("index", index), zap.Error(cause))
		e.report(Progress{State: StateFailed, Index: index, Total: ps.Len(), Err: err})
		return result, err
	}

	e.report(Progress{State: StateValidating, Index: -1})
	if ps == nil || ps.Len() == 0 {
		err := &PatchFailed{Index: -1, Cause: ErrInvalidPatchSet}
		e.report(Progress{State: StateFailed, Index: -1, Err: err})
		return result, err
	}
	offset, size := ps.Window()
	if limit := mem.Size(); uint64(offset)+uint64(size) > uint64(limit) {
		return fail(-1, patchset.Operation{}, &eeprom.RangeError{Offset: offset, Length: uint64(size), Limit: limit})
	}

	total := ps.Len()
	e.report(Progress{State: StateApplying, Index: -1, Total: total})
	log.Info("applying patch", zap.Int("operations", total), zap.Uint64("id", ps.ID()))
	for i := 0; i < total; i++ {
		op := ps.Operation(i)
		if reverse {
			inv, ok := op.Inverse()
			if !ok {
				return fail(i, op, ErrNoInverse)
			}
			op = inv
		}
		skipped, err := e.applyOperation(ctx, mem, op)
		if err != nil {
			return fail(i, op, err)
		}
		if skipped {
			result.Skipped++
		} else {
			result.Applied++
		}
		log.Debug("operation done", zap.Stringer("op", op), zap.Bool("skipped", skipped))
		e.report(Progress{State: StateApplying, Index: i, Total: total, Skipped: skipped})
	}
	log.Info("patch applied", zap.Int("applied", result.Applied), zap.Int("skipped", result.Skipped))
	e.report(Progress{State: StateCompleted, Index: -1, Total: total})
	return result, nil
}

func (e *Engine) applyOperation(ctx context.Context, mem Memory, op patchset.Operation) (bool, error) {
	if op.Kind == patchset.OpReplace {
		current, err := mem.Read(ctx, op.Offset, op.Len())
		if err != nil {
			return false, err
		}
		if bytes.Equal(current, op.Payload) {
			return true, nil
		}
		if !bytes.Equal(current, op.Original) {
			return false, &ContentMismatchError{Offset: op.Offset, Expected: op.Original, Actual: current}
		}
	}
	return false, e.write(ctx, mem, op)
}

// write repeats a single write while its readback mismatches.
func (e *Engine) write(ctx context.Context, mem Memory, op patchset.Operation) error {
	if e.options.verifyRetries == 0 {
		return mem.Write(ctx, op.Offset, op.Payload)
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.options.retryInterval
	expBackoff.MaxInterval = 10 * e.options.retryInterval

	operation := func() (struct{}, error) {
		err := mem.Write(ctx, op.Offset, op.Payload)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, eeprom.ErrVerifyMismatch) {
			e.options.log.Warn("verify mismatch, retrying write", zap.Stringer("op", op), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(
		ctx,
		operation,
		backoff.WithMaxTries(e.options.verifyRetries+1),
		backoff.WithBackOff(expBackoff),
	)
	return err
}
