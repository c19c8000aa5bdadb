package patcher

import (
	"context"
	"errors"
	"testing"

	"github.com/neuroplastio/tbpatch/internal/eeprom"
	"github.com/neuroplastio/tbpatch/internal/patchset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyFlash corrupts the first byte of the next corrupt writes, and fails
// outright once failAfter writes went through.
type flakyFlash struct {
	*eeprom.Buffer
	corrupt   int
	writes    int
	failAfter int
}

func (f *flakyFlash) WriteBlock(ctx context.Context, offset uint32, data []byte) error {
	f.writes++
	if f.failAfter > 0 && f.writes > f.failAfter {
		return errors.New("bus error")
	}
	if f.corrupt > 0 {
		f.corrupt--
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xff
		return f.Buffer.WriteBlock(ctx, offset, bad)
	}
	return f.Buffer.WriteBlock(ctx, offset, data)
}

func parse(t *testing.T, raw ...any) *patchset.PatchSet {
	t.Helper()
	ps, err := patchset.Parse(raw)
	require.NoError(t, err)
	return ps
}

func TestApplyScenario(t *testing.T) {
	ctx := context.Background()
	buf := eeprom.NewBuffer(0x100)
	ps := parse(t,
		map[string]any{"offset": 0x10, "op": "write", "payload": []any{0xAA}},
		map[string]any{"offset": 0x20, "op": "write", "payload": []any{0xBB}},
	)

	var states []State
	engine := New(WithObserver(func(p Progress) {
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
	}))
	result, err := engine.Apply(ctx, eeprom.New(buf), ps, false)
	require.NoError(t, err)
	assert.Equal(t, Result{Applied: 2}, result)
	assert.Equal(t, []State{StateValidating, StateApplying, StateCompleted}, states)

	want := make([]byte, 0x100)
	want[0x10] = 0xAA
	want[0x20] = 0xBB
	assert.Equal(t, want, buf.Bytes())
}

func TestForwardThenReverse(t *testing.T) {
	ctx := context.Background()
	image := make([]byte, 0x100)
	for i := range image {
		image[i] = byte(i)
	}
	buf := eeprom.NewBufferFrom(image)
	mem := eeprom.New(buf)
	ps := parse(t,
		map[string]any{"offset": 0x10, "original": "10 11", "payload": "de ad"},
		map[string]any{"offset": 0x40, "original": "40", "payload": "ff", "op": "write"},
	)
	engine := New()
	_, err := engine.Apply(ctx, mem, ps, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, buf.Bytes()[0x10:0x12])
	assert.Equal(t, byte(0xff), buf.Bytes()[0x40])

	// reapplying a replace is a no-op once the bytes are already patched
	result, err := engine.Apply(ctx, mem, ps, false)
	require.NoError(t, err)
	assert.Equal(t, Result{Applied: 1, Skipped: 1}, result)

	_, err = engine.Apply(ctx, mem, ps, true)
	require.NoError(t, err)
	assert.Equal(t, image, buf.Bytes())
}

func TestReverseNoInverse(t *testing.T) {
	ctx := context.Background()
	buf := eeprom.NewBuffer(0x100)
	ps := parse(t,
		map[string]any{"offset": 0x00, "original": "00", "payload": "01"},
		map[string]any{"offset": 0x01, "original": "00", "payload": "02"},
		map[string]any{"offset": 0x02, "payload": "03"},
		map[string]any{"offset": 0x03, "original": "00", "payload": "04"},
	)
	require.NoError(t, buf.WriteBlock(ctx, 0, []byte{1, 2, 3, 4}))

	_, err := New().Apply(ctx, eeprom.New(buf), ps, true)
	require.ErrorIs(t, err, ErrNoInverse)
	require.ErrorIs(t, err, ErrPatchFailed)
	var failed *PatchFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 2, failed.Index)
	// no rollback, earlier operations stay reverted
	assert.Equal(t, []byte{0, 0, 3, 4}, buf.Bytes()[:4])
}

func TestContentMismatch(t *testing.T) {
	ctx := context.Background()
	buf := eeprom.NewBufferFrom([]byte{0x55, 0x00, 0x00, 0x00})
	ps := parse(t,
		map[string]any{"offset": 1, "payload": "aa", "op": "write"},
		map[string]any{"offset": 0, "original": "00", "payload": "01"},
	)
	_, err := New().Apply(ctx, eeprom.New(buf), ps, false)
	require.ErrorIs(t, err, ErrContentMismatch)
	var failed *PatchFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Index)
	var mismatch *ContentMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []byte{0x55}, mismatch.Actual)
	assert.Equal(t, []byte{0x55, 0xaa, 0x00, 0x00}, buf.Bytes())
}

func TestVerifyRetry(t *testing.T) {
	ctx := context.Background()
	flash := &flakyFlash{Buffer: eeprom.NewBuffer(0x100), corrupt: 2}
	ps := parse(t, map[string]any{"offset": 0x80, "payload": "12 34", "op": "write"})

	_, err := New(WithRetryInterval(0)).Apply(ctx, eeprom.New(flash), ps, false)
	require.NoError(t, err)
	assert.Equal(t, 3, flash.writes)

	flash = &flakyFlash{Buffer: eeprom.NewBuffer(0x100), corrupt: 3}
	_, err = New(WithRetryInterval(0)).Apply(ctx, eeprom.New(flash), ps, false)
	require.ErrorIs(t, err, eeprom.ErrVerifyMismatch)
	assert.Equal(t, 3, flash.writes)

	flash = &flakyFlash{Buffer: eeprom.NewBuffer(0x100), corrupt: 1}
	_, err = New(WithVerifyRetries(0)).Apply(ctx, eeprom.New(flash), ps, false)
	require.ErrorIs(t, err, eeprom.ErrVerifyMismatch)
	assert.Equal(t, 1, flash.writes)
}

func TestTransportFailure(t *testing.T) {
	ctx := context.Background()
	flash := &flakyFlash{Buffer: eeprom.NewBuffer(0x100), failAfter: 1}
	ps := parse(t,
		map[string]any{"offset": 0x00, "payload": "01", "op": "write"},
		map[string]any{"offset": 0x01, "payload": "02", "op": "write"},
	)
	_, err := New(WithRetryInterval(0)).Apply(ctx, eeprom.New(flash), ps, false)
	require.ErrorIs(t, err, eeprom.ErrTransport)
	var failed *PatchFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Index)
	// transport errors are not retried
	assert.Equal(t, 2, flash.writes)
	assert.Equal(t, byte(0x01), flash.Bytes()[0])
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	_, err := New().Apply(ctx, eeprom.New(eeprom.NewBuffer(0x10)), nil, false)
	require.ErrorIs(t, err, ErrInvalidPatchSet)

	ps := parse(t, map[string]any{"offset": 0x20, "payload": "01"})
	var last Progress
	_, err = New(WithObserver(func(p Progress) { last = p })).Apply(ctx, eeprom.New(eeprom.NewBuffer(0x10)), ps, false)
	require.ErrorIs(t, err, eeprom.ErrOutOfRange)
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, -1, last.Index)
}
