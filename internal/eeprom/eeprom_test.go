package eeprom

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFlash struct {
	*Buffer
	reads  int
	writes int
}

func (c *countingFlash) ReadBlock(ctx context.Context, offset uint32, buf []byte) error {
	c.reads++
	return c.Buffer.ReadBlock(ctx, offset, buf)
}

func (c *countingFlash) WriteBlock(ctx context.Context, offset uint32, data []byte) error {
	c.writes++
	return c.Buffer.WriteBlock(ctx, offset, data)
}

// stuckFlash drops writes to one address.
type stuckFlash struct {
	*Buffer
	stuck uint32
}

func (s *stuckFlash) WriteBlock(ctx context.Context, offset uint32, data []byte) error {
	if s.stuck >= offset && s.stuck < offset+uint32(len(data)) {
		data = append([]byte(nil), data...)
		data[s.stuck-offset] ^= 0xff
	}
	return s.Buffer.WriteBlock(ctx, offset, data)
}

type brokenFlash struct {
	*Buffer
}

var errBus = errors.New("bus error")

func (brokenFlash) ReadBlock(context.Context, uint32, []byte) error {
	return errBus
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		offset uint32
		length uint32
	}{
		{0, 1},
		{0x10, 16},
		{Size - 64, 64},
		{0x1234, 4097},
		{0, 0},
	}
	for _, tc := range tests {
		mem := New(NewBuffer(Size))
		payload := make([]byte, tc.length)
		for i := range payload {
			payload[i] = byte(i*7 + 3)
		}
		require.NoError(t, mem.Write(ctx, tc.offset, payload))
		got, err := mem.Read(ctx, tc.offset, tc.length)
		require.NoError(t, err)
		assert.Equal(t, payload, got, "offset 0x%x length 0x%x", tc.offset, tc.length)
	}
}

func TestOutOfRangeDoesNoIO(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		offset uint32
		length uint32
	}{
		{Size, 1},
		{Size - 1, 2},
		{0, Size + 1},
		{0xffffffff, 2},
	}
	for _, tc := range tests {
		flash := &countingFlash{Buffer: NewBuffer(Size)}
		mem := New(flash)

		_, err := mem.Read(ctx, tc.offset, tc.length)
		require.ErrorIs(t, err, ErrOutOfRange)

		err = mem.Write(ctx, tc.offset, make([]byte, tc.length))
		require.ErrorIs(t, err, ErrOutOfRange)
		var rangeErr *RangeError
		require.ErrorAs(t, err, &rangeErr)

		assert.Zero(t, flash.reads)
		assert.Zero(t, flash.writes)
	}
}

func TestSmallFlashLimitsSize(t *testing.T) {
	mem := New(NewBuffer(0x100))
	assert.Equal(t, uint32(0x100), mem.Size())
	_, err := mem.Read(context.Background(), 0xf0, 0x20)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestVerifyMismatch(t *testing.T) {
	flash := &stuckFlash{Buffer: NewBuffer(0x1000), stuck: 0x42}
	mem := New(flash)
	err := mem.Write(context.Background(), 0x40, []byte{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrVerifyMismatch)
	var verifyErr *VerifyError
	require.ErrorAs(t, err, &verifyErr)
	assert.Equal(t, uint32(0x42), verifyErr.Address)
	assert.Equal(t, byte(3), verifyErr.Expected)

	require.NoError(t, New(flash, WithVerify(false)).Write(context.Background(), 0x40, []byte{1, 2, 3, 4}))
}

func TestTransportError(t *testing.T) {
	mem := New(brokenFlash{NewBuffer(0x1000)})
	data, err := mem.Read(context.Background(), 0, 16)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, errBus)
	assert.Nil(t, data)
}

func TestSectorReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	buf := NewSectorBuffer(0x4000, 0x1000)
	mem := New(buf)

	initial := make([]byte, 0x4000)
	for i := range initial {
		initial[i] = byte(i)
	}
	require.NoError(t, mem.Write(ctx, 0, initial))
	assert.Equal(t, initial, buf.Bytes())

	// spans the boundary between sector 0 and 1
	require.NoError(t, mem.Write(ctx, 0x0ffe, []byte{0xaa, 0xbb, 0xcc, 0xdd}))
	want := append([]byte(nil), initial...)
	copy(want[0x0ffe:], []byte{0xaa, 0xbb, 0xcc, 0xdd})
	assert.Equal(t, want, buf.Bytes())
}
