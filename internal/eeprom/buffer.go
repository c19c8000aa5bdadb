package eeprom

import (
	"context"
	"fmt"
	"sync"
)

// Buffer is an in-memory Flash. With a sector size set it behaves like NOR
// flash: erase sets bytes to 0xff and programming can only clear bits.
type Buffer struct {
	mu         sync.Mutex
	data       []byte
	sectorSize uint32
}

func NewBuffer(size uint32) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// NewSectorBuffer returns an erased buffer that requires sector erase before writes.
func NewSectorBuffer(size, sectorSize uint32) *Buffer {
	b := &Buffer{data: make([]byte, size), sectorSize: sectorSize}
	for i := range b.data {
		b.data[i] = 0xff
	}
	return b
}

// NewBufferFrom wraps a copy of data.
func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{data: append([]byte(nil), data...)}
}

func (b *Buffer) Size() uint32 {
	return uint32(len(b.data))
}

func (b *Buffer) check(offset uint32, n int) error {
	if uint64(offset)+uint64(n) > uint64(len(b.data)) {
		return fmt.Errorf("buffer access 0x%x+0x%x out of bounds", offset, n)
	}
	return nil
}

func (b *Buffer) ReadBlock(_ context.Context, offset uint32, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(offset, len(buf)); err != nil {
		return err
	}
	copy(buf, b.data[offset:])
	return nil
}

func (b *Buffer) WriteBlock(_ context.Context, offset uint32, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(offset, len(data)); err != nil {
		return err
	}
	if b.sectorSize == 0 {
		copy(b.data[offset:], data)
		return nil
	}
	for i, v := range data {
		b.data[int(offset)+i] &= v
	}
	return nil
}

func (b *Buffer) SectorSize() uint32 {
	return b.sectorSize
}

func (b *Buffer) EraseSectors(_ context.Context, offset uint32, count uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sectorSize == 0 {
		return fmt.Errorf("buffer has no sectors")
	}
	if offset%b.sectorSize != 0 {
		return fmt.Errorf("erase offset 0x%x not sector aligned", offset)
	}
	end := uint64(offset) + uint64(count)*uint64(b.sectorSize)
	if end > uint64(len(b.data)) {
		end = uint64(len(b.data))
	}
	for i := uint64(offset); i < end; i++ {
		b.data[i] = 0xff
	}
	return nil
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}
