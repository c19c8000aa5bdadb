// Package mcp2221 reaches controllers through a Microchip MCP2221 USB-to-I2C bridge.
package mcp2221

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	VendorID  = 0x04d8
	ProductID = 0x00dd
)

const (
	cmdStatus          = 0x10
	cmdGetI2CData      = 0x40
	cmdI2CWrite        = 0x90
	cmdI2CRead         = 0x91
	cmdI2CReadRepeated = 0x93
	cmdI2CWriteNoStop  = 0x94
)

const (
	reportSize = 64
	// chunkSize is the I2C payload carried by one report.
	chunkSize  = 60
	readFailed = 0x7f
)

const (
	statusCancel   = 0x10
	statusSetSpeed = 0x20
	clockHz        = 12_000_000
)

var (
	ErrBridgeBusy = errors.New("i2c engine busy")
	ErrNack       = errors.New("i2c address not acknowledged")
)

// HidDevice is the subset of go-hid's Device used by the bridge.
type HidDevice interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Bridge implements the I2C transfer primitive over MCP2221 HID reports.
type Bridge struct {
	dev     HidDevice
	timeout time.Duration
	retries int

	mu sync.Mutex
}

func NewBridge(dev HidDevice, timeout time.Duration) *Bridge {
	return &Bridge{dev: dev, timeout: timeout, retries: 16}
}

func (b *Bridge) xfer(cmd []byte) ([]byte, error) {
	out := make([]byte, reportSize+1)
	copy(out[1:], cmd)
	if _, err := b.dev.Write(out); err != nil {
		return nil, fmt.Errorf("failed to write report 0x%02x: %w", cmd[0], err)
	}
	in := make([]byte, reportSize)
	n, err := b.dev.ReadWithTimeout(in, b.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read report 0x%02x: %w", cmd[0], err)
	}
	if n == 0 {
		return nil, fmt.Errorf("report 0x%02x: no response", cmd[0])
	}
	if in[0] != cmd[0] {
		return nil, fmt.Errorf("report 0x%02x: unexpected response 0x%02x", cmd[0], in[0])
	}
	return in, nil
}

// SetSpeed cancels any pending transfer and sets the bus clock.
func (b *Bridge) SetSpeed(hz int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hz <= 0 {
		return fmt.Errorf("invalid i2c speed %d", hz)
	}
	resp, err := b.xfer([]byte{cmdStatus, 0, statusCancel, statusSetSpeed, byte(clockHz/hz - 3)})
	if err != nil {
		return err
	}
	if resp[3] != statusSetSpeed {
		return fmt.Errorf("failed to set i2c speed: %w", ErrBridgeBusy)
	}
	return nil
}

// Tx writes w and then reads len(r) bytes with a repeated start.
func (b *Bridge) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(w) > 0 {
		cmd := byte(cmdI2CWrite)
		if len(r) > 0 {
			cmd = cmdI2CWriteNoStop
		}
		if err := b.write(cmd, addr, w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		cmd := byte(cmdI2CRead)
		if len(w) > 0 {
			cmd = cmdI2CReadRepeated
		}
		if err := b.read(cmd, addr, r); err != nil {
			return err
		}
	}
	return nil
}

func header(cmd byte, addr uint16, length int, read bool) []byte {
	a := byte(addr << 1)
	if read {
		a |= 1
	}
	return []byte{cmd, byte(length), byte(length >> 8), a}
}

func (b *Bridge) write(cmd byte, addr uint16, data []byte) error {
	total := len(data)
	for len(data) > 0 {
		n := min(len(data), chunkSize)
		report := append(header(cmd, addr, total, false), data[:n]...)
		if err := b.retry(report); err != nil {
			return err
		}
		data = data[n:]
	}
	if cmd == cmdI2CWriteNoStop {
		return nil
	}
	return b.waitIdle()
}

func (b *Bridge) read(cmd byte, addr uint16, buf []byte) error {
	if err := b.retry(header(cmd, addr, len(buf), true)); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		resp, err := b.xfer([]byte{cmdGetI2CData})
		if err != nil {
			return err
		}
		if resp[1] != 0 || resp[3] == readFailed {
			return fmt.Errorf("read from 0x%02x: %w", addr, ErrNack)
		}
		n := min(int(resp[3]), chunkSize, len(buf)-done)
		if n == 0 {
			return fmt.Errorf("read from 0x%02x: short read", addr)
		}
		copy(buf[done:], resp[4:4+n])
		done += n
	}
	return nil
}

// retry resends a transfer command while the bridge reports it busy.
func (b *Bridge) retry(report []byte) error {
	for i := 0; ; i++ {
		resp, err := b.xfer(report)
		if err != nil {
			return err
		}
		if resp[1] == 0 {
			return nil
		}
		if i >= b.retries {
			return ErrBridgeBusy
		}
	}
}

// waitIdle polls the engine state after a write and reports a NACK.
func (b *Bridge) waitIdle() error {
	for i := 0; i <= b.retries; i++ {
		resp, err := b.xfer([]byte{cmdStatus})
		if err != nil {
			return err
		}
		if resp[20]&0x40 != 0 {
			return ErrNack
		}
		if resp[8] == 0 {
			return nil
		}
	}
	return ErrBridgeBusy
}

func (b *Bridge) Close() error {
	return b.dev.Close()
}
