// Package tps6598x drives a TI TPS6598x USB-PD controller over I2C and exposes
// its configuration flash.
package tps6598x

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neuroplastio/tbpatch/internal/eeprom"
)

// I2C is the minimal bus primitive the driver needs. It matches periph.io's
// i2c.Bus. Passing nil for w or r skips that half of the transfer.
type I2C interface {
	Tx(addr uint16, w, r []byte) error
}

type Register uint8

const (
	RegVID     Register = 0x00
	RegDID     Register = 0x01
	RegUID     Register = 0x05
	RegCmd1    Register = 0x08
	RegData1   Register = 0x09
	RegVersion Register = 0x0F
	RegBuild   Register = 0x2E
	RegDevInfo Register = 0x2F
)

// MaxRegisterSize is the largest register payload.
const MaxRegisterSize = 64

const (
	CmdFlashActiveRegion = "FLrr"
	CmdFlashEraseRegion  = "FLer"
	CmdFlashAddressStart = "FLad"
	CmdFlashRead         = "FLrd"
	CmdFlashWrite        = "FLwd"
	CmdFlashErase        = "FLem"
	CmdFlashVerify       = "FLvy"
)

const (
	// readChunk is the number of flash bytes returned by one FLrd.
	readChunk = 16
	// writeChunk is the number of flash bytes accepted by one FLwd.
	writeChunk = MaxRegisterSize
	sectorSize = 0x1000
)

// DefaultAddresses are the I2C addresses controllers commonly answer at.
var DefaultAddresses = []uint16{0x38, 0x3f}

var (
	ErrNoDevice        = errors.New("no tps6598x at address")
	ErrCommandRejected = errors.New("command rejected")
	ErrCommandTimeout  = errors.New("command timed out")
)

// CommandError is returned when a 4CC command reports a non-zero task status.
type CommandError struct {
	Command string
	Code    byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed with status 0x%02x", e.Command, e.Code)
}

var defaultOptions = options{
	pollInterval:   time.Millisecond,
	commandTimeout: time.Second,
}

type options struct {
	pollInterval   time.Duration
	commandTimeout time.Duration
}

type Option func(*options)

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		o.commandTimeout = d
	}
}

// Controller is one TPS6598x at a bus address. Its methods are serialized.
type Controller struct {
	bus     I2C
	addr    uint16
	options options

	mu sync.Mutex
}

var (
	_ eeprom.Flash  = (*Controller)(nil)
	_ eeprom.Eraser = (*Controller)(nil)
)

func New(bus I2C, addr uint16, opts ...Option) *Controller {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Controller{
		bus:     bus,
		addr:    addr,
		options: options,
	}
}

func (c *Controller) Address() uint16 {
	return c.addr
}

// ReadRegister reads up to len(buf) bytes and returns how many the register holds.
func (c *Controller) ReadRegister(reg Register, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readRegister(reg, buf)
}

func (c *Controller) readRegister(reg Register, buf []byte) (int, error) {
	if len(buf) > MaxRegisterSize {
		return 0, fmt.Errorf("register read of %d bytes exceeds %d", len(buf), MaxRegisterSize)
	}
	raw := make([]byte, len(buf)+1)
	if err := c.bus.Tx(c.addr, []byte{byte(reg)}, raw); err != nil {
		return 0, fmt.Errorf("failed to read register 0x%02x: %w", reg, err)
	}
	n := min(int(raw[0]), len(buf))
	copy(buf, raw[1:1+n])
	return n, nil
}

func (c *Controller) WriteRegister(reg Register, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeRegister(reg, data)
}

func (c *Controller) writeRegister(reg Register, data []byte) error {
	if len(data) > MaxRegisterSize {
		return fmt.Errorf("register write of %d bytes exceeds %d", len(data), MaxRegisterSize)
	}
	w := make([]byte, 0, len(data)+2)
	w = append(w, byte(reg), byte(len(data)))
	w = append(w, data...)
	if err := c.bus.Tx(c.addr, w, nil); err != nil {
		return fmt.Errorf("failed to write register 0x%02x: %w", reg, err)
	}
	return nil
}

// RunCommand executes a 4CC command with input placed in Data1 and reads
// len(output) bytes of Data1 back once the command completed.
func (c *Controller) RunCommand(ctx context.Context, cmd string, input, output []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCommand(ctx, cmd, input, output)
}

func (c *Controller) runCommand(ctx context.Context, cmd string, input, output []byte) error {
	if len(cmd) != 4 {
		return fmt.Errorf("invalid 4cc command %q", cmd)
	}
	if len(input) > 0 {
		if err := c.writeRegister(RegData1, input); err != nil {
			return err
		}
	}
	if err := c.writeRegister(RegCmd1, []byte(cmd)); err != nil {
		return err
	}
	deadline := time.Now().Add(c.options.commandTimeout)
	status := make([]byte, 4)
	for {
		if _, err := c.readRegister(RegCmd1, status); err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(status) == 0 {
			break
		}
		if string(status) == "!CMD" {
			return fmt.Errorf("%s: %w", cmd, ErrCommandRejected)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", cmd, ErrCommandTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.options.pollInterval):
		}
	}
	if len(output) == 0 {
		return nil
	}
	_, err := c.readRegister(RegData1, output)
	return err
}

// runTask runs a command whose first Data1 byte is the task status.
func (c *Controller) runTask(ctx context.Context, cmd string, input []byte) error {
	code := make([]byte, 1)
	if err := c.runCommand(ctx, cmd, input, code); err != nil {
		return err
	}
	if code[0] != 0 {
		return &CommandError{Command: cmd, Code: code[0]}
	}
	return nil
}

func (c *Controller) Size() uint32 {
	return eeprom.Size
}

func (c *Controller) SectorSize() uint32 {
	return sectorSize
}

func (c *Controller) ReadBlock(ctx context.Context, offset uint32, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var chunk [readChunk]byte
	addr := make([]byte, 4)
	for done := 0; done < len(buf); done += readChunk {
		binary.LittleEndian.PutUint32(addr, offset+uint32(done))
		if err := c.runCommand(ctx, CmdFlashRead, addr, chunk[:]); err != nil {
			return err
		}
		copy(buf[done:], chunk[:])
	}
	return nil
}

func (c *Controller) WriteBlock(ctx context.Context, offset uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, offset)
	if err := c.runTask(ctx, CmdFlashAddressStart, addr); err != nil {
		return err
	}
	for len(data) > 0 {
		n := min(len(data), writeChunk)
		if err := c.runTask(ctx, CmdFlashWrite, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *Controller) EraseSectors(ctx context.Context, offset uint32, count uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for count > 0 {
		n := min(count, 0xff)
		input := make([]byte, 5)
		binary.LittleEndian.PutUint32(input, offset)
		input[4] = byte(n)
		if err := c.runTask(ctx, CmdFlashErase, input); err != nil {
			return err
		}
		offset += n * sectorSize
		count -= n
	}
	return nil
}

// Info is the identification reported by a controller.
type Info struct {
	VendorID uint32   `json:"vendorId"`
	DeviceID uint32   `json:"deviceId"`
	UID      [16]byte `json:"-"`
	Version  string   `json:"version"`
	Build    string   `json:"build"`
	Device   string   `json:"device"`
}

// Probe identifies the controller, returning ErrNoDevice when nothing sensible answers.
func (c *Controller) Probe() (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var info Info
	buf := make([]byte, MaxRegisterSize)

	if _, err := c.readRegister(RegVID, buf[:4]); err != nil {
		return Info{}, fmt.Errorf("%w 0x%02x: %v", ErrNoDevice, c.addr, err)
	}
	info.VendorID = binary.LittleEndian.Uint32(buf[:4])
	if info.VendorID == 0 || info.VendorID == 0xffffffff {
		return Info{}, fmt.Errorf("%w 0x%02x", ErrNoDevice, c.addr)
	}
	if _, err := c.readRegister(RegDID, buf[:4]); err != nil {
		return Info{}, err
	}
	info.DeviceID = binary.LittleEndian.Uint32(buf[:4])
	if _, err := c.readRegister(RegUID, info.UID[:]); err != nil {
		return Info{}, err
	}
	if _, err := c.readRegister(RegVersion, buf[:4]); err != nil {
		return Info{}, err
	}
	v := binary.LittleEndian.Uint32(buf[:4])
	info.Version = fmt.Sprintf("%x.%x.%x", v>>16, (v>>8)&0xff, v&0xff)
	n, err := c.readRegister(RegBuild, buf)
	if err != nil {
		return Info{}, err
	}
	info.Build = cString(buf[:n])
	n, err = c.readRegister(RegDevInfo, buf)
	if err != nil {
		return Info{}, err
	}
	info.Device = cString(buf[:n])
	return info, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
