// Package i2cdev finds controllers on Linux i2c-dev adapters.
package i2cdev

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jochenvg/go-udev"
	"github.com/neuroplastio/tbpatch/internal/devsvc"
	"github.com/neuroplastio/tbpatch/internal/tps6598x"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Adapter is an i2c-dev character device.
type Adapter struct {
	Sysname string
	Devnode string
	Name    string
}

type Bus interface {
	tps6598x.I2C
	Close() error
}

var defaultBackendOptions = backendOptions{
	addresses: tps6598x.DefaultAddresses,
}

type backendOptions struct {
	addresses      []uint16
	adapterFilter  string
	controllerOpts []tps6598x.Option
	adapters       func() ([]Adapter, error)
	open           func(devnode string) (Bus, error)
}

type Option func(*backendOptions)

// WithAddresses sets the bus addresses probed on every adapter.
func WithAddresses(addrs ...uint16) Option {
	return func(o *backendOptions) {
		o.addresses = addrs
	}
}

// WithAdapterFilter restricts probing to adapters whose name contains filter.
func WithAdapterFilter(filter string) Option {
	return func(o *backendOptions) {
		o.adapterFilter = strings.ToLower(filter)
	}
}

func WithControllerOptions(opts ...tps6598x.Option) Option {
	return func(o *backendOptions) {
		o.controllerOpts = opts
	}
}

// Backend implements devsvc.Backend on top of udev and periph.io.
type Backend struct {
	log     *zap.Logger
	options backendOptions

	initOnce sync.Once
	initErr  error
	udev     *udev.Udev

	buses *xsync.MapOf[string, Bus]
}

var _ devsvc.Backend = (*Backend)(nil)

func NewBackend(log *zap.Logger, opts ...Option) *Backend {
	options := defaultBackendOptions
	for _, opt := range opts {
		opt(&options)
	}
	b := &Backend{
		log:     log,
		options: options,
		buses:   xsync.NewMapOf[string, Bus](),
	}
	if b.options.adapters == nil {
		b.options.adapters = b.udevAdapters
	}
	if b.options.open == nil {
		b.options.open = openPeriph
	}
	return b
}

var _ Bus = i2c.BusCloser(nil)

func openPeriph(devnode string) (Bus, error) {
	bus, err := i2creg.Open(devnode)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func (b *Backend) init() error {
	b.initOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			b.initErr = fmt.Errorf("failed to initialize periph host: %w", err)
			return
		}
		b.udev = &udev.Udev{}
	})
	return b.initErr
}

func (b *Backend) udevAdapters() ([]Adapter, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	e := b.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("i2c-dev"); err != nil {
		return nil, fmt.Errorf("failed to match i2c-dev subsystem: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate i2c-dev devices: %w", err)
	}
	adapters := make([]Adapter, 0, len(devices))
	for _, dev := range devices {
		if dev.Devnode() == "" {
			continue
		}
		adapters = append(adapters, Adapter{
			Sysname: dev.Sysname(),
			Devnode: dev.Devnode(),
			Name:    strings.TrimSpace(dev.SysattrValue("name")),
		})
	}
	return adapters, nil
}

func (b *Backend) Enumerate(ctx context.Context) ([]devsvc.BackendDevice, error) {
	adapters, err := b.options.adapters()
	if err != nil {
		return nil, err
	}
	var devices []devsvc.BackendDevice
	seen := make(map[string]struct{}, len(adapters))
	for _, adapter := range adapters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.options.adapterFilter != "" && !strings.Contains(strings.ToLower(adapter.Name), b.options.adapterFilter) {
			continue
		}
		seen[adapter.Devnode] = struct{}{}
		bus, err := b.bus(adapter.Devnode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", adapter.Devnode, err)
		}
		for _, addr := range b.options.addresses {
			ctrl := tps6598x.New(bus, addr, b.options.controllerOpts...)
			info, err := ctrl.Probe()
			if errors.Is(err, tps6598x.ErrNoDevice) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to probe %s at 0x%02x: %w", adapter.Devnode, addr, err)
			}
			path := fmt.Sprintf("%s@0x%02x", adapter.Devnode, addr)
			id := devsvc.ControllerUUID(info)
			if id == uuid.Nil {
				id = devsvc.PathUUID(path)
			}
			b.log.Debug("found controller", zap.String("path", path), zap.String("device", info.Device))
			devices = append(devices, devsvc.BackendDevice{
				ID:    fmt.Sprintf("%s:0x%02x", adapter.Sysname, addr),
				Name:  deviceName(info, adapter),
				Path:  path,
				UUID:  id,
				Info:  devsvc.ControllerInfo(info),
				Flash: ctrl,
			})
		}
	}
	b.buses.Range(func(devnode string, bus Bus) bool {
		if _, ok := seen[devnode]; !ok {
			b.buses.Delete(devnode)
			if err := bus.Close(); err != nil {
				b.log.Warn("failed to close bus", zap.String("devnode", devnode), zap.Error(err))
			}
		}
		return true
	})
	return devices, nil
}

func (b *Backend) bus(devnode string) (Bus, error) {
	var openErr error
	bus, _ := b.buses.LoadOrCompute(devnode, func() Bus {
		bus, err := b.options.open(devnode)
		if err != nil {
			openErr = err
			return nil
		}
		return bus
	})
	if openErr != nil {
		b.buses.Delete(devnode)
		return nil, openErr
	}
	return bus, nil
}

func deviceName(info tps6598x.Info, adapter Adapter) string {
	name := info.Device
	if name == "" {
		name = "TPS6598x"
	}
	if adapter.Name == "" {
		return name
	}
	return fmt.Sprintf("%s on %s", name, adapter.Name)
}

func (b *Backend) Close() error {
	var errs error
	b.buses.Range(func(devnode string, bus Bus) bool {
		b.buses.Delete(devnode)
		if err := bus.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", devnode, err))
		}
		return true
	})
	return errs
}
