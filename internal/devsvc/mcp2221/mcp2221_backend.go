package mcp2221

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/neuroplastio/tbpatch/internal/devsvc"
	"github.com/neuroplastio/tbpatch/internal/tps6598x"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

// DeviceInfo identifies one attached bridge.
type DeviceInfo struct {
	Path    string
	Serial  string
	Product string
}

var defaultBackendOptions = backendOptions{
	addresses: tps6598x.DefaultAddresses,
	speed:     100_000,
	timeout:   100 * time.Millisecond,
}

type backendOptions struct {
	addresses      []uint16
	speed          int
	timeout        time.Duration
	controllerOpts []tps6598x.Option
	enumerate      func() ([]DeviceInfo, error)
	open           func(path string) (HidDevice, error)
}

type Option func(*backendOptions)

func WithAddresses(addrs ...uint16) Option {
	return func(o *backendOptions) {
		o.addresses = addrs
	}
}

func WithSpeed(hz int) Option {
	return func(o *backendOptions) {
		o.speed = hz
	}
}

func WithReportTimeout(d time.Duration) Option {
	return func(o *backendOptions) {
		o.timeout = d
	}
}

func WithControllerOptions(opts ...tps6598x.Option) Option {
	return func(o *backendOptions) {
		o.controllerOpts = opts
	}
}

// Backend implements devsvc.Backend for MCP2221 bridges found through hidapi.
type Backend struct {
	log     *zap.Logger
	options backendOptions

	initOnce sync.Once
	initErr  error

	bridges *xsync.MapOf[string, *Bridge]
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
		bridges: xsync.NewMapOf[string, *Bridge](),
	}
	if b.options.enumerate == nil {
		b.options.enumerate = b.hidEnumerate
	}
	if b.options.open == nil {
		b.options.open = func(path string) (HidDevice, error) {
			return hid.OpenPath(path)
		}
	}
	return b
}

func (b *Backend) hidEnumerate() ([]DeviceInfo, error) {
	b.initOnce.Do(func() {
		if err := hid.Init(); err != nil {
			b.initErr = fmt.Errorf("failed to initialize hidapi: %w", err)
		}
	})
	if b.initErr != nil {
		return nil, b.initErr
	}
	var devices []DeviceInfo
	err := hid.Enumerate(VendorID, ProductID, func(info *hid.DeviceInfo) error {
		// interface 2 is the HID function of the composite device
		if info.InterfaceNbr != 2 && info.InterfaceNbr != -1 {
			return nil
		}
		devices = append(devices, DeviceInfo{
			Path:    info.Path,
			Serial:  info.SerialNbr,
			Product: info.ProductStr,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate hid devices: %w", err)
	}
	return devices, nil
}

func (b *Backend) Enumerate(ctx context.Context) ([]devsvc.BackendDevice, error) {
	infos, err := b.options.enumerate()
	if err != nil {
		return nil, err
	}
	var devices []devsvc.BackendDevice
	seen := make(map[string]struct{}, len(infos))
	for i, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seen[info.Path] = struct{}{}
		bridge, err := b.bridge(info.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bridge %s: %w", info.Path, err)
		}
		label := info.Serial
		if label == "" {
			label = fmt.Sprintf("%d", i)
		}
		for _, addr := range b.options.addresses {
			ctrl := tps6598x.New(bridge, addr, b.options.controllerOpts...)
			ctl, err := ctrl.Probe()
			if errors.Is(err, tps6598x.ErrNoDevice) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to probe bridge %s at 0x%02x: %w", label, addr, err)
			}
			path := fmt.Sprintf("%s@0x%02x", info.Path, addr)
			id := devsvc.ControllerUUID(ctl)
			if id == uuid.Nil {
				id = devsvc.PathUUID(path)
			}
			devices = append(devices, devsvc.BackendDevice{
				ID:    fmt.Sprintf("%s:0x%02x", label, addr),
				Name:  strings.TrimSpace(fmt.Sprintf("%s via %s", ctl.Device, productName(info))),
				Path:  path,
				UUID:  id,
				Info:  devsvc.ControllerInfo(ctl),
				Flash: ctrl,
			})
		}
	}
	b.bridges.Range(func(path string, bridge *Bridge) bool {
		if _, ok := seen[path]; !ok {
			b.bridges.Delete(path)
			if err := bridge.Close(); err != nil {
				b.log.Warn("failed to close bridge", zap.String("path", path), zap.Error(err))
			}
		}
		return true
	})
	return devices, nil
}

func productName(info DeviceInfo) string {
	if info.Product != "" {
		return info.Product
	}
	return "MCP2221"
}

func (b *Backend) bridge(path string) (*Bridge, error) {
	if bridge, ok := b.bridges.Load(path); ok {
		return bridge, nil
	}
	dev, err := b.options.open(path)
	if err != nil {
		return nil, err
	}
	bridge := NewBridge(dev, b.options.timeout)
	if err := bridge.SetSpeed(b.options.speed); err != nil {
		_ = bridge.Close()
		return nil, err
	}
	b.bridges.Store(path, bridge)
	return bridge, nil
}

func (b *Backend) Close() error {
	var errs error
	b.bridges.Range(func(path string, bridge *Bridge) bool {
		b.bridges.Delete(path)
		if err := bridge.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
		}
		return true
	})
	return errs
}
