// Package devsvc discovers TPS6598x controllers through pluggable backends and
// keeps the current registry snapshot.
package devsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/neuroplastio/tbpatch/internal/eeprom"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrEnumeration = errors.New("device enumeration failed")

// EnumerationError means probing failed, as opposed to finding no devices.
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrEnumeration, e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

func (e *EnumerationError) Is(target error) bool {
	return target == ErrEnumeration
}

// BackendDevice is what a backend reports for one controller.
type BackendDevice struct {
	ID    string
	Name  string
	Path  string
	UUID  uuid.UUID
	Info  Info
	Flash eeprom.Flash
}

type Backend interface {
	Enumerate(ctx context.Context) ([]BackendDevice, error)
	Close() error
}

type namedBackend struct {
	name    string
	backend Backend
}

type serviceOptions struct {
	backends []namedBackend
}

type Option func(*serviceOptions)

// WithBackend registers a backend. Backends are enumerated in registration order.
func WithBackend(name string, backend Backend) Option {
	return func(o *serviceOptions) {
		o.backends = append(o.backends, namedBackend{name: name, backend: backend})
	}
}

type Service struct {
	log     *zap.Logger
	db      *badger.DB
	options serviceOptions
	now     func() time.Time

	registry *atomic.Pointer[Registry]
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time, opts ...Option) *Service {
	var options serviceOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		db:       db,
		log:      log,
		options:  options,
		now:      now,
		registry: atomic.NewPointer(emptyRegistry),
	}
}

// Discover enumerates all backends and publishes the result as the current registry.
// On failure the previous registry stays in place.
func (s *Service) Discover(ctx context.Context) (*Registry, error) {
	var (
		devices []*Device
		errs    error
	)
	for _, nb := range s.options.backends {
		found, err := nb.backend.Enumerate(ctx)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("backend %s: %w", nb.name, err))
			continue
		}
		for _, bdev := range found {
			devices = append(devices, &Device{
				Address: Address{Backend: nb.name, ID: bdev.ID},
				UUID:    bdev.UUID,
				Name:    bdev.Name,
				Path:    bdev.Path,
				Info:    bdev.Info,
				flash:   bdev.Flash,
			})
		}
	}
	if errs != nil {
		s.log.Error("failed to enumerate devices", zap.Error(errs))
		return nil, &EnumerationError{Err: errs}
	}
	registry := newRegistry(devices)
	s.registry.Store(registry)
	s.log.Debug("discovery complete", zap.Int("devices", registry.Len()))
	if err := s.recordDevices(registry.All()); err != nil {
		s.log.Error("failed to record devices", zap.Error(err))
	}
	return registry, nil
}

// Devices returns the current registry snapshot.
func (s *Service) Devices() *Registry {
	return s.registry.Load()
}

func (s *Service) Find(path *string, id *uuid.UUID) *Device {
	return s.Devices().Find(path, id)
}

// DiscoverFunc runs one discovery pass. Watch callers use it to route passes
// through a job coordinator.
type DiscoverFunc func(ctx context.Context) (*Registry, error)

// Watch rediscovers on every tick or trigger and logs devices that came and went.
// A nil discover uses Discover directly. It returns when ctx is done.
func (s *Service) Watch(ctx context.Context, interval time.Duration, trigger <-chan struct{}, discover DiscoverFunc) error {
	if interval <= 0 {
		return fmt.Errorf("invalid watch interval %s", interval)
	}
	if discover == nil {
		discover = s.Discover
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		prev := s.Devices()
		next, err := discover(ctx)
		switch {
		case err != nil:
			s.log.Warn("discovery pass failed", zap.Error(err))
		default:
			connected, disconnected := Diff(prev, next)
			for _, key := range connected {
				s.log.Info("device connected", zap.String("device", key))
			}
			for _, key := range disconnected {
				s.log.Info("device disconnected", zap.String("device", key))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
	}
}

func (s *Service) Close() error {
	var errs error
	for _, nb := range s.options.backends {
		if err := nb.backend.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("backend %s: %w", nb.name, err))
		}
	}
	return errs
}

// KnownDevice is the persisted record of a device seen at least once.
type KnownDevice struct {
	Address     Address   `json:"address" yaml:"address"`
	UUID        uuid.UUID `json:"uuid" yaml:"uuid"`
	Name        string    `json:"name" yaml:"name"`
	Path        string    `json:"path,omitempty" yaml:"path,omitempty"`
	Info        Info      `json:"info" yaml:"info"`
	FirstSeenAt time.Time `json:"firstSeenAt" yaml:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt" yaml:"lastSeenAt"`
}

const knownPrefix = "devices/"

func knownDeviceKey(addr Address) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", knownPrefix, addr.Backend, addr.ID))
}

func (s *Service) recordDevices(devices []*Device) error {
	now := s.now()
	return s.db.Update(func(txn *badger.Txn) error {
		for _, dev := range devices {
			key := knownDeviceKey(dev.Address)
			var known KnownDevice
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				err = item.Value(func(val []byte) error {
					return json.Unmarshal(val, &known)
				})
				if err != nil {
					return fmt.Errorf("failed to unmarshal device: %w", err)
				}
			}
			known.Address = dev.Address
			known.UUID = dev.UUID
			known.Name = dev.Name
			known.Path = dev.Path
			known.Info = dev.Info
			if known.FirstSeenAt.IsZero() {
				known.FirstSeenAt = now
			}
			known.LastSeenAt = now
			b, err := json.Marshal(known)
			if err != nil {
				return fmt.Errorf("failed to marshal device: %w", err)
			}
			if err := txn.Set(key, b); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListKnown returns every device ever discovered, ordered by key.
func (s *Service) ListKnown() ([]KnownDevice, error) {
	var devices []KnownDevice
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(knownPrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var dev KnownDevice
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}
