// Package backupsvc keeps copies of EEPROM windows taken before they are patched.
package backupsvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("backup not found")
	ErrCorrupt   = errors.New("backup checksum mismatch")
	ErrAmbiguous = errors.New("backup id is ambiguous")
)

// Backup describes one stored window. The bytes are kept under a separate key.
type Backup struct {
	ID        string    `json:"id" yaml:"id"`
	Device    string    `json:"device" yaml:"device"`
	Offset    uint32    `json:"offset" yaml:"offset"`
	Size      uint32    `json:"size" yaml:"size"`
	PatchID   uint64    `json:"patchId,omitempty" yaml:"patchId,omitempty"`
	Reverse   bool      `json:"reverse,omitempty" yaml:"reverse,omitempty"`
	Checksum  uint64    `json:"checksum" yaml:"checksum"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

var defaultOptions = serviceOptions{
	retain: 16,
}

type serviceOptions struct {
	retain int
}

type Option func(*serviceOptions)

// WithRetain sets how many backups are kept per device. Zero keeps all.
func WithRetain(n int) Option {
	return func(o *serviceOptions) {
		o.retain = n
	}
}

type Service struct {
	log     *zap.Logger
	db      *badger.DB
	now     func() time.Time
	options serviceOptions
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:     log,
		db:      db,
		now:     now,
		options: options,
	}
}

const (
	metaPrefix = "backups/"
	dataPrefix = "backupdata/"
)

func devicePrefix(prefix, device string) string {
	if device == "" {
		return prefix
	}
	return prefix + device + "/"
}

func metaKey(device, id string) []byte {
	return []byte(devicePrefix(metaPrefix, device) + id)
}

func dataKey(device, id string) []byte {
	return []byte(devicePrefix(dataPrefix, device) + id)
}

// Save stores a window read from device at offset.
func (s *Service) Save(device string, offset uint32, data []byte, patchID uint64, reverse bool) (Backup, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Backup{}, fmt.Errorf("failed to generate backup id: %w", err)
	}
	backup := Backup{
		ID:        id.String(),
		Device:    device,
		Offset:    offset,
		Size:      uint32(len(data)),
		PatchID:   patchID,
		Reverse:   reverse,
		Checksum:  xxhash.Sum64(data),
		CreatedAt: s.now(),
	}
	meta, err := json.Marshal(backup)
	if err != nil {
		return Backup{}, fmt.Errorf("failed to marshal backup: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaKey(device, backup.ID), meta); err != nil {
			return err
		}
		return txn.Set(dataKey(device, backup.ID), data)
	})
	if err != nil {
		return Backup{}, fmt.Errorf("failed to store backup: %w", err)
	}
	s.log.Info("backup stored",
		zap.String("device", device),
		zap.String("id", backup.ID),
		zap.String("window", fmt.Sprintf("0x%06x+%d", offset, len(data))),
	)
	if err := s.prune(device); err != nil {
		s.log.Error("failed to prune backups", zap.String("device", device), zap.Error(err))
	}
	return backup, nil
}

// List returns the backups of device, oldest first. An empty device lists all.
func (s *Service) List(device string) ([]Backup, error) {
	var backups []Backup
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(devicePrefix(metaPrefix, device))
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var backup Backup
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &backup)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal backup %s: %w", iter.Item().Key(), err)
			}
			backups = append(backups, backup)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return backups, nil
}

// Get loads a backup and its bytes, checking them against the stored checksum.
func (s *Service) Get(device, id string) (Backup, []byte, error) {
	var (
		backup Backup
		data   []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(device, id))
		if err != nil {
			return err
		}
		err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &backup)
		})
		if err != nil {
			return err
		}
		item, err = txn.Get(dataKey(device, id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Backup{}, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, device, id)
	}
	if err != nil {
		return Backup{}, nil, fmt.Errorf("failed to load backup: %w", err)
	}
	if xxhash.Sum64(data) != backup.Checksum || uint32(len(data)) != backup.Size {
		return Backup{}, nil, fmt.Errorf("%w: %s/%s", ErrCorrupt, device, id)
	}
	return backup, data, nil
}

// FindByAbbrev resolves an abbreviated backup id given as its leading or trailing
// characters. Ids are UUIDv7, so leading characters only tell apart backups taken
// more than a minute apart while the random tail is unique.
func (s *Service) FindByAbbrev(device, abbrev string) (Backup, error) {
	backups, err := s.List(device)
	if err != nil {
		return Backup{}, err
	}
	abbrev = strings.ToLower(abbrev)
	var found []Backup
	for _, backup := range backups {
		if strings.HasPrefix(backup.ID, abbrev) || strings.HasSuffix(backup.ID, abbrev) {
			found = append(found, backup)
		}
	}
	switch len(found) {
	case 0:
		return Backup{}, fmt.Errorf("%w: %s/%s", ErrNotFound, device, abbrev)
	case 1:
		return found[0], nil
	default:
		return Backup{}, fmt.Errorf("%w: %s matches %d backups", ErrAmbiguous, abbrev, len(found))
	}
}

func (s *Service) prune(device string) error {
	if s.options.retain <= 0 {
		return nil
	}
	backups, err := s.List(device)
	if err != nil {
		return err
	}
	if len(backups) <= s.options.retain {
		return nil
	}
	stale := backups[:len(backups)-s.options.retain]
	return s.db.Update(func(txn *badger.Txn) error {
		for _, backup := range stale {
			if err := txn.Delete(metaKey(device, backup.ID)); err != nil {
				return err
			}
			if err := txn.Delete(dataKey(device, backup.ID)); err != nil {
				return err
			}
			s.log.Debug("pruned backup", zap.String("device", device), zap.String("id", backup.ID))
		}
		return nil
	})
}
