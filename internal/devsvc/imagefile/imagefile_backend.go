// Package imagefile exposes EEPROM image files as devices, for working on
// dumps without hardware attached.
package imagefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/neuroplastio/tbpatch/internal/devsvc"
	"github.com/neuroplastio/tbpatch/internal/eeprom"
	"go.uber.org/zap"
)

const Extension = ".bin"

// Backend implements devsvc.Backend over the *.bin files of a directory.
type Backend struct {
	log *zap.Logger
	dir string
}

var _ devsvc.Backend = (*Backend)(nil)

func NewBackend(log *zap.Logger, dir string) *Backend {
	return &Backend{log: log, dir: dir}
}

func (b *Backend) Enumerate(ctx context.Context) ([]devsvc.BackendDevice, error) {
	entries, err := os.ReadDir(b.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	var devices []devsvc.BackendDevice
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		path, err := filepath.Abs(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.Size() == 0 {
			b.log.Debug("skipping empty image", zap.String("path", path))
			continue
		}
		name := strings.TrimSuffix(entry.Name(), Extension)
		devices = append(devices, devsvc.BackendDevice{
			ID:    name,
			Name:  name,
			Path:  path,
			UUID:  devsvc.PathUUID("file://" + path),
			Flash: &File{path: path, size: uint32(min(info.Size(), int64(eeprom.Size)))},
		})
	}
	return devices, nil
}

func (b *Backend) Close() error {
	return nil
}

// File is a flash image on disk. Every access reopens the file.
type File struct {
	path string
	size uint32

	mu sync.Mutex
}

// Create writes an erased image of the given size.
func Create(path string, size uint32) (*File, error) {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xff
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	return &File{path: path, size: size}, nil
}

func (f *File) Size() uint32 {
	return f.size
}

func (f *File) ReadBlock(ctx context.Context, offset uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.ReadAt(buf, int64(offset))
	return err
}

func (f *File) WriteBlock(ctx context.Context, offset uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(data, int64(offset)); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
