package backupsvc

import (
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *badger.DB) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return New(db, zap.NewNop(), func() time.Time { return now }, opts...), db
}

func TestSaveAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	saved, err := svc.Save("i2c/i2c-1:0x38", 0x10, []byte{1, 2, 3}, 0xabcdef, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), saved.Size)

	_, err = svc.Save("i2c/i2c-2:0x38", 0x00, []byte{9}, 1, true)
	require.NoError(t, err)

	backup, data, err := svc.Get("i2c/i2c-1:0x38", saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, backup)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, _, err = svc.Get("i2c/i2c-1:0x38", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := svc.List("i2c/i2c-1:0x38")
	require.NoError(t, err)
	require.Len(t, list, 1)
	all, err := svc.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := svc.FindByAbbrev("i2c/i2c-1:0x38", saved.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, saved.ID, found.ID)
}

func TestCorruptBackup(t *testing.T) {
	svc, db := newTestService(t)
	saved, err := svc.Save("image/dump", 0, []byte{1, 2, 3}, 0, false)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set(dataKey("image/dump", saved.ID), []byte{1, 2, 4})
	}))
	_, _, err = svc.Get("image/dump", saved.ID)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestRetain(t *testing.T) {
	svc, _ := newTestService(t, WithRetain(2))
	var ids []string
	for i := 0; i < 4; i++ {
		b, err := svc.Save("image/dump", 0, []byte{byte(i)}, 0, false)
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}
	list, err := svc.List("image/dump")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[3], list[1].ID)

	_, _, err = svc.Get("image/dump", ids[0])
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindByAbbrev(t *testing.T) {
	svc, _ := newTestService(t)
	first, err := svc.Save("image/dump", 0, []byte{1}, 0, false)
	require.NoError(t, err)
	second, err := svc.Save("image/dump", 0, []byte{2}, 0, false)
	require.NoError(t, err)

	// taken within the same minute, the leading characters are shared
	if first.ID[:8] == second.ID[:8] {
		_, err = svc.FindByAbbrev("image/dump", first.ID[:8])
		require.ErrorIs(t, err, ErrAmbiguous)
	}

	for _, b := range []Backup{first, second} {
		found, err := svc.FindByAbbrev("image/dump", b.ID[len(b.ID)-8:])
		require.NoError(t, err)
		assert.Equal(t, b.ID, found.ID)

		found, err = svc.FindByAbbrev("image/dump", strings.ToUpper(b.ID[len(b.ID)-12:]))
		require.NoError(t, err)
		assert.Equal(t, b.ID, found.ID)
	}

	_, err = svc.FindByAbbrev("image/dump", "zzzz")
	require.ErrorIs(t, err, ErrNotFound)
}
