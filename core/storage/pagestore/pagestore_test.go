package pagestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
)

const testPageSize = 4096

// setupPageStore creates a fresh store in a temporary directory.
func setupPageStore(t *testing.T) (*PageStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	ps, err := Open(path, testPageSize, logger)
	require.NoError(t, err)
	return ps, path
}

func TestCreateAndReopen(t *testing.T) {
	ps, path := setupPageStore(t)
	sb := ps.Superblock()
	instance := sb.InstanceString()
	require.NotEmpty(t, instance)
	require.Equal(t, uint64(1), ps.NumPages())
	require.NoError(t, ps.Close())

	ps2, err := Open(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer ps2.Close()
	sb2 := ps2.Superblock()
	require.Equal(t, instance, sb2.InstanceString())
}

func TestOpenRejectsPageSizeMismatch(t *testing.T) {
	ps, path := setupPageStore(t)
	require.NoError(t, ps.Close())

	_, err := Open(path, testPageSize*2, zap.NewNop())
	require.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	ps, _ := setupPageStore(t)
	defer ps.Close()

	pid, err := ps.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, page.InvalidPageID, pid)

	data := make([]byte, testPageSize)
	copy(data, []byte("page contents"))
	require.NoError(t, ps.WritePage(pid, data))

	got := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(pid, got))
	require.Equal(t, data, got)
}

func TestReadRejectsOutOfRangePage(t *testing.T) {
	ps, _ := setupPageStore(t)
	defer ps.Close()

	buf := make([]byte, testPageSize)
	err := ps.ReadPage(page.PageID(99), buf)
	require.ErrorIs(t, err, ErrInvalidPageID)
}

func TestFreedPageIsRecycled(t *testing.T) {
	ps, _ := setupPageStore(t)
	defer ps.Close()

	a, err := ps.Allocate()
	require.NoError(t, err)
	b, err := ps.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	sizeBefore := ps.NumPages()

	require.NoError(t, ps.Free(a))
	c, err := ps.Allocate()
	require.NoError(t, err)
	require.Equal(t, a, c, "allocation should pop the free list before extending the file")
	require.Equal(t, sizeBefore, ps.NumPages())
}

func TestFreeListSurvivesReopen(t *testing.T) {
	ps, path := setupPageStore(t)
	a, err := ps.Allocate()
	require.NoError(t, err)
	_, err = ps.Allocate()
	require.NoError(t, err)
	require.NoError(t, ps.Free(a))
	require.NoError(t, ps.Close())

	ps2, err := Open(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer ps2.Close()

	c, err := ps2.Allocate()
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestEnsureAllocatedExtendsFile(t *testing.T) {
	ps, _ := setupPageStore(t)
	defer ps.Close()

	require.NoError(t, ps.EnsureAllocated(page.PageID(5)))
	require.Equal(t, uint64(6), ps.NumPages())

	// Already-covered page ids are a no-op.
	require.NoError(t, ps.EnsureAllocated(page.PageID(2)))
	require.Equal(t, uint64(6), ps.NumPages())

	buf := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(page.PageID(5), buf))
}

func TestSuperblockIndexCatalog(t *testing.T) {
	ps, path := setupPageStore(t)

	require.NoError(t, ps.UpdateSuperblock(func(sb *Superblock) {
		sb.SetIndexRoot("users", page.PageID(3))
		sb.SetIndexRoot("orders", page.PageID(7))
	}))
	require.NoError(t, ps.Close())

	ps2, err := Open(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer ps2.Close()

	sb := ps2.Superblock()
	root, ok := sb.LookupIndex("users")
	require.True(t, ok)
	require.Equal(t, page.PageID(3), root)
	root, ok = sb.LookupIndex("orders")
	require.True(t, ok)
	require.Equal(t, page.PageID(7), root)
	_, ok = sb.LookupIndex("missing")
	require.False(t, ok)
}

func TestSuperblockRemoveIndex(t *testing.T) {
	ps, _ := setupPageStore(t)
	defer ps.Close()

	require.NoError(t, ps.UpdateSuperblock(func(sb *Superblock) {
		sb.SetIndexRoot("temp", page.PageID(4))
	}))
	require.NoError(t, ps.UpdateSuperblock(func(sb *Superblock) {
		sb.RemoveIndex("temp")
	}))
	sb := ps.Superblock()
	_, ok := sb.LookupIndex("temp")
	require.False(t, ok)
}

func TestSuperblockSerdeRoundTrip(t *testing.T) {
	sb := NewSuperblock(testPageSize)
	sb.FreeListHead = page.PageID(9)
	sb.LastCheckpointLSN = page.LSN(123)
	sb.SetIndexRoot("a", 2)
	sb.SetIndexRoot("b", 3)

	buf := make([]byte, testPageSize)
	require.NoError(t, sb.serialize(buf))

	var got Superblock
	require.NoError(t, got.deserialize(buf))
	require.Equal(t, sb.Magic, got.Magic)
	require.Equal(t, sb.InstanceID, got.InstanceID)
	require.Equal(t, sb.FreeListHead, got.FreeListHead)
	require.Equal(t, sb.LastCheckpointLSN, got.LastCheckpointLSN)
	require.Equal(t, sb.Indexes, got.Indexes)
}

func TestSuperblockChecksumDetectsCorruption(t *testing.T) {
	sb := NewSuperblock(testPageSize)
	buf := make([]byte, testPageSize)
	require.NoError(t, sb.serialize(buf))

	buf[16] ^= 0xff
	var got Superblock
	err := got.deserialize(buf)
	require.ErrorIs(t, err, ErrSuperblockChecksum)
}
