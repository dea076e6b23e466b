package smgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

var testRel = RelFileLocator{SpcOid: DefaultTablespace, DbOid: 5, RelNumber: 16384}

func setupManager(t *testing.T, segSize uint32, maxOpen int) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Config{DataDir: dir, RelSegSize: segSize, MaxOpenFiles: maxOpen}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, dir
}

func block(fill byte) []byte {
	b := make([]byte, BlockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestRelPath(t *testing.T) {
	require.Equal(t, filepath.Join("base", "5", "16384"), RelPath(testRel, MainFork))
	require.Equal(t, filepath.Join("base", "5", "16384_fsm"), RelPath(testRel, FSMFork))
	require.Equal(t, filepath.Join("base", "5", "16384_vm"), RelPath(testRel, VisibilityMapFork))
	require.Equal(t, filepath.Join("global", "1262"), RelPath(RelFileLocator{SpcOid: GlobalTablespace, RelNumber: 1262}, MainFork))
	require.Equal(t, filepath.Join("pg_tblspc", "9000", "5", "7_init"),
		RelPath(RelFileLocator{SpcOid: 9000, DbOid: 5, RelNumber: 7}, InitFork))
	require.Equal(t, "x.3", segmentPath("x", 3))
}

func TestExtendReadWrite(t *testing.T) {
	m, _ := setupManager(t, 0, 0)
	require.False(t, m.Exists(testRel, MainFork))
	require.NoError(t, m.Create(testRel, MainFork))
	require.True(t, m.Exists(testRel, MainFork))

	n, err := m.NBlocks(testRel, MainFork)
	require.NoError(t, err)
	require.Equal(t, pagemanager.BlockNumber(0), n)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Extend(testRel, MainFork, pagemanager.BlockNumber(i), block(byte(i+1))))
	}
	n, err = m.NBlocks(testRel, MainFork)
	require.NoError(t, err)
	require.Equal(t, pagemanager.BlockNumber(3), n)

	require.NoError(t, m.Write(testRel, MainFork, 1, block(0xEE)))
	buf := make([]byte, BlockSize)
	require.NoError(t, m.Read(testRel, MainFork, 1, buf))
	require.Equal(t, block(0xEE), buf)

	err = m.Read(testRel, MainFork, 3, buf)
	require.True(t, errors.Is(err, ErrShortRead))

	require.NoError(t, m.SyncAll())
	require.NoError(t, m.Sync(testRel, MainFork))
}

func TestSegmentedRelation(t *testing.T) {
	m, dir := setupManager(t, 4, 0)
	require.NoError(t, m.Create(testRel, MainFork))
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Extend(testRel, MainFork, pagemanager.BlockNumber(i), block(byte(i))))
	}
	n, err := m.NBlocks(testRel, MainFork)
	require.NoError(t, err)
	require.Equal(t, pagemanager.BlockNumber(10), n)

	_, err = os.Stat(filepath.Join(dir, "base", "5", "16384.2"))
	require.NoError(t, err)

	buf := make([]byte, BlockSize)
	require.NoError(t, m.Read(testRel, MainFork, 9, buf))
	require.Equal(t, block(9), buf)

	require.NoError(t, m.Truncate(testRel, MainFork, 5))
	n, err = m.NBlocks(testRel, MainFork)
	require.NoError(t, err)
	require.Equal(t, pagemanager.BlockNumber(5), n)
	_, err = os.Stat(filepath.Join(dir, "base", "5", "16384.2"))
	require.True(t, os.IsNotExist(err))
}

func TestUnlink(t *testing.T) {
	m, _ := setupManager(t, 2, 0)
	require.NoError(t, m.Create(testRel, MainFork))
	require.NoError(t, m.Create(testRel, FSMFork))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Extend(testRel, MainFork, pagemanager.BlockNumber(i), block(1)))
	}
	require.NoError(t, m.Unlink(testRel))
	require.False(t, m.Exists(testRel, MainFork))
	require.False(t, m.Exists(testRel, FSMFork))

	_, err := m.NBlocks(testRel, MainFork)
	require.True(t, errors.Is(err, ErrRelationNotFound))
	require.NoError(t, m.SyncAll())
}

func TestOpenFileCacheStaysUsable(t *testing.T) {
	m, _ := setupManager(t, 1, 2)
	require.NoError(t, m.Create(testRel, MainFork))
	// one segment per block, more segments than cached handles
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Extend(testRel, MainFork, pagemanager.BlockNumber(i), block(byte(i))))
	}
	buf := make([]byte, BlockSize)
	for i := 19; i >= 0; i-- {
		require.NoError(t, m.Read(testRel, MainFork, pagemanager.BlockNumber(i), buf))
		require.Equal(t, byte(i), buf[0])
	}
}
