package buffer_pool

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cairndb/model"
	"cairndb/storage/disk_manager"
	"cairndb/storage/page"
)

func newTestPool(t *testing.T, poolSize int) (*BufferPoolManager, *disk_manager.DiskManager, int) {
	t.Helper()
	dm := disk_manager.NewDiskManager()
	path := filepath.Join(t.TempDir(), "pool.dat")
	require.NoError(t, dm.CreateFile(path))
	fd, err := dm.OpenFile(path)
	require.NoError(t, err)

	bpm := NewBufferPoolManager(poolSize, dm)
	t.Cleanup(func() {
		bpm.Close()
		dm.CloseFile(fd)
	})
	return bpm, dm, fd
}

func TestBufferPool_NewFetchUnpin(t *testing.T) {
	bpm, _, fd := newTestPool(t, 8)

	pageID := model.PageId{FD: fd}
	p := bpm.NewPage(&pageID)
	require.NotNil(t, p)
	require.EqualValues(t, 0, pageID.PageNo)

	copy(p.Data(), []byte("hello, frame"))
	require.True(t, bpm.UnpinPage(pageID, true))
	require.False(t, bpm.UnpinPage(pageID, false), "unpinning an unpinned page must fail")

	fetched := bpm.FetchPage(pageID)
	require.NotNil(t, fetched)
	require.Equal(t, []byte("hello, frame"), fetched.Data()[:12])
	require.True(t, bpm.UnpinPage(pageID, false))
}

func TestBufferPool_ExhaustionAndVictims(t *testing.T) {
	bpm, _, fd := newTestPool(t, 4)

	// Pin four pages: the pool is full.
	ids := make([]model.PageId, 4)
	for i := range ids {
		ids[i] = model.PageId{FD: fd}
		require.NotNil(t, bpm.NewPage(&ids[i]))
	}

	extra := model.PageId{FD: fd}
	require.Nil(t, bpm.NewPage(&extra), "expected nil when every frame is pinned")

	first := bpm.FetchPage(ids[0])
	require.NotNil(t, first)
	copy(first.Data(), []byte("evict me"))
	require.True(t, bpm.UnpinPage(ids[0], true))

	// Releasing one page frees exactly one frame.
	require.True(t, bpm.UnpinPage(ids[0], true))
	p := bpm.NewPage(&extra)
	require.NotNil(t, p)

	// The evicted dirty page must come back byte-for-byte.
	require.True(t, bpm.UnpinPage(extra, false))
	back := bpm.FetchPage(ids[0])
	require.NotNil(t, back)
	require.Equal(t, []byte("evict me"), back.Data()[:8])
	require.True(t, bpm.UnpinPage(ids[0], false))

	for _, id := range ids[1:] {
		require.True(t, bpm.UnpinPage(id, false))
	}
}

func TestBufferPool_DeletePage(t *testing.T) {
	bpm, _, fd := newTestPool(t, 4)

	pageID := model.PageId{FD: fd}
	require.NotNil(t, bpm.NewPage(&pageID))

	require.False(t, bpm.DeletePage(pageID), "pinned page must refuse deletion")
	require.True(t, bpm.UnpinPage(pageID, true))
	require.True(t, bpm.DeletePage(pageID))
	require.True(t, bpm.DeletePage(pageID), "absent page deletes trivially")
}

// Randomized churn against an in-memory reference: every fetch must observe
// exactly what the mock holds, and after a full flush the file must equal the
// mock byte-for-byte.
func TestBufferPool_IntegrityUnderChurn(t *testing.T) {
	const (
		poolSize = 16
		numPages = 64
		rounds   = 10000
	)
	bpm, dm, fd := newTestPool(t, poolSize)
	rnd := rand.New(rand.NewSource(42))

	mock := make(map[int32][]byte, numPages)
	for i := 0; i < numPages; i++ {
		pageID := model.PageId{FD: fd}
		p := bpm.NewPage(&pageID)
		require.NotNil(t, p)
		content := make([]byte, page.PageSize)
		rnd.Read(content)
		copy(p.Data(), content)
		mock[pageID.PageNo] = content
		require.True(t, bpm.UnpinPage(pageID, true))
	}

	for round := 0; round < rounds; round++ {
		pageNo := int32(rnd.Intn(numPages))
		pageID := model.PageId{FD: fd, PageNo: pageNo}

		switch rnd.Intn(10) {
		case 0:
			bpm.FlushPage(pageID)
		default:
			p := bpm.FetchPage(pageID)
			require.NotNil(t, p, "round %d: fetch of page %d failed", round, pageNo)
			require.True(t, bytes.Equal(mock[pageNo], p.Data()),
				"round %d: page %d content diverged from mock", round, pageNo)

			dirty := rnd.Intn(2) == 0
			if dirty {
				p.Data()[rnd.Intn(page.PageSize)] = byte(rnd.Intn(256))
				copy(mock[pageNo], p.Data())
			}
			require.True(t, bpm.UnpinPage(pageID, dirty))
		}
	}

	bpm.FlushAllPages(fd)
	rbuf := make([]byte, page.PageSize)
	for pageNo, content := range mock {
		require.NoError(t, dm.ReadPage(fd, pageNo, rbuf, page.PageSize))
		require.True(t, bytes.Equal(content, rbuf), "on-disk page %d differs from mock", pageNo)
	}
}

func TestBufferPool_BackgroundFlush(t *testing.T) {
	bpm, dm, fd := newTestPool(t, 4)

	pageID := model.PageId{FD: fd}
	p := bpm.NewPage(&pageID)
	require.NotNil(t, p)
	copy(p.Data(), []byte("scheduled"))
	require.True(t, bpm.UnpinPage(pageID, true))

	bpm.ScheduleFlush(pageID)
	bpm.Close() // drains the queue

	rbuf := make([]byte, page.PageSize)
	require.NoError(t, dm.ReadPage(fd, pageID.PageNo, rbuf, page.PageSize))
	require.Equal(t, []byte("scheduled"), rbuf[:9])
}
