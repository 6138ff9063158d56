package btree

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"cairndb/common"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/transaction"
)

func TestIxManager_GetIndexName(t *testing.T) {
	im := &IxManager{}
	cols := []column.ColMeta{
		{Name: "a", Type: column.TypeInt, Len: 4},
		{Name: "b", Type: column.TypeString, Len: 8},
	}
	if got := im.GetIndexName("emp", cols); got != "emp_a_b.idx" {
		t.Errorf("GetIndexName = %q", got)
	}
}

func TestIxManager_CreateOpenCloseDestroy(t *testing.T) {
	env := newTestEnv(t, 32)

	require.False(t, env.im.Exists("t", intCols))
	require.NoError(t, env.im.CreateIndex("t", intCols))
	require.True(t, env.im.Exists("t", intCols))

	// Creating again collides on the file.
	err := env.im.CreateIndex("t", intCols)
	require.True(t, errors.Is(err, common.ErrFileExists))

	ih, err := env.im.OpenIndex("t", intCols)
	require.NoError(t, err)
	require.Equal(t, InitRootPage, ih.fileHdr.RootPage)
	require.EqualValues(t, 4, ih.fileHdr.ColTotLen)
	require.Greater(t, int(ih.fileHdr.BtreeOrder), 2)

	require.NoError(t, env.im.CloseIndex(ih))
	require.NoError(t, env.im.DestroyIndex("t", intCols))
	require.False(t, env.im.Exists("t", intCols))
}

func TestIxManager_InvalidColLength(t *testing.T) {
	env := newTestEnv(t, 32)
	tooFat := []column.ColMeta{{Name: "blob", Type: column.TypeString, Len: 600}}
	err := env.im.CreateIndex("t", tooFat)
	require.True(t, errors.Is(err, common.ErrInvalidColLength))
	require.False(t, env.im.Exists("t", tooFat))
}

// The durability seed scenario: create, insert, close, reopen, get.
func TestIxManager_PersistenceAcrossReopen(t *testing.T) {
	env := newTestEnv(t, 32)

	require.NoError(t, env.im.CreateIndex("t", intCols))
	ih, err := env.im.OpenIndex("t", intCols)
	require.NoError(t, err)

	_, err = ih.InsertEntry(intKey(42), model.Rid{PageNo: 1, SlotNo: 0},
		transaction.NewTransaction(1), false)
	require.NoError(t, err)
	require.NoError(t, env.im.CloseIndex(ih))

	ih, err = env.im.OpenIndex("t", intCols)
	require.NoError(t, err)
	defer env.im.CloseIndex(ih)

	rid, err := ih.GetValue(intKey(42), transaction.NewTransaction(2))
	require.NoError(t, err)
	require.Equal(t, model.Rid{PageNo: 1, SlotNo: 0}, rid)
}

func TestIxManager_MarkDeletedDestroysOnClose(t *testing.T) {
	env := newTestEnv(t, 32)

	require.NoError(t, env.im.CreateIndex("t", intCols))
	ih, err := env.im.OpenIndex("t", intCols)
	require.NoError(t, err)

	ih.MarkDeleted()
	require.NoError(t, env.im.CloseIndex(ih))
	require.False(t, env.im.Exists("t", intCols))
}
