package disk_manager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"cairndb/common"
)

func TestDiskManager_FileLifecycle(t *testing.T) {
	dm := NewDiskManager()
	dir := t.TempDir()
	path := filepath.Join(dir, "t.dat")

	if err := dm.CreateFile(path); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := dm.CreateFile(path); !errors.Is(err, common.ErrFileExists) {
		t.Errorf("Expected ErrFileExists on duplicate create, got %v", err)
	}

	fd, err := dm.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	fd2, err := dm.OpenFile(path)
	if err != nil || fd2 != fd {
		t.Errorf("Expected reopening to return the same fd, got %d/%d (%v)", fd, fd2, err)
	}

	if err = dm.DestroyFile(path); !errors.Is(err, common.ErrFileNotClosed) {
		t.Errorf("Expected ErrFileNotClosed destroying an open file, got %v", err)
	}

	if err = dm.CloseFile(fd); err != nil {
		t.Fatalf("CloseFile failed: %v", err)
	}
	if err = dm.CloseFile(fd); !errors.Is(err, common.ErrFileNotOpen) {
		t.Errorf("Expected ErrFileNotOpen on double close, got %v", err)
	}

	if err = dm.DestroyFile(path); err != nil {
		t.Fatalf("DestroyFile failed: %v", err)
	}
	if err = dm.DestroyFile(path); !errors.Is(err, common.ErrFileNotFound) {
		t.Errorf("Expected ErrFileNotFound on double destroy, got %v", err)
	}
	if _, err = dm.OpenFile(path); !errors.Is(err, common.ErrFileNotFound) {
		t.Errorf("Expected ErrFileNotFound opening a destroyed file, got %v", err)
	}
}

func TestDiskManager_PageIO(t *testing.T) {
	dm := NewDiskManager()
	path := filepath.Join(t.TempDir(), "pages.dat")
	if err := dm.CreateFile(path); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	fd, err := dm.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	pageSize := int(PageSize)
	wbuf := make([]byte, pageSize)
	for i := range wbuf {
		wbuf[i] = byte(i % 251)
	}
	if err = dm.WritePage(fd, 3, wbuf, pageSize); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}

	rbuf := make([]byte, pageSize)
	if err = dm.ReadPage(fd, 3, rbuf, pageSize); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !bytes.Equal(wbuf, rbuf) {
		t.Error("Read page differs from written page")
	}

	// Reading a never-written page inside the file yields zeros.
	if err = dm.ReadPage(fd, 1, rbuf, pageSize); err != nil {
		t.Fatalf("ReadPage of hole failed: %v", err)
	}
	for i, b := range rbuf {
		if b != 0 {
			t.Fatalf("Expected zero-filled page, byte %d = %d", i, b)
		}
	}

	if err = dm.CloseFile(fd); err != nil {
		t.Fatalf("CloseFile failed: %v", err)
	}
}

func TestDiskManager_AllocatePageMonotonic(t *testing.T) {
	dm := NewDiskManager()
	path := filepath.Join(t.TempDir(), "alloc.dat")
	dm.CreateFile(path)
	fd, _ := dm.OpenFile(path)

	for want := int32(0); want < 5; want++ {
		if got := dm.AllocatePage(fd); got != want {
			t.Errorf("Expected page %d, got %d", want, got)
		}
	}

	dm.SetFdPageNo(fd, 100)
	if got := dm.AllocatePage(fd); got != 100 {
		t.Errorf("Expected page 100 after SetFdPageNo, got %d", got)
	}
	dm.CloseFile(fd)
}

func TestDiskManager_AllocatorSeededFromFileSize(t *testing.T) {
	dm := NewDiskManager()
	path := filepath.Join(t.TempDir(), "seeded.dat")
	dm.CreateFile(path)
	fd, _ := dm.OpenFile(path)

	buf := make([]byte, int(PageSize))
	dm.WritePage(fd, 2, buf, len(buf)) // file now spans 3 pages
	dm.CloseFile(fd)

	fd, err := dm.OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := dm.AllocatePage(fd); got != 3 {
		t.Errorf("Expected allocation to resume at page 3, got %d", got)
	}
	dm.CloseFile(fd)
}

func TestDiskManager_EnsureFileSize(t *testing.T) {
	dm := NewDiskManager()
	path := filepath.Join(t.TempDir(), "grow.dat")
	dm.CreateFile(path)
	fd, _ := dm.OpenFile(path)

	if err := dm.EnsureFileSize(fd, 4); err != nil {
		t.Fatalf("EnsureFileSize failed: %v", err)
	}
	if size := dm.GetFileSize(path); size != 4*PageSize {
		t.Errorf("Expected size %d, got %d", 4*PageSize, size)
	}

	// Shrinking never happens.
	if err := dm.EnsureFileSize(fd, 2); err != nil {
		t.Fatalf("EnsureFileSize failed: %v", err)
	}
	if size := dm.GetFileSize(path); size != 4*PageSize {
		t.Errorf("Expected size to stay %d, got %d", 4*PageSize, size)
	}
	dm.CloseFile(fd)
}

func TestDiskManager_DirHelpers(t *testing.T) {
	dm := NewDiskManager()
	dir := filepath.Join(t.TempDir(), "sub")

	if dm.IsDir(dir) {
		t.Fatal("Directory should not exist yet")
	}
	if err := dm.CreateDir(dir); err != nil {
		t.Fatalf("CreateDir failed: %v", err)
	}
	if !dm.IsDir(dir) {
		t.Error("Expected directory to exist")
	}
	if err := dm.DestroyDir(dir); err != nil {
		t.Fatalf("DestroyDir failed: %v", err)
	}
	if dm.IsDir(dir) {
		t.Error("Expected directory to be gone")
	}
}
