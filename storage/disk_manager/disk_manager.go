package disk_manager

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cairndb/utils/config"
	"cairndb/utils/logger"

	"cairndb/common"
)

// Log file names used by the append-only log API consumed by the transaction
// layer.
const (
	LogFileName    = "db.log"
	LogBakFileName = "db.log.bak"
)

// PageSize is loaded from config in init()
var PageSize int64

func init() {
	PageSize = int64(config.GetConfig().Storage.PageSize)
}

// DiskManager performs fixed-size page I/O over named files and owns the
// per-file page-number allocator. The (path, fd) mapping is bijective for
// currently-open files and protected by a reader-writer lock.
type DiskManager struct {
	mu       sync.RWMutex
	path2fd  map[string]int
	fd2file  map[int]*os.File
	fd2path  map[int]string
	fd2page  map[int]*atomic.Int32
	readLog  *os.File
	writeLog *os.File
}

// NewDiskManager creates an empty disk manager.
func NewDiskManager() *DiskManager {
	return &DiskManager{
		path2fd: make(map[string]int),
		fd2file: make(map[int]*os.File),
		fd2path: make(map[int]string),
		fd2page: make(map[int]*atomic.Int32),
	}
}

// IsFile reports whether path names a regular file.
func (dm *DiskManager) IsFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// IsDir reports whether path names a directory.
func (dm *DiskManager) IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// CreateDir creates a directory.
func (dm *DiskManager) CreateDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return errors.Wrapf(common.ErrInternal, "create dir %s: %v", path, err)
	}
	return nil
}

// DestroyDir removes a directory and its contents.
func (dm *DiskManager) DestroyDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(common.ErrInternal, "destroy dir %s: %v", path, err)
	}
	return nil
}

// CreateFile creates an empty file. Creating an existing file is an error.
func (dm *DiskManager) CreateFile(path string) error {
	if dm.IsFile(path) {
		return errors.Wrapf(common.ErrFileExists, "%s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Wrapf(common.ErrInternal, "create file %s: %v", path, err)
	}
	return f.Close()
}

// DestroyFile unlinks a file. The file must exist and must not be open.
func (dm *DiskManager) DestroyFile(path string) error {
	if !dm.IsFile(path) {
		return errors.Wrapf(common.ErrFileNotFound, "%s", path)
	}
	dm.mu.RLock()
	_, open := dm.path2fd[path]
	dm.mu.RUnlock()
	if open {
		return errors.Wrapf(common.ErrFileNotClosed, "%s", path)
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(common.ErrInternal, "destroy file %s: %v", path, err)
	}
	return nil
}

// OpenFile opens a file for page I/O and returns its fd. Opening an already
// open file returns the existing fd.
func (dm *DiskManager) OpenFile(path string) (int, error) {
	if !dm.IsFile(path) {
		return -1, errors.Wrapf(common.ErrFileNotFound, "%s", path)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if fd, ok := dm.path2fd[path]; ok {
		return fd, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return -1, errors.Wrapf(common.ErrInternal, "open file %s: %v", path, err)
	}
	fd := int(f.Fd())
	dm.path2fd[path] = fd
	dm.fd2file[fd] = f
	dm.fd2path[fd] = path
	if _, ok := dm.fd2page[fd]; !ok {
		// Seed the allocator from the current file size so that reopened
		// files keep handing out fresh page numbers.
		c := &atomic.Int32{}
		if st, serr := f.Stat(); serr == nil {
			c.Store(int32((st.Size() + PageSize - 1) / PageSize))
		}
		dm.fd2page[fd] = c
	}
	return fd, nil
}

// CloseFile closes an open fd. Closing an fd that is not open is an error.
func (dm *DiskManager) CloseFile(fd int) error {
	dm.mu.Lock()
	f, ok := dm.fd2file[fd]
	if !ok {
		dm.mu.Unlock()
		return errors.Wrapf(common.ErrFileNotOpen, "fd %d", fd)
	}
	path := dm.fd2path[fd]
	delete(dm.path2fd, path)
	delete(dm.fd2file, fd)
	delete(dm.fd2path, fd)
	delete(dm.fd2page, fd)
	dm.mu.Unlock()

	return f.Close()
}

func (dm *DiskManager) file(fd int) (*os.File, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	f, ok := dm.fd2file[fd]
	if !ok {
		return nil, errors.Wrapf(common.ErrFileNotOpen, "fd %d", fd)
	}
	return f, nil
}

// ReadPage reads numBytes of page pageNo into buf. A read past the current
// end of file zero-fills the remainder, matching the behavior the index
// layers expect from freshly extended files.
func (dm *DiskManager) ReadPage(fd int, pageNo int32, buf []byte, numBytes int) error {
	f, err := dm.file(fd)
	if err != nil {
		return err
	}
	n, err := f.ReadAt(buf[:numBytes], int64(pageNo)*PageSize)
	if err != nil && err != io.EOF {
		return errors.Wrapf(common.ErrInternal, "read page %d of fd %d: %v", pageNo, fd, err)
	}
	for i := n; i < numBytes; i++ {
		buf[i] = 0
	}
	return nil
}

// WritePage writes numBytes of buf at the offset of page pageNo. A short
// write is an internal error.
func (dm *DiskManager) WritePage(fd int, pageNo int32, buf []byte, numBytes int) error {
	f, err := dm.file(fd)
	if err != nil {
		return err
	}
	n, err := f.WriteAt(buf[:numBytes], int64(pageNo)*PageSize)
	if err != nil || n != numBytes {
		return errors.Wrapf(common.ErrInternal, "write page %d of fd %d: wrote %d of %d: %v", pageNo, fd, n, numBytes, err)
	}
	return nil
}

// ReadBytes reads len(buf) bytes at an arbitrary byte offset (SST access
// path, which is not page aligned).
func (dm *DiskManager) ReadBytes(fd int, offset int64, buf []byte) error {
	f, err := dm.file(fd)
	if err != nil {
		return err
	}
	n, err := f.ReadAt(buf, offset)
	if err != nil || n != len(buf) {
		return errors.Wrapf(common.ErrInternal, "read %d bytes at %d of fd %d: got %d: %v", len(buf), offset, fd, n, err)
	}
	return nil
}

// WriteBytes writes buf at an arbitrary byte offset.
func (dm *DiskManager) WriteBytes(fd int, offset int64, buf []byte) error {
	f, err := dm.file(fd)
	if err != nil {
		return err
	}
	n, err := f.WriteAt(buf, offset)
	if err != nil || n != len(buf) {
		return errors.Wrapf(common.ErrInternal, "write %d bytes at %d of fd %d: wrote %d: %v", len(buf), offset, fd, n, err)
	}
	return nil
}

func (dm *DiskManager) pageCounter(fd int) *atomic.Int32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	c, ok := dm.fd2page[fd]
	if !ok {
		c = &atomic.Int32{}
		dm.fd2page[fd] = c
	}
	return c
}

// AllocatePage monotonically hands out the next page number for fd.
func (dm *DiskManager) AllocatePage(fd int) int32 {
	return dm.pageCounter(fd).Add(1) - 1
}

// DeallocatePage is a no-op; space reclamation is deferred.
func (dm *DiskManager) DeallocatePage(pageNo int32) {}

// SetFdPageNo sets the number of pages already allocated in fd, i.e. the next
// AllocatePage call returns startPageNo.
func (dm *DiskManager) SetFdPageNo(fd int, startPageNo int32) {
	dm.pageCounter(fd).Store(startPageNo)
}

// GetFdPageNo returns the number of pages already allocated in fd.
func (dm *DiskManager) GetFdPageNo(fd int) int32 {
	return dm.pageCounter(fd).Load()
}

// EnsureFileSize extends the file behind fd to hold at least pageNo pages.
func (dm *DiskManager) EnsureFileSize(fd int, pageNo int32) error {
	f, err := dm.file(fd)
	if err != nil {
		return err
	}
	required := int64(pageNo) * PageSize
	st, err := f.Stat()
	if err != nil {
		return errors.Wrapf(common.ErrInternal, "stat fd %d: %v", fd, err)
	}
	if st.Size() < required {
		if err := f.Truncate(required); err != nil {
			return errors.Wrapf(common.ErrInternal, "extend fd %d to %d bytes: %v", fd, required, err)
		}
	}
	return nil
}

// GetFileSize returns the size of the named file in bytes, or -1 if it
// cannot be stat'ed.
func (dm *DiskManager) GetFileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return st.Size()
}

// GetFileName returns the path an open fd was opened with.
func (dm *DiskManager) GetFileName(fd int) (string, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	path, ok := dm.fd2path[fd]
	if !ok {
		return "", errors.Wrapf(common.ErrFileNotOpen, "fd %d", fd)
	}
	return path, nil
}

// GetFileFD returns the fd of an open file, opening it when needed.
func (dm *DiskManager) GetFileFD(path string) (int, error) {
	dm.mu.RLock()
	fd, ok := dm.path2fd[path]
	dm.mu.RUnlock()
	if ok {
		return fd, nil
	}
	return dm.OpenFile(path)
}

// WriteLog appends buf to the active log file.
func (dm *DiskManager) WriteLog(buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.writeLog == nil {
		if err := dm.openLogLocked(); err != nil {
			return err
		}
	}
	if _, err := dm.writeLog.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrapf(common.ErrInternal, "seek log: %v", err)
	}
	n, err := dm.writeLog.Write(buf)
	if err != nil || n != len(buf) {
		return errors.Wrapf(common.ErrInternal, "append log: wrote %d of %d: %v", n, len(buf), err)
	}
	return nil
}

// ReadLog reads up to len(buf) bytes of the log at offset. It returns the
// number of bytes read, or -1 when offset lies past the end of the log.
func (dm *DiskManager) ReadLog(buf []byte, offset int64) (int, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.readLog == nil {
		if err := dm.openLogLocked(); err != nil {
			return 0, err
		}
	}
	st, err := dm.readLog.Stat()
	if err != nil {
		return 0, errors.Wrapf(common.ErrInternal, "stat log: %v", err)
	}
	if offset > st.Size() {
		return -1, nil
	}
	size := int64(len(buf))
	if remaining := st.Size() - offset; size > remaining {
		size = remaining
	}
	if size == 0 {
		return 0, nil
	}
	n, err := dm.readLog.ReadAt(buf[:size], offset)
	if err != nil && err != io.EOF {
		return 0, errors.Wrapf(common.ErrInternal, "read log: %v", err)
	}
	return n, nil
}

// ClearLog truncates the active log.
func (dm *DiskManager) ClearLog() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.readLog != nil {
		if err := dm.readLog.Truncate(0); err != nil {
			logger.L().Warn("failed to truncate log", zap.Error(err))
		}
	}
}

// CreateNewLogFile opens the backup log file for writing; subsequent
// WriteLog calls append to it while readers keep the current log.
func (dm *DiskManager) CreateNewLogFile() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	f, err := os.OpenFile(LogBakFileName, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return errors.Wrapf(common.ErrInternal, "create backup log: %v", err)
	}
	dm.writeLog = f
	return nil
}

// ChangeLogFile atomically replaces the active log with the backup created by
// CreateNewLogFile.
func (dm *DiskManager) ChangeLogFile() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.readLog != nil {
		dm.readLog.Close()
	}
	os.Remove(LogFileName)
	if err := os.Rename(LogBakFileName, LogFileName); err != nil {
		return errors.Wrapf(common.ErrInternal, "swap log files: %v", err)
	}
	dm.readLog = dm.writeLog
	return nil
}

func (dm *DiskManager) openLogLocked() error {
	f, err := os.OpenFile(LogFileName, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return errors.Wrapf(common.ErrInternal, "open log: %v", err)
	}
	dm.readLog = f
	dm.writeLog = f
	return nil
}
