package common

import "github.com/pkg/errors"

// Error kinds raised by the storage core. Recoverable business errors
// (already-exists, not-found) bubble to the caller after all held latches are
// released; the rest are fatal to the current operation. Call sites wrap these
// sentinels with errors.Wrapf and callers test with errors.Is.
var (
	// ErrIndexEntryAlreadyExists reports a unique-index insert collision.
	ErrIndexEntryAlreadyExists = errors.New("index entry already exists")

	// ErrIndexEntryNotFound reports a get or delete of an absent key.
	ErrIndexEntryNotFound = errors.New("index entry not found")

	// ErrInvalidColLength reports an aggregate key that exceeds the maximum
	// column length or would drop the B+tree fan-out to 2 or below.
	ErrInvalidColLength = errors.New("invalid column length")

	// Disk-manager invariant violations.
	ErrFileExists    = errors.New("file already exists")
	ErrFileNotFound  = errors.New("file not found")
	ErrFileNotClosed = errors.New("file is not closed")
	ErrFileNotOpen   = errors.New("file is not open")

	// ErrInternal covers short reads and writes, malformed pages, content
	// hash mismatches and other conditions no caller can recover from.
	ErrInternal = errors.New("internal error")

	// ErrBufferPoolExhausted reports that no frame could be evicted because
	// every page in the pool is pinned.
	ErrBufferPoolExhausted = errors.New("buffer pool exhausted")
)
