package store

import (
	"strings"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrWriteTimeout is returned when a write could not start or finish
	// within the configured wait budget. Nothing was committed.
	ErrWriteTimeout = errors.New("memory-hub: write timeout")
	// ErrStoreCorrupted is returned for every write once corruption has
	// been detected. Reads keep working.
	ErrStoreCorrupted = errors.New("memory-hub: store corrupted")
	// ErrClosed is returned for writes submitted after Close.
	ErrClosed = errors.New("memory-hub: store closed")
	// ErrNotFound is returned when a memory record does not exist.
	ErrNotFound = errors.New("memory-hub: not found")
	// ErrInvalidParams is returned for rejected input.
	ErrInvalidParams = errors.New("memory-hub: invalid params")
)

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff, true
	}
	return 0, false
}

// isBusy reports lock contention that is worth retrying.
func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED)
}

// isCorruption reports errors after which the file must not be written.
func isCorruption(err error) bool {
	if errors.Is(err, ErrStoreCorrupted) {
		return true
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_CORRUPT || code == sqlite3.SQLITE_NOTADB
	}
	// pragma failures at connect time are not always surfaced as *sqlite.Error
	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database")
}
