// Package index defines the persistent file index boundary: the durable
// identifier → location mapping imported files are registered into.
package index

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateID is returned by Insert when the file ID is already
	// registered. The unique constraint makes check-then-insert atomic.
	ErrDuplicateID = errors.New("file id already registered")

	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("file id not found")

	// ErrUnavailable indicates the underlying store itself failed,
	// as opposed to a per-entry condition.
	ErrUnavailable = errors.New("file index unavailable")
)

// Entry is one registered file.
type Entry struct {
	FileID         string
	GroupName      string
	StorePathIndex int
	FilePath       string // final on-disk location
	SourcePath     string
	FileSize       int64
	CRC32          uint32
	HasCRC32       bool
	CreateTime     time.Time
	ModifyTime     time.Time
	ImportedAt     time.Time
}

// Index is the persistent file index engine. Implementations must offer
// atomic check-then-insert semantics keyed by file ID: two concurrent
// Inserts of the same ID yield exactly one success and one ErrDuplicateID.
type Index interface {
	// Exists reports whether a file ID is registered.
	Exists(ctx context.Context, fileID string) (bool, error)

	// Insert registers an entry. Returns ErrDuplicateID if the file ID
	// is taken and wraps ErrUnavailable when the store itself fails.
	Insert(ctx context.Context, e Entry) error

	// Lookup returns the entry for a file ID, or ErrNotFound.
	Lookup(ctx context.Context, fileID string) (*Entry, error)

	// FindBySource returns the most recent entry imported from the
	// given source path, or ErrNotFound. Used to skip files a resumed
	// batch already registered.
	FindBySource(ctx context.Context, sourcePath string) (*Entry, error)

	Close() error
}
