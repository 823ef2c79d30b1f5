package importer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/happyfish100/fastdfs-sub009/internal/fileid"
)

// Transferer places a record's bytes at the location its file ID resolves
// to inside the sharded store-path tree.
type Transferer struct {
	storePaths []string
	bufferSize int
	log        *slog.Logger
	remove     func(string) error // os.Remove; replaceable in tests
}

// NewTransferer builds a Transferer over the configured store paths.
func NewTransferer(storePaths []string, bufferSize int, log *slog.Logger) *Transferer {
	return &Transferer{
		storePaths: storePaths,
		bufferSize: bufferSize,
		log:        log,
		remove:     os.Remove,
	}
}

// Transfer copies or moves the record's source into the store path and
// returns the final destination path. In copy mode the source is left
// intact. In move mode a same-filesystem rename is tried first; a
// cross-filesystem rename falls back to copy-then-delete, rolled back on
// failure so that either the destination fully exists and the source is
// gone, or the source is untouched.
func (t *Transferer) Transfer(rec *FileRecord, mode Mode) (string, error) {
	if rec.FileID == "" {
		return "", failf(ErrInvalidPath, "record has no file id")
	}
	if rec.StorePathIndex < 0 || rec.StorePathIndex >= len(t.storePaths) {
		return "", failf(ErrInvalidPath, "store path index out of range: %d", rec.StorePathIndex)
	}

	destPath, err := fileid.ResolveStoragePath(t.storePaths[rec.StorePathIndex], rec.FileID)
	if err != nil {
		return "", wrapf(ErrInvalidPath, err, "resolve destination for %s", rec.FileID)
	}

	// Shard directories are shared across workers; creation must
	// tolerate concurrent "already exists".
	failCode := ErrCopyFailed
	if mode == ModeMove {
		failCode = ErrMoveFailed
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", wrapf(failCode, err, "create shard directory for %s", rec.FileID)
	}

	if mode == ModeMove {
		err := os.Rename(rec.SourcePath, destPath)
		if err == nil {
			if verr := t.verify(destPath, rec); verr != nil {
				// Restore the source so the move is all-or-nothing.
				os.Rename(destPath, rec.SourcePath)
				return "", wrapf(ErrMoveFailed, verr, "verify %s", destPath)
			}
			t.log.Debug("moved file", "source", rec.SourcePath, "dest", destPath)
			return destPath, nil
		}
		if !isCrossDevice(err) {
			return "", wrapf(ErrMoveFailed, err, "move %s to %s", rec.SourcePath, destPath)
		}
		t.log.Warn("rename across filesystems, falling back to copy+delete",
			"source", rec.SourcePath, "dest", destPath)
		return t.moveAcross(rec, destPath)
	}

	if err := t.copyInto(rec, destPath, ErrCopyFailed); err != nil {
		return "", err
	}
	t.log.Debug("copied file", "source", rec.SourcePath, "dest", destPath)
	return destPath, nil
}

// moveAcross is the cross-filesystem move: verified copy, then source
// delete, with destination rollback if the delete fails.
func (t *Transferer) moveAcross(rec *FileRecord, destPath string) (string, error) {
	if err := t.copyInto(rec, destPath, ErrMoveFailed); err != nil {
		return "", err
	}
	if err := t.remove(rec.SourcePath); err != nil {
		// Keep exactly one persistent copy: roll the destination back.
		os.Remove(destPath)
		return "", wrapf(ErrMoveFailed, err, "delete source %s after copy", rec.SourcePath)
	}
	return destPath, nil
}

// copyInto writes the source to destPath via temp file + fsync + rename,
// then verifies the destination against the record's captured metadata.
// Failures classify as failCode and leave no partial destination behind.
func (t *Transferer) copyInto(rec *FileRecord, destPath string, failCode ErrCode) error {
	tempPath := destPath + ".tmp"

	if err := t.copyFile(rec.SourcePath, tempPath); err != nil {
		os.Remove(tempPath)
		if errors.Is(err, unix.ENOSPC) {
			return wrapf(ErrNoSpace, err, "no space writing %s", tempPath)
		}
		return wrapf(failCode, err, "copy %s to %s", rec.SourcePath, tempPath)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return wrapf(failCode, err, "rename %s to %s", tempPath, destPath)
	}

	if err := t.verify(destPath, rec); err != nil {
		os.Remove(destPath)
		if failCode == ErrMoveFailed {
			return wrapf(ErrMoveFailed, err, "verify %s", destPath)
		}
		return wrapf(ErrCopyFailed, err, "verify %s", destPath)
	}
	return nil
}

func (t *Transferer) copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}

	bufSize := t.bufferSize
	if bufSize <= 0 {
		bufSize = 256 * 1024
	}
	if _, err := io.CopyBuffer(dst, src, make([]byte, bufSize)); err != nil {
		dst.Close()
		return fmt.Errorf("copy bytes: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("fsync destination: %w", err)
	}
	return dst.Close()
}

// verify checks the destination against the size (and checksum, when
// captured) from metadata extraction. A mismatch is a transfer failure,
// not a warning.
func (t *Transferer) verify(destPath string, rec *FileRecord) error {
	fi, err := os.Stat(destPath)
	if err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}
	if fi.Size() != rec.FileSize {
		return fmt.Errorf("size mismatch: destination %d, expected %d", fi.Size(), rec.FileSize)
	}
	if rec.HasCRC32 {
		sum, err := fileCRC32(destPath, t.bufferSize)
		if err != nil {
			return fmt.Errorf("checksum destination: %w", err)
		}
		if sum != rec.CRC32 {
			return fmt.Errorf("crc32 mismatch: destination %08x, expected %08x", sum, rec.CRC32)
		}
	}
	return nil
}

// isCrossDevice reports whether a rename failed because source and
// destination live on different filesystems.
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr) && errors.Is(linkErr.Err, unix.EXDEV)
}
