package importer

import (
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/happyfish100/fastdfs-sub009/internal/fileid"
)

// Metadata is what ExtractMetadata captures from a source file before any
// data movement.
type Metadata struct {
	Size       int64
	CreateTime time.Time
	ModifyTime time.Time
	ExtName    string
	CRC32      uint32
	HasCRC32   bool
}

// ExtractMetadata stats path and, when wantCRC32 is set, streams the full
// contents through CRC32. Read-only; the source is never mutated. A file
// that disappeared since validation yields FILE_NOT_FOUND; a stat failure
// yields METADATA_FAILED; a mid-stream read failure yields CRC32_FAILED.
func ExtractMetadata(path string, wantCRC32 bool, bufferSize int) (Metadata, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return Metadata{}, wrapf(ErrFileNotFound, err, "file not found: %s", path)
		}
		return Metadata{}, wrapf(ErrMetadataFailed, err, "stat %s", path)
	}

	md := Metadata{
		Size:       st.Size,
		CreateTime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		ModifyTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		ExtName:    extName(path),
	}

	if wantCRC32 {
		sum, err := fileCRC32(path, bufferSize)
		if err != nil {
			return Metadata{}, err
		}
		md.CRC32 = sum
		md.HasCRC32 = true
	}

	return md, nil
}

// fileCRC32 streams a file through the IEEE CRC32 polynomial.
func fileCRC32(path string, bufferSize int) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, wrapf(ErrFileNotFound, err, "file not found: %s", path)
		}
		if os.IsPermission(err) {
			return 0, wrapf(ErrPermission, err, "no read permission: %s", path)
		}
		return 0, wrapf(ErrCRC32Failed, err, "open %s", path)
	}
	defer f.Close()

	if bufferSize <= 0 {
		bufferSize = 256 * 1024
	}
	h := crc32.NewIEEE()
	if _, err := io.CopyBuffer(h, f, make([]byte, bufferSize)); err != nil {
		return 0, wrapf(ErrCRC32Failed, err, "read %s", path)
	}
	return h.Sum32(), nil
}

// extName returns the extension tag after the last dot, capped at the
// cluster's extension length limit. Dots in directory names don't count.
func extName(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 || strings.ContainsRune(path[i+1:], os.PathSeparator) {
		return ""
	}
	ext := path[i+1:]
	if ext == "" || len(ext) > fileid.ExtNameMaxLen {
		return ""
	}
	return ext
}
