// Package fileid generates and resolves cluster file identifiers.
//
// A file ID has the same shape the upload path produces:
//
//	group1/M00/3E/1A/ClkGHmjH0q2AUzPhAAAEAE7Vq8Y839.dat
//
// i.e. group name, store-path marker, two shard directories derived from a
// hash of the encoded name, and a base64 payload carrying server ID,
// timestamp, masked file size and CRC32. Existing lookup, download and
// delete logic addresses imported files through these IDs transparently.
package fileid

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// GroupNameMaxLen is the maximum length of a storage group name.
	GroupNameMaxLen = 16

	// ExtNameMaxLen is the maximum length of a file extension tag,
	// not counting the dot.
	ExtNameMaxLen = 6

	// DefaultSubdirCount is the per-level shard directory count.
	DefaultSubdirCount = 256

	// MaxStorePaths bounds the store-path index so the M marker stays
	// two digits wide.
	MaxStorePaths = 100

	payloadLen = 20 // server id (4) + timestamp (4) + masked size (8) + crc32 (4)
)

// encoding matches the filename-safe base64 alphabet used for stored names.
var encoding = base64.RawURLEncoding

// Source is the uniqueness source an identifier is derived from. Two
// sources that differ in any field yield distinct identifiers; the
// generator additionally folds a process-wide counter into the size field
// so identical files imported at the same second still diverge.
type Source struct {
	Timestamp time.Time
	Size      int64
	CRC32     uint32
	ExtName   string
}

// Generator derives file identifiers. Safe for concurrent use.
type Generator struct {
	serverID    uint32
	subdirCount int
	counter     atomic.Uint32
}

// NewGenerator returns a Generator for the given server ID. A subdirCount
// outside [1, 256] falls back to DefaultSubdirCount.
func NewGenerator(serverID uint32, subdirCount int) *Generator {
	if subdirCount < 1 || subdirCount > 256 {
		subdirCount = DefaultSubdirCount
	}
	return &Generator{serverID: serverID, subdirCount: subdirCount}
}

// Generate derives a file ID for the given group and store path. Each call
// consumes a fresh counter value, so retrying after a collision produces a
// new identifier for the same source.
func (g *Generator) Generate(group string, storePathIndex int, src Source) (string, error) {
	if err := ValidateGroupName(group); err != nil {
		return "", err
	}
	if storePathIndex < 0 || storePathIndex >= MaxStorePaths {
		return "", fmt.Errorf("store path index out of range: %d", storePathIndex)
	}
	ext := src.ExtName
	if len(ext) > ExtNameMaxLen {
		return "", fmt.Errorf("extension tag too long: %q", ext)
	}
	if strings.ContainsAny(ext, "/.") {
		return "", fmt.Errorf("invalid extension tag: %q", ext)
	}

	// Sizes below 4 GiB leave the high half of the size field unused;
	// the counter goes there so equal files produce distinct names.
	masked := uint64(src.Size)
	if src.Size>>32 == 0 {
		masked |= uint64(g.counter.Add(1)) << 32
	}

	var buf [payloadLen]byte
	binary.BigEndian.PutUint32(buf[0:], g.serverID)
	binary.BigEndian.PutUint32(buf[4:], uint32(src.Timestamp.Unix()))
	binary.BigEndian.PutUint64(buf[8:], masked)
	binary.BigEndian.PutUint32(buf[16:], src.CRC32)
	encoded := encoding.EncodeToString(buf[:])

	high, low := g.shardPath(encoded)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/M%02d/%02X/%02X/%s", group, storePathIndex, high, low, encoded)
	if ext != "" {
		sb.WriteByte('.')
		sb.WriteString(ext)
	}
	return sb.String(), nil
}

// shardPath maps an encoded name onto the two nested shard directories,
// the same way the upload path places fresh files.
func (g *Generator) shardPath(encoded string) (high, low int) {
	n := int(crc32.ChecksumIEEE([]byte(encoded))) % (g.subdirCount * g.subdirCount)
	if n < 0 {
		n = -n
	}
	return n / g.subdirCount, n % g.subdirCount
}

// ValidateGroupName reports whether a group name is usable in a file ID.
func ValidateGroupName(group string) error {
	if group == "" {
		return fmt.Errorf("group name is empty")
	}
	if len(group) > GroupNameMaxLen {
		return fmt.Errorf("group name too long: %d > %d", len(group), GroupNameMaxLen)
	}
	if strings.Contains(group, "/") {
		return fmt.Errorf("group name contains '/': %q", group)
	}
	return nil
}

// Split separates a file ID into group name and remote filename
// ("M00/3E/1A/name.ext").
func Split(fileID string) (group, remote string, err error) {
	group, remote, ok := strings.Cut(fileID, "/")
	if !ok || group == "" || remote == "" {
		return "", "", fmt.Errorf("invalid file id: %q", fileID)
	}
	if err := ValidateGroupName(group); err != nil {
		return "", "", fmt.Errorf("invalid file id %q: %w", fileID, err)
	}
	return group, remote, nil
}

// StorePathIndex extracts the store-path index from a file ID's M marker.
func StorePathIndex(fileID string) (int, error) {
	_, remote, err := Split(fileID)
	if err != nil {
		return 0, err
	}
	marker, _, ok := strings.Cut(remote, "/")
	if !ok || len(marker) != 3 || marker[0] != 'M' {
		return 0, fmt.Errorf("invalid store path marker in %q", fileID)
	}
	idx, err := strconv.Atoi(marker[1:])
	if err != nil || idx < 0 || idx >= MaxStorePaths {
		return 0, fmt.Errorf("invalid store path marker in %q", fileID)
	}
	return idx, nil
}

// ResolveStoragePath derives the on-disk location of a file ID under the
// given store path root. Pure derivation, no I/O: the M marker selects the
// root (already chosen by the caller) and the rest maps below data/.
func ResolveStoragePath(storePath, fileID string) (string, error) {
	_, remote, err := Split(fileID)
	if err != nil {
		return "", err
	}
	parts := strings.Split(remote, "/")
	if len(parts) != 4 {
		return "", fmt.Errorf("invalid file id layout: %q", fileID)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", fmt.Errorf("invalid file id layout: %q", fileID)
		}
	}
	return filepath.Join(storePath, "data", parts[1], parts[2], parts[3]), nil
}
