package importer

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// SpaceChecker answers whether a store path can hold a file. Pure query,
// no reservation: a race between check and transfer surfaces later as a
// transfer-time NO_SPACE failure instead.
type SpaceChecker struct {
	storePaths  []string
	marginBytes int64
	log         *slog.Logger
}

// NewSpaceChecker builds a checker keeping marginBytes free on each path.
func NewSpaceChecker(storePaths []string, marginBytes int64, log *slog.Logger) *SpaceChecker {
	return &SpaceChecker{storePaths: storePaths, marginBytes: marginBytes, log: log}
}

// HasSpace reports whether the store path has requiredBytes plus the
// safety margin available.
func (s *SpaceChecker) HasSpace(storePathIndex int, requiredBytes int64) bool {
	if storePathIndex < 0 || storePathIndex >= len(s.storePaths) {
		return false
	}
	path := s.storePaths[storePathIndex]

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		s.log.Warn("statfs failed", "store_path", path, "error", err)
		return false
	}

	free := int64(st.Bavail) * int64(st.Bsize)
	if free < requiredBytes+s.marginBytes {
		s.log.Warn("insufficient space on store path",
			"store_path_index", storePathIndex,
			"free_bytes", free,
			"required_bytes", requiredBytes,
			"margin_bytes", s.marginBytes,
		)
		return false
	}
	return true
}
