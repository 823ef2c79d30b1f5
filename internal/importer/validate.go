package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxPathLen bounds accepted source paths.
const MaxPathLen = 4096

// PathValidator confirms a source path may be imported. Side-effect-free;
// safe to call during dry-run.
type PathValidator struct {
	roots         []string // cleaned absolute roots; empty allows any path
	maxFileSize   int64
	allowSymlinks bool
}

// NewPathValidator builds a validator for the configured import roots.
func NewPathValidator(roots []string, maxFileSize int64, allowSymlinks bool) (*PathValidator, error) {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve import root %q: %w", r, err)
		}
		cleaned = append(cleaned, abs)
	}
	return &PathValidator{
		roots:         cleaned,
		maxFileSize:   maxFileSize,
		allowSymlinks: allowSymlinks,
	}, nil
}

// Validate checks that path names an importable regular file. A non-nil
// return is always an *ImportError carrying one of INVALID_PATH,
// FILE_NOT_FOUND, PERMISSION or FILE_TOO_LARGE.
func (v *PathValidator) Validate(path string) error {
	if path == "" {
		return failf(ErrInvalidPath, "file path is empty")
	}
	if len(path) >= MaxPathLen {
		return failf(ErrInvalidPath, "file path too long: %d >= %d", len(path), MaxPathLen)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return wrapf(ErrInvalidPath, err, "resolve path %s", path)
	}
	if !v.withinRoots(abs) {
		return failf(ErrInvalidPath, "path outside configured import roots: %s", abs)
	}

	fi, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return wrapf(ErrFileNotFound, err, "file not found: %s", abs)
		}
		if os.IsPermission(err) {
			return wrapf(ErrPermission, err, "no permission to stat: %s", abs)
		}
		return wrapf(ErrInvalidPath, err, "stat %s", abs)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		if !v.allowSymlinks {
			return failf(ErrInvalidPath, "symlinks not permitted: %s", abs)
		}
		// Symlink targets get the same checks as plain paths.
		fi, err = os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return wrapf(ErrFileNotFound, err, "broken symlink: %s", abs)
			}
			return wrapf(ErrInvalidPath, err, "stat symlink target %s", abs)
		}
	}

	if !fi.Mode().IsRegular() {
		return failf(ErrInvalidPath, "not a regular file: %s", abs)
	}
	if v.maxFileSize > 0 && fi.Size() > v.maxFileSize {
		return failf(ErrFileTooLarge, "file too large: %d > %d", fi.Size(), v.maxFileSize)
	}

	// Readability check for the service's effective user. Opening and
	// closing the file has no observable side effect on the source.
	f, err := os.Open(abs)
	if err != nil {
		if os.IsPermission(err) {
			return wrapf(ErrPermission, err, "no read permission: %s", abs)
		}
		return wrapf(ErrInvalidPath, err, "open %s", abs)
	}
	f.Close()

	return nil
}

func (v *PathValidator) withinRoots(abs string) bool {
	if len(v.roots) == 0 {
		return true
	}
	for _, root := range v.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
