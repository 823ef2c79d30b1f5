package importer

import (
	"errors"
	"fmt"
)

// ErrCode classifies a pipeline stage failure. The code space is flat:
// one cause each, NONE for success.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrFileNotFound
	ErrFileTooLarge
	ErrInvalidPath
	ErrMetadataFailed
	ErrCopyFailed
	ErrMoveFailed
	ErrIndexUpdate
	ErrCRC32Failed
	ErrNoSpace
	ErrPermission
	ErrCancelled
)

var errCodeNames = map[ErrCode]string{
	ErrNone:           "NONE",
	ErrFileNotFound:   "FILE_NOT_FOUND",
	ErrFileTooLarge:   "FILE_TOO_LARGE",
	ErrInvalidPath:    "INVALID_PATH",
	ErrMetadataFailed: "METADATA_FAILED",
	ErrCopyFailed:     "COPY_FAILED",
	ErrMoveFailed:     "MOVE_FAILED",
	ErrIndexUpdate:    "INDEX_UPDATE",
	ErrCRC32Failed:    "CRC32_FAILED",
	ErrNoSpace:        "NO_SPACE",
	ErrPermission:     "PERMISSION",
	ErrCancelled:      "CANCELLED",
}

func (c ErrCode) String() string {
	if name, ok := errCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrCode(%d)", int(c))
}

// ImportError is a classified pipeline failure. It carries the stage's
// error code plus a human-readable message for the record report.
type ImportError struct {
	Code    ErrCode
	Message string
	Err     error // underlying cause, if any
}

func (e *ImportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// failf builds an ImportError with a formatted message.
func failf(code ErrCode, format string, args ...any) *ImportError {
	return &ImportError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapf builds an ImportError around an underlying cause.
func wrapf(code ErrCode, err error, format string, args ...any) *ImportError {
	return &ImportError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code from err. Errors that are not
// ImportErrors classify as METADATA_FAILED, the catch-all for unexpected
// internal failures.
func CodeOf(err error) ErrCode {
	if err == nil {
		return ErrNone
	}
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ErrMetadataFailed
}

// MessageOf extracts the report message from err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Message
	}
	return err.Error()
}
