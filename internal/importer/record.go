package importer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a record's position in the per-record state machine:
// INIT → PROCESSING → {SUCCESS | FAILED | SKIPPED}, terminal once reached.
type Status int

const (
	StatusInit Status = iota
	StatusProcessing
	StatusSuccess
	StatusFailed
	StatusSkipped
)

var statusNames = map[Status]string{
	StatusInit:       "INIT",
	StatusProcessing: "PROCESSING",
	StatusSuccess:    "SUCCESS",
	StatusFailed:     "FAILED",
	StatusSkipped:    "SKIPPED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Mode selects how bytes reach the store path.
type Mode int

const (
	ModeCopy Mode = iota
	ModeMove
)

func (m Mode) String() string {
	if m == ModeMove {
		return "move"
	}
	return "copy"
}

// ParseMode converts a config/CLI string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "copy":
		return ModeCopy, nil
	case "move":
		return ModeMove, nil
	default:
		return ModeCopy, fmt.Errorf("invalid import mode: %q", s)
	}
}

// FileRecord is the per-file unit of work. Each record is owned by exactly
// one pipeline execution; workers never share one.
type FileRecord struct {
	SourcePath     string
	FileID         string // set once generation succeeds
	GroupName      string
	StorePathIndex int
	FileSize       int64
	CRC32          uint32
	HasCRC32       bool // set only when checksum was requested and succeeded
	CreateTime     time.Time
	ModifyTime     time.Time
	ExtName        string
	DestPath       string // final on-disk path, kept for reconciliation

	Status  Status
	ErrCode ErrCode
	ErrMsg  string
}

// fail moves the record to FAILED carrying the stage's classification.
func (r *FileRecord) fail(err error) {
	r.Status = StatusFailed
	r.ErrCode = CodeOf(err)
	r.ErrMsg = MessageOf(err)
}

// skip moves the record to SKIPPED. Skips caused by a batch-fatal abort or
// by duplicate detection carry the cause's code so terminal non-success
// records are always distinguishable from successes.
func (r *FileRecord) skip(code ErrCode, msg string) {
	r.Status = StatusSkipped
	r.ErrCode = code
	r.ErrMsg = msg
}

// ImportContext is the per-batch aggregate. The orchestrator owns it for
// the lifetime of one batch; counters are updated atomically by workers
// and satisfy processed = success + failed + skipped ≤ total at all times.
type ImportContext struct {
	BatchID        string
	GroupName      string
	StorePathIndex int
	Mode           Mode
	CalculateCRC32 bool
	ValidateOnly   bool

	TotalFiles int64
	StartTime  time.Time

	processed  atomic.Int64
	success    atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	totalBytes atomic.Int64

	endOnce sync.Once
	endTime atomic.Int64 // unix nanos, 0 until the batch ends
}

// NewImportContext starts batch bookkeeping for total files.
func NewImportContext(batchID, group string, storePathIndex int, mode Mode, crc32, validateOnly bool, total int64) *ImportContext {
	return &ImportContext{
		BatchID:        batchID,
		GroupName:      group,
		StorePathIndex: storePathIndex,
		Mode:           mode,
		CalculateCRC32: crc32,
		ValidateOnly:   validateOnly,
		TotalFiles:     total,
		StartTime:      time.Now(),
	}
}

// recordSuccess advances counters for a record that reached SUCCESS.
func (c *ImportContext) recordSuccess(size int64) {
	c.success.Add(1)
	c.totalBytes.Add(size)
	c.advance()
}

// recordFailed advances counters for a record that reached FAILED.
func (c *ImportContext) recordFailed() {
	c.failed.Add(1)
	c.advance()
}

// recordSkipped advances counters for a record that reached SKIPPED.
func (c *ImportContext) recordSkipped() {
	c.skipped.Add(1)
	c.advance()
}

func (c *ImportContext) advance() {
	if c.processed.Add(1) == c.TotalFiles {
		c.finish()
	}
}

// finish stamps the end time exactly once.
func (c *ImportContext) finish() {
	c.endOnce.Do(func() {
		c.endTime.Store(time.Now().UnixNano())
	})
}

func (c *ImportContext) Processed() int64  { return c.processed.Load() }
func (c *ImportContext) Success() int64    { return c.success.Load() }
func (c *ImportContext) Failed() int64     { return c.failed.Load() }
func (c *ImportContext) Skipped() int64    { return c.skipped.Load() }
func (c *ImportContext) TotalBytes() int64 { return c.totalBytes.Load() }

// EndTime returns when the batch finished, or the zero time while running.
func (c *ImportContext) EndTime() time.Time {
	ns := c.endTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Summary is a point-in-time snapshot of the batch counters.
type Summary struct {
	BatchID    string
	GroupName  string
	Mode       string
	Total      int64
	Processed  int64
	Success    int64
	Failed     int64
	Skipped    int64
	TotalBytes int64
	Duration   time.Duration
}

// Summarize snapshots the batch counters for reporting.
func (c *ImportContext) Summarize() Summary {
	end := c.EndTime()
	if end.IsZero() {
		end = time.Now()
	}
	return Summary{
		BatchID:    c.BatchID,
		GroupName:  c.GroupName,
		Mode:       c.Mode.String(),
		Total:      c.TotalFiles,
		Processed:  c.processed.Load(),
		Success:    c.success.Load(),
		Failed:     c.failed.Load(),
		Skipped:    c.skipped.Load(),
		TotalBytes: c.totalBytes.Load(),
		Duration:   end.Sub(c.StartTime),
	}
}
