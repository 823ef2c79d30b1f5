package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/happyfish100/fastdfs-sub009/internal/checkpoint"
	"github.com/happyfish100/fastdfs-sub009/internal/config"
	"github.com/happyfish100/fastdfs-sub009/internal/index"
)

// memIndex is an in-memory index.Index for pipeline tests.
type memIndex struct {
	mu       sync.Mutex
	entries  map[string]index.Entry
	bySource map[string]string

	// collideFirst makes the first N Exists calls report a collision.
	collideFirst int
	existsCalls  int
}

func newMemIndex() *memIndex {
	return &memIndex{
		entries:  make(map[string]index.Entry),
		bySource: make(map[string]string),
	}
}

func (m *memIndex) Exists(ctx context.Context, fileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	if m.existsCalls <= m.collideFirst {
		return true, nil
	}
	_, ok := m.entries[fileID]
	return ok, nil
}

func (m *memIndex) Insert(ctx context.Context, e index.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.FileID]; ok {
		return fmt.Errorf("%w: %s", index.ErrDuplicateID, e.FileID)
	}
	m.entries[e.FileID] = e
	m.bySource[e.SourcePath] = e.FileID
	return nil
}

func (m *memIndex) Lookup(ctx context.Context, fileID string) (*index.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[fileID]; ok {
		return &e, nil
	}
	return nil, index.ErrNotFound
}

func (m *memIndex) FindBySource(ctx context.Context, sourcePath string) (*index.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bySource[sourcePath]; ok {
		e := m.entries[id]
		return &e, nil
	}
	return nil, index.ErrNotFound
}

func (m *memIndex) Close() error { return nil }

func (m *memIndex) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	store := filepath.Join(base, "store0")
	if err := os.MkdirAll(store, 0755); err != nil {
		t.Fatalf("mkdir store: %v", err)
	}
	return config.Config{
		ServerID: 1,
		Group:    config.GroupConfig{Name: "group1", StorePathIndex: 0},
		Store: config.StoreConfig{
			Paths:             []string{store},
			SubdirCount:       256,
			FreeSpaceMarginMB: 1,
		},
		Import: config.ImportConfig{
			MaxFileSize:   1 << 20,
			Workers:       2,
			QueueSize:     4,
			IDGenAttempts: 5,
			BufferSize:    4096,
			SkipImported:  true,
		},
		Index: config.IndexConfig{Path: filepath.Join(base, "index.db")},
	}
}

func newBatch(mode Mode, crc bool, total int) *ImportContext {
	return NewImportContext("batch-test", "group1", 0, mode, crc, false, int64(total))
}

func sourceFiles(t *testing.T, n int) []*FileRecord {
	t.Helper()
	dir := t.TempDir()
	records := make([]*FileRecord, n)
	for i := range records {
		path := filepath.Join(dir, fmt.Sprintf("file%02d.dat", i))
		writeFile(t, path, []byte(fmt.Sprintf("content of file %d", i)))
		records[i] = &FileRecord{SourcePath: path}
	}
	return records
}

// checkStatusCodeEquivalence asserts that, over terminal records, SUCCESS
// and code NONE imply each other.
func checkStatusCodeEquivalence(t *testing.T, records []*FileRecord) {
	t.Helper()
	for _, rec := range records {
		if !rec.Status.Terminal() {
			t.Errorf("%s: non-terminal status %s", rec.SourcePath, rec.Status)
			continue
		}
		if (rec.Status == StatusSuccess) != (rec.ErrCode == ErrNone) {
			t.Errorf("%s: status %s with code %s", rec.SourcePath, rec.Status, rec.ErrCode)
		}
	}
}

func TestRunImportsBatch(t *testing.T) {
	cfg := testConfig(t)
	idx := newMemIndex()
	im, err := New(cfg, idx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	records := sourceFiles(t, 3)
	records = append(records, &FileRecord{SourcePath: filepath.Join(t.TempDir(), "missing.dat")})

	ictx := newBatch(ModeCopy, true, len(records))
	if err := im.Run(context.Background(), ictx, records); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := ictx.Success(); got != 3 {
		t.Errorf("success: got %d, want 3", got)
	}
	if got := ictx.Failed(); got != 1 {
		t.Errorf("failed: got %d, want 1", got)
	}
	if ictx.Processed() != ictx.Success()+ictx.Failed()+ictx.Skipped() {
		t.Error("processed must equal success+failed+skipped")
	}
	if ictx.Processed() != ictx.TotalFiles {
		t.Errorf("processed: got %d, want %d", ictx.Processed(), ictx.TotalFiles)
	}
	if ictx.EndTime().IsZero() {
		t.Error("end time must be set once all records are terminal")
	}

	for _, rec := range records[:3] {
		if rec.Status != StatusSuccess {
			t.Errorf("%s: status %s (%s: %s)", rec.SourcePath, rec.Status, rec.ErrCode, rec.ErrMsg)
			continue
		}
		if rec.ErrCode != ErrNone {
			t.Errorf("%s: success with code %s", rec.SourcePath, rec.ErrCode)
		}
		if rec.FileID == "" || rec.DestPath == "" {
			t.Errorf("%s: missing file id or destination", rec.SourcePath)
		}
		if _, err := os.Stat(rec.DestPath); err != nil {
			t.Errorf("%s: destination missing: %v", rec.SourcePath, err)
		}
		if _, err := os.Stat(rec.SourcePath); err != nil {
			t.Errorf("%s: copy mode removed source: %v", rec.SourcePath, err)
		}
		if _, err := idx.Lookup(context.Background(), rec.FileID); err != nil {
			t.Errorf("%s: not registered in index: %v", rec.FileID, err)
		}
	}

	bad := records[3]
	if bad.Status != StatusFailed || bad.ErrCode != ErrFileNotFound {
		t.Errorf("missing file: got %s/%s", bad.Status, bad.ErrCode)
	}
	checkStatusCodeEquivalence(t, records)
}

func TestRunMoveMode(t *testing.T) {
	cfg := testConfig(t)
	im, err := New(cfg, newMemIndex())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	records := sourceFiles(t, 2)
	ictx := newBatch(ModeMove, false, len(records))
	if err := im.Run(context.Background(), ictx, records); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, rec := range records {
		if rec.Status != StatusSuccess {
			t.Fatalf("%s: status %s (%s)", rec.SourcePath, rec.Status, rec.ErrMsg)
		}
		if _, err := os.Stat(rec.SourcePath); !os.IsNotExist(err) {
			t.Errorf("%s: move mode left source behind", rec.SourcePath)
		}
		if _, err := os.Stat(rec.DestPath); err != nil {
			t.Errorf("%s: destination missing: %v", rec.DestPath, err)
		}
	}
}

func TestRunDryRun(t *testing.T) {
	cfg := testConfig(t)
	idx := newMemIndex()
	im, err := New(cfg, idx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	records := sourceFiles(t, 3)
	ictx := NewImportContext("batch-test", "group1", 0, ModeCopy, true, true, int64(len(records)))
	if err := im.Run(context.Background(), ictx, records); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, rec := range records {
		if rec.Status != StatusSuccess {
			t.Errorf("%s: status %s (%s)", rec.SourcePath, rec.Status, rec.ErrMsg)
		}
		if rec.FileID == "" {
			t.Errorf("%s: dry-run should still assign a file id", rec.SourcePath)
		}
		if rec.DestPath != "" {
			t.Errorf("%s: dry-run must not transfer", rec.SourcePath)
		}
		if _, err := os.Stat(rec.SourcePath); err != nil {
			t.Errorf("%s: dry-run touched the source: %v", rec.SourcePath, err)
		}
	}
	if idx.count() != 0 {
		t.Errorf("dry-run must not touch the index, found %d entries", idx.count())
	}

	// A real run over the same sources must succeed afterwards.
	fresh := make([]*FileRecord, len(records))
	for i, rec := range records {
		fresh[i] = &FileRecord{SourcePath: rec.SourcePath}
	}
	ictx2 := newBatch(ModeCopy, true, len(fresh))
	if err := im.Run(context.Background(), ictx2, fresh); err != nil {
		t.Fatalf("Run after dry-run: %v", err)
	}
	if got := ictx2.Success(); got != int64(len(fresh)) {
		t.Errorf("post-dry-run success: got %d, want %d", got, len(fresh))
	}
}

func TestRunBatchFatal(t *testing.T) {
	cfg := testConfig(t)
	im, err := New(cfg, newMemIndex())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	records := sourceFiles(t, 3)
	ictx := NewImportContext("batch-test", "bad/group", 0, ModeCopy, false, false, int64(len(records)))

	err = im.Run(context.Background(), ictx, records)
	if err == nil {
		t.Fatal("expected batch-fatal error")
	}
	if CodeOf(err) != ErrInvalidPath {
		t.Errorf("fatal code: got %s, want %s", CodeOf(err), ErrInvalidPath)
	}
	if got := ictx.Skipped(); got != int64(len(records)) {
		t.Errorf("skipped: got %d, want %d", got, len(records))
	}
	for _, rec := range records {
		if rec.Status != StatusSkipped {
			t.Errorf("%s: status %s, want SKIPPED", rec.SourcePath, rec.Status)
		}
		if rec.ErrCode != ErrInvalidPath {
			t.Errorf("%s: code %s, want %s", rec.SourcePath, rec.ErrCode, ErrInvalidPath)
		}
	}
	checkStatusCodeEquivalence(t, records)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	im, err := New(cfg, newMemIndex())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	records := sourceFiles(t, 5)
	ictx := newBatch(ModeCopy, false, len(records))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := im.Run(ctx, ictx, records); err == nil {
		t.Fatal("expected context error from cancelled run")
	}
	if got := ictx.Processed(); got != int64(len(records)) {
		t.Errorf("processed: got %d, want %d", got, len(records))
	}
	for _, rec := range records {
		if rec.Status != StatusSkipped {
			t.Errorf("%s: status %s after cancelled run, want SKIPPED", rec.SourcePath, rec.Status)
		}
		if rec.ErrCode != ErrCancelled {
			t.Errorf("%s: code %s, want %s", rec.SourcePath, rec.ErrCode, ErrCancelled)
		}
	}
	checkStatusCodeEquivalence(t, records)
}

func TestRunSkipsAlreadyImported(t *testing.T) {
	cfg := testConfig(t)
	idx := newMemIndex()
	im, err := New(cfg, idx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	records := sourceFiles(t, 2)
	idx.Insert(context.Background(), index.Entry{
		FileID:     "group1/M00/00/00/previous.dat",
		SourcePath: records[0].SourcePath,
		ImportedAt: time.Now(),
	})

	ictx := newBatch(ModeCopy, false, len(records))
	if err := im.Run(context.Background(), ictx, records); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if records[0].Status != StatusSkipped {
		t.Errorf("known source: status %s, want SKIPPED", records[0].Status)
	}
	if records[1].Status != StatusSuccess {
		t.Errorf("fresh source: status %s (%s)", records[1].Status, records[1].ErrMsg)
	}
	if got := ictx.Skipped(); got != 1 {
		t.Errorf("skipped: got %d, want 1", got)
	}
}

func TestGenerateFileIDCollisionRetry(t *testing.T) {
	cfg := testConfig(t)
	idx := newMemIndex()
	idx.collideFirst = 3
	im, err := New(cfg, idx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	rec := &FileRecord{SourcePath: "/src/a.dat", FileSize: 100, CreateTime: time.Now()}
	if err := im.GenerateFileID(context.Background(), rec, "group1", 0); err != nil {
		t.Fatalf("GenerateFileID: %v", err)
	}
	if rec.FileID == "" {
		t.Fatal("file id not assigned after retries")
	}
	if idx.existsCalls != 4 {
		t.Errorf("exists calls: got %d, want 4", idx.existsCalls)
	}
}

func TestGenerateFileIDExhaustsAttempts(t *testing.T) {
	cfg := testConfig(t)
	idx := newMemIndex()
	idx.collideFirst = 1000
	im, err := New(cfg, idx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	rec := &FileRecord{SourcePath: "/src/a.dat", FileSize: 100, CreateTime: time.Now()}
	err = im.GenerateFileID(context.Background(), rec, "group1", 0)
	mustCode(t, err, ErrMetadataFailed)
	if rec.FileID != "" {
		t.Error("record must keep no file id on failure")
	}
	if idx.existsCalls != cfg.Import.IDGenAttempts {
		t.Errorf("exists calls: got %d, want %d", idx.existsCalls, cfg.Import.IDGenAttempts)
	}
}

func TestRegisterFile(t *testing.T) {
	cfg := testConfig(t)
	idx := newMemIndex()
	im, err := New(cfg, idx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	ictx := newBatch(ModeCopy, false, 1)
	rec := &FileRecord{
		SourcePath: "/mnt/staging/a.dat",
		FileSize:   512,
		CreateTime: time.Now(),
		ExtName:    "dat",
	}
	if err := im.RegisterFile(context.Background(), ictx, rec); err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}
	if rec.Status != StatusSuccess {
		t.Errorf("status: got %s", rec.Status)
	}
	if _, err := idx.Lookup(context.Background(), rec.FileID); err != nil {
		t.Errorf("registered id not in index: %v", err)
	}
	if got := ictx.Success(); got != 1 {
		t.Errorf("success: got %d, want 1", got)
	}
}

func TestLastCheckpointAfterRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint = config.CheckpointConfig{Enabled: true, Dir: t.TempDir()}
	im, err := New(cfg, newMemIndex())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	ctx := context.Background()
	if _, err := im.LastCheckpoint(ctx, "group1"); !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Fatalf("LastCheckpoint before any run: got %v, want ErrNoCheckpoint", err)
	}

	records := sourceFiles(t, 3)
	ictx := newBatch(ModeCopy, false, len(records))
	if err := im.Run(ctx, ictx, records); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cp, err := im.LastCheckpoint(ctx, "group1")
	if err != nil {
		t.Fatalf("LastCheckpoint: %v", err)
	}
	if cp.BatchID != ictx.BatchID {
		t.Errorf("batch id: got %q, want %q", cp.BatchID, ictx.BatchID)
	}
	if cp.Processed != 3 || cp.Success != 3 {
		t.Errorf("checkpoint counters: %+v", cp)
	}
}

func TestResolveStoragePath(t *testing.T) {
	cfg := testConfig(t)
	im, err := New(cfg, newMemIndex())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer im.Close()

	path, err := im.ResolveStoragePath(0, "group1/M00/3E/1A/name.dat")
	if err != nil {
		t.Fatalf("ResolveStoragePath: %v", err)
	}
	want := filepath.Join(cfg.Store.Paths[0], "data", "3E", "1A", "name.dat")
	if path != want {
		t.Errorf("path: got %q, want %q", path, want)
	}

	if _, err := im.ResolveStoragePath(3, "group1/M00/3E/1A/name.dat"); err == nil {
		t.Error("expected error for out-of-range store path index")
	}
}
