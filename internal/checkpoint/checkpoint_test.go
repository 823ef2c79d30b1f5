package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		BatchID:        "batch-1",
		GroupName:      "group1",
		StorePathIndex: 0,
		Mode:           "copy",
		TotalFiles:     100,
		Processed:      40,
		Success:        35,
		Failed:         3,
		Skipped:        2,
		TotalBytes:     1 << 20,
		UpdatedAt:      time.Unix(1700000000, 0).UTC(),
	}
}

func TestSaveAndLoad(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	cp := testCheckpoint()
	if err := mgr.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := mgr.Load(ctx, "group1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BatchID != cp.BatchID || got.Processed != cp.Processed || got.TotalBytes != cp.TotalBytes {
		t.Errorf("loaded checkpoint differs: %+v", got)
	}
	if !got.UpdatedAt.Equal(cp.UpdatedAt) {
		t.Errorf("updated_at: got %v, want %v", got.UpdatedAt, cp.UpdatedAt)
	}
}

func TestLoadWithoutGroupTakesAnyCheckpoint(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if _, err := mgr.Load(ctx, ""); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load on empty dir: got %v, want ErrNoCheckpoint", err)
	}

	if err := mgr.Save(ctx, testCheckpoint()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := mgr.Load(ctx, "")
	if err != nil {
		t.Fatalf("Load without group: %v", err)
	}
	if got.GroupName != "group1" {
		t.Errorf("loaded wrong checkpoint: %+v", got)
	}
}

func TestLoadMissingGroup(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "group9"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load: got %v, want ErrNoCheckpoint", err)
	}
}

func TestSaveOverwrites(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	cp := testCheckpoint()
	if err := mgr.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cp.Processed = 100
	cp.Success = 95
	if err := mgr.Save(ctx, cp); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := mgr.Load(ctx, "group1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Processed != 100 || got.Success != 95 {
		t.Errorf("latest save not visible: %+v", got)
	}
}

func TestNoopManager(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if err := mgr.Save(ctx, testCheckpoint()); err != nil {
		t.Errorf("noop Save: %v", err)
	}
	if _, err := mgr.Load(ctx, "group1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("noop Load: got %v, want ErrNoCheckpoint", err)
	}
}
