// Package checkpoint persists batch progress so the host can resume an
// interrupted import without reprocessing finished records.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents a batch's progress state.
type Checkpoint struct {
	BatchID        string    `json:"batch_id"`
	GroupName      string    `json:"group_name"`
	StorePathIndex int       `json:"store_path_index"`
	Mode           string    `json:"mode"`
	TotalFiles     int64     `json:"total_files"`
	Processed      int64     `json:"processed"`
	Success        int64     `json:"success"`
	Failed         int64     `json:"failed"`
	Skipped        int64     `json:"skipped"`
	TotalBytes     int64     `json:"total_bytes"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for a group, if any.
	Load(ctx context.Context, group string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(group string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", group))
}

// Load reads the checkpoint for a group from file.
func (m *fileManager) Load(ctx context.Context, group string) (*Checkpoint, error) {
	if group != "" {
		return m.loadFromPath(m.checkpointPath(group))
	}

	// No group given: take any checkpoint file in the directory.
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "checkpoint_") || filepath.Ext(name) != ".json" {
			continue
		}
		return m.loadFromPath(filepath.Join(m.dir, name))
	}
	return nil, ErrNoCheckpoint
}

func (m *fileManager) loadFromPath(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file atomically.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.GroupName)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is used when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, group string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
