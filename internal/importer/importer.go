// Package importer is the bulk-import core: it admits files already on a
// local or network-attached filesystem into the storage node's namespace
// without the upload protocol, preserving the identifier format, directory
// sharding, index consistency and checksum discipline the primary
// upload/download path relies on.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/happyfish100/fastdfs-sub009/internal/checkpoint"
	"github.com/happyfish100/fastdfs-sub009/internal/config"
	"github.com/happyfish100/fastdfs-sub009/internal/fileid"
	"github.com/happyfish100/fastdfs-sub009/internal/index"
	"github.com/happyfish100/fastdfs-sub009/internal/logging"
	"github.com/happyfish100/fastdfs-sub009/internal/metrics"
)

// Importer is the subsystem handle. Construct one per process with New,
// tear it down with Close; every operation goes through it rather than
// ambient globals.
type Importer struct {
	cfg        config.Config
	idx        index.Index
	gen        *fileid.Generator
	validator  *PathValidator
	space      *SpaceChecker
	transferer *Transferer
	checkpoint checkpoint.Manager
	log        *slog.Logger
	closed     atomic.Bool
}

// New wires the subsystem together. The index handle stays owned by the
// caller's composition root but is closed along with the Importer.
func New(cfg config.Config, idx index.Index) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, fmt.Errorf("importer: nil index")
	}

	log := logging.Component("importer")

	validator, err := NewPathValidator(cfg.Import.Roots, cfg.Import.MaxFileSize, cfg.Import.AllowSymlinks)
	if err != nil {
		return nil, err
	}

	cpMgr, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		log.Warn("failed to create checkpoint manager", "error", err)
		cpMgr = nil
	}

	marginBytes := cfg.Store.FreeSpaceMarginMB * 1024 * 1024
	return &Importer{
		cfg:        cfg,
		idx:        idx,
		gen:        fileid.NewGenerator(cfg.ServerID, cfg.Store.SubdirCount),
		validator:  validator,
		space:      NewSpaceChecker(cfg.Store.Paths, marginBytes, log),
		transferer: NewTransferer(cfg.Store.Paths, cfg.Import.BufferSize, log),
		checkpoint: cpMgr,
		log:        log,
	}, nil
}

// Close releases the subsystem's resources. Callable once.
func (im *Importer) Close() error {
	if !im.closed.CompareAndSwap(false, true) {
		return nil
	}
	im.log.Info("bulk import subsystem shut down")
	return im.idx.Close()
}

// LastCheckpoint returns the persisted progress of the most recent batch
// for the group, or checkpoint.ErrNoCheckpoint.
func (im *Importer) LastCheckpoint(ctx context.Context, group string) (*checkpoint.Checkpoint, error) {
	if im.checkpoint == nil {
		return nil, checkpoint.ErrNoCheckpoint
	}
	return im.checkpoint.Load(ctx, group)
}

// ValidatePath checks a source path without side effects.
func (im *Importer) ValidatePath(path string) error {
	return im.validator.Validate(path)
}

// ExtractMetadata captures size, timestamps, extension tag and, when
// requested, the CRC32 of a source file.
func (im *Importer) ExtractMetadata(path string, computeChecksum bool) (Metadata, error) {
	start := time.Now()
	md, err := ExtractMetadata(path, computeChecksum, im.cfg.Import.BufferSize)
	if err == nil && computeChecksum {
		if m := metrics.Get(); m != nil {
			m.ObserveChecksumDuration(im.cfg.Group.Name, time.Since(start).Seconds())
		}
	}
	return md, err
}

// GenerateFileID assigns a cluster file ID to the record, retrying with a
// fresh uniqueness source while the index reports a collision. The record
// keeps the ID only on success.
func (im *Importer) GenerateFileID(ctx context.Context, rec *FileRecord, group string, storePathIndex int) error {
	if storePathIndex < 0 || storePathIndex >= len(im.cfg.Store.Paths) {
		return failf(ErrInvalidPath, "invalid store path index: %d", storePathIndex)
	}

	src := fileid.Source{
		Timestamp: rec.CreateTime,
		Size:      rec.FileSize,
		CRC32:     rec.CRC32,
		ExtName:   rec.ExtName,
	}
	if src.Timestamp.IsZero() {
		src.Timestamp = time.Now()
	}

	attempts := im.cfg.Import.IDGenAttempts
	for i := 0; i < attempts; i++ {
		id, err := im.gen.Generate(group, storePathIndex, src)
		if err != nil {
			return wrapf(ErrMetadataFailed, err, "generate file id for %s", rec.SourcePath)
		}

		exists, err := im.idx.Exists(ctx, id)
		if err != nil {
			return wrapf(ErrIndexUpdate, err, "collision check for %s", id)
		}
		if !exists {
			rec.FileID = id
			rec.GroupName = group
			rec.StorePathIndex = storePathIndex
			return nil
		}

		if m := metrics.Get(); m != nil {
			m.IDCollisionRetries.Inc()
		}
		im.log.Debug("file id collision, retrying", "file_id", id, "attempt", i+1)
	}
	return failf(ErrMetadataFailed, "unable to generate unique file id after %d attempts", attempts)
}

// CheckSpace reports whether the store path can hold requiredBytes.
func (im *Importer) CheckSpace(storePathIndex int, requiredBytes int64) bool {
	return im.space.HasSpace(storePathIndex, requiredBytes)
}

// Transfer places the record's bytes into the store path and stamps the
// final destination on the record.
func (im *Importer) Transfer(rec *FileRecord, mode Mode) error {
	start := time.Now()
	destPath, err := im.transferer.Transfer(rec, mode)
	if err != nil {
		return err
	}
	rec.DestPath = destPath
	if m := metrics.Get(); m != nil {
		m.ObserveTransferDuration(rec.GroupName, mode.String(), time.Since(start).Seconds())
	}
	return nil
}

// UpdateIndex registers the record in the persistent file index. Must only
// run after a successful transfer; a failure here means the bytes are in
// place but unaddressable, so the destination path is preserved in the
// error for operator reconciliation.
func (im *Importer) UpdateIndex(ctx context.Context, rec *FileRecord) error {
	entry := index.Entry{
		FileID:         rec.FileID,
		GroupName:      rec.GroupName,
		StorePathIndex: rec.StorePathIndex,
		FilePath:       rec.DestPath,
		SourcePath:     rec.SourcePath,
		FileSize:       rec.FileSize,
		CRC32:          rec.CRC32,
		HasCRC32:       rec.HasCRC32,
		CreateTime:     rec.CreateTime,
		ModifyTime:     rec.ModifyTime,
		ImportedAt:     time.Now(),
	}
	if err := im.idx.Insert(ctx, entry); err != nil {
		if errors.Is(err, index.ErrDuplicateID) {
			return wrapf(ErrIndexUpdate, err, "duplicate file id %s (file at %s)", rec.FileID, rec.DestPath)
		}
		return wrapf(ErrIndexUpdate, err, "register %s (file at %s)", rec.FileID, rec.DestPath)
	}
	return nil
}

// RegisterFile combines identifier generation and index registration for a
// caller that has already placed the bytes, and for validate-only flows.
// Counters on the batch context advance exactly as for pipeline records.
func (im *Importer) RegisterFile(ctx context.Context, ictx *ImportContext, rec *FileRecord) error {
	rec.Status = StatusProcessing

	if rec.FileID == "" {
		if err := im.GenerateFileID(ctx, rec, ictx.GroupName, ictx.StorePathIndex); err != nil {
			rec.fail(err)
			ictx.recordFailed()
			return err
		}
	}

	if !im.CheckSpace(rec.StorePathIndex, rec.FileSize) {
		err := failf(ErrNoSpace, "insufficient space on store path %d", rec.StorePathIndex)
		rec.fail(err)
		ictx.recordFailed()
		return err
	}

	if ictx.ValidateOnly {
		im.log.Info("dry-run: would register file",
			"source", rec.SourcePath, "file_id", rec.FileID)
		rec.Status = StatusSuccess
		rec.ErrCode = ErrNone
		ictx.recordSuccess(rec.FileSize)
		return nil
	}

	if err := im.UpdateIndex(ctx, rec); err != nil {
		rec.fail(err)
		ictx.recordFailed()
		return err
	}

	rec.Status = StatusSuccess
	rec.ErrCode = ErrNone
	ictx.recordSuccess(rec.FileSize)
	return nil
}

// ResolveStoragePath derives the on-disk path of a file ID under the given
// store path. Pure derivation, no I/O.
func (im *Importer) ResolveStoragePath(storePathIndex int, fileID string) (string, error) {
	if storePathIndex < 0 || storePathIndex >= len(im.cfg.Store.Paths) {
		return "", fmt.Errorf("invalid store path index: %d", storePathIndex)
	}
	return fileid.ResolveStoragePath(im.cfg.Store.Paths[storePathIndex], fileID)
}
