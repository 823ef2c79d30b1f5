package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/happyfish100/fastdfs-sub009/internal/checkpoint"
	"github.com/happyfish100/fastdfs-sub009/internal/fileid"
	"github.com/happyfish100/fastdfs-sub009/internal/index"
	"github.com/happyfish100/fastdfs-sub009/internal/logging"
	"github.com/happyfish100/fastdfs-sub009/internal/metrics"
)

// checkpointEvery is how many completed records pass between checkpoint
// saves and progress logs.
const checkpointEvery = 100

// Run executes one batch: a bounded worker pool processes the records
// independently, each record's full pipeline on one worker start to
// finish. Per-record failures never abort the batch; a batch-fatal setup
// error skips everything up front; cancellation takes effect between
// records, never mid-pipeline. Every record is terminal when Run returns.
func (im *Importer) Run(ctx context.Context, ictx *ImportContext, records []*FileRecord) error {
	log := logging.BatchLogger(ictx.BatchID, ictx.GroupName, ictx.StorePathIndex, ictx.Mode.String())

	if int64(len(records)) != ictx.TotalFiles {
		return fmt.Errorf("batch size mismatch: %d records, context total %d", len(records), ictx.TotalFiles)
	}

	if err := im.validateBatchSetup(ictx); err != nil {
		log.Error("batch setup failed", "error", err)
		code := CodeOf(err)
		msg := "batch aborted: " + MessageOf(err)
		for _, rec := range records {
			rec.skip(code, msg)
			ictx.recordSkipped()
		}
		im.saveCheckpoint(ctx, ictx)
		return err
	}

	if m := metrics.Get(); m != nil {
		m.IncBatchesStarted(ictx.GroupName)
	}
	log.Info("starting import batch",
		"total_files", ictx.TotalFiles,
		"workers", im.cfg.Import.Workers,
		"crc32", ictx.CalculateCRC32,
		"validate_only", ictx.ValidateOnly,
	)

	jobs := make(chan *FileRecord, im.cfg.Import.QueueSize)
	results := make(chan *FileRecord, im.cfg.Import.QueueSize)

	var wg sync.WaitGroup
	for i := 0; i < im.cfg.Import.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wlog := logging.WorkerLogger(workerID)
			for rec := range jobs {
				// Cancellation applies between records only: a
				// record already running always finishes.
				if ctx.Err() != nil {
					rec.skip(ErrCancelled, "import cancelled before processing")
					ictx.recordSkipped()
				} else {
					im.processRecord(ctx, ictx, rec, wlog)
				}
				results <- rec
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for _, rec := range records {
			select {
			case jobs <- rec:
			case <-ctx.Done():
				// Workers drain what's queued; the rest is
				// skipped here so nothing stays INIT.
				rec.skip(ErrCancelled, "import cancelled before processing")
				ictx.recordSkipped()
				results <- rec
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for range results {
		completed++
		if completed%checkpointEvery == 0 {
			im.saveCheckpoint(ctx, ictx)
			s := ictx.Summarize()
			log.Info("progress",
				"processed", s.Processed,
				"success", s.Success,
				"failed", s.Failed,
				"skipped", s.Skipped,
				"bytes", s.TotalBytes,
			)
		}
	}

	ictx.finish()
	im.saveCheckpoint(ctx, ictx)

	s := ictx.Summarize()
	log.Info("import batch complete",
		"processed", s.Processed,
		"success", s.Success,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"total_bytes", s.TotalBytes,
		"duration", s.Duration.String(),
	)
	if m := metrics.Get(); m != nil {
		m.IncBatchesCompleted(ictx.GroupName)
	}

	return ctx.Err()
}

// validateBatchSetup checks the conditions that invalidate the whole
// batch: unresolvable target group, bad store path index, unreachable or
// unwritable destination root.
func (im *Importer) validateBatchSetup(ictx *ImportContext) error {
	if err := fileid.ValidateGroupName(ictx.GroupName); err != nil {
		return wrapf(ErrInvalidPath, err, "invalid target group %q", ictx.GroupName)
	}
	if ictx.StorePathIndex < 0 || ictx.StorePathIndex >= len(im.cfg.Store.Paths) {
		return failf(ErrInvalidPath, "invalid store path index: %d", ictx.StorePathIndex)
	}

	storePath := im.cfg.Store.Paths[ictx.StorePathIndex]
	fi, err := os.Stat(storePath)
	if err != nil {
		return wrapf(ErrInvalidPath, err, "store path unreachable: %s", storePath)
	}
	if !fi.IsDir() {
		return failf(ErrInvalidPath, "store path is not a directory: %s", storePath)
	}
	if err := unix.Access(storePath, unix.W_OK); err != nil {
		return wrapf(ErrPermission, err, "store path not writable: %s", storePath)
	}
	return nil
}

// processRecord runs the fixed pipeline for one record. The record is
// owned by this call; nothing else mutates it.
func (im *Importer) processRecord(ctx context.Context, ictx *ImportContext, rec *FileRecord, log *slog.Logger) {
	rec.Status = StatusProcessing
	if m := metrics.Get(); m != nil {
		m.RecordsInFlight.Inc()
		defer m.RecordsInFlight.Dec()
	}

	terminal := func() {
		if m := metrics.Get(); m != nil {
			m.IncFilesProcessed(ictx.GroupName, rec.Status.String())
			if rec.Status == StatusFailed {
				m.IncStageErrors(ictx.GroupName, rec.ErrCode.String())
			}
			if rec.Status == StatusSuccess {
				m.AddBytesImported(ictx.GroupName, float64(rec.FileSize))
			}
		}
	}

	// A resumed batch skips sources the index already carries.
	if im.cfg.Import.SkipImported {
		entry, err := im.idx.FindBySource(ctx, rec.SourcePath)
		switch {
		case err == nil:
			rec.skip(ErrIndexUpdate, fmt.Sprintf("already imported as %s", entry.FileID))
			ictx.recordSkipped()
			log.Info("skipping already-imported file",
				"source", rec.SourcePath, "file_id", entry.FileID)
			terminal()
			return
		case errors.Is(err, index.ErrNotFound):
			// Fresh source, proceed.
		default:
			log.Warn("source lookup failed, proceeding", "source", rec.SourcePath, "error", err)
		}
	}

	if err := im.validator.Validate(rec.SourcePath); err != nil {
		rec.fail(err)
		ictx.recordFailed()
		log.Warn("validation failed", "source", rec.SourcePath, "code", rec.ErrCode.String(), "error", rec.ErrMsg)
		terminal()
		return
	}

	md, err := im.ExtractMetadata(rec.SourcePath, ictx.CalculateCRC32)
	if err != nil {
		rec.fail(err)
		ictx.recordFailed()
		log.Warn("metadata extraction failed", "source", rec.SourcePath, "code", rec.ErrCode.String(), "error", rec.ErrMsg)
		terminal()
		return
	}
	rec.FileSize = md.Size
	rec.CreateTime = md.CreateTime
	rec.ModifyTime = md.ModifyTime
	rec.ExtName = md.ExtName
	rec.CRC32 = md.CRC32
	rec.HasCRC32 = md.HasCRC32

	if err := im.GenerateFileID(ctx, rec, ictx.GroupName, ictx.StorePathIndex); err != nil {
		rec.fail(err)
		ictx.recordFailed()
		log.Warn("file id generation failed", "source", rec.SourcePath, "code", rec.ErrCode.String(), "error", rec.ErrMsg)
		terminal()
		return
	}

	if !im.CheckSpace(rec.StorePathIndex, rec.FileSize) {
		rec.fail(failf(ErrNoSpace, "insufficient space on store path %d", rec.StorePathIndex))
		ictx.recordFailed()
		terminal()
		return
	}

	if ictx.ValidateOnly {
		log.Debug("dry-run: would import", "source", rec.SourcePath, "file_id", rec.FileID)
		rec.Status = StatusSuccess
		rec.ErrCode = ErrNone
		ictx.recordSuccess(rec.FileSize)
		terminal()
		return
	}

	if err := im.Transfer(rec, ictx.Mode); err != nil {
		rec.fail(err)
		ictx.recordFailed()
		log.Warn("transfer failed", "source", rec.SourcePath, "code", rec.ErrCode.String(), "error", rec.ErrMsg)
		terminal()
		return
	}

	if err := im.UpdateIndex(ctx, rec); err != nil {
		// The bytes are already in place; the record stays FAILED and
		// the destination path travels in the message so an operator
		// can reconcile the orphan.
		rec.fail(err)
		ictx.recordFailed()
		log.Error("index update failed after transfer",
			"source", rec.SourcePath, "file_id", rec.FileID, "dest", rec.DestPath, "error", rec.ErrMsg)
		terminal()
		return
	}

	rec.Status = StatusSuccess
	rec.ErrCode = ErrNone
	ictx.recordSuccess(rec.FileSize)
	log.Debug("imported file",
		"source", rec.SourcePath, "file_id", rec.FileID, "size", rec.FileSize)
	terminal()
}

// saveCheckpoint persists batch progress; checkpoint failures never fail
// the batch.
func (im *Importer) saveCheckpoint(ctx context.Context, ictx *ImportContext) {
	if im.checkpoint == nil {
		return
	}
	s := ictx.Summarize()
	cp := &checkpoint.Checkpoint{
		BatchID:        ictx.BatchID,
		GroupName:      ictx.GroupName,
		StorePathIndex: ictx.StorePathIndex,
		Mode:           s.Mode,
		TotalFiles:     s.Total,
		Processed:      s.Processed,
		Success:        s.Success,
		Failed:         s.Failed,
		Skipped:        s.Skipped,
		TotalBytes:     s.TotalBytes,
		UpdatedAt:      ictx.StartTime.Add(s.Duration),
	}
	if err := im.checkpoint.Save(ctx, cp); err != nil {
		im.log.Warn("failed to save checkpoint", "error", err)
	}
}
