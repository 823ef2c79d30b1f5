// fdfs-bulk-import admits files already on local or mounted storage into
// a storage node's namespace without going through the upload protocol.
// Sources come from positional arguments or a newline-separated list file.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/happyfish100/fastdfs-sub009/internal/checkpoint"
	"github.com/happyfish100/fastdfs-sub009/internal/config"
	"github.com/happyfish100/fastdfs-sub009/internal/importer"
	"github.com/happyfish100/fastdfs-sub009/internal/index"
	"github.com/happyfish100/fastdfs-sub009/internal/logging"
	"github.com/happyfish100/fastdfs-sub009/internal/metrics"
	"github.com/happyfish100/fastdfs-sub009/internal/tracker"
)

func main() {
	var (
		configPath = flag.String("config", "bulk_import.yaml", "path to the configuration file")
		modeFlag   = flag.String("mode", "copy", "transfer mode: copy or move")
		dryRun     = flag.Bool("dry-run", false, "validate and assign IDs without moving bytes or touching the index")
		withCRC32  = flag.Bool("crc32", true, "compute and verify CRC32 checksums")
		listPath   = flag.String("list", "", "file containing one source path per line")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdfs-bulk-import: %v\n", err)
		os.Exit(2)
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main").With("correlation_id", logging.GenerateCorrelationID())

	mode, err := importer.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdfs-bulk-import: %v\n", err)
		os.Exit(2)
	}

	sources, err := collectSources(*listPath, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdfs-bulk-import: %v\n", err)
		os.Exit(2)
	}
	if len(sources) == 0 {
		fmt.Fprintln(os.Stderr, "fdfs-bulk-import: no source files given")
		os.Exit(2)
	}

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, mode, *dryRun, *withCRC32, sources, log); err != nil {
		log.Error("import failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, mode importer.Mode, dryRun, withCRC32 bool, sources []string, log *slog.Logger) error {
	idx, err := index.OpenSQLite(cfg.Index.Path)
	if err != nil {
		return err
	}
	log.Info("file index open", "path", cfg.Index.Path)

	im, err := importer.New(cfg, idx)
	if err != nil {
		idx.Close()
		return err
	}
	defer im.Close()

	// The store target is resolved once per batch, not per file.
	trk, err := tracker.NewStatic(cfg.Group.Name, cfg.Group.StorePathIndex)
	if err != nil {
		return err
	}
	target, err := trk.QueryStore(ctx)
	if err != nil {
		return err
	}

	// A prior checkpoint means this group was imported before; surface its
	// progress so the operator can tell a resume from a fresh batch. The
	// skip_imported index lookup handles the actual per-file dedup.
	switch cp, err := im.LastCheckpoint(ctx, target.GroupName); {
	case err == nil:
		log.Info("previous import found for group",
			"batch_id", cp.BatchID,
			"processed", cp.Processed,
			"success", cp.Success,
			"failed", cp.Failed,
			"total", cp.TotalFiles,
			"updated_at", cp.UpdatedAt,
		)
	case !errors.Is(err, checkpoint.ErrNoCheckpoint):
		log.Warn("failed to read previous checkpoint", "error", err)
	}

	records := make([]*importer.FileRecord, len(sources))
	for i, src := range sources {
		records[i] = &importer.FileRecord{SourcePath: src}
	}

	ictx := importer.NewImportContext(
		uuid.NewString(),
		target.GroupName,
		target.StorePathIndex,
		mode,
		withCRC32,
		dryRun,
		int64(len(records)),
	)

	runErr := im.Run(ctx, ictx, records)

	s := ictx.Summarize()
	fmt.Printf("batch %s: %d processed, %d success, %d failed, %d skipped, %d bytes in %s\n",
		s.BatchID, s.Processed, s.Success, s.Failed, s.Skipped, s.TotalBytes, s.Duration)
	for _, rec := range records {
		switch rec.Status {
		case importer.StatusSuccess:
			fmt.Printf("  OK   %s -> %s\n", rec.SourcePath, rec.FileID)
		case importer.StatusFailed:
			fmt.Printf("  FAIL %s: %s: %s\n", rec.SourcePath, rec.ErrCode, rec.ErrMsg)
		case importer.StatusSkipped:
			fmt.Printf("  SKIP %s: %s\n", rec.SourcePath, rec.ErrMsg)
		}
	}

	if runErr != nil {
		return runErr
	}
	if s.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", s.Failed, s.Total)
	}
	return nil
}

// collectSources merges the list file, if any, with positional arguments.
// Blank lines and #-comments in the list file are ignored.
func collectSources(listPath string, args []string) ([]string, error) {
	sources := make([]string, 0, len(args))

	if listPath != "" {
		f, err := os.Open(listPath)
		if err != nil {
			return nil, fmt.Errorf("open list file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			sources = append(sources, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read list file: %w", err)
		}
	}

	return append(sources, args...), nil
}
