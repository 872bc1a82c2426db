package server

// Recording retention janitor
// ---------------------------
// Cron-scheduled sweep over the recording catalog: recordings older than
// archive_after are gzip-compressed in place (broadcast-<id>-<ts>.webm.gz),
// recordings older than purge_after are deleted. The catalog tracks both
// transitions; the files on disk remain the source of truth across restarts.

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/media"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/bufpool"
)

const archiveCopyBufSize = 64 << 10

// Janitor periodically archives and purges aged recordings.
type Janitor struct {
	cfg     RetentionConfig
	catalog *media.Catalog
	clock   clockwork.Clock
	log     *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewJanitor validates the cron schedule and prepares the sweep job. The
// janitor does nothing until Start.
func NewJanitor(cfg RetentionConfig, catalog *media.Catalog, clock clockwork.Clock, log *slog.Logger) (*Janitor, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	j := &Janitor{
		cfg:     cfg,
		catalog: catalog,
		clock:   clock,
		log:     log.With("component", "janitor"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(j.log.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.Schedule, j.run); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", cfg.Schedule, err)
	}
	j.cron = c
	return j, nil
}

// Start begins the scheduled sweeps.
func (j *Janitor) Start() {
	j.log.Info("retention janitor started",
		"schedule", j.cfg.Schedule,
		"archive_after", j.cfg.ArchiveAfter.String(),
		"purge_after", j.cfg.PurgeAfter.String())
	j.cron.Start()
}

// Stop halts the scheduler and waits for an in-flight sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
		j.log.Info("retention janitor stopped")
	case <-ctx.Done():
		j.log.Warn("retention janitor stop timed out")
	}
}

// run guards against overlapping sweeps when a sweep outlasts the schedule
// interval.
func (j *Janitor) run() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.log.Warn("sweep already running, skipping scheduled execution")
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	archived, purged := j.Sweep()
	if archived > 0 || purged > 0 {
		j.log.Info("sweep finished", "archived", archived, "purged", purged)
	}
}

// Sweep walks the catalog once, purging recordings past purge_after and
// archiving the rest past archive_after. Per-file failures are logged and
// skipped; the sweep continues.
func (j *Janitor) Sweep() (archived, purged int) {
	now := j.clock.Now()
	archiveCutoff := now.Add(-j.cfg.ArchiveAfter).UnixMilli()
	purgeCutoff := now.Add(-j.cfg.PurgeAfter).UnixMilli()

	for _, rec := range j.catalog.OlderThan(archiveCutoff) {
		if rec.CreatedAt < purgeCutoff {
			if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
				j.log.Warn("purge failed", "file", rec.File, "error", err)
				continue
			}
			if err := j.catalog.Delete(rec.File); err != nil {
				j.log.Warn("catalog delete failed", "file", rec.File, "error", err)
				continue
			}
			j.log.Info("recording purged", "file", rec.File, "age_days", (now.UnixMilli()-rec.CreatedAt)/86_400_000)
			purged++
			continue
		}
		if rec.Archived {
			continue
		}
		if err := j.archive(rec); err != nil {
			j.log.Warn("archive failed", "file", rec.File, "error", err)
			continue
		}
		archived++
	}
	return archived, purged
}

// archive gzip-compresses one recording next to the original, swaps the
// catalog entry, then removes the original file.
func (j *Janitor) archive(rec media.Recording) error {
	src, err := os.Open(rec.Path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dstPath := rec.Path + ".gz"
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	gz, err := pgzip.NewWriterLevel(dst, pgzip.BestSpeed)
	if err != nil {
		dst.Close()
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if err := gz.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
		dst.Close()
		return fmt.Errorf("configuring gzip concurrency: %w", err)
	}

	buf := bufpool.Get(archiveCopyBufSize)
	_, copyErr := io.CopyBuffer(gz, src, buf)
	bufpool.Put(buf)
	if copyErr == nil {
		copyErr = gz.Close()
	} else {
		_ = gz.Close()
	}
	if closeErr := dst.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dstPath)
		return fmt.Errorf("compress: %w", copyErr)
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	next := rec
	next.File = rec.File + ".gz"
	next.Path = dstPath
	next.Size = info.Size()
	next.Archived = true
	if err := j.catalog.Replace(rec.File, next); err != nil {
		return fmt.Errorf("catalog swap: %w", err)
	}

	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		j.log.Warn("original not removed after archive", "file", rec.File, "error", err)
	}
	j.log.Info("recording archived",
		"file", next.File,
		"original_bytes", rec.Size,
		"archived_bytes", next.Size)
	return nil
}
