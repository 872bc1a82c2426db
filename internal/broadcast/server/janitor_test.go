package server

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/media"
)

func testRetention() RetentionConfig {
	return RetentionConfig{
		Enabled:      true,
		Schedule:     "@hourly",
		ArchiveAfter: 7 * 24 * time.Hour,
		PurgeAfter:   30 * 24 * time.Hour,
	}
}

func newTestJanitor(t *testing.T) (*Janitor, *media.Catalog, *clockwork.FakeClock, string) {
	t.Helper()
	catalog, err := media.NewCatalog()
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	j, err := NewJanitor(testRetention(), catalog, clock, log)
	require.NoError(t, err)
	return j, catalog, clock, t.TempDir()
}

// seedRecording drops a recording file of the given age on disk and registers
// it in the catalog.
func seedRecording(t *testing.T, catalog *media.Catalog, dir, sid string, age time.Duration, now time.Time, content []byte) media.Recording {
	t.Helper()
	createdAt := now.Add(-age).UnixMilli()
	name := media.RecordingFileName(sid, createdAt)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	rec := media.Recording{
		File:      name,
		SessionID: sid,
		Path:      path,
		Size:      int64(len(content)),
		CreatedAt: createdAt,
		EndedAt:   createdAt + 60_000,
	}
	require.NoError(t, catalog.Insert(rec))
	return rec
}

func TestSweepArchivesOldRecordings(t *testing.T) {
	j, catalog, clock, dir := newTestJanitor(t)
	content := []byte("opus-webm-payload opus-webm-payload opus-webm-payload")
	rec := seedRecording(t, catalog, dir, "aaaabbbb", 8*24*time.Hour, clock.Now(), content)

	archived, purged := j.Sweep()
	require.Equal(t, 1, archived)
	require.Zero(t, purged)

	_, err := os.Stat(rec.Path)
	require.True(t, os.IsNotExist(err), "original must be removed after archiving")

	_, ok := catalog.Get(rec.File)
	require.False(t, ok, "old catalog entry must be swapped out")

	gz, ok := catalog.Get(rec.File + ".gz")
	require.True(t, ok)
	require.True(t, gz.Archived)
	require.Equal(t, rec.SessionID, gz.SessionID)
	require.Equal(t, rec.CreatedAt, gz.CreatedAt)

	info, err := os.Stat(gz.Path)
	require.NoError(t, err)
	require.Equal(t, info.Size(), gz.Size)

	f, err := os.Open(gz.Path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := pgzip.NewReader(f)
	require.NoError(t, err)
	round, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, content, round)
}

func TestSweepPurgesAncientRecordings(t *testing.T) {
	j, catalog, clock, dir := newTestJanitor(t)
	rec := seedRecording(t, catalog, dir, "ccccdddd", 31*24*time.Hour, clock.Now(), []byte("stale"))

	archived, purged := j.Sweep()
	require.Zero(t, archived)
	require.Equal(t, 1, purged)

	_, err := os.Stat(rec.Path)
	require.True(t, os.IsNotExist(err))
	_, ok := catalog.Get(rec.File)
	require.False(t, ok)
}

func TestSweepLeavesFreshRecordings(t *testing.T) {
	j, catalog, clock, dir := newTestJanitor(t)
	rec := seedRecording(t, catalog, dir, "eeee0000", 24*time.Hour, clock.Now(), []byte("fresh"))

	archived, purged := j.Sweep()
	require.Zero(t, archived)
	require.Zero(t, purged)

	_, err := os.Stat(rec.Path)
	require.NoError(t, err)
	_, ok := catalog.Get(rec.File)
	require.True(t, ok)
}

func TestSweepIsIdempotent(t *testing.T) {
	j, catalog, clock, dir := newTestJanitor(t)
	rec := seedRecording(t, catalog, dir, "11112222", 8*24*time.Hour, clock.Now(), []byte("payload"))

	archived, purged := j.Sweep()
	require.Equal(t, 1, archived)
	require.Zero(t, purged)

	// The archived entry ages in place until it crosses the purge cutoff; a
	// second sweep must not re-archive it.
	archived, purged = j.Sweep()
	require.Zero(t, archived)
	require.Zero(t, purged)

	gz, ok := catalog.Get(rec.File + ".gz")
	require.True(t, ok)
	_, err := os.Stat(gz.Path)
	require.NoError(t, err)
}

func TestSweepPurgesArchivedRecordings(t *testing.T) {
	j, catalog, clock, dir := newTestJanitor(t)
	rec := seedRecording(t, catalog, dir, "33334444", 8*24*time.Hour, clock.Now(), []byte("to-archive-then-purge"))

	archived, purged := j.Sweep()
	require.Equal(t, 1, archived)
	require.Zero(t, purged)

	clock.Advance(23 * 24 * time.Hour)
	archived, purged = j.Sweep()
	require.Zero(t, archived)
	require.Equal(t, 1, purged)

	_, ok := catalog.Get(rec.File + ".gz")
	require.False(t, ok)
	_, err := os.Stat(rec.Path + ".gz")
	require.True(t, os.IsNotExist(err))
}

func TestSweepSkipsMissingFile(t *testing.T) {
	j, catalog, clock, dir := newTestJanitor(t)
	rec := seedRecording(t, catalog, dir, "55556666", 8*24*time.Hour, clock.Now(), []byte("gone"))
	require.NoError(t, os.Remove(rec.Path))

	archived, purged := j.Sweep()
	require.Zero(t, archived)
	require.Zero(t, purged)

	// The entry stays; it will age out through the purge path.
	_, ok := catalog.Get(rec.File)
	require.True(t, ok)
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	catalog, err := media.NewCatalog()
	require.NoError(t, err)
	cfg := testRetention()
	cfg.Schedule = "every full moon"
	_, err = NewJanitor(cfg, catalog, clockwork.NewFakeClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestJanitorStartStop(t *testing.T) {
	j, _, _, _ := newTestJanitor(t)
	j.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j.Stop(ctx)
}
