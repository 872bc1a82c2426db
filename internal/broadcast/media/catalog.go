package media

// In-memory catalog of finished recordings, backed by go-memdb so the HTTP
// listing and the retention janitor get indexed, transactional reads. The
// recordings directory stays the source of truth: the catalog is rebuilt
// from a directory scan at startup and updated as sessions end and the
// janitor archives or purges files.

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	memdb "github.com/hashicorp/go-memdb"
)

const tableRecordings = "recordings"

// Recording is one finished (or rehydrated) recording file.
type Recording struct {
	File      string `json:"file"` // basename, unique
	SessionID string `json:"sessionId"`
	Path      string `json:"-"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
	EndedAt   int64  `json:"endedAt"`   // unix milliseconds
	Reason    string `json:"reason,omitempty"`
	Archived  bool   `json:"archived"`
}

// Catalog wraps the memdb instance.
type Catalog struct {
	db *memdb.MemDB
}

// NewCatalog builds the schema and an empty catalog.
func NewCatalog() (*Catalog, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableRecordings: {
				Name: tableRecordings,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "File"},
					},
					"session": {
						Name:    "session",
						Indexer: &memdb.StringFieldIndex{Field: "SessionID"},
					},
					"created": {
						Name:    "created",
						Indexer: &memdb.IntFieldIndex{Field: "CreatedAt"},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Insert adds or overwrites the entry for rec.File.
func (c *Catalog) Insert(rec Recording) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableRecordings, &rec); err != nil {
		return fmt.Errorf("catalog insert: %w", err)
	}
	txn.Commit()
	return nil
}

// Get looks an entry up by file basename.
func (c *Catalog) Get(file string) (Recording, bool) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableRecordings, "id", file)
	if err != nil || raw == nil {
		return Recording{}, false
	}
	return *raw.(*Recording), true
}

// Delete removes the entry for file. Missing entries are not an error.
func (c *Catalog) Delete(file string) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableRecordings, "id", file)
	if err != nil {
		return fmt.Errorf("catalog lookup: %w", err)
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(tableRecordings, raw); err != nil {
		return fmt.Errorf("catalog delete: %w", err)
	}
	txn.Commit()
	return nil
}

// Replace atomically swaps the entry oldFile for rec (used when the janitor
// rewrites a recording under a new name).
func (c *Catalog) Replace(oldFile string, rec Recording) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableRecordings, "id", oldFile)
	if err != nil {
		return fmt.Errorf("catalog lookup: %w", err)
	}
	if raw != nil {
		if err := txn.Delete(tableRecordings, raw); err != nil {
			return fmt.Errorf("catalog delete: %w", err)
		}
	}
	if err := txn.Insert(tableRecordings, &rec); err != nil {
		return fmt.Errorf("catalog insert: %w", err)
	}
	txn.Commit()
	return nil
}

// List returns all entries newest-first.
func (c *Catalog) List() []Recording {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.GetReverse(tableRecordings, "created")
	if err != nil {
		return nil
	}
	var out []Recording
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*Recording))
	}
	return out
}

// BySession returns the entries recorded for a session id.
func (c *Catalog) BySession(sessionID string) []Recording {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableRecordings, "session", sessionID)
	if err != nil {
		return nil
	}
	var out []Recording
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*Recording))
	}
	return out
}

// OlderThan returns entries created before cutoff (unix milliseconds),
// oldest first.
func (c *Catalog) OlderThan(cutoff int64) []Recording {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableRecordings, "created")
	if err != nil {
		return nil
	}
	var out []Recording
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*Recording)
		if rec.CreatedAt >= cutoff {
			break
		}
		out = append(out, *rec)
	}
	return out
}

// recordingName matches broadcast-<sessionId>-<createdAtMillis>.webm with an
// optional .gz suffix added by the janitor.
var recordingName = regexp.MustCompile(`^broadcast-([0-9a-f]{8})-(\d+)\.webm(\.gz)?$`)

// ParseRecordingName extracts the session id and creation time baked into a
// recording file name.
func ParseRecordingName(name string) (sessionID string, createdAt int64, archived bool, ok bool) {
	m := recordingName.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false, false
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false, false
	}
	return m[1], ts, m[3] != "", true
}

// RecordingFileName builds the canonical file name for a session recording.
func RecordingFileName(sessionID string, createdAtMillis int64) string {
	return fmt.Sprintf("broadcast-%s-%d.webm", sessionID, createdAtMillis)
}

// Rehydrate scans dir and inserts an entry per recording file found,
// returning how many were loaded. Files that do not match the naming scheme
// are skipped.
func (c *Catalog) Rehydrate(dir string, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("catalog scan: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sid, createdAt, archived, ok := ParseRecordingName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			log.Warn("skipping unreadable recording", "file", e.Name(), "error", err)
			continue
		}
		rec := Recording{
			File:      e.Name(),
			SessionID: sid,
			Path:      filepath.Join(dir, e.Name()),
			Size:      info.Size(),
			CreatedAt: createdAt,
			EndedAt:   info.ModTime().UnixMilli(),
			Archived:  archived,
		}
		if err := c.Insert(rec); err != nil {
			log.Warn("skipping recording", "file", e.Name(), "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}
