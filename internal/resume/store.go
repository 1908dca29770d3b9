// Package resume implements the Resume Store (spec §4.3): a SQLite-backed
// key/value persistence layer for the manifest cache, per-segment ciphertext
// blobs, and sink handles, with TTL eviction and session isolation.
package resume

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rescale/rescale-int/internal/constants"
)

// Store wraps a SQLite database holding the four logical tables the spec
// names: settings, infoCache, segments, writerHandles.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the resume database at path and runs
// session isolation: if no session marker is present, every table except
// settings is cleared before the marker is set, mirroring the teacher's avogabo-style
// single-file SQLite setup (WAL + busy_timeout, modernc.org/sqlite so no
// cgo is required on any platform the CLI ships for).
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("resume: creating parent dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("resume: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSessionIsolation(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS info_cache (
			key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			data BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS segments (
			key TEXT NOT NULL,
			idx INTEGER NOT NULL,
			signature TEXT NOT NULL,
			length INTEGER NOT NULL,
			data BLOB NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (key, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_segments_key_sig ON segments(key, signature);`,
		`CREATE TABLE IF NOT EXISTS writer_handles (
			key TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("resume: migrating: %w", err)
		}
	}
	return nil
}

const sessionMarkerSetting = "__session_marker__"

// ensureSessionIsolation clears info_cache, segments, and writer_handles
// when the database has no session marker yet, leaving settings (global,
// user-tuned) untouched (spec §4.3). The marker is stored in the database
// itself, so later opens, including those from new processes, find it and
// keep the persisted data.
func (s *Store) ensureSessionIsolation() error {
	var existing string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE name = ?`, sessionMarkerSetting).Scan(&existing)
	if err == nil {
		return nil // marker already set for this session
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("resume: reading session marker: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("resume: beginning session-reset tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"info_cache", "segments", "writer_handles"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return fmt.Errorf("resume: clearing %s: %w", table, err)
		}
	}

	marker := make([]byte, 16)
	if _, err := rand.Read(marker); err != nil {
		return fmt.Errorf("resume: generating session marker: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO settings (name, value) VALUES (?, ?)`,
		sessionMarkerSetting, hex.EncodeToString(marker)); err != nil {
		return fmt.Errorf("resume: writing session marker: %w", err)
	}
	return tx.Commit()
}

// Key builds the Resume Store key per spec §4.3:
// "<prefix>::<percent-encoded path>::<percent-encoded sign>".
func Key(prefix, path, sign string) string {
	return fmt.Sprintf("%s::%s::%s", prefix, url.QueryEscape(path), url.QueryEscape(sign))
}

// --- settings ---

// GetSetting returns a user-tuned scalar, or "" with ok=false if unset.
func (s *Store) GetSetting(name string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resume: reading setting %s: %w", name, err)
	}
	return value, true, nil
}

// SetSetting persists a user-tuned scalar. Settings are global, not keyed,
// and survive session resets.
func (s *Store) SetSetting(name, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (name, value) VALUES (?, ?)`, name, value)
	if err != nil {
		return fmt.Errorf("resume: writing setting %s: %w", name, err)
	}
	return nil
}

// --- infoCache ---

// PutManifest caches a manifest under key, JSON-encoded, timestamped now.
func (s *Store) PutManifest(key string, version int, manifest interface{}) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("resume: encoding manifest: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO info_cache (key, version, timestamp, data) VALUES (?, ?, ?, ?)`,
		key, version, time.Now().Unix(), data)
	if err != nil {
		return fmt.Errorf("resume: writing manifest cache: %w", err)
	}
	return nil
}

// GetManifest returns the cached manifest JSON for key if present and not
// past TTL, decoding it into out.
func (s *Store) GetManifest(key string, out interface{}) (bool, error) {
	var data []byte
	var ts int64
	err := s.db.QueryRow(`SELECT data, timestamp FROM info_cache WHERE key = ?`, key).Scan(&data, &ts)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resume: reading manifest cache: %w", err)
	}
	if expired(ts) {
		s.db.Exec(`DELETE FROM info_cache WHERE key = ?`, key)
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("resume: decoding manifest cache: %w", err)
	}
	return true, nil
}

// --- segments ---

// PutSegment persists a downloaded segment's ciphertext under (key, index),
// tagged with the plan signature it was produced under.
func (s *Store) PutSegment(key string, index int, signature string, data []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO segments (key, idx, signature, length, data, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		key, index, signature, len(data), data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("resume: writing segment %d: %w", index, err)
	}
	return nil
}

// StoredSegment is a segment row read back from the store.
type StoredSegment struct {
	Index     int
	Signature string
	Data      []byte
}

// LoadSegments returns every non-expired segment under key whose signature
// matches the current plan signature (spec §4.3: "signature must match
// current PlanMeta signature on restore"). Expired or mismatched rows are
// skipped, not deleted; segment rows are only deleted by ClearKey, ClearAll,
// or a Sweep that finds a complete set under the current signature.
func (s *Store) LoadSegments(key, signature string) ([]StoredSegment, error) {
	rows, err := s.db.Query(`SELECT idx, signature, data, timestamp FROM segments WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("resume: querying segments: %w", err)
	}
	defer rows.Close()

	var out []StoredSegment
	for rows.Next() {
		var seg StoredSegment
		var ts int64
		if err := rows.Scan(&seg.Index, &seg.Signature, &seg.Data, &ts); err != nil {
			return nil, fmt.Errorf("resume: scanning segment: %w", err)
		}
		if expired(ts) || seg.Signature != signature {
			continue
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// --- writerHandles ---

// PutWriterHandle persists an opaque sink handle under key.
func (s *Store) PutWriterHandle(key, handle string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO writer_handles (key, handle, timestamp) VALUES (?, ?, ?)`,
		key, handle, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("resume: writing writer handle: %w", err)
	}
	return nil
}

// GetWriterHandle returns the handle for key, requiring it to be
// re-obtained (re-validated by the caller) every session, per spec §4.3.
func (s *Store) GetWriterHandle(key string) (string, bool, error) {
	var handle string
	var ts int64
	err := s.db.QueryRow(`SELECT handle, timestamp FROM writer_handles WHERE key = ?`, key).Scan(&handle, &ts)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resume: reading writer handle: %w", err)
	}
	if expired(ts) {
		s.db.Exec(`DELETE FROM writer_handles WHERE key = ?`, key)
		return "", false, nil
	}
	return handle, true, nil
}

// ClearKey wipes every record (manifest cache, segments, writer handle)
// scoped to key.
func (s *Store) ClearKey(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("resume: beginning clear tx: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM info_cache WHERE key = ?`,
		`DELETE FROM segments WHERE key = ?`,
		`DELETE FROM writer_handles WHERE key = ?`,
	} {
		if _, err := tx.Exec(stmt, key); err != nil {
			return fmt.Errorf("resume: clearing key: %w", err)
		}
	}
	return tx.Commit()
}

// ClearAll wipes every keyed table, leaving settings untouched.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("resume: beginning clear-all tx: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"info_cache", "segments", "writer_handles"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return fmt.Errorf("resume: clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func expired(timestamp int64) bool {
	return time.Since(time.Unix(timestamp, 0)) > constants.ResumeRecordTTL
}
