package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the durable blob store, the durable
// request queue, and the settings key-value table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "dreamsync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for packages that need direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Durable blob store ---

// SaveAudio persists a recording and returns its auto-assigned id.
// The record survives process restarts until RemoveAudio is called.
func (s *Store) SaveAudio(blob []byte) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO pending_audio (blob, created_at, retries) VALUES (?, ?, 0)`,
		blob, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("saving audio: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading audio id: %w", err)
	}
	return id, nil
}

// GetAudio returns a pending recording by id.
func (s *Store) GetAudio(id int64) (PendingAudio, error) {
	var a PendingAudio
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, blob, created_at, retries FROM pending_audio WHERE id = ?`, id,
	).Scan(&a.ID, &a.Blob, &createdAt, &a.Retries)
	if err == sql.ErrNoRows {
		return PendingAudio{}, ErrNotFound
	}
	if err != nil {
		return PendingAudio{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return PendingAudio{}, fmt.Errorf("parsing created_at: %w", err)
	}
	a.CreatedAt = t
	return a, nil
}

// RemoveAudio deletes a recording. Deleting a missing id is not an error:
// removal happens after confirmed submission and may race a prior removal.
func (s *Store) RemoveAudio(id int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_audio WHERE id = ?`, id)
	return err
}

// ListPendingAudio returns every stored recording, oldest first.
func (s *Store) ListPendingAudio() ([]PendingAudio, error) {
	rows, err := s.db.Query(`
		SELECT id, blob, created_at, retries FROM pending_audio ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingAudio
	for rows.Next() {
		var a PendingAudio
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Blob, &createdAt, &a.Retries); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}

// ListOrphanAudio returns recordings not referenced by any queue record.
// Such rows appear if the process dies between SaveAudio and EnqueueRequest;
// replay re-enqueues them.
func (s *Store) ListOrphanAudio() ([]PendingAudio, error) {
	rows, err := s.db.Query(`
		SELECT id, blob, created_at, retries FROM pending_audio
		WHERE id NOT IN (SELECT blob_key FROM request_queue WHERE blob_key IS NOT NULL)
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingAudio
	for rows.Next() {
		var a PendingAudio
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Blob, &createdAt, &a.Retries); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}

// IncrementAudioRetry bumps the retry counter. No-op if the record was
// concurrently removed.
func (s *Store) IncrementAudioRetry(id int64) error {
	_, err := s.db.Exec(`UPDATE pending_audio SET retries = retries + 1 WHERE id = ?`, id)
	return err
}

// --- Durable request queue ---

// EnqueueRequest logs intent to perform a mutating operation before any
// network attempt. The record starts pending with zero retries.
func (s *Store) EnqueueRequest(reqType, payloadJSON string, blobKey *int64) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO request_queue (type, payload_json, blob_key, created_at, retries, status)
		VALUES (?, ?, ?, ?, 0, ?)`,
		reqType, payloadJSON, blobKey, time.Now().UTC().Format(time.RFC3339), StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s request: %w", reqType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading request id: %w", err)
	}
	return id, nil
}

// GetRequest returns a queue record by id.
func (s *Store) GetRequest(id int64) (QueuedRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, type, payload_json, blob_key, created_at, retries, status
		FROM request_queue WHERE id = ?`, id)
	q, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return QueuedRequest{}, ErrNotFound
	}
	return q, err
}

// ListPendingRequests returns queue records still eligible for replay,
// oldest first.
func (s *Store) ListPendingRequests() ([]QueuedRequest, error) {
	return s.listRequests(`
		SELECT id, type, payload_json, blob_key, created_at, retries, status
		FROM request_queue WHERE status = ? ORDER BY created_at ASC, id ASC`, StatusPending)
}

// ListRequests returns every queue record, oldest first, including failed
// ones kept for inspection.
func (s *Store) ListRequests() ([]QueuedRequest, error) {
	return s.listRequests(`
		SELECT id, type, payload_json, blob_key, created_at, retries, status
		FROM request_queue ORDER BY created_at ASC, id ASC`)
}

func (s *Store) listRequests(query string, args ...any) ([]QueuedRequest, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueuedRequest
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (QueuedRequest, error) {
	var q QueuedRequest
	var blobKey sql.NullInt64
	var createdAt string
	if err := row.Scan(&q.ID, &q.Type, &q.PayloadJSON, &blobKey, &createdAt, &q.Retries, &q.Status); err != nil {
		return QueuedRequest{}, err
	}
	if blobKey.Valid {
		k := blobKey.Int64
		q.BlobKey = &k
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return QueuedRequest{}, fmt.Errorf("parsing created_at: %w", err)
	}
	q.CreatedAt = t
	return q, nil
}

// RemoveRequest deletes a queue record. Called only after the corresponding
// operation is confirmed successful; deleting a missing id is not an error.
func (s *Store) RemoveRequest(id int64) error {
	_, err := s.db.Exec(`DELETE FROM request_queue WHERE id = ?`, id)
	return err
}

// MarkRequestFailed records a failed attempt. The record stays pending while
// retries is below maxRetries, and becomes failed (terminal) once it reaches
// the cap. No-op if the record was concurrently removed.
func (s *Store) MarkRequestFailed(id int64, maxRetries int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var retries int
	err = tx.QueryRow(`SELECT retries FROM request_queue WHERE id = ?`, id).Scan(&retries)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	retries++
	status := StatusPending
	if retries >= maxRetries {
		status = StatusFailed
	}
	if _, err := tx.Exec(`UPDATE request_queue SET retries = ?, status = ? WHERE id = ?`, retries, status, id); err != nil {
		return err
	}

	return tx.Commit()
}

// --- Settings ---

// SetSetting upserts a key-value pair.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetSetting returns the value for key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// DeleteSetting removes a key. Deleting a missing key is not an error.
func (s *Store) DeleteSetting(key string) error {
	_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}
