package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"cbak-go/internal/cbak"
	"cbak-go/internal/database/migrations"
	"cbak-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// directoryCacheSize bounds the path and ID directory caches.
const directoryCacheSize = 4096

// SQLiteIndex implements cbak.Index on SQLite.
// Times are stored as unix nanoseconds; statuses as their names.
type SQLiteIndex struct {
	db    *sql.DB
	path  string
	clock cbak.Clock
	idgen cbak.IDGenerator

	dirsByPath *lru.Cache
	dirsByID   *lru.Cache
}

// NewSQLiteIndex opens the index at path, applying pending migrations.
// path can be a file path or ":memory:". A nil clock or idgen uses the real one.
func NewSQLiteIndex(path string, clock cbak.Clock, idgen cbak.IDGenerator) (*SQLiteIndex, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	idx, err := NewSQLiteIndexFromDB(db, clock, idgen)
	if err != nil {
		db.Close()
		return nil, err
	}
	idx.path = path
	return idx, nil
}

// NewSQLiteIndexFromDB wraps an existing, already migrated connection.
func NewSQLiteIndexFromDB(db *sql.DB, clock cbak.Clock, idgen cbak.IDGenerator) (*SQLiteIndex, error) {
	if clock == nil {
		clock = cbak.RealClock{}
	}
	if idgen == nil {
		idgen = cbak.UUIDGenerator{}
	}
	byPath, err := lru.New(directoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating directory cache: %w", err)
	}
	byID, err := lru.New(directoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating directory cache: %w", err)
	}
	return &SQLiteIndex{
		db:         db,
		clock:      clock,
		idgen:      idgen,
		dirsByPath: byPath,
		dirsByID:   byID,
	}, nil
}

// OpenConnection opens a SQLite connection with foreign keys on and a busy
// timeout so that several processes can share one index file.
// The pool is limited to one connection: SQLite serializes writers anyway,
// and an in-memory database exists only on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	var v []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Source locations

func (s *SQLiteIndex) SaveSourceLocation(source *model.SourceLocation) error {
	exclusions, err := encodeList(source.Exclusions)
	if err != nil {
		return fmt.Errorf("encoding exclusions: %w", err)
	}
	providers, err := encodeList(source.Providers)
	if err != nil {
		return fmt.Errorf("encoding providers: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO source_locations (id, path, file_match_filter, exclusions, priority, revision_count, providers)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			path = excluded.path,
			file_match_filter = excluded.file_match_filter,
			exclusions = excluded.exclusions,
			priority = excluded.priority,
			revision_count = excluded.revision_count,
			providers = excluded.providers`,
		source.ID, source.Path, source.FileMatchFilter, exclusions, int(source.Priority), source.RevisionCount, providers)
	if err != nil {
		return fmt.Errorf("saving source location %d: %w", source.ID, err)
	}
	return nil
}

const sourceColumns = `id, path, file_match_filter, exclusions, priority, revision_count, providers, last_completed_scan`

func scanSource(row interface{ Scan(...any) error }) (*model.SourceLocation, error) {
	var (
		src                   model.SourceLocation
		priority              int
		exclusions, providers string
		lastScan              sql.NullInt64
	)
	if err := row.Scan(&src.ID, &src.Path, &src.FileMatchFilter, &exclusions, &priority, &src.RevisionCount, &providers, &lastScan); err != nil {
		return nil, err
	}
	var err error
	if src.Exclusions, err = decodeList(exclusions); err != nil {
		return nil, fmt.Errorf("decoding exclusions: %w", err)
	}
	if src.Providers, err = decodeList(providers); err != nil {
		return nil, fmt.Errorf("decoding providers: %w", err)
	}
	src.Priority = model.Priority(priority)
	src.LastCompletedScan = nullNanos(lastScan)
	return &src, nil
}

func (s *SQLiteIndex) GetSourceLocation(id int64) (*model.SourceLocation, error) {
	src, err := scanSource(s.db.QueryRow(`SELECT `+sourceColumns+` FROM source_locations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting source location %d: %w", id, err)
	}
	return src, nil
}

func (s *SQLiteIndex) ListSourceLocations() ([]*model.SourceLocation, error) {
	rows, err := s.db.Query(`SELECT ` + sourceColumns + ` FROM source_locations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing source locations: %w", err)
	}
	defer rows.Close()

	var out []*model.SourceLocation
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("reading source location: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) ClaimSourceForScan(instanceID string, now time.Time, interval, lease time.Duration) (*model.SourceLocation, error) {
	var id int64
	err := s.db.QueryRow(`
		UPDATE source_locations SET claimed_by = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM source_locations
			WHERE (last_completed_scan IS NULL OR last_completed_scan <= ? OR rescan_requested = 1)
			  AND (claimed_by IS NULL OR claimed_at <= ?)
			ORDER BY rescan_requested DESC, priority DESC, id
			LIMIT 1
		)
		RETURNING id`,
		instanceID, nanos(now), nanos(now.Add(-interval)), nanos(now.Add(-lease))).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming source for scan: %w", err)
	}
	return s.GetSourceLocation(id)
}

// CompleteSourceScan keeps a rescan requested after started pending, since
// the walk may already have passed the change that prompted it.
func (s *SQLiteIndex) CompleteSourceScan(sourceID int64, started, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE source_locations
		SET last_completed_scan = ?,
			rescan_requested = CASE WHEN rescan_requested_at > ? THEN rescan_requested ELSE 0 END,
			rescan_requested_at = CASE WHEN rescan_requested_at > ? THEN rescan_requested_at ELSE NULL END,
			claimed_by = NULL, claimed_at = NULL
		WHERE id = ?`, nanos(at), nanos(started), nanos(started), sourceID)
	if err != nil {
		return fmt.Errorf("completing scan of source %d: %w", sourceID, err)
	}
	return nil
}

func (s *SQLiteIndex) ReleaseSourceClaim(sourceID int64) error {
	_, err := s.db.Exec(`UPDATE source_locations SET claimed_by = NULL, claimed_at = NULL WHERE id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("releasing source %d: %w", sourceID, err)
	}
	return nil
}

func (s *SQLiteIndex) RequestRescan(sourceID int64) error {
	_, err := s.db.Exec(`UPDATE source_locations SET rescan_requested = 1, rescan_requested_at = ? WHERE id = ?`,
		nanos(s.clock.Now()), sourceID)
	if err != nil {
		return fmt.Errorf("requesting rescan of source %d: %w", sourceID, err)
	}
	return nil
}

// Directories

func (s *SQLiteIndex) GetOrCreateDirectory(path string) (*model.Directory, error) {
	if v, ok := s.dirsByPath.Get(path); ok {
		return v.(*model.Directory), nil
	}

	id := s.idgen.New()
	_, err := s.db.Exec(`INSERT INTO directories (id, path, created_at) VALUES (?, ?, ?) ON CONFLICT (path) DO NOTHING`,
		id, path, nanos(s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	dir, err := s.scanDirectory(s.db.QueryRow(`SELECT id, path, created_at FROM directories WHERE path = ?`, path))
	if err != nil {
		return nil, fmt.Errorf("finding directory %s: %w", path, err)
	}
	s.cacheDirectory(dir)
	return dir, nil
}

func (s *SQLiteIndex) GetDirectory(id string) (*model.Directory, error) {
	if v, ok := s.dirsByID.Get(id); ok {
		return v.(*model.Directory), nil
	}
	dir, err := s.scanDirectory(s.db.QueryRow(`SELECT id, path, created_at FROM directories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting directory %s: %w", id, err)
	}
	s.cacheDirectory(dir)
	return dir, nil
}

func (s *SQLiteIndex) scanDirectory(row *sql.Row) (*model.Directory, error) {
	var (
		dir     model.Directory
		created int64
	)
	if err := row.Scan(&dir.ID, &dir.Path, &created); err != nil {
		return nil, err
	}
	dir.CreatedAt = fromNanos(created)
	return &dir, nil
}

func (s *SQLiteIndex) cacheDirectory(dir *model.Directory) {
	s.dirsByPath.Add(dir.Path, dir)
	s.dirsByID.Add(dir.ID, dir)
}

// Files

const fileColumns = `id, full_source_path, file_name, directory_id, source_location_id, file_size_bytes,
	last_modified, last_scanned, priority, revision_count, total_file_blocks, block_size_bytes, file_hash,
	hash_algorithm, deleted, last_error`

func scanFile(row interface{ Scan(...any) error }) (*model.BackupFile, error) {
	var (
		f                 model.BackupFile
		modified, scanned int64
		priority          int
		hashAlg           string
	)
	err := row.Scan(&f.ID, &f.FullSourcePath, &f.FileName, &f.DirectoryID, &f.SourceLocationID, &f.FileSizeBytes,
		&modified, &scanned, &priority, &f.RevisionCount, &f.TotalFileBlocks, &f.BlockSizeBytes, &f.FileHash,
		&hashAlg, &f.Deleted, &f.LastError)
	if err != nil {
		return nil, err
	}
	f.LastModified = fromNanos(modified)
	f.LastScanned = fromNanos(scanned)
	f.Priority = model.Priority(priority)
	if f.HashAlgorithm, err = model.ParseHashAlgorithm(hashAlg); err != nil {
		return nil, err
	}
	return &f, nil
}

// loadFile reads one file row and its copy states.
func (s *SQLiteIndex) loadFile(where string, arg any) (*model.BackupFile, error) {
	f, err := scanFile(s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f.CopyState, err = s.loadCopyStates(s.db, f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteIndex) loadCopyStates(q querier, fileID string) (map[string]model.ProviderCopyState, error) {
	rows, err := q.Query(`
		SELECT provider, sync_status, last_completed_block, hydration_status, metadata
		FROM copy_states WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("loading copy state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]model.ProviderCopyState)
	for rows.Next() {
		var (
			provider, status, hydration, metadata string
			st                                    model.ProviderCopyState
		)
		if err := rows.Scan(&provider, &status, &st.LastCompletedFileBlockIndex, &hydration, &metadata); err != nil {
			return nil, fmt.Errorf("reading copy state: %w", err)
		}
		if st.SyncStatus, err = model.ParseSyncStatus(status); err != nil {
			return nil, err
		}
		if st.HydrationStatus, err = model.ParseHydrationStatus(hydration); err != nil {
			return nil, err
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &st.Metadata); err != nil {
				return nil, fmt.Errorf("decoding copy state metadata: %w", err)
			}
		}
		states[provider] = st
	}
	return states, rows.Err()
}

func (s *SQLiteIndex) FindFileByPath(path string) (*model.BackupFile, error) {
	f, err := s.loadFile("full_source_path = ?", path)
	if err != nil {
		return nil, fmt.Errorf("finding file by path: %w", err)
	}
	return f, nil
}

func (s *SQLiteIndex) GetFile(id string) (*model.BackupFile, error) {
	f, err := s.loadFile("id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting file %s: %w", id, err)
	}
	return f, nil
}

func (s *SQLiteIndex) ListFiles(sourceID int64) ([]*model.BackupFile, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM files WHERE source_location_id = ? ORDER BY full_source_path`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	var files []*model.BackupFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("reading file: %w", err)
		}
		files = append(files, f)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	// Copy states are loaded after the rows are closed; the pool has one connection.
	for _, f := range files {
		if f.CopyState, err = s.loadCopyStates(s.db, f.ID); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (s *SQLiteIndex) CreateFile(file *model.BackupFile) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO files (id, full_source_path, file_name, directory_id, source_location_id, file_size_bytes,
				last_modified, last_scanned, priority, revision_count, total_file_blocks, block_size_bytes, file_hash,
				hash_algorithm, deleted, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.ID, file.FullSourcePath, file.FileName, file.DirectoryID, file.SourceLocationID, file.FileSizeBytes,
			nanos(file.LastModified), nanos(file.LastScanned), int(file.Priority), file.RevisionCount,
			file.TotalFileBlocks, file.BlockSizeBytes, file.FileHash, file.HashAlgorithm.String(), file.Deleted,
			file.LastError)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", file.FullSourcePath, err)
		}
		if err := replaceCopyStates(tx, file.ID, file.CopyState); err != nil {
			return err
		}
		return s.enqueue(tx, file.ID)
	})
}

func (s *SQLiteIndex) UpdateFileMetadata(file *model.BackupFile) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE files SET
				file_size_bytes = ?, last_modified = ?, last_scanned = ?, priority = ?, revision_count = ?,
				total_file_blocks = ?, block_size_bytes = ?, file_hash = NULL, hash_algorithm = 'None',
				deleted = 0, last_error = ''
			WHERE id = ?`,
			file.FileSizeBytes, nanos(file.LastModified), nanos(file.LastScanned), int(file.Priority),
			file.RevisionCount, file.TotalFileBlocks, file.BlockSizeBytes, file.ID)
		if err != nil {
			return fmt.Errorf("updating file %s: %w", file.ID, err)
		}
		if err := replaceCopyStates(tx, file.ID, file.CopyState); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM cleanup_queue WHERE file_id = ?`, file.ID); err != nil {
			return fmt.Errorf("clearing cleanup entry: %w", err)
		}
		return s.enqueue(tx, file.ID)
	})
}

func (s *SQLiteIndex) ResetCopyState(fileID string, scannedAt time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		var providersJSON sql.NullString
		err := tx.QueryRow(`
			SELECT sl.providers FROM files f
			LEFT JOIN source_locations sl ON sl.id = f.source_location_id
			WHERE f.id = ?`, fileID).Scan(&providersJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("file %s not found", fileID)
		}
		if err != nil {
			return fmt.Errorf("finding providers for %s: %w", fileID, err)
		}

		providers, err := decodeList(providersJSON.String)
		if err != nil {
			return fmt.Errorf("decoding providers: %w", err)
		}
		if len(providers) == 0 {
			existing, err := s.loadCopyStates(tx, fileID)
			if err != nil {
				return err
			}
			for p := range existing {
				providers = append(providers, p)
			}
		}

		fresh := make(map[string]model.ProviderCopyState, len(providers))
		for _, p := range providers {
			fresh[p] = model.NewProviderCopyState()
		}
		if err := replaceCopyStates(tx, fileID, fresh); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE files SET deleted = 0, last_error = '', last_scanned = ? WHERE id = ?`,
			nanos(scannedAt), fileID); err != nil {
			return fmt.Errorf("resetting file %s: %w", fileID, err)
		}
		if _, err := tx.Exec(`DELETE FROM cleanup_queue WHERE file_id = ?`, fileID); err != nil {
			return fmt.Errorf("clearing cleanup entry: %w", err)
		}
		return s.enqueue(tx, fileID)
	})
}

func (s *SQLiteIndex) SetLastScanned(fileID string, at time.Time) error {
	if _, err := s.db.Exec(`UPDATE files SET last_scanned = ? WHERE id = ?`, nanos(at), fileID); err != nil {
		return fmt.Errorf("setting last scanned for %s: %w", fileID, err)
	}
	return nil
}

func (s *SQLiteIndex) SetFailure(fileID string, message string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE files SET last_error = ? WHERE id = ?`, message, fileID); err != nil {
			return fmt.Errorf("recording failure for %s: %w", fileID, err)
		}
		_, err := tx.Exec(`UPDATE copy_states SET sync_status = ? WHERE file_id = ? AND sync_status != ?`,
			model.ProviderError.String(), fileID, model.Synced.String())
		if err != nil {
			return fmt.Errorf("marking providers failed for %s: %w", fileID, err)
		}
		return nil
	})
}

func (s *SQLiteIndex) RecordError(fileID string, message string) error {
	if _, err := s.db.Exec(`UPDATE files SET last_error = ? WHERE id = ?`, message, fileID); err != nil {
		return fmt.Errorf("recording error for %s: %w", fileID, err)
	}
	return nil
}

func (s *SQLiteIndex) SetFileHash(fileID string, hash []byte, alg model.HashAlgorithm) error {
	if _, err := s.db.Exec(`UPDATE files SET file_hash = ?, hash_algorithm = ? WHERE id = ?`, hash, alg.String(), fileID); err != nil {
		return fmt.Errorf("setting hash for %s: %w", fileID, err)
	}
	return nil
}

func (s *SQLiteIndex) UpdateCopyState(fileID string, provider string, state model.ProviderCopyState) error {
	if err := upsertCopyState(s.db, fileID, provider, state); err != nil {
		return fmt.Errorf("updating copy state for %s/%s: %w", fileID, provider, err)
	}
	return nil
}

func (s *SQLiteIndex) SaveCopyStates(file *model.BackupFile) error {
	return s.withTx(func(tx *sql.Tx) error {
		return replaceCopyStates(tx, file.ID, file.CopyState)
	})
}

func upsertCopyState(q querier, fileID, provider string, st model.ProviderCopyState) error {
	metadata := "{}"
	if len(st.Metadata) > 0 {
		b, err := json.Marshal(st.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := q.Exec(`
		INSERT INTO copy_states (file_id, provider, sync_status, last_completed_block, hydration_status, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id, provider) DO UPDATE SET
			sync_status = excluded.sync_status,
			last_completed_block = excluded.last_completed_block,
			hydration_status = excluded.hydration_status,
			metadata = excluded.metadata`,
		fileID, provider, st.SyncStatus.String(), st.LastCompletedFileBlockIndex, st.HydrationStatus.String(), metadata)
	return err
}

func replaceCopyStates(tx *sql.Tx, fileID string, states map[string]model.ProviderCopyState) error {
	if _, err := tx.Exec(`DELETE FROM copy_states WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("clearing copy state for %s: %w", fileID, err)
	}
	for provider, st := range states {
		if err := upsertCopyState(tx, fileID, provider, st); err != nil {
			return fmt.Errorf("saving copy state for %s/%s: %w", fileID, provider, err)
		}
	}
	return nil
}

func (s *SQLiteIndex) DeleteFile(fileID string) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	return nil
}

func (s *SQLiteIndex) MarkMissingDeleted(sourceID int64, scannedBefore time.Time) (int, error) {
	var n int
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			UPDATE files SET deleted = 1
			WHERE source_location_id = ? AND last_scanned < ? AND deleted = 0
			RETURNING id`, sourceID, nanos(scannedBefore))
		if err != nil {
			return fmt.Errorf("flagging missing files: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		now := nanos(s.clock.Now())
		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM backup_queue WHERE file_id = ?`, id); err != nil {
				return fmt.Errorf("dequeueing deleted file: %w", err)
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO cleanup_queue (file_id, enqueued_at) VALUES (?, ?)`, id, now); err != nil {
				return fmt.Errorf("queueing cleanup: %w", err)
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}

// Queues

func (s *SQLiteIndex) enqueue(q querier, fileID string) error {
	_, err := q.Exec(`
		INSERT OR IGNORE INTO backup_queue (file_id, priority, enqueued_at)
		SELECT id, priority, ? FROM files WHERE id = ? AND deleted = 0`,
		nanos(s.clock.Now()), fileID)
	if err != nil {
		return fmt.Errorf("queueing %s: %w", fileID, err)
	}
	return nil
}

func (s *SQLiteIndex) EnqueueBackup(fileID string) error {
	return s.enqueue(s.db, fileID)
}

func (s *SQLiteIndex) DequeueBackup(fileID string) error {
	if _, err := s.db.Exec(`DELETE FROM backup_queue WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("dequeueing %s: %w", fileID, err)
	}
	return nil
}

func (s *SQLiteIndex) IsQueued(fileID string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM backup_queue WHERE file_id = ?`, fileID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking queue for %s: %w", fileID, err)
	}
	return n > 0, nil
}

func (s *SQLiteIndex) QueueLength() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM backup_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting backup queue: %w", err)
	}
	return n, nil
}

func (s *SQLiteIndex) ClaimNextBackupFile(instanceID string, now time.Time, lease time.Duration) (*model.BackupFile, error) {
	var id string
	err := s.db.QueryRow(`
		UPDATE backup_queue SET claimed_by = ?, claimed_at = ?
		WHERE file_id = (
			SELECT file_id FROM backup_queue
			WHERE claimed_by IS NULL OR claimed_at <= ?
			ORDER BY priority DESC, enqueued_at, rowid
			LIMIT 1
		)
		RETURNING file_id`,
		instanceID, nanos(now), nanos(now.Add(-lease))).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming backup file: %w", err)
	}
	return s.GetFile(id)
}

func (s *SQLiteIndex) ReleaseBackupClaim(fileID string) error {
	if _, err := s.db.Exec(`UPDATE backup_queue SET claimed_by = NULL, claimed_at = NULL WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("releasing claim on %s: %w", fileID, err)
	}
	return nil
}

// CleanupQueue returns the IDs of deleted files awaiting remote cleanup, oldest first.
func (s *SQLiteIndex) CleanupQueue() ([]string, error) {
	rows, err := s.db.Query(`SELECT file_id FROM cleanup_queue ORDER BY enqueued_at, file_id`)
	if err != nil {
		return nil, fmt.Errorf("listing cleanup queue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Operation tracking

func (s *SQLiteIndex) CreateOperation(operation string, parameters string) (*model.Operation, error) {
	started := s.clock.Now()
	res, err := s.db.Exec(`INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, ?, ?)`,
		operation, parameters, model.OperationRunning, nanos(started))
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return &model.Operation{ID: id, Operation: operation, Parameters: parameters, Status: model.OperationRunning, StartedAt: started}, nil
}

func (s *SQLiteIndex) FinishOperation(id int64, status string) error {
	if _, err := s.db.Exec(`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`, status, nanos(s.clock.Now()), id); err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteIndex) ListOperations(limit int) ([]*model.Operation, error) {
	rows, err := s.db.Query(`
		SELECT id, operation, parameters, status, started_at, finished_at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		var (
			op       model.Operation
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("reading operation: %w", err)
		}
		op.StartedAt = fromNanos(started)
		if finished.Valid {
			t := fromNanos(finished.Int64)
			op.FinishedAt = &t
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Index backups

// BackupTo writes a consistent copy of the index to destPath using VACUUM INTO.
func (s *SQLiteIndex) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up index: %w", err)
	}
	return nil
}

// RecordIndexBackup remembers that a backup of the given kind was taken.
func (s *SQLiteIndex) RecordIndexBackup(kind, path string, at time.Time) error {
	if _, err := s.db.Exec(`INSERT INTO index_backups (kind, path, taken_at) VALUES (?, ?, ?)`, kind, path, nanos(at)); err != nil {
		return fmt.Errorf("recording index backup: %w", err)
	}
	return nil
}

// LastIndexBackups returns the most recent time each backup kind was taken.
func (s *SQLiteIndex) LastIndexBackups() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT kind, MAX(taken_at) FROM index_backups GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("reading index backup history: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			kind string
			at   int64
		)
		if err := rows.Scan(&kind, &at); err != nil {
			return nil, err
		}
		out[kind] = fromNanos(at)
	}
	return out, rows.Err()
}

// Path returns the index file path, or ":memory:".
func (s *SQLiteIndex) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteIndex) CheckMigrations() error {
	return migrations.Check(s.db)
}

// Close closes the connection.
func (s *SQLiteIndex) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteIndex) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

var _ cbak.Index = (*SQLiteIndex)(nil)
