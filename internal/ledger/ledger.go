// Package ledger is the durable record of which source items have been
// transferred to which destinations, plus the job and verification history.
// It is the sole owner of the underlying SQLite database; the engine and
// verifier only read and write through this API.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/chmdznr/mediasync/pkg/errs"
	"github.com/chmdznr/mediasync/pkg/models"
)

// lookupChunk keeps IN-clause parameter counts under SQLite's limit.
const lookupChunk = 500

// Store is a ledger database connection.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) the ledger database at path.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.NewDatabase("open ledger", false, err)
	}

	s := &Store{sqlDB}
	if err := s.initialize(); err != nil {
		sqlDB.Close()
		return nil, errs.NewDatabase("initialize ledger", false, err)
	}
	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *Store) initialize() error {
	_, err := s.Exec(`
		CREATE TABLE IF NOT EXISTS destinations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			config TEXT,
			created_at DATETIME,
			last_health_check DATETIME,
			health_status TEXT
		);
		CREATE TABLE IF NOT EXISTS synced_items (
			id TEXT PRIMARY KEY,
			local_id TEXT NOT NULL,
			destination_id TEXT NOT NULL,
			remote_path TEXT,
			fingerprint TEXT,
			synced_at DATETIME,
			byte_size INTEGER,
			last_verified_at DATETIME,
			metadata TEXT,
			UNIQUE (local_id, destination_id)
		);
		CREATE INDEX IF NOT EXISTS idx_items_dest ON synced_items(destination_id);
		CREATE INDEX IF NOT EXISTS idx_items_local ON synced_items(destination_id, local_id);
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			destination_id TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			items_scanned INTEGER DEFAULT 0,
			items_synced INTEGER DEFAULT 0,
			items_failed INTEGER DEFAULT 0,
			bytes_transferred INTEGER DEFAULT 0,
			average_speed REAL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_start ON jobs(start_time);
		CREATE TABLE IF NOT EXISTS job_errors (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			item_id TEXT,
			message TEXT,
			category TEXT,
			retryable BOOLEAN DEFAULT 0,
			timestamp DATETIME,
			retry_count INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_job_errors_job ON job_errors(job_id);
		CREATE TABLE IF NOT EXISTS verification_jobs (
			id TEXT PRIMARY KEY,
			destination_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			total_items INTEGER DEFAULT 0,
			verified_count INTEGER DEFAULT 0,
			mismatch_count INTEGER DEFAULT 0,
			missing_count INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_verification_start ON verification_jobs(start_time);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
		PRAGMA busy_timeout=5000;
	`)
	return err
}

// wrap tags a ledger failure with the database category, marking
// transient busy/locked errors retryable.
func wrap(op string, err error) error {
	var se sqlite3.Error
	retryable := errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
	return errs.NewDatabase(op, retryable, err)
}

// --- destinations ---

// CreateDestination stores a new destination record.
func (s *Store) CreateDestination(rec *models.DestinationRecord) error {
	_, err := s.Exec(`
		INSERT INTO destinations (id, name, kind, config, created_at, last_health_check, health_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Kind, rec.Config, rec.CreatedAt, rec.LastHealthCheck, rec.HealthStatus)
	if err != nil {
		return wrap("create destination", err)
	}
	return nil
}

// GetDestination retrieves a destination by id.
func (s *Store) GetDestination(id string) (*models.DestinationRecord, error) {
	var rec models.DestinationRecord
	var lastCheck sql.NullTime
	err := s.QueryRow(`
		SELECT id, name, kind, config, created_at, last_health_check, health_status
		FROM destinations WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Name, &rec.Kind, &rec.Config, &rec.CreatedAt, &lastCheck, &rec.HealthStatus)
	if err == sql.ErrNoRows {
		return nil, errs.NewValidation(fmt.Sprintf("destination %q not found", id))
	}
	if err != nil {
		return nil, wrap("get destination", err)
	}
	if lastCheck.Valid {
		rec.LastHealthCheck = &lastCheck.Time
	}
	return &rec, nil
}

// ListDestinations returns all destination records.
func (s *Store) ListDestinations() ([]models.DestinationRecord, error) {
	rows, err := s.Query(`
		SELECT id, name, kind, config, created_at, last_health_check, health_status
		FROM destinations ORDER BY created_at
	`)
	if err != nil {
		return nil, wrap("list destinations", err)
	}
	defer rows.Close()

	var recs []models.DestinationRecord
	for rows.Next() {
		var rec models.DestinationRecord
		var lastCheck sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Kind, &rec.Config, &rec.CreatedAt, &lastCheck, &rec.HealthStatus); err != nil {
			return nil, wrap("scan destination", err)
		}
		if lastCheck.Valid {
			rec.LastHealthCheck = &lastCheck.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateDestinationHealth records the outcome of a health check.
func (s *Store) UpdateDestinationHealth(id string, status models.HealthStatus, checkedAt time.Time) error {
	_, err := s.Exec(`
		UPDATE destinations SET health_status = ?, last_health_check = ? WHERE id = ?
	`, status, checkedAt, id)
	if err != nil {
		return wrap("update destination health", err)
	}
	return nil
}

// --- synced items ---

// UpsertSyncedItem inserts or replaces the record for the item's
// (local_id, destination_id) pair. Last write wins.
func (s *Store) UpsertSyncedItem(item *models.SyncedItem) error {
	_, err := s.Exec(`
		INSERT INTO synced_items (id, local_id, destination_id, remote_path, fingerprint, synced_at, byte_size, last_verified_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_id, destination_id) DO UPDATE SET
			remote_path = excluded.remote_path,
			fingerprint = excluded.fingerprint,
			synced_at = excluded.synced_at,
			byte_size = excluded.byte_size,
			last_verified_at = excluded.last_verified_at,
			metadata = excluded.metadata
	`, item.ID, item.LocalID, item.DestinationID, item.RemotePath, item.Fingerprint,
		item.SyncedAt, item.ByteSize, item.LastVerifiedAt, item.Metadata)
	if err != nil {
		return wrap("upsert synced item", err)
	}
	return nil
}

// BatchUpsertSyncedItems upserts multiple records in a single transaction.
func (s *Store) BatchUpsertSyncedItems(items []models.SyncedItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.Begin()
	if err != nil {
		return wrap("begin batch upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO synced_items (id, local_id, destination_id, remote_path, fingerprint, synced_at, byte_size, last_verified_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_id, destination_id) DO UPDATE SET
			remote_path = excluded.remote_path,
			fingerprint = excluded.fingerprint,
			synced_at = excluded.synced_at,
			byte_size = excluded.byte_size,
			last_verified_at = excluded.last_verified_at,
			metadata = excluded.metadata
	`)
	if err != nil {
		return wrap("prepare batch upsert", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.Exec(item.ID, item.LocalID, item.DestinationID, item.RemotePath,
			item.Fingerprint, item.SyncedAt, item.ByteSize, item.LastVerifiedAt, item.Metadata); err != nil {
			return wrap("batch upsert synced item", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit batch upsert", err)
	}
	return nil
}

// LookupSyncedIDs returns the subset of localIDs already recorded for the
// destination. It runs chunked IN-clause queries rather than per-ID round
// trips so tens of thousands of lookups stay cheap.
func (s *Store) LookupSyncedIDs(localIDs []string, destinationID string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(localIDs))
	for start := 0; start < len(localIDs); start += lookupChunk {
		end := start + lookupChunk
		if end > len(localIDs) {
			end = len(localIDs)
		}
		chunk := localIDs[start:end]

		query := `SELECT local_id FROM synced_items WHERE destination_id = ? AND local_id IN (?` +
			strings.Repeat(",?", len(chunk)-1) + `)`
		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, destinationID)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.Query(query, args...)
		if err != nil {
			return nil, wrap("lookup synced ids", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, wrap("scan synced id", err)
			}
			found[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, wrap("lookup synced ids", err)
		}
		rows.Close()
	}
	return found, nil
}

// CountSyncedItems returns the number of ledger rows for the destination.
func (s *Store) CountSyncedItems(destinationID string) (int64, error) {
	var n int64
	err := s.QueryRow(`SELECT COUNT(*) FROM synced_items WHERE destination_id = ?`, destinationID).Scan(&n)
	if err != nil {
		return 0, wrap("count synced items", err)
	}
	return n, nil
}

const syncedItemColumns = `id, local_id, destination_id, remote_path, fingerprint, synced_at, byte_size, last_verified_at, metadata`

func scanSyncedItem(scan func(...interface{}) error) (*models.SyncedItem, error) {
	var item models.SyncedItem
	var verifiedAt sql.NullTime
	err := scan(&item.ID, &item.LocalID, &item.DestinationID, &item.RemotePath,
		&item.Fingerprint, &item.SyncedAt, &item.ByteSize, &verifiedAt, &item.Metadata)
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		item.LastVerifiedAt = &verifiedAt.Time
	}
	return &item, nil
}

func (s *Store) querySyncedItems(query string, args ...interface{}) ([]models.SyncedItem, error) {
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, wrap("query synced items", err)
	}
	defer rows.Close()

	var items []models.SyncedItem
	for rows.Next() {
		item, err := scanSyncedItem(rows.Scan)
		if err != nil {
			return nil, wrap("scan synced item", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// PaginatedSyncedItems returns one page of ledger rows for the
// destination, ordered by sync time.
func (s *Store) PaginatedSyncedItems(destinationID string, limit, offset int) ([]models.SyncedItem, error) {
	return s.querySyncedItems(`
		SELECT `+syncedItemColumns+` FROM synced_items
		WHERE destination_id = ? ORDER BY synced_at, id LIMIT ? OFFSET ?
	`, destinationID, limit, offset)
}

// SampleSyncedItems returns up to n randomly chosen ledger rows for the
// destination, for quick verification.
func (s *Store) SampleSyncedItems(destinationID string, n int) ([]models.SyncedItem, error) {
	return s.querySyncedItems(`
		SELECT `+syncedItemColumns+` FROM synced_items
		WHERE destination_id = ? ORDER BY RANDOM() LIMIT ?
	`, destinationID, n)
}

// StaleVerifiedItems returns ledger rows never verified, or last verified
// before the cutoff. Used by incremental verification.
func (s *Store) StaleVerifiedItems(destinationID string, before time.Time) ([]models.SyncedItem, error) {
	return s.querySyncedItems(`
		SELECT `+syncedItemColumns+` FROM synced_items
		WHERE destination_id = ? AND (last_verified_at IS NULL OR last_verified_at < ?)
		ORDER BY synced_at, id
	`, destinationID, before)
}

// GetSyncedItem retrieves the record for one (localID, destination) pair,
// or nil when the pair was never synced.
func (s *Store) GetSyncedItem(localID, destinationID string) (*models.SyncedItem, error) {
	row := s.QueryRow(`
		SELECT `+syncedItemColumns+` FROM synced_items
		WHERE local_id = ? AND destination_id = ?
	`, localID, destinationID)
	item, err := scanSyncedItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get synced item", err)
	}
	return item, nil
}

// SyncedDates returns local_id -> synced_at for every ledger row of the
// destination. Used by gap detection to diff against the source.
func (s *Store) SyncedDates(destinationID string) (map[string]time.Time, error) {
	rows, err := s.Query(`
		SELECT local_id, synced_at FROM synced_items WHERE destination_id = ?
	`, destinationID)
	if err != nil {
		return nil, wrap("synced dates", err)
	}
	defer rows.Close()

	dates := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, wrap("scan synced date", err)
		}
		dates[id] = at
	}
	return dates, rows.Err()
}

// UpdateVerifiedAt stamps last_verified_at on a batch of item ids in a
// single transaction.
func (s *Store) UpdateVerifiedAt(itemIDs []string, verifiedAt time.Time) error {
	if len(itemIDs) == 0 {
		return nil
	}
	tx, err := s.Begin()
	if err != nil {
		return wrap("begin verified-at update", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE synced_items SET last_verified_at = ? WHERE id = ?`)
	if err != nil {
		return wrap("prepare verified-at update", err)
	}
	defer stmt.Close()

	for _, id := range itemIDs {
		if _, err := stmt.Exec(verifiedAt, id); err != nil {
			return wrap("update verified-at", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit verified-at update", err)
	}
	return nil
}

// PurgeSyncedItems deletes all ledger rows for the destination and
// returns how many were removed.
func (s *Store) PurgeSyncedItems(destinationID string) (int64, error) {
	res, err := s.Exec(`DELETE FROM synced_items WHERE destination_id = ?`, destinationID)
	if err != nil {
		return 0, wrap("purge synced items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("purge synced items", err)
	}
	return n, nil
}

// --- jobs ---

// CreateJob stores a new job record.
func (s *Store) CreateJob(job *models.Job) error {
	_, err := s.Exec(`
		INSERT INTO jobs (id, destination_id, status, start_time, end_time, items_scanned, items_synced, items_failed, bytes_transferred, average_speed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.DestinationID, job.Status, job.StartTime, job.EndTime,
		job.ItemsScanned, job.ItemsSynced, job.ItemsFailed, job.BytesTransferred, job.AverageSpeed)
	if err != nil {
		return wrap("create job", err)
	}
	return nil
}

// UpdateJob rewrites the mutable fields of a job record.
func (s *Store) UpdateJob(job *models.Job) error {
	_, err := s.Exec(`
		UPDATE jobs SET status = ?, end_time = ?, items_scanned = ?, items_synced = ?,
			items_failed = ?, bytes_transferred = ?, average_speed = ?
		WHERE id = ?
	`, job.Status, job.EndTime, job.ItemsScanned, job.ItemsSynced,
		job.ItemsFailed, job.BytesTransferred, job.AverageSpeed, job.ID)
	if err != nil {
		return wrap("update job", err)
	}
	return nil
}

func scanJob(scan func(...interface{}) error) (*models.Job, error) {
	var job models.Job
	var endTime sql.NullTime
	var avgSpeed sql.NullFloat64
	err := scan(&job.ID, &job.DestinationID, &job.Status, &job.StartTime, &endTime,
		&job.ItemsScanned, &job.ItemsSynced, &job.ItemsFailed, &job.BytesTransferred, &avgSpeed)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		job.EndTime = &endTime.Time
	}
	if avgSpeed.Valid {
		job.AverageSpeed = &avgSpeed.Float64
	}
	return &job, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(id string) (*models.Job, error) {
	row := s.QueryRow(`
		SELECT id, destination_id, status, start_time, end_time, items_scanned, items_synced, items_failed, bytes_transferred, average_speed
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errs.NewValidation(fmt.Sprintf("job %q not found", id))
	}
	if err != nil {
		return nil, wrap("get job", err)
	}
	return job, nil
}

// RecentJobs returns the most recently started jobs, newest first.
func (s *Store) RecentJobs(limit int) ([]models.Job, error) {
	rows, err := s.Query(`
		SELECT id, destination_id, status, start_time, end_time, items_scanned, items_synced, items_failed, bytes_transferred, average_speed
		FROM jobs ORDER BY start_time DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrap("recent jobs", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, wrap("scan job", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and its error log.
func (s *Store) DeleteJob(id string) error {
	tx, err := s.Begin()
	if err != nil {
		return wrap("begin delete job", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM job_errors WHERE job_id = ?`, id); err != nil {
		return wrap("delete job errors", err)
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return wrap("delete job", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit delete job", err)
	}
	return nil
}

// AppendErrorEntry adds one failure record to a job's error log.
func (s *Store) AppendErrorEntry(entry *models.ErrorEntry) error {
	_, err := s.Exec(`
		INSERT INTO job_errors (id, job_id, item_id, message, category, retryable, timestamp, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.JobID, entry.ItemID, entry.Message, entry.Category, entry.Retryable, entry.Timestamp, entry.RetryCount)
	if err != nil {
		return wrap("append error entry", err)
	}
	return nil
}

// JobErrors returns a job's error log in append order.
func (s *Store) JobErrors(jobID string) ([]models.ErrorEntry, error) {
	rows, err := s.Query(`
		SELECT id, job_id, item_id, message, category, retryable, timestamp, retry_count
		FROM job_errors WHERE job_id = ? ORDER BY timestamp, id
	`, jobID)
	if err != nil {
		return nil, wrap("job errors", err)
	}
	defer rows.Close()

	var entries []models.ErrorEntry
	for rows.Next() {
		var e models.ErrorEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.ItemID, &e.Message, &e.Category, &e.Retryable, &e.Timestamp, &e.RetryCount); err != nil {
			return nil, wrap("scan error entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- verification jobs ---

// CreateVerificationJob stores a new verification job record.
func (s *Store) CreateVerificationJob(job *models.VerificationJob) error {
	_, err := s.Exec(`
		INSERT INTO verification_jobs (id, destination_id, kind, start_time, end_time, total_items, verified_count, mismatch_count, missing_count, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.DestinationID, job.Kind, job.StartTime, job.EndTime,
		job.TotalItems, job.VerifiedCount, job.MismatchCount, job.MissingCount, job.ErrorCount)
	if err != nil {
		return wrap("create verification job", err)
	}
	return nil
}

// UpdateVerificationJob rewrites the mutable fields of a verification job.
func (s *Store) UpdateVerificationJob(job *models.VerificationJob) error {
	_, err := s.Exec(`
		UPDATE verification_jobs SET end_time = ?, total_items = ?, verified_count = ?,
			mismatch_count = ?, missing_count = ?, error_count = ?
		WHERE id = ?
	`, job.EndTime, job.TotalItems, job.VerifiedCount, job.MismatchCount,
		job.MissingCount, job.ErrorCount, job.ID)
	if err != nil {
		return wrap("update verification job", err)
	}
	return nil
}

// RecentVerificationJobs returns the most recent verification runs,
// newest first.
func (s *Store) RecentVerificationJobs(limit int) ([]models.VerificationJob, error) {
	rows, err := s.Query(`
		SELECT id, destination_id, kind, start_time, end_time, total_items, verified_count, mismatch_count, missing_count, error_count
		FROM verification_jobs ORDER BY start_time DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrap("recent verification jobs", err)
	}
	defer rows.Close()

	var jobs []models.VerificationJob
	for rows.Next() {
		var job models.VerificationJob
		var endTime sql.NullTime
		if err := rows.Scan(&job.ID, &job.DestinationID, &job.Kind, &job.StartTime, &endTime,
			&job.TotalItems, &job.VerifiedCount, &job.MismatchCount, &job.MissingCount, &job.ErrorCount); err != nil {
			return nil, wrap("scan verification job", err)
		}
		if endTime.Valid {
			job.EndTime = &endTime.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats summarizes the ledger for one destination.
func (s *Store) Stats(destinationID string) (*models.Stats, error) {
	var stats models.Stats
	err := s.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(byte_size), 0),
			COUNT(last_verified_at)
		FROM synced_items
		WHERE destination_id = ?
	`, destinationID).Scan(&stats.SyncedItems, &stats.SyncedBytes, &stats.VerifiedItems)
	if err != nil {
		return nil, wrap("ledger stats", err)
	}

	var lastSynced time.Time
	err = s.QueryRow(`
		SELECT synced_at FROM synced_items
		WHERE destination_id = ? ORDER BY synced_at DESC LIMIT 1
	`, destinationID).Scan(&lastSynced)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, wrap("ledger stats", err)
	default:
		stats.LastSyncedAt = &lastSynced
	}
	return &stats, nil
}
