// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Broker CSV formats, shared across users, keyed by broker + header signature
	CREATE TABLE IF NOT EXISTS broker_csv_formats (
		id TEXT PRIMARY KEY,
		broker_id TEXT NOT NULL,
		signature_hash TEXT NOT NULL,
		format_name TEXT,
		headers TEXT NOT NULL,
		sample_data TEXT,
		field_mappings TEXT NOT NULL,
		confidence REAL NOT NULL,
		is_approved INTEGER DEFAULT 0,
		usage_count INTEGER DEFAULT 1,
		approved_by TEXT,
		approved_at DATETIME,
		rejected_by TEXT,
		rejected_at DATETIME,
		reject_reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(broker_id, signature_hash)
	);

	-- Advisory locks serializing per-format approval
	CREATE TABLE IF NOT EXISTS format_locks (
		format_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	-- Staged order rows pending review
	CREATE TABLE IF NOT EXISTS order_staging (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		format_id TEXT NOT NULL,
		import_batch_id TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		raw_csv_row TEXT NOT NULL,
		initial_mapped TEXT,
		migration_status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INTEGER DEFAULT 0,
		processing_errors TEXT,
		migrated_order_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (format_id) REFERENCES broker_csv_formats(id)
	);

	-- Canonical production executions. seq provides the stable secondary
	-- sort key for same-timestamp executions.
	CREATE TABLE IF NOT EXISTS orders (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		import_batch_id TEXT,
		broker_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		commission REAL DEFAULT 0,
		fees REAL DEFAULT 0,
		placed_at DATETIME,
		executed_at DATETIME NOT NULL,
		route TEXT,
		account TEXT,
		tags TEXT,
		broker_metadata TEXT,
		used_in_trade INTEGER DEFAULT 0,
		trade_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Reconstructed round-trip trades
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL,
		exit_price REAL,
		pnl REAL,
		entry_date DATETIME NOT NULL,
		exit_date DATETIME,
		holding_period TEXT,
		market_session TEXT,
		status TEXT NOT NULL,
		orders_in_trade TEXT,
		is_calculated INTEGER DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Durable idempotency records for approval migrations
	CREATE TABLE IF NOT EXISTS migration_results (
		idempotency_key TEXT PRIMARY KEY,
		format_id TEXT NOT NULL,
		result TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only mapping correction audit trail
	CREATE TABLE IF NOT EXISTS mapping_feedback (
		id TEXT PRIMARY KEY,
		format_id TEXT NOT NULL,
		submitted_by TEXT NOT NULL,
		header TEXT NOT NULL,
		suggested_field TEXT,
		corrected_field TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_formats_signature ON broker_csv_formats(broker_id, signature_hash);
	CREATE INDEX IF NOT EXISTS idx_staging_format_status ON order_staging(format_id, migration_status);
	CREATE INDEX IF NOT EXISTS idx_staging_user ON order_staging(user_id);
	CREATE INDEX IF NOT EXISTS idx_staging_batch ON order_staging(import_batch_id);
	CREATE INDEX IF NOT EXISTS idx_orders_user_symbol ON orders(user_id, symbol);
	CREATE INDEX IF NOT EXISTS idx_orders_executed ON orders(executed_at);
	CREATE INDEX IF NOT EXISTS idx_orders_used ON orders(user_id, used_in_trade);
	CREATE INDEX IF NOT EXISTS idx_trades_user_symbol ON trades(user_id, symbol);
	CREATE INDEX IF NOT EXISTS idx_feedback_format ON mapping_feedback(format_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Broker CSV Format Methods
// ============================================================================

// SaveFormat inserts a new broker csv format.
func (s *SQLiteStore) SaveFormat(ctx context.Context, format *models.BrokerCsvFormat) error {
	headers, err := json.Marshal(format.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	samples, err := json.Marshal(format.SampleData)
	if err != nil {
		return fmt.Errorf("failed to marshal sample data: %w", err)
	}
	mappings, err := json.Marshal(format.FieldMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal field mappings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO broker_csv_formats (id, broker_id, signature_hash, format_name, headers, sample_data, field_mappings, confidence, is_approved, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, format.ID, format.BrokerID, format.SignatureHash, format.FormatName, string(headers), string(samples), string(mappings),
		format.Confidence, boolToInt(format.IsApproved), format.UsageCount, format.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert format: %w", err)
	}
	return nil
}

// UpdateFormat updates an existing broker csv format.
func (s *SQLiteStore) UpdateFormat(ctx context.Context, format *models.BrokerCsvFormat) error {
	mappings, err := json.Marshal(format.FieldMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal field mappings: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE broker_csv_formats
		SET format_name = ?, field_mappings = ?, confidence = ?, is_approved = ?,
		    approved_by = ?, approved_at = ?, rejected_by = ?, rejected_at = ?, reject_reason = ?
		WHERE id = ?
	`, format.FormatName, string(mappings), format.Confidence, boolToInt(format.IsApproved),
		nullStr(format.ApprovedBy), nullTime(format.ApprovedAt), nullStr(format.RejectedBy), nullTime(format.RejectedAt),
		nullStr(format.RejectReason), format.ID)
	if err != nil {
		return fmt.Errorf("failed to update format: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("format %s not found", format.ID)
	}
	return nil
}

// GetFormatByID retrieves a format by its id.
func (s *SQLiteStore) GetFormatByID(ctx context.Context, id string) (*models.BrokerCsvFormat, error) {
	row := s.db.QueryRowContext(ctx, formatSelect+` WHERE id = ?`, id)
	format, err := scanFormat(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("format %s: %w", id, apperrors.ErrFormatNotFound)
	}
	return format, err
}

// GetFormatBySignature retrieves a format by broker and header signature.
// Returns (nil, nil) when no format matches.
func (s *SQLiteStore) GetFormatBySignature(ctx context.Context, brokerID, signature string) (*models.BrokerCsvFormat, error) {
	row := s.db.QueryRowContext(ctx, formatSelect+` WHERE broker_id = ? AND signature_hash = ?`, brokerID, signature)
	format, err := scanFormat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return format, err
}

const formatSelect = `
	SELECT id, broker_id, signature_hash, format_name, headers, sample_data, field_mappings,
	       confidence, is_approved, usage_count, approved_by, approved_at, rejected_by, rejected_at, reject_reason, created_at
	FROM broker_csv_formats`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFormat(row rowScanner) (*models.BrokerCsvFormat, error) {
	var f models.BrokerCsvFormat
	var headers, samples, mappings string
	var formatName, approvedBy, rejectedBy, rejectReason sql.NullString
	var approvedAt, rejectedAt sql.NullTime
	var approved int

	err := row.Scan(&f.ID, &f.BrokerID, &f.SignatureHash, &formatName, &headers, &samples, &mappings,
		&f.Confidence, &approved, &f.UsageCount, &approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectReason, &f.CreatedAt)
	if err != nil {
		return nil, err
	}

	f.FormatName = formatName.String
	f.IsApproved = approved != 0
	f.ApprovedBy = approvedBy.String
	f.RejectedBy = rejectedBy.String
	f.RejectReason = rejectReason.String
	if approvedAt.Valid {
		t := approvedAt.Time
		f.ApprovedAt = &t
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		f.RejectedAt = &t
	}

	if err := json.Unmarshal([]byte(headers), &f.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	if samples != "" {
		if err := json.Unmarshal([]byte(samples), &f.SampleData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample data: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(mappings), &f.FieldMappings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal field mappings: %w", err)
	}

	return &f, nil
}

// IncrementFormatUsage increments the usage counter for a format.
func (s *SQLiteStore) IncrementFormatUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE broker_csv_formats SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// ListFormats returns formats with pending staging row counts.
func (s *SQLiteStore) ListFormats(ctx context.Context, filter FormatFilter) ([]FormatSummary, error) {
	query := formatSelectWithPending
	var conds []string
	var args []interface{}

	if filter.BrokerID != "" {
		conds = append(conds, "f.broker_id = ?")
		args = append(args, filter.BrokerID)
	}
	if filter.Approved != nil {
		conds = append(conds, "f.is_approved = ?")
		args = append(args, boolToInt(*filter.Approved))
	}
	if filter.ExcludeRejected {
		conds = append(conds, "f.rejected_at IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	switch filter.SortBy {
	case SortByConfidence:
		query += " ORDER BY f.confidence ASC"
	case SortByPendingCount:
		query += " ORDER BY pending_count DESC"
	default:
		query += " ORDER BY f.created_at DESC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query formats: %w", err)
	}
	defer rows.Close()

	var summaries []FormatSummary
	for rows.Next() {
		var f models.BrokerCsvFormat
		var headers, samples, mappings string
		var formatName, approvedBy, rejectedBy, rejectReason sql.NullString
		var approvedAt, rejectedAt sql.NullTime
		var approved, pending int

		err := rows.Scan(&f.ID, &f.BrokerID, &f.SignatureHash, &formatName, &headers, &samples, &mappings,
			&f.Confidence, &approved, &f.UsageCount, &approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectReason, &f.CreatedAt, &pending)
		if err != nil {
			return nil, fmt.Errorf("failed to scan format: %w", err)
		}

		f.FormatName = formatName.String
		f.IsApproved = approved != 0
		f.ApprovedBy = approvedBy.String
		f.RejectedBy = rejectedBy.String
		f.RejectReason = rejectReason.String
		if approvedAt.Valid {
			t := approvedAt.Time
			f.ApprovedAt = &t
		}
		if rejectedAt.Valid {
			t := rejectedAt.Time
			f.RejectedAt = &t
		}
		if err := json.Unmarshal([]byte(headers), &f.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
		if samples != "" {
			if err := json.Unmarshal([]byte(samples), &f.SampleData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sample data: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(mappings), &f.FieldMappings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal field mappings: %w", err)
		}

		summaries = append(summaries, FormatSummary{Format: f, PendingCount: pending})
	}

	return summaries, rows.Err()
}

const formatSelectWithPending = `
	SELECT f.id, f.broker_id, f.signature_hash, f.format_name, f.headers, f.sample_data, f.field_mappings,
	       f.confidence, f.is_approved, f.usage_count, f.approved_by, f.approved_at, f.rejected_by, f.rejected_at, f.reject_reason, f.created_at,
	       (SELECT COUNT(*) FROM order_staging st WHERE st.format_id = f.id AND st.migration_status IN ('PENDING','FAILED')) AS pending_count
	FROM broker_csv_formats f`

// ============================================================================
// Advisory Lock Methods
// ============================================================================

// AcquireFormatLock attempts to take the per-format approval lock.
// Re-acquiring with the same owner extends the lease.
func (s *SQLiteStore) AcquireFormatLock(ctx context.Context, formatID, owner string, ttl time.Duration) (bool, string, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Drop expired leases first.
	if _, err := tx.ExecContext(ctx, `DELETE FROM format_locks WHERE format_id = ? AND expires_at < ?`, formatID, now); err != nil {
		return false, "", fmt.Errorf("failed to expire lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO format_locks (format_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, formatID, owner, now, now.Add(ttl))
	if err != nil {
		return false, "", fmt.Errorf("failed to insert lock: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("failed to commit lock: %w", err)
		}
		return true, owner, nil
	}

	var holder string
	if err := tx.QueryRowContext(ctx, `SELECT owner FROM format_locks WHERE format_id = ?`, formatID).Scan(&holder); err != nil {
		return false, "", fmt.Errorf("failed to read lock holder: %w", err)
	}

	if holder == owner {
		if _, err := tx.ExecContext(ctx, `UPDATE format_locks SET expires_at = ? WHERE format_id = ?`, now.Add(ttl), formatID); err != nil {
			return false, "", fmt.Errorf("failed to extend lock: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("failed to commit lock extension: %w", err)
		}
		return true, owner, nil
	}

	return false, holder, tx.Commit()
}

// ReleaseFormatLock releases the lock if held by owner.
func (s *SQLiteStore) ReleaseFormatLock(ctx context.Context, formatID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM format_locks WHERE format_id = ? AND owner = ?`, formatID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ============================================================================
// Order Staging Methods
// ============================================================================

// SaveStagingRows inserts staging rows in one transaction.
func (s *SQLiteStore) SaveStagingRows(ctx context.Context, stagingRows []models.OrderStaging) error {
	if len(stagingRows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_staging (id, user_id, format_id, import_batch_id, row_index, raw_csv_row, initial_mapped, migration_status, retry_count, processing_errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range stagingRows {
		raw, err := json.Marshal(r.RawCsvRow)
		if err != nil {
			return fmt.Errorf("failed to marshal raw row: %w", err)
		}
		mapped, err := json.Marshal(r.InitialMappedData)
		if err != nil {
			return fmt.Errorf("failed to marshal mapped row: %w", err)
		}
		procErrs, err := json.Marshal(r.ProcessingErrors)
		if err != nil {
			return fmt.Errorf("failed to marshal processing errors: %w", err)
		}

		_, err = stmt.ExecContext(ctx, r.ID, r.UserID, r.BrokerCsvFormatID, r.ImportBatchID, r.RowIndex,
			string(raw), string(mapped), string(r.MigrationStatus), r.RetryCount, string(procErrs), r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert staging row %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateStagingRow persists status, errors and linkage for one staging row.
func (s *SQLiteStore) UpdateStagingRow(ctx context.Context, r *models.OrderStaging) error {
	procErrs, err := json.Marshal(r.ProcessingErrors)
	if err != nil {
		return fmt.Errorf("failed to marshal processing errors: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE order_staging
		SET migration_status = ?, retry_count = ?, processing_errors = ?, migrated_order_id = ?, updated_at = ?
		WHERE id = ?
	`, string(r.MigrationStatus), r.RetryCount, string(procErrs), nullStr(r.MigratedOrderID), time.Now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update staging row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("staging row %s not found", r.ID)
	}
	return nil
}

// ClaimStagingRow performs a compare-and-set status transition.
func (s *SQLiteStore) ClaimStagingRow(ctx context.Context, id string, from, to models.MigrationStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_staging SET migration_status = ?, updated_at = ? WHERE id = ? AND migration_status = ?
	`, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to claim staging row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

const stagingSelect = `
	SELECT id, user_id, format_id, import_batch_id, row_index, raw_csv_row, initial_mapped,
	       migration_status, retry_count, processing_errors, migrated_order_id, created_at, updated_at
	FROM order_staging`

// GetStagingRows queries staging rows with optional filters and pagination.
func (s *SQLiteStore) GetStagingRows(ctx context.Context, filter StagingFilter) ([]models.OrderStaging, error) {
	query, args := buildStagingQuery(stagingSelect, filter)
	query += " ORDER BY row_index ASC, created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging rows: %w", err)
	}
	defer rows.Close()

	return scanStagingRows(rows)
}

// CountStagingRows counts staging rows matching the filter.
func (s *SQLiteStore) CountStagingRows(ctx context.Context, filter StagingFilter) (int, error) {
	query, args := buildStagingQuery(`SELECT COUNT(*) FROM order_staging`, filter)
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count staging rows: %w", err)
	}
	return count, nil
}

func buildStagingQuery(base string, filter StagingFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.FormatID != "" {
		conds = append(conds, "format_id = ?")
		args = append(args, filter.FormatID)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.BatchID != "" {
		conds = append(conds, "import_batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "migration_status IN ("+strings.Join(placeholders, ",")+")")
	}

	if len(conds) > 0 {
		base += " WHERE " + strings.Join(conds, " AND ")
	}
	return base, args
}

// ListOrphanedStaging finds PENDING/FAILED rows whose format is approved.
func (s *SQLiteStore) ListOrphanedStaging(ctx context.Context) ([]models.OrderStaging, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, st.user_id, st.format_id, st.import_batch_id, st.row_index, st.raw_csv_row, st.initial_mapped,
		       st.migration_status, st.retry_count, st.processing_errors, st.migrated_order_id, st.created_at, st.updated_at
		FROM order_staging st
		JOIN broker_csv_formats f ON f.id = st.format_id
		WHERE f.is_approved = 1 AND st.migration_status IN ('PENDING', 'FAILED')
		ORDER BY st.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned staging rows: %w", err)
	}
	defer rows.Close()

	return scanStagingRows(rows)
}

func scanStagingRows(rows *sql.Rows) ([]models.OrderStaging, error) {
	var result []models.OrderStaging
	for rows.Next() {
		var r models.OrderStaging
		var raw, status string
		var mapped, procErrs, migratedID sql.NullString

		err := rows.Scan(&r.ID, &r.UserID, &r.BrokerCsvFormatID, &r.ImportBatchID, &r.RowIndex, &raw, &mapped,
			&status, &r.RetryCount, &procErrs, &migratedID, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", err)
		}

		r.MigrationStatus = models.MigrationStatus(status)
		r.MigratedOrderID = migratedID.String
		if err := json.Unmarshal([]byte(raw), &r.RawCsvRow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw row: %w", err)
		}
		if mapped.Valid && mapped.String != "" {
			if err := json.Unmarshal([]byte(mapped.String), &r.InitialMappedData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal mapped row: %w", err)
			}
		}
		if procErrs.Valid && procErrs.String != "" && procErrs.String != "null" {
			if err := json.Unmarshal([]byte(procErrs.String), &r.ProcessingErrors); err != nil {
				return nil, fmt.Errorf("failed to unmarshal processing errors: %w", err)
			}
		}

		result = append(result, r)
	}
	return result, rows.Err()
}

// ============================================================================
// Order Methods
// ============================================================================

// InsertOrders inserts orders in one all-or-nothing transaction.
func (s *SQLiteStore) InsertOrders(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (id, user_id, import_batch_id, broker_id, symbol, side, quantity, price, commission, fees, placed_at, executed_at, route, account, tags, broker_metadata, used_in_trade, trade_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range orders {
		tags, err := json.Marshal(o.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		meta, err := json.Marshal(o.BrokerMetadata)
		if err != nil {
			return fmt.Errorf("failed to marshal broker metadata: %w", err)
		}

		_, err = stmt.ExecContext(ctx, o.ID, o.UserID, o.ImportBatchID, o.BrokerID, o.Symbol, string(o.Side),
			o.Quantity, o.Price, o.Commission, o.Fees, nullTime(o.PlacedAt), o.ExecutedAt, o.Route, o.Account,
			string(tags), string(meta), boolToInt(o.UsedInTrade), nullStr(o.TradeID), o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetOrders retrieves orders ordered by executed time with the insertion
// sequence as the stable tie-break.
func (s *SQLiteStore) GetOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := `
		SELECT seq, id, user_id, import_batch_id, broker_id, symbol, side, quantity, price, commission, fees,
		       placed_at, executed_at, route, account, tags, broker_metadata, used_in_trade, trade_id, created_at
		FROM orders`
	var conds []string
	var args []interface{}

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.BatchID != "" {
		conds = append(conds, "import_batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.UsedInTrade != nil {
		conds = append(conds, "used_in_trade = ?")
		args = append(args, boolToInt(*filter.UsedInTrade))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY executed_at ASC, seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var side, tags, meta string
		var placedAt sql.NullTime
		var route, account, tradeID sql.NullString
		var used int

		err := rows.Scan(&o.Seq, &o.ID, &o.UserID, &o.ImportBatchID, &o.BrokerID, &o.Symbol, &side, &o.Quantity,
			&o.Price, &o.Commission, &o.Fees, &placedAt, &o.ExecutedAt, &route, &account, &tags, &meta, &used, &tradeID, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}

		o.Side = models.OrderSide(side)
		o.Route = route.String
		o.Account = account.String
		o.UsedInTrade = used != 0
		o.TradeID = tradeID.String
		if placedAt.Valid {
			t := placedAt.Time
			o.PlacedAt = &t
		}
		if tags != "" && tags != "null" {
			if err := json.Unmarshal([]byte(tags), &o.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &o.BrokerMetadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal broker metadata: %w", err)
			}
		}

		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AttributeOrders links orders to a trade and marks them used, in one
// transaction.
func (s *SQLiteStore) AttributeOrders(ctx context.Context, tradeID string, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE orders SET used_in_trade = 1, trade_id = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range orderIDs {
		if _, err := stmt.ExecContext(ctx, tradeID, id); err != nil {
			return fmt.Errorf("failed to attribute order %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResetTradeAttribution clears trade links for a user's orders atomically,
// ahead of a full rebuild.
func (s *SQLiteStore) ResetTradeAttribution(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET used_in_trade = 0, trade_id = NULL WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to reset trade attribution: %w", err)
	}
	return nil
}

// RollbackMigration reverses a completed migration for a format.
func (s *SQLiteStore) RollbackMigration(ctx context.Context, formatID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, migrated_order_id FROM order_staging
		WHERE format_id = ? AND migration_status = 'MIGRATED' AND migrated_order_id IS NOT NULL
	`, formatID)
	if err != nil {
		return 0, fmt.Errorf("failed to query migrated rows: %w", err)
	}

	type pair struct{ stagingID, orderID string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.stagingID, &p.orderID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan migrated row: %w", err)
		}
		pairs = append(pairs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, p.orderID); err != nil {
			return 0, fmt.Errorf("failed to delete order %s: %w", p.orderID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE order_staging SET migration_status = 'PENDING', migrated_order_id = NULL, updated_at = ? WHERE id = ?
		`, time.Now().UTC(), p.stagingID); err != nil {
			return 0, fmt.Errorf("failed to reset staging row %s: %w", p.stagingID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rollback: %w", err)
	}
	return len(pairs), nil
}

// ============================================================================
// Trade Methods
// ============================================================================

// InsertTrade inserts a single trade.
func (s *SQLiteStore) InsertTrade(ctx context.Context, t *models.Trade) error {
	ordersJSON, err := json.Marshal(t.OrdersInTrade)
	if err != nil {
		return fmt.Errorf("failed to marshal order ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, symbol, side, quantity, entry_price, exit_price, pnl, entry_date, exit_date, holding_period, market_session, status, orders_in_trade, is_calculated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.ExitPrice, t.PnL,
		t.EntryDate, nullTime(t.ExitDate), string(t.HoldingPeriod), string(t.MarketSession), string(t.Status),
		string(ordersJSON), boolToInt(t.IsCalculated), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// ReplaceCalculatedTrades deletes a user's calculated trades and inserts the
// new set in one transaction. BLANK placeholder trades are preserved.
func (s *SQLiteStore) ReplaceCalculatedTrades(ctx context.Context, userID string, trades []models.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE user_id = ? AND is_calculated = 1`, userID); err != nil {
		return fmt.Errorf("failed to delete calculated trades: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (id, user_id, symbol, side, quantity, entry_price, exit_price, pnl, entry_date, exit_date, holding_period, market_session, status, orders_in_trade, is_calculated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		ordersJSON, err := json.Marshal(t.OrdersInTrade)
		if err != nil {
			return fmt.Errorf("failed to marshal order ids: %w", err)
		}
		_, err = stmt.ExecContext(ctx, t.ID, t.UserID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.ExitPrice,
			t.PnL, t.EntryDate, nullTime(t.ExitDate), string(t.HoldingPeriod), string(t.MarketSession), string(t.Status),
			string(ordersJSON), boolToInt(t.IsCalculated), t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteTrades removes trades by id in one transaction. Attribution on the
// constituent orders is untouched.
func (s *SQLiteStore) DeleteTrades(ctx context.Context, tradeIDs []string) error {
	if len(tradeIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM trades WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range tradeIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete trade %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTrades retrieves trades for a user.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := `
		SELECT id, user_id, symbol, side, quantity, entry_price, exit_price, pnl, entry_date, exit_date,
		       holding_period, market_session, status, orders_in_trade, is_calculated, created_at
		FROM trades`
	var conds []string
	var args []interface{}

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY entry_date ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var side, holding, session, status string
		var ordersJSON sql.NullString
		var exitDate sql.NullTime
		var entryPrice, exitPrice, pnl sql.NullFloat64
		var calculated int

		err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side, &t.Quantity, &entryPrice, &exitPrice, &pnl,
			&t.EntryDate, &exitDate, &holding, &session, &status, &ordersJSON, &calculated, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		t.Side = models.OrderSide(side)
		t.EntryPrice = entryPrice.Float64
		t.ExitPrice = exitPrice.Float64
		t.PnL = pnl.Float64
		t.HoldingPeriod = models.HoldingPeriod(holding)
		t.MarketSession = models.MarketSession(session)
		t.Status = models.TradeStatus(status)
		t.IsCalculated = calculated != 0
		if exitDate.Valid {
			d := exitDate.Time
			t.ExitDate = &d
		}
		if ordersJSON.Valid && ordersJSON.String != "" && ordersJSON.String != "null" {
			if err := json.Unmarshal([]byte(ordersJSON.String), &t.OrdersInTrade); err != nil {
				return nil, fmt.Errorf("failed to unmarshal order ids: %w", err)
			}
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// Idempotency & Feedback Methods
// ============================================================================

// GetMigrationResult retrieves a cached migration result for an idempotency
// key. Returns (nil, nil) when no record exists.
func (s *SQLiteStore) GetMigrationResult(ctx context.Context, idempotencyKey string) (*models.MigrationResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM migration_results WHERE idempotency_key = ?`, idempotencyKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query migration result: %w", err)
	}

	var result models.MigrationResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal migration result: %w", err)
	}
	return &result, nil
}

// SaveMigrationResult records the outcome of a successful migration under an
// idempotency key.
func (s *SQLiteStore) SaveMigrationResult(ctx context.Context, idempotencyKey string, result *models.MigrationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal migration result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO migration_results (idempotency_key, format_id, result) VALUES (?, ?, ?)
	`, idempotencyKey, result.FormatID, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save migration result: %w", err)
	}
	return nil
}

// SaveMappingFeedback appends a mapping correction record.
func (s *SQLiteStore) SaveMappingFeedback(ctx context.Context, fb *models.MappingFeedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mapping_feedback (id, format_id, submitted_by, header, suggested_field, corrected_field, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, fb.ID, fb.FormatID, fb.SubmittedBy, fb.Header, string(fb.SuggestedField), string(fb.CorrectedField), fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save mapping feedback: %w", err)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
