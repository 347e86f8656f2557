package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/config"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	schemaSQL = `
    CREATE TABLE IF NOT EXISTS report_events (
        id          BIGSERIAL PRIMARY KEY,
        chain_id    BIGINT NOT NULL,
        tx_hash     TEXT NOT NULL,
        query_id    TEXT NOT NULL,
        query_type  TEXT NOT NULL,
        asset       TEXT NOT NULL DEFAULT '',
        currency    TEXT NOT NULL DEFAULT '',
        value       TEXT NOT NULL DEFAULT '',
        reporter    TEXT NOT NULL DEFAULT '',
        disputable  BOOLEAN,
        removable   BOOLEAN NOT NULL DEFAULT FALSE,
        status      TEXT NOT NULL DEFAULT '',
        link        TEXT NOT NULL DEFAULT '',
        reported_at TIMESTAMPTZ NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (chain_id, tx_hash)
    );
    CREATE TABLE IF NOT EXISTS alerts (
        id         BIGSERIAL PRIMARY KEY,
        source     TEXT NOT NULL,
        subject    TEXT NOT NULL,
        channels   TEXT[] NOT NULL DEFAULT '{}',
        chain_id   BIGINT NOT NULL DEFAULT 0,
        tx_hash    TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertReportSQL = `INSERT INTO report_events (
        chain_id, tx_hash, query_id, query_type, asset, currency,
        value, reporter, disputable, removable, status, link, reported_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (chain_id, tx_hash) DO UPDATE
    SET disputable = EXCLUDED.disputable,
        removable  = EXCLUDED.removable,
        status     = EXCLUDED.status
    RETURNING id, created_at;`

	listRecentReportsSQL = `SELECT
        id, chain_id, tx_hash, query_id, query_type, asset, currency,
        value, reporter, disputable, removable, status, link, reported_at, created_at
    FROM report_events
    ORDER BY reported_at DESC
    LIMIT $1;`

	listReportsBetweenSQL = `SELECT
        id, chain_id, tx_hash, query_id, query_type, asset, currency,
        value, reporter, disputable, removable, status, link, reported_at, created_at
    FROM report_events
    WHERE reported_at >= $1 AND reported_at < $2
    ORDER BY reported_at ASC;`

	countReportsSQL = `SELECT COUNT(*) FROM report_events;`

	insertAlertSQL = `INSERT INTO alerts (
        source, subject, channels, chain_id, tx_hash
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id, source, subject, channels, chain_id, tx_hash, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// ReportStore defines operations for report persistence.
type ReportStore interface {
	InsertReport(ctx context.Context, rec ReportRecord) (ReportRecord, error)
	ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error)
	CountReports(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, rec AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// Store aggregates access to reports and alerts. A nil Store (no database
// configured) fails every call with ErrNotConfigured.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the audit tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, schemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertReport persists a displayed report. Replays update the mutable
// dispute columns instead of duplicating the row.
func (s *Store) InsertReport(ctx context.Context, rec ReportRecord) (ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ReportRecord{}, err
	}

	var disputable interface{}
	if rec.Disputable != nil {
		disputable = *rec.Disputable
	}

	row := pool.QueryRow(ctx, insertReportSQL,
		int64(rec.ChainID),
		rec.TxHash,
		rec.QueryID,
		rec.QueryType,
		rec.Asset,
		rec.Currency,
		rec.Value.String(),
		rec.Reporter,
		disputable,
		rec.Removable,
		rec.Status,
		rec.Link,
		rec.ReportedAt,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return ReportRecord{}, fmt.Errorf("insert report: %w", scanErr)
	}
	return rec, nil
}

// ListRecentReports lists the most recent reports ordered by reported_at.
func (s *Store) ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentReportsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent reports: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ReportRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanReport(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListReportsBetween returns reports inside [from, to) in ascending order.
func (s *Store) ListReportsBetween(ctx context.Context, from, to time.Time) ([]ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReportsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list reports between: %w", queryErr)
	}
	defer rows.Close()

	var records []ReportRecord
	for rows.Next() {
		rec, scanErr := scanReport(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountReports counts stored report rows.
func (s *Store) CountReports(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReportsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count reports: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		rec.Source,
		rec.Subject,
		rec.Channels,
		int64(rec.ChainID),
		rec.TxHash,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var chainID int64
		if err := rows.Scan(
			&rec.ID,
			&rec.Source,
			&rec.Subject,
			&rec.Channels,
			&chainID,
			&rec.TxHash,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.ChainID = uint64(chainID)
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanReport(rows pgx.Rows) (ReportRecord, error) {
	var (
		rec        ReportRecord
		chainID    int64
		valueStr   string
		disputable sql.NullBool
	)

	if err := rows.Scan(
		&rec.ID,
		&chainID,
		&rec.TxHash,
		&rec.QueryID,
		&rec.QueryType,
		&rec.Asset,
		&rec.Currency,
		&valueStr,
		&rec.Reporter,
		&disputable,
		&rec.Removable,
		&rec.Status,
		&rec.Link,
		&rec.ReportedAt,
		&rec.CreatedAt,
	); err != nil {
		return ReportRecord{}, err
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("parse report value: %w", err)
	}
	rec.Value = value
	rec.ChainID = uint64(chainID)

	if disputable.Valid {
		v := disputable.Bool
		rec.Disputable = &v
	}

	return rec, nil
}
