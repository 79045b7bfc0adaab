// Package warehouse reads KPI snapshot rows from the analytics warehouse.
package warehouse

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/revops-tools/kpisync/pkg/delta"
	"github.com/revops-tools/kpisync/pkg/kpierrors"
)

// defaultSnapshotTable holds the periodic KPI snapshot rows.
const defaultSnapshotTable = "business_review_kpis"

// Reader fetches metric snapshots from Postgres. The query filters the
// trailing window and metric allow-list server-side; ranking and delta
// derivation happen in the delta package.
type Reader struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	table  string
}

// Config configures a warehouse Reader.
type Config struct {
	ConnectionString string
	MaxConns         int32
	// Table overrides the snapshot table name; defaults to business_review_kpis
	Table string
}

// NewReader connects to the warehouse and validates the connection.
func NewReader(ctx context.Context, cfg Config, logger *zap.Logger) (*Reader, error) {
	if cfg.ConnectionString == "" {
		return nil, kpierrors.New(kpierrors.ErrorTypeConfig, "warehouse connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConfig, "failed to parse connection string")
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "failed to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "failed to validate warehouse connection")
	}

	table := cfg.Table
	if table == "" {
		table = defaultSnapshotTable
	}

	logger.Info("connected to warehouse",
		zap.String("table", table),
		zap.Int32("max_connections", poolConfig.MaxConns))

	return &Reader{
		pool:   pool,
		logger: logger,
		table:  table,
	}, nil
}

// FetchSnapshots returns all snapshot rows for the tracked metrics taken
// after the window start, restricted to the current accounting year. Rows
// come back unranked; the caller derives first/last/delta per partition.
func (r *Reader) FetchSnapshots(ctx context.Context, windowStart time.Time, metrics []string) ([]delta.Snapshot, error) {
	if len(metrics) == 0 {
		return nil, kpierrors.New(kpierrors.ErrorTypeValidation, "metric allow-list must not be empty")
	}

	query := `
		SELECT organization_id::text, organization_name, kpi, value::float8, run_timestamp
		FROM ` + r.table + `
		WHERE run_timestamp > $1
		  AND accounting_year_parameter = EXTRACT(YEAR FROM NOW())
		  AND kpi = ANY($2)`

	rows, err := r.pool.Query(ctx, query, windowStart, metrics)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "snapshot query failed")
	}
	defer rows.Close()

	var snapshots []delta.Snapshot
	for rows.Next() {
		var snap delta.Snapshot
		if err := rows.Scan(&snap.EntityID, &snap.EntityName, &snap.Metric, &snap.Value, &snap.Timestamp); err != nil {
			return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeData, "failed to scan snapshot row")
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "snapshot row iteration failed")
	}

	r.logger.Info("fetched warehouse snapshots",
		zap.Int("rows", len(snapshots)),
		zap.Time("window_start", windowStart),
		zap.Strings("metrics", metrics))

	return snapshots, nil
}

// Close releases the connection pool.
func (r *Reader) Close() {
	r.pool.Close()
}
