package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/lvzi316/mathviz/internal/config"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a connection pool from the database section of the
// engine config.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// poolConfig maps the config section onto pgx pool settings.
// Zero-valued tuning fields fall back to the defaults below.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = 2
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute
	return poolCfg, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, mode, status, resource, code_hash, code_bytes,
			output, error_detail, artifact_path, duration_ms, cpu_time_ms,
			memory_peak_kb, violations, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Mode, exec.Status, exec.Resource,
		exec.CodeHash, exec.CodeBytes,
		truncateForDB(exec.Output, 65535),
		truncateForDB(exec.ErrorDetail, 65535),
		exec.ArtifactPath,
		exec.DurationMS, exec.CPUTimeMS, exec.MemoryPeakKB,
		exec.Violations,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogViolation inserts one flagged violation record.
func (db *DB) LogViolation(ctx context.Context, v *ViolationRecord) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO violations (id, execution_id, category, symbol, line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		v.ID, v.ExecutionID, v.Category, v.Symbol, v.Line, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting violation: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, mode, status, resource, code_hash, code_bytes,
			output, error_detail, artifact_path, duration_ms, cpu_time_ms,
			memory_peak_kb, violations, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Mode, &exec.Status, &exec.Resource,
		&exec.CodeHash, &exec.CodeBytes,
		&exec.Output, &exec.ErrorDetail, &exec.ArtifactPath,
		&exec.DurationMS, &exec.CPUTimeMS, &exec.MemoryPeakKB,
		&exec.Violations,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, mode, status, resource, code_hash, duration_ms,
			violations, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR mode = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`

	rows, err := db.pool.Query(ctx, query,
		filter.Mode, filter.Status, filter.Since, filter.Until,
		clampListLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Mode, &exec.Status, &exec.Resource,
			&exec.CodeHash, &exec.DurationMS, &exec.Violations,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func clampListLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
