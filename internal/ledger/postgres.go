package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/openauthority/authsync/internal/model"
)

// Pool is the subset of pgxpool.Pool the ledger uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresLedger implements Ledger using pgxpool.
type PostgresLedger struct {
	pool    Pool
	lockTx  pgx.Tx
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// runLockKey is the advisory lock key for run exclusivity, shared by every
// process pointed at the same database. Spells "authsync" in ASCII.
const runLockKey = int64(0x6175746873796e63)

// preparedStatements lists queries to prepare on each new connection. Has
// and MarkCompleted run once per walked tuple, so they dominate traffic.
var preparedStatements = map[string]string{
	"has_completed": `SELECT 1 FROM completed_activities WHERE unique_id = $1`,
	"mark_completed": `INSERT INTO completed_activities
	 (unique_id, authority_id, update_date, published_date, completed_at)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (unique_id) DO NOTHING`,
}

// NewPostgres creates a PostgresLedger with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresLedger, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// The engine is single threaded; a small pool covers queries plus the
	// pinned lock transaction.
	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresLedger{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS completed_activities (
	unique_id      TEXT PRIMARY KEY,
	authority_id   TEXT NOT NULL,
	update_date    TEXT NOT NULL,
	published_date TEXT NOT NULL,
	completed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_completed_authority ON completed_activities(authority_id);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	status       TEXT NOT NULL DEFAULT 'running',
	dry_run      BOOLEAN NOT NULL DEFAULT false,
	pages_walked INTEGER NOT NULL DEFAULT 0,
	processed    INTEGER NOT NULL DEFAULT 0,
	failures     INTEGER NOT NULL DEFAULT 0,
	conflicts    INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	return eris.Wrap(l.pool.Ping(ctx), "postgres: ping")
}

func (l *PostgresLedger) Close() error {
	if l.lockTx != nil {
		_ = l.lockTx.Rollback(context.Background())
		l.lockTx = nil
	}
	if l.closeFn != nil {
		l.closeFn()
	}
	return nil
}

func (l *PostgresLedger) Has(ctx context.Context, uniqueID string) (bool, error) {
	var one int
	err := l.pool.QueryRow(ctx,
		`SELECT 1 FROM completed_activities WHERE unique_id = $1`,
		uniqueID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrapf(err, "postgres: has %s", uniqueID)
	}
	return true, nil
}

func (l *PostgresLedger) MarkCompleted(ctx context.Context, tuple model.ActivityTuple) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO completed_activities
	 (unique_id, authority_id, update_date, published_date, completed_at)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (unique_id) DO NOTHING`,
		tuple.UniqueID(), tuple.AuthorityID, tuple.UpdateDate, tuple.PublishedDate,
		time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: mark completed %s", tuple.UniqueID())
}

func (l *PostgresLedger) CountCompleted(ctx context.Context) (int64, error) {
	var n int64
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM completed_activities`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count completed")
}

func (l *PostgresLedger) RecordRun(ctx context.Context, rec model.RunRecord) error {
	var finished *time.Time
	if !rec.FinishedAt.IsZero() {
		t := rec.FinishedAt.UTC()
		finished = &t
	}
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO runs
		 (id, started_at, finished_at, status, dry_run, pages_walked, processed, failures, conflicts, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   finished_at = EXCLUDED.finished_at, status = EXCLUDED.status,
		   dry_run = EXCLUDED.dry_run, pages_walked = EXCLUDED.pages_walked,
		   processed = EXCLUDED.processed, failures = EXCLUDED.failures,
		   conflicts = EXCLUDED.conflicts, error = EXCLUDED.error`,
		rec.ID, rec.StartedAt.UTC(), finished, rec.Status, rec.DryRun,
		rec.PagesWalked, rec.Processed, rec.Failures, rec.Conflicts, errMsg,
	)
	return eris.Wrapf(err, "postgres: record run %s", rec.ID)
}

func (l *PostgresLedger) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, started_at, finished_at, status, dry_run, pages_walked, processed, failures, conflicts, error
		 FROM runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var recs []model.RunRecord
	for rows.Next() {
		var rec model.RunRecord
		var finished *time.Time
		var errMsg *string
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &finished, &rec.Status, &rec.DryRun,
			&rec.PagesWalked, &rec.Processed, &rec.Failures, &rec.Conflicts, &errMsg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if finished != nil {
			rec.FinishedAt = *finished
		}
		if errMsg != nil {
			rec.Error = *errMsg
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// AcquireRunLock takes a transaction scoped advisory lock and keeps the
// transaction open until release. Losing the connection loses the lock,
// so a crashed run never leaves a stale lease behind.
func (l *PostgresLedger) AcquireRunLock(ctx context.Context) error {
	if l.lockTx != nil {
		return nil
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin lock tx")
	}

	var acquired bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, runLockKey,
	).Scan(&acquired); err != nil {
		_ = tx.Rollback(ctx)
		return eris.Wrap(err, "postgres: try run lock")
	}
	if !acquired {
		_ = tx.Rollback(ctx)
		return ErrRunActive
	}
	l.lockTx = tx
	return nil
}

func (l *PostgresLedger) ReleaseRunLock(ctx context.Context) error {
	if l.lockTx == nil {
		return nil
	}
	err := l.lockTx.Rollback(ctx)
	l.lockTx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return eris.Wrap(err, "postgres: release run lock")
	}
	return nil
}
