package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/openauthority/authsync/internal/model"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db         *sql.DB
	holder     string
	staleAfter time.Duration
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLedger{
		db:         db,
		holder:     uuid.New().String(),
		staleAfter: 2 * time.Hour,
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS completed_activities (
	unique_id      TEXT PRIMARY KEY,
	authority_id   TEXT NOT NULL,
	update_date    TEXT NOT NULL,
	published_date TEXT NOT NULL,
	completed_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_completed_authority ON completed_activities(authority_id);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   DATETIME NOT NULL,
	finished_at  DATETIME,
	status       TEXT NOT NULL DEFAULT 'running',
	dry_run      INTEGER NOT NULL DEFAULT 0,
	pages_walked INTEGER NOT NULL DEFAULT 0,
	processed    INTEGER NOT NULL DEFAULT 0,
	failures     INTEGER NOT NULL DEFAULT 0,
	conflicts    INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS run_lock (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	holder      TEXT NOT NULL,
	acquired_at DATETIME NOT NULL
);
`

func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return eris.Wrap(l.db.PingContext(ctx), "sqlite: ping")
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) Has(ctx context.Context, uniqueID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM completed_activities WHERE unique_id = ?`,
		uniqueID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has %s", uniqueID)
	}
	return true, nil
}

func (l *SQLiteLedger) MarkCompleted(ctx context.Context, tuple model.ActivityTuple) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO completed_activities
		 (unique_id, authority_id, update_date, published_date, completed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tuple.UniqueID(), tuple.AuthorityID, tuple.UpdateDate, tuple.PublishedDate,
		time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark completed %s", tuple.UniqueID())
}

func (l *SQLiteLedger) CountCompleted(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM completed_activities`,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count completed")
}

func (l *SQLiteLedger) RecordRun(ctx context.Context, rec model.RunRecord) error {
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC()
	}
	var errMsg any
	if rec.Error != "" {
		errMsg = rec.Error
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs
		 (id, started_at, finished_at, status, dry_run, pages_walked, processed, failures, conflicts, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   finished_at = excluded.finished_at, status = excluded.status,
		   dry_run = excluded.dry_run, pages_walked = excluded.pages_walked,
		   processed = excluded.processed, failures = excluded.failures,
		   conflicts = excluded.conflicts, error = excluded.error`,
		rec.ID, rec.StartedAt.UTC(), finished, rec.Status, rec.DryRun,
		rec.PagesWalked, rec.Processed, rec.Failures, rec.Conflicts, errMsg,
	)
	return eris.Wrapf(err, "sqlite: record run %s", rec.ID)
}

func (l *SQLiteLedger) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, dry_run, pages_walked, processed, failures, conflicts, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var recs []model.RunRecord
	for rows.Next() {
		var rec model.RunRecord
		var finished sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &finished, &rec.Status, &rec.DryRun,
			&rec.PagesWalked, &rec.Processed, &rec.Failures, &rec.Conflicts, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// AcquireRunLock takes the single-row lock table lease. A lease older than
// staleAfter is treated as abandoned by a crashed run and cleared first.
func (l *SQLiteLedger) AcquireRunLock(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-l.staleAfter)
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM run_lock WHERE acquired_at <= ?`, cutoff,
	); err != nil {
		return eris.Wrap(err, "sqlite: clear stale run lock")
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_lock (id, holder, acquired_at) VALUES (1, ?, ?)`,
		l.holder, time.Now().UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "constraint") {
			return ErrRunActive
		}
		return eris.Wrap(err, "sqlite: acquire run lock")
	}
	return nil
}

func (l *SQLiteLedger) ReleaseRunLock(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM run_lock WHERE id = 1 AND holder = ?`, l.holder,
	)
	return eris.Wrap(err, "sqlite: release run lock")
}
