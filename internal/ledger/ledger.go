package ledger

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/openauthority/authsync/internal/model"
)

// ErrRunActive is returned by AcquireRunLock when another process already
// holds the run lock. Callers abort quietly rather than treating it as a
// failure.
var ErrRunActive = eris.New("another sync run holds the lock")

// Ledger is the persistence interface for the reconciliation engine. It
// records which activity tuples have been fully handled, keeps a history
// of runs, and arbitrates run exclusivity. Completed entries are append
// only: once a unique id is marked it stays marked.
type Ledger interface {
	// Completed activities
	Has(ctx context.Context, uniqueID string) (bool, error)
	MarkCompleted(ctx context.Context, tuple model.ActivityTuple) error
	CountCompleted(ctx context.Context) (int64, error)

	// Run history
	RecordRun(ctx context.Context, rec model.RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)

	// Run exclusivity
	AcquireRunLock(ctx context.Context) error
	ReleaseRunLock(ctx context.Context) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open constructs the Ledger named by driver: "sqlite" (the default) opens
// a local file at path, "postgres" connects to databaseURL.
func Open(ctx context.Context, driver, path, databaseURL string) (Ledger, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(ctx, databaseURL, nil)
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", driver)
	}
}
