// Package history persists finished task runs for the CLI's status,
// history, and clear commands. Two backends: a pure-Go SQLite file for
// local use and PostgreSQL for shared deployments.
package history

import (
	"context"

	"github.com/kestrelworks/conductor"
)

// Store is a run-record backend. It extends conductor.RunRecorder with
// the query side used by the CLI.
type Store interface {
	conductor.RunRecorder
	// List returns the most recent records, newest first. A non-empty
	// search filters on task text substring match.
	List(ctx context.Context, search string, limit int) ([]conductor.RunRecord, error)
	// Clear deletes all records and reports how many were removed.
	Clear(ctx context.Context) (int64, error)
	Close() error
}
