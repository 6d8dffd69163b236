// Package state persists sync cursors between runs.
package state

import "context"

// Keys under which the sync pipeline stores its cursors.
const (
	// KeyLastSequence is the highest change feed sequence id that has been
	// fully processed and committed.
	KeyLastSequence = "updates.last_sequence"

	// KeyLastRunDate is the calendar date of the last completed run, used
	// as the date fallback when no sequence cursor exists.
	KeyLastRunDate = "updates.last_run_date"
)

// CursorStore reads and writes named cursor values. A missing key is
// returned as the empty string, not as an error.
type CursorStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}
