package sink

import (
	"context"

	"filingsync/internal/record"
)

// Result summarises one chunk write.
type Result struct {
	Inserted int
	Updated  int
	// Unchanged counts rows that matched a stored record without adding
	// anything to it.
	Unchanged int
	// Failed counts rows lost on the row-at-a-time fallback path.
	Failed int
	// Fallback is set when the batch path failed and rows were written
	// one at a time.
	Fallback bool
	// RowErrors aggregates the errors of failed rows.
	RowErrors error
}

// Written is the number of rows that reached the store.
func (r Result) Written() int {
	return r.Inserted + r.Updated + r.Unchanged
}

// Sink persists one chunk of parsed records. Rows are applied in slice
// order, so later duplicates of an id win field by field.
//
// An error means nothing of the chunk was committed. Individual bad rows do
// not fail the call; they are reported through Result.
type Sink interface {
	Write(ctx context.Context, recs []*record.Record) (Result, error)
}
