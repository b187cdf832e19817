package sink

import (
	"context"
	"database/sql"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/record"
	"filingsync/internal/store"
)

// StoreSink writes chunks into the record store. Each chunk is one
// transaction: the batch path runs inside a savepoint and, when it fails, is
// rolled back and replaced by row-at-a-time upserts in their own savepoints
// so a bad row loses only itself.
type StoreSink struct {
	db *store.DB
}

func NewStoreSink(db *store.DB) *StoreSink {
	return &StoreSink{db: db}
}

func (s *StoreSink) Write(ctx context.Context, recs []*record.Record) (Result, error) {
	var res Result
	if len(recs) == 0 {
		return res, nil
	}
	err := s.db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := s.db.Now()
		res = Result{}
		err := store.Savepoint(ctx, tx, "chunk", func() error {
			return writeBatch(ctx, tx, recs, now, &res)
		})
		if err == nil {
			return nil
		}
		if store.IsBusy(err) || ctx.Err() != nil {
			return err
		}
		log.WithError(err).WithField("rows", len(recs)).Warn("batch write failed, falling back to row-at-a-time")

		res = Result{Fallback: true}
		return writeRows(ctx, tx, recs, now, &res)
	})
	return res, err
}

// writeBatch partitions recs into new and stored ids. New ids are inserted
// with multi-row statements; stored ones are merged in arrival order and
// updated once each.
func writeBatch(ctx context.Context, tx *sql.Tx, recs []*record.Record, now time.Time, res *Result) error {
	ids := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.ID]; !ok {
			seen[r.ID] = struct{}{}
			ids = append(ids, r.ID)
		}
	}
	stored, err := store.LoadRecords(ctx, tx, ids)
	if err != nil {
		return err
	}

	var (
		inserts []*record.Record
		current = make(map[string]*record.Record, len(ids))
		dirty   = make(map[string]bool)
		order   []string
	)
	for _, r := range recs {
		if cur, ok := current[r.ID]; ok {
			if record.MergeRecord(cur, r) {
				dirty[r.ID] = true
			}
			continue
		}
		if cur, ok := stored[r.ID]; ok {
			current[r.ID] = cur
			order = append(order, r.ID)
			if record.MergeRecord(cur, r) {
				dirty[r.ID] = true
			}
			continue
		}
		fresh := r.Clone()
		current[r.ID] = fresh
		inserts = append(inserts, fresh)
	}

	if err := store.InsertRecords(ctx, tx, inserts, now); err != nil {
		return err
	}
	res.Inserted = len(inserts)
	for _, id := range order {
		if !dirty[id] {
			res.Unchanged++
			continue
		}
		if err := store.UpdateRecord(ctx, tx, current[id], now); err != nil {
			return errors.Wrapf(err, "update record %s", id)
		}
		res.Updated++
	}
	return nil
}

func writeRows(ctx context.Context, tx *sql.Tx, recs []*record.Record, now time.Time, res *Result) error {
	var rowErrs *multierror.Error
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		var inserted bool
		err := store.Savepoint(ctx, tx, "row", func() error {
			var err error
			inserted, err = store.MergeOne(ctx, tx, r, now)
			return err
		})
		if err != nil {
			if store.IsBusy(err) || ctx.Err() != nil {
				return err
			}
			res.Failed++
			rowErrs = multierror.Append(rowErrs, errors.Wrapf(err, "record %s", r.ID))
			continue
		}
		switch {
		case seen[r.ID]:
		case inserted:
			res.Inserted++
		default:
			res.Updated++
		}
		seen[r.ID] = true
	}
	res.RowErrors = rowErrs.ErrorOrNil()
	return nil
}
