// Package backfill fills derived fields that are missing on read, without
// ever making the read wait on the network.
package backfill

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/metrics"
	"filingsync/internal/record"
	"filingsync/internal/store"
	"filingsync/internal/workpool"
)

// FetchedKey marks, in a record's payload, that the upstream document was
// fetched. A record carrying it is not fetched again for a target the
// document could not provide.
const FetchedKey = "_fetched_at"

// Fetcher returns the upstream document of one entity.
type Fetcher interface {
	FetchByID(ctx context.Context, kind record.Kind, id string) (map[string]any, error)
}

// Store is the part of the record store the worker writes through.
type Store interface {
	UpsertRecords(ctx context.Context, recs []*record.Record) (store.UpsertStats, error)
	FillField(ctx context.Context, id, field, value, origin string) (bool, error)
	Now() time.Time
}

// Worker resolves derived fields on read.
//
//	present            -> returned as is
//	derivable locally  -> returned now, persisted in the background
//	otherwise          -> returned absent, fetched by id in the background
type Worker struct {
	store    Store
	fetcher  Fetcher
	pool     *workpool.Pool
	inflight *workpool.Registry
	timeout  time.Duration
	metrics  *metrics.Metrics
}

// New builds a worker. inflight holds the (id, target) pairs with a task
// queued or running; m may be nil.
func New(st Store, f Fetcher, pool *workpool.Pool, inflight *workpool.Registry, timeout time.Duration, m *metrics.Metrics) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{store: st, fetcher: f, pool: pool, inflight: inflight, timeout: timeout, metrics: m}
}

// Resolve returns the value of target on rec. A value derived from the
// record's payload is also set on rec.
func (w *Worker) Resolve(ctx context.Context, rec *record.Record, target string) (string, bool) {
	if v, ok := rec.Fields.Get(target); ok {
		w.metrics.RecordBackfill(metrics.BackfillPresent)
		return v, true
	}

	if v, ok := Derive(rec.Extra, target); ok {
		rec.Fields.Set(target, v)
		w.metrics.RecordBackfill(metrics.BackfillDerived)
		w.enqueue(rec.ID, target, w.persistTask(rec.ID, target, v))
		return v, true
	}

	if _, fetched := rec.Extra[FetchedKey]; fetched {
		return "", false
	}
	w.enqueue(rec.ID, target, w.fetchTask(rec.Kind, rec.ID, target))
	return "", false
}

// ResolveAll resolves every derived field of rec's kind.
func (w *Worker) ResolveAll(ctx context.Context, rec *record.Record) {
	for _, target := range Targets[rec.Kind] {
		w.Resolve(ctx, rec, target)
	}
}

func (w *Worker) enqueue(id, target string, t workpool.Task) {
	key := id + "|" + target
	ok, err := w.inflight.Go(w.pool, key, "backfill "+key, t)
	switch {
	case err != nil:
		w.metrics.RecordBackfill(metrics.BackfillRejected)
		log.WithFields(log.Fields{"id": id, "target": target}).WithError(err).Warn("backfill task dropped")
	case ok:
		w.metrics.RecordBackfill(metrics.BackfillEnqueued)
	}
}

// persistTask stores a derived value. The stored record keeps whichever
// channel last wrote it, and a value written meanwhile is not overwritten.
func (w *Worker) persistTask(id, target, value string) workpool.Task {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()

		if _, err := w.store.FillField(ctx, id, target, value, "derived:"+target); err != nil {
			return errors.Wrapf(err, "persist derived %s of %s", target, id)
		}
		return nil
	}
}

func (w *Worker) fetchTask(kind record.Kind, id, target string) workpool.Task {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()

		doc, err := w.fetcher.FetchByID(ctx, kind, id)
		if err != nil {
			return errors.Wrapf(err, "fetch %s %s", kind, id)
		}
		w.metrics.RecordBackfill(metrics.BackfillFetched)

		incoming := FromDocument(kind, id, doc, "api:backfill")
		incoming.Extra[FetchedKey] = w.store.Now().UTC().Format(time.RFC3339)
		if _, ok := incoming.Fields.Get(target); !ok {
			if v, ok := Derive(incoming.Extra, target); ok {
				incoming.Fields.Set(target, v)
			} else {
				log.WithFields(log.Fields{"id": id, "target": target}).Debug("fetched document has no value for target")
			}
		}
		if _, err := w.store.UpsertRecords(ctx, []*record.Record{incoming}); err != nil {
			return errors.Wrapf(err, "persist fetched %s", id)
		}
		return nil
	}
}

// FromDocument maps an upstream document of kind onto a record. The id is
// forced to id so a document keyed differently still lands on the record
// that asked for it.
func FromDocument(kind record.Kind, id string, doc map[string]any, origin string) *record.Record {
	if m, ok := record.Mappings[kind]; ok {
		if rec, ok := m.Apply(doc, origin); ok {
			rec.ID = id
			return rec
		}
	}
	return record.New(id, kind, record.Fields{}, record.Extra(doc), record.ChannelAPI, origin)
}
