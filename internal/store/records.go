package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"filingsync/internal/record"
)

const recordColumns = `id, kind, parent_id, related_id, name, city, state, zip, employer, occupation,
	code, memo, document_url, amount, date, source_channel, last_updated_from, extra, created_at, updated_at`

const recordColumnCount = 20

// lookupBatch bounds the number of ids bound into a single IN (...) query.
const lookupBatch = 500

// UpsertStats summarises one upsert call.
type UpsertStats struct {
	Inserted int
	Updated  int
}

// GetRecord loads one record by natural id.
func (d *DB) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// LoadRecords returns the stored records among ids, keyed by id.
func LoadRecords(ctx context.Context, q Querier, ids []string) (map[string]*record.Record, error) {
	out := make(map[string]*record.Record, len(ids))
	for start := 0; start < len(ids); start += lookupBatch {
		end := start + lookupBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := q.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE id IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return nil, errors.Wrap(err, "load records")
		}
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[rec.ID] = rec
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "load records")
		}
		rows.Close()
	}
	return out, nil
}

// InsertRecords writes brand-new records with multi-row inserts. Any failure
// (including a duplicate id) aborts the call; callers wrap it in a savepoint
// and fall back to row-at-a-time writes.
func InsertRecords(ctx context.Context, tx *sql.Tx, recs []*record.Record, now time.Time) error {
	const rowsPerStatement = 200
	for start := 0; start < len(recs); start += rowsPerStatement {
		end := start + rowsPerStatement
		if end > len(recs) {
			end = len(recs)
		}
		batch := recs[start:end]
		values := make([]string, len(batch))
		args := make([]any, 0, len(batch)*recordColumnCount)
		for i, rec := range batch {
			stampNew(rec, now)
			values[i] = "(" + placeholders(recordColumnCount) + ")"
			vals, err := recordArgs(rec)
			if err != nil {
				return err
			}
			args = append(args, vals...)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES `+strings.Join(values, ","), args...); err != nil {
			return errors.Wrap(err, "bulk insert records")
		}
	}
	return nil
}

// InsertRecord writes one brand-new record.
func InsertRecord(ctx context.Context, tx *sql.Tx, rec *record.Record, now time.Time) error {
	stampNew(rec, now)
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (`+placeholders(recordColumnCount)+`)`, args...)
	return err
}

// UpdateRecord overwrites every mutable column of an existing record.
func UpdateRecord(ctx context.Context, tx *sql.Tx, rec *record.Record, now time.Time) error {
	rec.UpdatedAt = now
	extra, err := json.Marshal(rec.Extra)
	if err != nil {
		return errors.Wrap(err, "marshal extra")
	}
	_, err = tx.ExecContext(ctx, `UPDATE records SET
		kind = ?, parent_id = ?, related_id = ?, name = ?, city = ?, state = ?, zip = ?, employer = ?,
		occupation = ?, code = ?, memo = ?, document_url = ?, amount = ?, date = ?, source_channel = ?,
		last_updated_from = ?, extra = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Kind), rec.ParentID, rec.RelatedID, rec.Name, rec.City, rec.State, rec.Zip, rec.Employer,
		rec.Occupation, rec.Code, rec.Memo, rec.DocumentURL, nullAmount(rec.Amount), nullDate(rec.Date),
		string(rec.SourceChannel), rec.LastUpdatedFrom, string(extra), toNanos(now), rec.ID)
	return err
}

// MergeOne upserts a single incoming record inside tx. A missing id is
// inserted as-is; an insert that loses a race with another writer falls
// through to the merge path.
func MergeOne(ctx context.Context, tx *sql.Tx, incoming *record.Record, now time.Time) (inserted bool, err error) {
	existing, err := LoadRecords(ctx, tx, []string{incoming.ID})
	if err != nil {
		return false, err
	}
	cur, ok := existing[incoming.ID]
	if !ok {
		err := InsertRecord(ctx, tx, incoming.Clone(), now)
		if err == nil {
			return true, nil
		}
		if !IsDuplicateKey(err) {
			return false, errors.Wrapf(err, "insert record %s", incoming.ID)
		}
		existing, err = LoadRecords(ctx, tx, []string{incoming.ID})
		if err != nil {
			return false, err
		}
		if cur, ok = existing[incoming.ID]; !ok {
			return false, errors.Errorf("record %s vanished after duplicate key", incoming.ID)
		}
	}
	if !record.MergeRecord(cur, incoming) {
		return false, nil
	}
	if err := UpdateRecord(ctx, tx, cur, now); err != nil {
		return false, errors.Wrapf(err, "update record %s", incoming.ID)
	}
	return false, nil
}

// UpsertRecords merges each incoming record into the store in order, in a
// single transaction.
func (d *DB) UpsertRecords(ctx context.Context, recs []*record.Record) (UpsertStats, error) {
	var stats UpsertStats
	err := d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stats = UpsertStats{}
		now := d.Now()
		for _, rec := range recs {
			inserted, err := MergeOne(ctx, tx, rec, now)
			if err != nil {
				return err
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
		return nil
	})
	return stats, err
}

// FillField sets field on the stored record id when it is still empty. The
// record keeps the source channel it has in the store; only its origin is
// updated. It reports whether the record changed.
func (d *DB) FillField(ctx context.Context, id, field, value, origin string) (bool, error) {
	var changed bool
	err := d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		changed = false
		existing, err := LoadRecords(ctx, tx, []string{id})
		if err != nil {
			return err
		}
		cur, ok := existing[id]
		if !ok {
			return errors.Wrapf(ErrNotFound, "record %s", id)
		}
		if _, set := cur.Fields.Get(field); set {
			return nil
		}
		if !cur.Fields.Set(field, value) {
			return errors.Errorf("cannot set %s to %q", field, value)
		}
		cur.LastUpdatedFrom = origin
		changed = true
		return errors.Wrapf(UpdateRecord(ctx, tx, cur, d.Now()), "update record %s", id)
	})
	return changed, err
}

// RecordFilter selects records for SearchRecords. Empty fields do not
// constrain the result.
type RecordFilter struct {
	Kind      record.Kind
	ParentID  string
	RelatedID string
	Name      string // prefix match, case-insensitive
	State     string
	From      *time.Time
	To        *time.Time
	MinAmount *float64
	Limit     int
}

// SearchRecords returns records matching f, newest date first.
func (d *DB) SearchRecords(ctx context.Context, f RecordFilter) ([]*record.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.RelatedID != "" {
		where = append(where, "related_id = ?")
		args = append(args, f.RelatedID)
	}
	if f.Name != "" {
		where = append(where, "name LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(strings.ToUpper(f.Name))+"%")
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.From != nil {
		where = append(where, "date >= ?")
		args = append(args, f.From.Format(dateLayout))
	}
	if f.To != nil {
		where = append(where, "date <= ?")
		args = append(args, f.To.Format(dateLayout))
	}
	if f.MinAmount != nil {
		where = append(where, "amount >= ?")
		args = append(args, *f.MinAmount)
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search records")
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "search records")
}

// CountRecords returns the number of stored records.
func (d *DB) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, errors.Wrap(err, "count records")
}

// ParentLookup maps committee id to candidate id from stored records: a
// candidate's principal committee, overridden by a committee that names its
// candidate directly.
func (d *DB) ParentLookup(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	queries := []struct {
		sql  string
		kind record.Kind
	}{
		{`SELECT parent_id, id FROM records WHERE kind = ? AND parent_id != ''`, record.KindCandidate},
		{`SELECT id, related_id FROM records WHERE kind = ? AND related_id != ''`, record.KindCommittee},
	}
	for _, q := range queries {
		if err := d.scanLookup(ctx, q.sql, q.kind, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *DB) scanLookup(ctx context.Context, query string, kind record.Kind, out map[string]string) error {
	rows, err := d.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return errors.Wrap(err, "load parent lookup")
	}
	defer rows.Close()

	for rows.Next() {
		var parent, related string
		if err := rows.Scan(&parent, &related); err != nil {
			return errors.Wrap(err, "scan parent lookup")
		}
		out[parent] = related
	}
	return errors.Wrap(rows.Err(), "load parent lookup")
}

// FillRelatedIDs sets related_id on contributions that lack one, using the
// committee to candidate lookup. Work is committed in batches of batchSize
// committees. It returns the number of rows changed.
func (d *DB) FillRelatedIDs(ctx context.Context, lookup map[string]string, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = lookupBatch
	}
	parents := make([]string, 0, len(lookup))
	for p := range lookup {
		parents = append(parents, p)
	}

	var total int64
	for start := 0; start < len(parents); start += batchSize {
		end := start + batchSize
		if end > len(parents) {
			end = len(parents)
		}
		batch := parents[start:end]
		var n int64
		err := d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
			now := toNanos(d.Now())
			n = 0
			for _, p := range batch {
				res, err := tx.ExecContext(ctx,
					`UPDATE records SET related_id = ?, updated_at = ?
					 WHERE kind = ? AND parent_id = ? AND related_id = ''`,
					lookup[p], now, string(record.KindContribution), p)
				if err != nil {
					return errors.Wrap(err, "fill related ids")
				}
				affected, _ := res.RowsAffected()
				n += affected
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

const dateLayout = "2006-01-02"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*record.Record, error) {
	var (
		rec                  record.Record
		kind, channel, extra string
		amount               sql.NullFloat64
		date                 sql.NullString
		created, updated     int64
	)
	err := s.Scan(&rec.ID, &kind, &rec.ParentID, &rec.RelatedID, &rec.Name, &rec.City, &rec.State, &rec.Zip,
		&rec.Employer, &rec.Occupation, &rec.Code, &rec.Memo, &rec.DocumentURL, &amount, &date,
		&channel, &rec.LastUpdatedFrom, &extra, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.Kind = record.Kind(kind)
	rec.SourceChannel = record.Channel(channel)
	if amount.Valid {
		a := amount.Float64
		rec.Amount = &a
	}
	if date.Valid && date.String != "" {
		if t, err := time.Parse(dateLayout, date.String); err == nil {
			rec.Date = &t
		}
	}
	rec.Extra = record.Extra{}
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &rec.Extra); err != nil {
			return nil, errors.Wrapf(err, "decode extra of %s", rec.ID)
		}
	}
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

func recordArgs(rec *record.Record) ([]any, error) {
	extra := rec.Extra
	if extra == nil {
		extra = record.Extra{}
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal extra of %s", rec.ID)
	}
	return []any{
		rec.ID, string(rec.Kind), rec.ParentID, rec.RelatedID, rec.Name, rec.City, rec.State, rec.Zip,
		rec.Employer, rec.Occupation, rec.Code, rec.Memo, rec.DocumentURL, nullAmount(rec.Amount),
		nullDate(rec.Date), string(rec.SourceChannel), rec.LastUpdatedFrom, string(raw),
		toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt),
	}, nil
}

func stampNew(rec *record.Record, now time.Time) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}

func nullAmount(a *float64) sql.NullFloat64 {
	if a == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *a, Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
