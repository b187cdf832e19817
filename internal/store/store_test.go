package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"filingsync/internal/record"
)

func openTestDB(t *testing.T) (*DB, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, clk
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestUpsertRecords(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	bulk := record.New("A", record.KindContribution, record.Fields{Amount: record.Float(100), ParentID: "C1"},
		record.Extra{"tran_id": "T1"}, record.ChannelBulk, "bulk:contributions:2024")
	stats, err := db.UpsertRecords(ctx, []*record.Record{bulk})
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Inserted: 1}, stats)

	api := record.New("A", record.KindContribution, record.Fields{Amount: record.Float(100), Date: record.Day(2024, 1, 5)},
		record.Extra{"pdf_url": "https://x/1.pdf"}, record.ChannelAPI, "api:/schedules/schedule_a/")
	stats, err = db.UpsertRecords(ctx, []*record.Record{api})
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Updated: 1}, stats)

	got, err := db.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 100.0, *got.Amount)
	assert.Equal(t, "2024-01-05", got.Date.Format("2006-01-02"))
	assert.Equal(t, "C1", got.ParentID)
	assert.Equal(t, record.ChannelAPI, got.SourceChannel)
	assert.Equal(t, record.Extra{"tran_id": "T1", "pdf_url": "https://x/1.pdf"}, got.Extra)

	_, err = db.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavepointRollsBackOnlyItself(t *testing.T) {
	ctx := context.Background()
	db, clk := openTestDB(t)

	err := db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		require.NoError(t, InsertRecord(ctx, tx, record.New("keep", record.KindContribution, record.Fields{}, nil, record.ChannelBulk, "b"), clk.Now()))

		spErr := Savepoint(ctx, tx, "chunk", func() error {
			if err := InsertRecord(ctx, tx, record.New("drop", record.KindContribution, record.Fields{}, nil, record.ChannelBulk, "b"), clk.Now()); err != nil {
				return err
			}
			return errors.New("boom")
		})
		assert.EqualError(t, spErr, "boom")
		return nil
	})
	require.NoError(t, err)

	_, err = db.GetRecord(ctx, "keep")
	assert.NoError(t, err)
	_, err = db.GetRecord(ctx, "drop")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertRecordsRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	db, clk := openTestDB(t)

	_, err := db.UpsertRecords(ctx, []*record.Record{record.New("A", record.KindContribution, record.Fields{}, nil, record.ChannelBulk, "b")})
	require.NoError(t, err)

	err = db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return InsertRecords(ctx, tx, []*record.Record{
			record.New("B", record.KindContribution, record.Fields{}, nil, record.ChannelBulk, "b"),
			record.New("A", record.KindContribution, record.Fields{}, nil, record.ChannelBulk, "b"),
		}, clk.Now())
	})
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	n, err := db.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearchRecords(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	recs := []*record.Record{
		record.New("1", record.KindContribution, record.Fields{ParentID: "C1", Name: "SMITH, ANN", Amount: record.Float(10), Date: record.Day(2024, 1, 1)}, nil, record.ChannelBulk, "b"),
		record.New("2", record.KindContribution, record.Fields{ParentID: "C1", Name: "SMITH, BOB", Amount: record.Float(500), Date: record.Day(2024, 2, 1)}, nil, record.ChannelBulk, "b"),
		record.New("3", record.KindContribution, record.Fields{ParentID: "C2", Name: "JONES, CY", Amount: record.Float(20), Date: record.Day(2024, 3, 1)}, nil, record.ChannelBulk, "b"),
	}
	_, err := db.UpsertRecords(ctx, recs)
	require.NoError(t, err)

	got, err := db.SearchRecords(ctx, RecordFilter{ParentID: "C1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID, "newest date first")

	got, err = db.SearchRecords(ctx, RecordFilter{Name: "smith", MinAmount: record.Float(100)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)

	got, err = db.SearchRecords(ctx, RecordFilter{From: record.Day(2024, 1, 15), To: record.Day(2024, 3, 1), Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
}

func TestFillRelatedIDs(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	_, err := db.UpsertRecords(ctx, []*record.Record{
		record.New("C1", record.KindCommittee, record.Fields{RelatedID: "P1"}, nil, record.ChannelBulk, "b"),
		record.New("1", record.KindContribution, record.Fields{ParentID: "C1"}, nil, record.ChannelBulk, "b"),
		record.New("2", record.KindContribution, record.Fields{ParentID: "C1", RelatedID: "P9"}, nil, record.ChannelBulk, "b"),
		record.New("3", record.KindContribution, record.Fields{ParentID: "C2"}, nil, record.ChannelBulk, "b"),
		record.New("P2", record.KindCandidate, record.Fields{ParentID: "C2"}, nil, record.ChannelBulk, "b"),
		record.New("P7", record.KindCandidate, record.Fields{ParentID: "C1"}, nil, record.ChannelBulk, "b"),
	})
	require.NoError(t, err)

	lookup, err := db.ParentLookup(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"C1": "P1", "C2": "P2"}, lookup, "committees override principal committee links")

	n, err := db.FillRelatedIDs(ctx, lookup, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	r1, _ := db.GetRecord(ctx, "1")
	r2, _ := db.GetRecord(ctx, "2")
	r3, _ := db.GetRecord(ctx, "3")
	assert.Equal(t, "P1", r1.RelatedID)
	assert.Equal(t, "P9", r2.RelatedID, "existing related ids are left alone")
	assert.Equal(t, "P2", r3.RelatedID)
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	db, clk := openTestDB(t)

	require.NoError(t, db.InsertJob(ctx, &ImportJob{ID: "j1", Kind: "contributions", Cycle: 2024, Status: JobPending}))
	clk.Step(time.Second)
	require.NoError(t, db.InsertJob(ctx, &ImportJob{ID: "j2", Kind: "contributions", Cycle: 2024, Status: JobCompleted}))

	j, err := db.UpdateJob(ctx, "j1", func(j *ImportJob) error {
		j.Status = JobRunning
		j.CheckpointPosition = 150
		now := clk.Now()
		j.StartedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, JobRunning, j.Status)

	got, err := db.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.CheckpointPosition)
	require.NotNil(t, got.StartedAt)

	incomplete, err := db.ListJobs(ctx, []JobStatus{JobPending, JobRunning}, 0)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "j1", incomplete[0].ID)

	recent, err := db.ListJobs(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "j2", recent[0].ID)

	latest, err := db.LatestJob(ctx, "contributions", 2024, JobPending, JobRunning)
	require.NoError(t, err)
	assert.Equal(t, "j1", latest.ID)

	_, err = db.LatestJob(ctx, "committees", 2024)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.UpdateJob(ctx, "nope", func(*ImportJob) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileMetadata(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	_, err := db.GetFileMetadata(ctx, "contributions", 2024)
	assert.ErrorIs(t, err, ErrNotFound)

	m := &FileMetadata{Kind: "contributions", Cycle: 2024, RemoteSize: 42, RemoteHash: `"etag"`, LocalPath: "/tmp/x.zip"}
	require.NoError(t, db.SaveFileMetadata(ctx, m))
	m.Imported = true
	m.ContentHash = "abc"
	require.NoError(t, db.SaveFileMetadata(ctx, m))

	got, err := db.GetFileMetadata(ctx, "contributions", 2024)
	require.NoError(t, err)
	assert.True(t, got.Imported)
	assert.Equal(t, int64(42), got.RemoteSize)
	assert.Equal(t, "abc", got.ContentHash)
}

func TestCacheEntries(t *testing.T) {
	ctx := context.Background()
	db, clk := openTestDB(t)
	now := clk.Now()

	old := &CacheEntry{Key: "k", Endpoint: "/e", Payload: []byte("1"), CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	newer := &CacheEntry{Key: "k", Endpoint: "/e", Payload: []byte("2"), CreatedAt: now.Add(-90 * time.Minute), ExpiresAt: now.Add(-30 * time.Minute)}
	other := &CacheEntry{Key: "j", Endpoint: "/e", Payload: []byte("3"), CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	for _, e := range []*CacheEntry{old, newer, other} {
		require.NoError(t, db.PutCacheEntry(ctx, e))
	}

	got, err := db.LatestCacheEntry(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got.Payload)

	n, err := db.PruneCacheEntries(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only superseded expired entries are pruned")

	got, err = db.LatestCacheEntry(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got.Payload)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsBusy(errors.New("syntax error")))
}

// holdWriteLock takes the database write lock from a separate handle, as a
// second process would, and returns a func releasing it.
func holdWriteLock(t *testing.T, path string) func() {
	t.Helper()
	ctx := context.Background()
	other, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(0)")
	require.NoError(t, err)
	conn, err := other.Conn(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		_, err := conn.ExecContext(ctx, "COMMIT")
		assert.NoError(t, err)
		_ = conn.Close()
		_ = other.Close()
	}
	t.Cleanup(release)
	return release
}

func contendedWrites(hook *logtest.Hook) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "store write contended") {
			n++
		}
	}
	return n
}

func TestWriteRetriesUntilLockIsReleased(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contended.db")
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := Open(path, WithClock(clk), WithBusyTimeout(time.Millisecond),
		WithRetry(RetryConfig{Attempts: 100, Delay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}))
	require.NoError(t, err)
	defer db.Close()

	hook := logtest.NewGlobal()
	defer hook.Reset()
	release := holdWriteLock(t, path)

	done := make(chan error, 1)
	go func() {
		done <- db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return InsertRecord(ctx, tx, record.New("1", record.KindCommittee, record.Fields{Name: "A"}, nil, record.ChannelBulk, "b"), clk.Now())
		})
	}()

	select {
	case err := <-done:
		t.Fatalf("write finished while the lock was held: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not finish after the lock was released")
	}
	assert.Greater(t, contendedWrites(hook), 0)

	rec, err := db.GetRecord(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "A", rec.Name)
}

func TestWriteSurfacesBusyAfterLastAttempt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locked.db")
	db, err := Open(path, WithBusyTimeout(time.Millisecond),
		WithRetry(RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	require.NoError(t, err)
	defer db.Close()

	hook := logtest.NewGlobal()
	defer hook.Reset()
	holdWriteLock(t, path)

	calls := 0
	err = db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsBusy(err), "got %v", err)
	assert.Equal(t, 0, calls, "the transaction never began")
	assert.Equal(t, 3, contendedWrites(hook))
}
