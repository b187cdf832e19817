// Package ingest runs bulk file imports: probe, download, chunked parse and
// commit, checkpointing and the related id post-pass.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/bulk"
	"filingsync/internal/config"
	"filingsync/internal/jobs"
	"filingsync/internal/metrics"
	"filingsync/internal/parser"
	"filingsync/internal/record"
	"filingsync/internal/sink"
	"filingsync/internal/store"
)

// ErrCancelled is returned by Run when an operator cancelled the job.
var ErrCancelled = errors.New("import job cancelled")

// fillBatch is the number of committees per related id post-pass
// transaction.
const fillBatch = 500

// Config controls chunking and where datasets come from.
type Config struct {
	Datasets        map[string]config.DatasetConfig
	ChunkSize       int
	CheckpointEvery int
}

// Pipeline imports bulk files into the record store. Runs of different
// jobs may share a pipeline; chunks of one run are committed strictly in
// file order.
type Pipeline struct {
	cfg        Config
	db         *store.DB
	tracker    *jobs.Tracker
	downloader *bulk.Downloader
	sink       sink.Sink
	rejects    *sink.RejectWriter
	metrics    *metrics.Metrics
}

// New constructs a pipeline. rejects and m may be nil.
func New(cfg Config, db *store.DB, tracker *jobs.Tracker, dl *bulk.Downloader, sk sink.Sink, rejects *sink.RejectWriter, m *metrics.Metrics) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = bulk.DefaultChunkSize
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 5
	}
	return &Pipeline{
		cfg:        cfg,
		db:         db,
		tracker:    tracker,
		downloader: dl,
		sink:       sk,
		rejects:    rejects,
		metrics:    m,
	}
}

// Import runs an import of kind for cycle and returns the job's imported
// record count. With resume the newest pending or running job for the pair
// is continued from its checkpoint; otherwise, or when there is none, a new
// job is created.
func (p *Pipeline) Import(ctx context.Context, kind string, cycle int, resume bool) (int64, error) {
	if _, ok := p.cfg.Datasets[kind]; !ok {
		return 0, errors.Errorf("dataset kind '%s' is not configured", kind)
	}
	var (
		job *jobs.Job
		err error
	)
	if resume {
		job, err = p.tracker.LatestResumable(ctx, kind, cycle)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}
	if job == nil {
		if job, err = p.tracker.Create(ctx, kind, cycle); err != nil {
			return 0, err
		}
	}
	return p.Run(ctx, job.ID)
}

// Run executes an existing pending or running job, continuing from its
// checkpoint. Progress is persisted every CheckpointEvery chunks and
// whenever the run stops. When ctx is cancelled the job is left running so
// it can be resumed.
func (p *Pipeline) Run(ctx context.Context, jobID string) (int64, error) {
	job, err := p.tracker.Start(ctx, jobID)
	if err != nil {
		return 0, err
	}
	defer p.tracker.Forget(jobID)

	fields := log.Fields{"job": job.ID, "kind": job.Kind, "cycle": job.Cycle}
	progress := jobs.Of(job)
	log.WithFields(fields).WithField("checkpoint", progress.Checkpoint).Info("import started")
	startTs := time.Now()

	runErr := p.run(ctx, job, &progress)

	// Bookkeeping must land even when ctx is gone.
	bctx := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		if _, err := p.tracker.Complete(bctx, job.ID, progress); err != nil {
			return progress.Imported, err
		}
		log.WithFields(fields).Infof("import completed | imported=%d skipped=%d | %.2fs",
			progress.Imported, progress.Skipped, time.Since(startTs).Seconds())
		return progress.Imported, nil

	case errors.Is(runErr, ErrCancelled):
		if _, err := p.tracker.UpdateProgress(bctx, job.ID, progress); err != nil {
			return progress.Imported, err
		}
		log.WithFields(fields).WithField("checkpoint", progress.Checkpoint).Warn("import cancelled")
		return progress.Imported, runErr

	case ctx.Err() != nil:
		if _, err := p.tracker.UpdateProgress(bctx, job.ID, progress); err != nil {
			log.WithFields(fields).WithError(err).Error("failed to persist checkpoint on shutdown")
		}
		log.WithFields(fields).WithField("checkpoint", progress.Checkpoint).Warn("import interrupted, job left resumable")
		return progress.Imported, runErr

	default:
		if _, err := p.tracker.Fail(bctx, job.ID, progress, runErr.Error()); err != nil {
			log.WithFields(fields).WithError(err).Error("failed to record job failure")
		}
		log.WithFields(fields).WithError(runErr).Error("import failed")
		return progress.Imported, runErr
	}
}

func (p *Pipeline) run(ctx context.Context, job *jobs.Job, progress *jobs.Progress) error {
	ds, ok := p.cfg.Datasets[job.Kind]
	if !ok {
		return errors.Errorf("dataset kind '%s' is not configured", job.Kind)
	}
	prs, err := parser.New(job.Kind, job.Cycle)
	if err != nil {
		return err
	}

	meta, path, err := p.fetch(ctx, job, ds)
	if err != nil {
		return err
	}
	if path == "" {
		log.WithFields(log.Fields{"job": job.ID, "kind": job.Kind, "cycle": job.Cycle}).Info("bulk file unchanged since last import, skipping")
		return nil
	}

	// Stored links cover rows committed before a checkpoint; rows read in
	// this run override them.
	lookup, err := p.db.ParentLookup(ctx)
	if err != nil {
		return err
	}

	if err := p.consume(ctx, job, ds, prs, path, lookup, progress); err != nil {
		return err
	}

	if len(lookup) > 0 {
		n, err := p.db.FillRelatedIDs(ctx, lookup, fillBatch)
		if err != nil {
			return errors.Wrap(err, "related id post-pass")
		}
		log.WithField("job", job.ID).Infof("post-pass filled related ids on %d records", n)
	}

	now := p.db.Now()
	meta.Imported = true
	meta.ImportedAt = &now
	return p.db.SaveFileMetadata(ctx, meta)
}

// fetch makes the bulk file available locally. It returns an empty path when
// the remote file is unchanged since it was last imported.
func (p *Pipeline) fetch(ctx context.Context, job *jobs.Job, ds config.DatasetConfig) (*store.FileMetadata, string, error) {
	meta, err := p.db.GetFileMetadata(ctx, job.Kind, job.Cycle)
	if errors.Is(err, store.ErrNotFound) {
		meta, err = &store.FileMetadata{Kind: job.Kind, Cycle: job.Cycle}, nil
	}
	if err != nil {
		return nil, "", err
	}

	// A resumed run continues on the file its checkpoint refers to.
	if job.CheckpointPosition > 0 && meta.LocalPath != "" && !meta.Imported {
		if _, err := os.Stat(meta.LocalPath); err == nil {
			return meta, meta.LocalPath, nil
		}
		log.WithField("job", job.ID).Warnf("local copy %s is gone, downloading again", meta.LocalPath)
	}

	url := ds.DatasetURL(job.Cycle)
	rf, err := p.downloader.Probe(ctx, url)
	if err != nil {
		return nil, "", err
	}
	if meta.Imported && rf.ETag != "" && rf.ETag == meta.RemoteHash && rf.Size == meta.RemoteSize {
		return meta, "", nil
	}

	path, sum, err := p.downloader.Download(ctx, rf, fmt.Sprintf("%s-%d.zip", job.Kind, job.Cycle))
	if err != nil {
		return nil, "", err
	}
	if meta.Imported && rf.ETag == "" && sum == meta.ContentHash {
		return meta, "", nil
	}

	meta.RemoteSize = rf.Size
	meta.RemoteHash = rf.ETag
	meta.ContentHash = sum
	meta.LocalPath = path
	meta.Imported = false
	meta.ImportedAt = nil
	if err := p.db.SaveFileMetadata(ctx, meta); err != nil {
		return nil, "", err
	}
	return meta, path, nil
}

func (p *Pipeline) consume(ctx context.Context, job *jobs.Job, ds config.DatasetConfig, prs *parser.Parser,
	path string, lookup map[string]string, progress *jobs.Progress) error {
	data, member, err := bulk.OpenData(path, ds.Member)
	if err != nil {
		return err
	}
	defer data.Close()

	delim, _ := utf8.DecodeRuneInString(ds.Delimiter)
	if delim == utf8.RuneError {
		delim = '|'
	}
	cr := bulk.NewChunkReader(data, bulk.ReaderOptions{
		Delimiter: delim,
		ChunkSize: p.cfg.ChunkSize,
		Start:     progress.Checkpoint,
	})
	log.WithFields(log.Fields{"job": job.ID, "member": member, "from_row": progress.Checkpoint}).Info("reading bulk data")

	sinceCheckpoint := 0
	for {
		cancelled, err := p.tracker.IsCancelled(ctx, job.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		startTs := time.Now()
		chunk, err := cr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read chunk at row %d", progress.Checkpoint)
		}

		recs, skipped := p.prepare(job, prs, chunk, lookup)
		res, err := p.sink.Write(ctx, recs)
		if err != nil {
			return errors.Wrapf(err, "commit chunk %d", chunk.Index)
		}
		if res.RowErrors != nil {
			log.WithField("job", job.ID).WithError(res.RowErrors).Warnf("chunk %d lost %d rows", chunk.Index, res.Failed)
		}

		written := len(recs) - res.Failed
		progress.Checkpoint = chunk.End
		progress.Imported += int64(written)
		progress.Skipped += int64(skipped + res.Failed)

		p.metrics.RecordRows(job.Kind, "imported", written)
		p.metrics.RecordRows(job.Kind, "skipped", skipped+res.Failed)
		if res.Fallback {
			p.metrics.RecordChunk(job.Kind, "fallback")
		} else {
			p.metrics.RecordChunk(job.Kind, "batch")
		}
		log.WithField("job", job.ID).Infof("[OK] Chunk %d rows %d → %d | Imported: %d | Skipped: %d | Time: %.2fs",
			chunk.Index, chunk.Start, chunk.End, written, skipped+res.Failed, time.Since(startTs).Seconds())

		sinceCheckpoint++
		if sinceCheckpoint >= p.cfg.CheckpointEvery {
			if _, err := p.tracker.UpdateProgress(ctx, job.ID, *progress); err != nil {
				return err
			}
			sinceCheckpoint = 0
		}
	}
}

// prepare parses the rows of chunk, feeding the related id lookup and
// sending rows that cannot be used to the rejects file.
func (p *Pipeline) prepare(job *jobs.Job, prs *parser.Parser, chunk *bulk.Chunk, lookup map[string]string) ([]*record.Record, int) {
	recs := make([]*record.Record, 0, len(chunk.Rows))
	skipped := 0
	for _, row := range chunk.Rows {
		var (
			rec *record.Record
			err = row.Err
		)
		if err == nil {
			rec, err = prs.Parse(row.Fields)
		}
		if err != nil {
			skipped++
			p.reject(job, row, err)
			continue
		}
		if parent, related, ok := prs.Lookup(row.Fields); ok {
			lookup[parent] = related
		}
		recs = append(recs, rec)
	}
	return recs, skipped
}

func (p *Pipeline) reject(job *jobs.Job, row bulk.Row, cause error) {
	log.WithFields(log.Fields{"job": job.ID, "row": row.Index, "line": row.Line}).Debugf("skipping row: %v", cause)
	if p.rejects == nil {
		return
	}
	name := fmt.Sprintf("%s-%d", job.Kind, job.Cycle)
	err := p.rejects.Write(name, sink.Reject{Row: row.Index, Line: row.Line, Reason: cause.Error(), Fields: row.Fields})
	if err != nil {
		log.WithField("job", job.ID).WithError(err).Warn("failed to write rejected row")
	}
}
