// Package process drives the ETL of one URL: fetch the file, parse it,
// and bulk-load the rows, with guaranteed cleanup of the scratch
// artifact and the database session on every exit path.
package process

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"go.discomap.org/ingest/go/alog"
	"go.discomap.org/ingest/go/fetch"
	"go.discomap.org/ingest/go/ingest/parser"
	"go.discomap.org/ingest/go/loader"
	"go.discomap.org/ingest/go/measurement"
	"go.discomap.org/ingest/go/refdata"
)

// Result carries the counters of one processed file.
type Result struct {
	RowsWritten      int64
	BytesFetched     int64
	SkippedRows      int
	DownloadDuration time.Duration
	ParseDuration    time.Duration
	LoadDuration     time.Duration
}

// Options modulate a single Process call.
type Options struct {
	// Upsert routes loads through the staging-table merge.
	Upsert bool
}

// Processor is the unit the batch runner fans out over.
type Processor interface {
	// Process runs the ETL for one URL.
	Process(ctx context.Context, url string, opts Options) (Result, error)
}

// Session owns one database connection for the duration of a file.
type Session interface {
	// Load writes one batch of rows in a single transaction.
	Load(ctx context.Context, rows []measurement.Row) (int64, error)
	// UpsertProjections writes the file's station and sampling-point
	// projections into the dimension tables.
	UpsertProjections(ctx context.Context, projections parser.Projections) error
	Release()
}

// Sessions opens one Session per processed file.
type Sessions interface {
	Acquire(ctx context.Context, upsert bool) (Session, error)
}

// poolSessions is the production Sessions over a pgx pool.
type poolSessions struct {
	db     *pgxpool.Pool
	fast   *loader.Loader
	upsert *loader.Loader
}

func (p *poolSessions) Acquire(ctx context.Context, upsert bool) (Session, error) {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring connection")
	}
	ld := p.fast
	if upsert {
		ld = p.upsert
	}
	return &poolSession{conn: conn, ld: ld}, nil
}

type poolSession struct {
	conn *pgxpool.Conn
	ld   *loader.Loader
}

func (s *poolSession) Load(ctx context.Context, rows []measurement.Row) (int64, error) {
	return s.ld.Load(ctx, s.conn, rows)
}

func (s *poolSession) UpsertProjections(ctx context.Context, projections parser.Projections) error {
	if err := refdata.UpsertStations(ctx, s.conn, projections.Stations); err != nil {
		return err
	}
	return refdata.UpsertSamplingPoints(ctx, s.conn, projections.SamplingPoints)
}

func (s *poolSession) Release() {
	s.conn.Release()
}

// ETL composes the fetcher, parser and loader for single files.
type ETL struct {
	fetcher      *fetch.Fetcher
	sessions     Sessions
	rowsPerLoad  int
	bootstrapRef bool
}

// New returns an ETL loading through db. rowsPerLoad is the number of
// rows per COPY transaction. When bootstrapRefData is set every file's
// station and sampling-point projections are upserted before its
// measurements.
func New(fetcher *fetch.Fetcher, db *pgxpool.Pool, rowsPerLoad int, bootstrapRefData bool) *ETL {
	return &ETL{
		fetcher: fetcher,
		sessions: &poolSessions{
			db:     db,
			fast:   loader.New(false),
			upsert: loader.New(true),
		},
		rowsPerLoad:  rowsPerLoad,
		bootstrapRef: bootstrapRefData,
	}
}

// Process downloads url, parses it, and streams the rows to the
// database in rowsPerLoad transactions. The scratch artifact is removed
// on every exit path. Errors come back with the URL attached.
func (e *ETL) Process(ctx context.Context, url string, opts Options) (Result, error) {
	var res Result

	downloadStart := time.Now()
	path, bytes, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return res, errors.Wrapf(err, "processing %s", url)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			alog.Errorf("Failed to remove scratch artifact %s: %s", path, err)
		}
	}()
	res.BytesFetched = bytes
	res.DownloadDuration = time.Since(downloadStart)

	sess, err := e.sessions.Acquire(ctx, opts.Upsert)
	if err != nil {
		return res, errors.Wrapf(err, "processing %s", url)
	}
	defer sess.Release()

	// Bootstrapping needs the projections before any measurement hits
	// the foreign keys, so it buffers the whole file first.
	if e.bootstrapRef {
		return e.processBuffered(ctx, url, path, sess, res)
	}

	streamStart := time.Now()
	buf := make([]measurement.Row, 0, e.rowsPerLoad)
	flush := func() error {
		// Between loader batches is the safe cancellation point.
		if err := ctx.Err(); err != nil {
			return err
		}
		loadStart := time.Now()
		n, err := sess.Load(ctx, buf)
		res.LoadDuration += time.Since(loadStart)
		if err != nil {
			return err
		}
		res.RowsWritten += n
		buf = buf[:0]
		return nil
	}

	parsed, err := parser.Parse(ctx, path, func(row measurement.Row) error {
		buf = append(buf, row)
		if len(buf) >= e.rowsPerLoad {
			return flush()
		}
		return nil
	})
	if err != nil {
		return res, errors.Wrapf(err, "processing %s", url)
	}
	if err := flush(); err != nil {
		return res, errors.Wrapf(err, "processing %s", url)
	}
	res.SkippedRows = parsed.Skipped
	res.ParseDuration = time.Since(streamStart) - res.LoadDuration
	return res, nil
}

func (e *ETL) processBuffered(ctx context.Context, url, path string, sess Session, res Result) (Result, error) {
	parseStart := time.Now()
	var rows []measurement.Row
	parsed, err := parser.Parse(ctx, path, func(row measurement.Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return res, errors.Wrapf(err, "processing %s", url)
	}
	res.SkippedRows = parsed.Skipped
	res.ParseDuration = time.Since(parseStart)

	loadStart := time.Now()
	if err := sess.UpsertProjections(ctx, parsed.Projections); err != nil {
		return res, errors.Wrapf(err, "processing %s: loading reference data", url)
	}
	for i := 0; i < len(rows); i += e.rowsPerLoad {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := i + e.rowsPerLoad
		if end > len(rows) {
			end = len(rows)
		}
		n, err := sess.Load(ctx, rows[i:end])
		if err != nil {
			return res, errors.Wrapf(err, "processing %s", url)
		}
		res.RowsWritten += n
	}
	res.LoadDuration = time.Since(loadStart)
	return res, nil
}
