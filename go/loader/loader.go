// Package loader streams normalized rows into the measurements
// hypertable over the binary COPY protocol.
package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.discomap.org/ingest/go/measurement"
	sqlschema "go.discomap.org/ingest/go/sql"
)

var (
	rowsWrittenCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqingest_loader_rows_written_total",
		Help: "Rows written to the measurements hypertable.",
	})
	loadFailCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqingest_loader_failures_total",
		Help: "Loader transactions rolled back.",
	})
)

// Error is a load failure. The database diagnostic, when there is one,
// is part of the message so operators can triage constraint violations.
type Error struct {
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return fmt.Sprintf("load: %s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}
	return fmt.Sprintf("load: %s", e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Err
}

// stagingTable is the per-session staging relation for upsert mode.
const stagingTable = "measurements_staging"

var (
	columnList = strings.Join(measurement.Columns, ",")

	createStagingSQL = fmt.Sprintf(
		`CREATE TEMP TABLE IF NOT EXISTS %s (LIKE %s.%s INCLUDING DEFAULTS) ON COMMIT DROP`,
		stagingTable, sqlschema.Schema, sqlschema.MeasurementsTable)

	// DISTINCT ON keeps one candidate per primary key so the merge never
	// touches the same target row twice in one statement.
	mergeSQL = fmt.Sprintf(
		`INSERT INTO %s.%s (%s)
SELECT DISTINCT ON (time, sampling_point_id) %s FROM %s
ON CONFLICT (time, sampling_point_id) DO UPDATE SET %s`,
		sqlschema.Schema, sqlschema.MeasurementsTable, columnList,
		columnList, stagingTable,
		sqlschema.ConflictUpdateClause(measurement.Columns, []string{"time", "sampling_point_id"}))
)

// Loader writes row batches into the database. The zero value is a
// fast-path loader; enable upsert for the staging-table merge used by
// rerun and repair workflows (3-5x slower).
type Loader struct {
	upsert bool
}

// New returns a Loader. When upsert is true each batch is copied into a
// temp staging table and merged with ON CONFLICT DO UPDATE instead of
// copied straight into the hypertable.
func New(upsert bool) *Loader {
	return &Loader{upsert: upsert}
}

// Load writes rows inside a single transaction on conn. The caller owns
// batching; one call is one transaction, rolled back entirely on error.
// Duplicate primary keys abort the fast path, they are not filtered.
func (l *Loader) Load(ctx context.Context, conn *pgxpool.Conn, rows []measurement.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, &Error{Err: errors.Wrap(err, "beginning transaction")}
	}
	defer func() {
		// No-op after commit.
		_ = tx.Rollback(ctx)
	}()

	target := pgx.Identifier{sqlschema.Schema, sqlschema.MeasurementsTable}
	if l.upsert {
		if _, err := tx.Exec(ctx, createStagingSQL); err != nil {
			loadFailCounter.Inc()
			return 0, &Error{Err: errors.Wrap(err, "creating staging table")}
		}
		target = pgx.Identifier{stagingTable}
	}

	n, err := tx.CopyFrom(ctx, target, measurement.Columns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			return rows[i].CopyValues(), nil
		}))
	if err != nil {
		loadFailCounter.Inc()
		return 0, &Error{Err: err}
	}

	if l.upsert {
		if _, err := tx.Exec(ctx, mergeSQL); err != nil {
			loadFailCounter.Inc()
			return 0, &Error{Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		loadFailCounter.Inc()
		return 0, &Error{Err: errors.Wrap(err, "committing")}
	}
	rowsWrittenCounter.Add(float64(n))
	return n, nil
}
