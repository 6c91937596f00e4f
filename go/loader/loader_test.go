package loader

import (
	"testing"

	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStagingSQL(t *testing.T) {
	assert.Equal(t,
		`CREATE TEMP TABLE IF NOT EXISTS measurements_staging (LIKE airquality.measurements INCLUDING DEFAULTS) ON COMMIT DROP`,
		createStagingSQL)
}

func TestMergeSQL(t *testing.T) {
	assert.Contains(t, mergeSQL, "INSERT INTO airquality.measurements")
	assert.Contains(t, mergeSQL, "SELECT DISTINCT ON (time, sampling_point_id)")
	assert.Contains(t, mergeSQL, "FROM measurements_staging")
	assert.Contains(t, mergeSQL, "ON CONFLICT (time, sampling_point_id) DO UPDATE SET")
	// Key columns never appear in the SET list.
	assert.NotContains(t, mergeSQL, "time=EXCLUDED.time")
	assert.Contains(t, mergeSQL, "value=EXCLUDED.value")
	assert.Contains(t, mergeSQL, "observation_id=EXCLUDED.observation_id")
}

func TestError_IncludesDatabaseDiagnostic(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:    "23503",
		Message: `insert or update on table "measurements" violates foreign key constraint`,
	}
	err := &Error{Err: errors.Wrap(pgErr, "copying")}
	assert.Contains(t, err.Error(), "SQLSTATE 23503")
	assert.Contains(t, err.Error(), "violates foreign key constraint")
	assert.ErrorIs(t, err, pgErr)
}

func TestError_PlainError(t *testing.T) {
	err := &Error{Err: errors.New("connection refused")}
	assert.Equal(t, "load: connection refused", err.Error())
}
