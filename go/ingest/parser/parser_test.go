package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.discomap.org/ingest/go/measurement"
)

// writeParquet builds a single-record parquet file for the given schema.
func writeParquet(t *testing.T, schema *arrow.Schema, build func(*array.RecordBuilder)) string {
	t.Helper()
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	build(b)
	rec := b.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	path := filepath.Join(t.TempDir(), "test.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	// pqarrow.WriteTable closes f itself.
	require.NoError(t, pqarrow.WriteTable(tbl, f, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()))
	return path
}

func collect(t *testing.T, path string) ([]measurement.Row, *Result) {
	t.Helper()
	var rows []measurement.Row
	res, err := Parse(context.Background(), path, func(r measurement.Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	return rows, res
}

// downloadServiceSchema mirrors the short column names of the parquet
// download service.
func downloadServiceSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "Start", Type: &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}, Nullable: true},
		{Name: "Samplingpoint", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "Pollutant", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "Value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "Unit", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "AggType", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "Validity", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "Verification", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "ResultTime", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "FkObservationLog", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func TestParse_DownloadServiceColumns(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	path := writeParquet(t, downloadServiceSchema(), func(b *array.RecordBuilder) {
		ts := b.Field(0).(*array.TimestampBuilder)
		sp := b.Field(1).(*array.StringBuilder)
		poll := b.Field(2).(*array.Int64Builder)
		value := b.Field(3).(*array.Float64Builder)
		unit := b.Field(4).(*array.StringBuilder)
		agg := b.Field(5).(*array.StringBuilder)
		validity := b.Field(6).(*array.Int64Builder)
		verification := b.Field(7).(*array.Int64Builder)
		resultTime := b.Field(8).(*array.StringBuilder)
		obs := b.Field(9).(*array.StringBuilder)

		// A fully populated row.
		ts.Append(arrow.Timestamp(start.UnixMilli()))
		sp.Append("PT/SPO-PT02022_00008_100")
		poll.Append(8)
		value.Append(17.4)
		unit.Append("ug.m-3")
		agg.Append("hour")
		validity.Append(1)
		verification.Append(2)
		resultTime.Append("2024-03-01 13:00:00")
		obs.Append("OBS-1")

		// Missing sampling point: the row is dropped.
		ts.Append(arrow.Timestamp(start.UnixMilli()))
		sp.AppendNull()
		poll.Append(8)
		value.Append(1.0)
		unit.AppendNull()
		agg.AppendNull()
		validity.AppendNull()
		verification.AppendNull()
		resultTime.AppendNull()
		obs.AppendNull()

		// Missing value only: the row is kept with a NULL concentration.
		ts.Append(arrow.Timestamp(start.Add(time.Hour).UnixMilli()))
		sp.Append("PT/SPO-PT02022_00008_100")
		poll.Append(8)
		value.AppendNull()
		unit.Append("ug.m-3")
		agg.Append("hour")
		validity.Append(-1)
		verification.Append(3)
		resultTime.AppendNull()
		obs.AppendNull()
	})

	rows, res := collect(t, path)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, start, first.Time)
	assert.Equal(t, "PT/SPO-PT02022_00008_100", first.SamplingPointID)
	assert.Equal(t, int16(8), first.PollutantCode)
	require.NotNil(t, first.Value)
	assert.Equal(t, 17.4, *first.Value)
	require.NotNil(t, first.Unit)
	assert.Equal(t, "ug.m-3", *first.Unit)
	require.NotNil(t, first.Validity)
	assert.Equal(t, int16(1), *first.Validity)
	require.NotNil(t, first.ResultTime)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), *first.ResultTime)
	require.NotNil(t, first.ObservationID)
	assert.Equal(t, "OBS-1", *first.ObservationID)

	second := rows[1]
	assert.Nil(t, second.Value)
	assert.Equal(t, start.Add(time.Hour), second.Time)
	require.NotNil(t, second.Validity)
	assert.Equal(t, int16(-1), *second.Validity)

	// Projections are deduplicated across rows.
	require.Len(t, res.Projections.Stations, 1)
	assert.Equal(t, measurement.Station{StationCode: "PT/PT02022", CountryCode: "PT"}, res.Projections.Stations[0])
	require.Len(t, res.Projections.SamplingPoints, 1)
	assert.Equal(t, measurement.SamplingPoint{
		SamplingPointID: "PT/SPO-PT02022_00008_100",
		StationCode:     "PT/PT02022",
		CountryCode:     "PT",
		PollutantCode:   8,
	}, res.Projections.SamplingPoints[0])
}

func TestParse_EEAExtractColumns(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "Countrycode", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "DatetimeBegin", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "SamplingPoint", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "AirPollutantCode", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "Concentration", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "UnitOfMeasurement", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	path := writeParquet(t, schema, func(b *array.RecordBuilder) {
		b.Field(0).(*array.StringBuilder).Append("ES")
		b.Field(1).(*array.StringBuilder).Append("2022-01-01 00:00:00")
		// Not decomposable; the country column is the fallback.
		b.Field(2).(*array.StringBuilder).Append("ES1234A-sampling")
		b.Field(3).(*array.StringBuilder).Append("http://dd.eionet.europa.eu/vocabulary/aq/pollutant/5")
		b.Field(4).(*array.Float64Builder).Append(33.0)
		b.Field(5).(*array.StringBuilder).Append("ug/m3")
	})

	rows, res := collect(t, path)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), rows[0].Time)
	assert.Equal(t, "ES1234A-sampling", rows[0].SamplingPointID)
	// The vocabulary URL collapses to its trailing code.
	assert.Equal(t, int16(5), rows[0].PollutantCode)

	// No station projection without a decomposable identifier, but the
	// sampling point is still collected with the explicit country.
	assert.Empty(t, res.Projections.Stations)
	require.Len(t, res.Projections.SamplingPoints, 1)
	assert.Equal(t, "ES", res.Projections.SamplingPoints[0].CountryCode)
	assert.Equal(t, "", res.Projections.SamplingPoints[0].StationCode)
}

func TestParse_ZonedTimeStringsConvertToUTC(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "DatetimeBegin", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "SamplingPoint", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "AirPollutantCode", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	path := writeParquet(t, schema, func(b *array.RecordBuilder) {
		b.Field(0).(*array.StringBuilder).Append("2022-06-01 02:00:00+02:00")
		b.Field(1).(*array.StringBuilder).Append("DE/SPO-DEBB021_5_1")
		b.Field(2).(*array.Int64Builder).Append(5)
	})

	rows, _ := collect(t, path)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC), rows[0].Time)
	assert.Equal(t, time.UTC, rows[0].Time.Location())
}

func TestParse_ReparseYieldsIdenticalRowsInOrder(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	path := writeParquet(t, downloadServiceSchema(), func(b *array.RecordBuilder) {
		for i := 0; i < 20; i++ {
			b.Field(0).(*array.TimestampBuilder).Append(arrow.Timestamp(start.Add(time.Duration(i) * time.Hour).UnixMilli()))
			b.Field(1).(*array.StringBuilder).Append("PT/SPO-PT02022_00008_100")
			b.Field(2).(*array.Int64Builder).Append(8)
			b.Field(3).(*array.Float64Builder).Append(float64(i) / 2)
			for f := 4; f < 10; f++ {
				b.Field(f).AppendNull()
			}
		}
	})

	first, firstRes := collect(t, path)
	second, secondRes := collect(t, path)
	require.Len(t, first, 20)
	assert.Equal(t, first, second)
	assert.Equal(t, firstRes.Rows, secondRes.Rows)
	assert.Equal(t, firstRes.Skipped, secondRes.Skipped)
}

func TestParse_MissingRequiredColumn(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "Samplingpoint", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "Pollutant", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	path := writeParquet(t, schema, func(b *array.RecordBuilder) {
		b.Field(0).(*array.StringBuilder).Append("PT/SPO-PT02022_00008_100")
		b.Field(1).(*array.Int64Builder).Append(8)
	})

	_, err := Parse(context.Background(), path, func(measurement.Row) error { return nil })
	require.Error(t, err)
	var parseErr *Error
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Error(), "no time column")
}

func TestParse_EmptyFile(t *testing.T) {
	path := writeParquet(t, downloadServiceSchema(), func(b *array.RecordBuilder) {})
	_, err := Parse(context.Background(), path, func(measurement.Row) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rows in file")
}

func TestParse_UnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.parquet")
	require.NoError(t, os.WriteFile(path, []byte("this is not parquet"), 0644))
	_, err := Parse(context.Background(), path, func(measurement.Row) error { return nil })
	require.Error(t, err)
	var parseErr *Error
	assert.ErrorAs(t, err, &parseErr)
}

func TestParse_VisitorErrorStopsTheParse(t *testing.T) {
	path := writeParquet(t, downloadServiceSchema(), func(b *array.RecordBuilder) {
		for i := 0; i < 3; i++ {
			b.Field(0).(*array.TimestampBuilder).Append(arrow.Timestamp(time.Now().UnixMilli()))
			b.Field(1).(*array.StringBuilder).Append("PT/SPO-PT02022_00008_100")
			b.Field(2).(*array.Int64Builder).Append(8)
			for f := 3; f < 10; f++ {
				b.Field(f).AppendNull()
			}
		}
	})

	sentinel := errors.New("stop")
	seen := 0
	_, err := Parse(context.Background(), path, func(measurement.Row) error {
		seen++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, seen)
}
