// Package parser reads downloaded parquet files and projects their
// columns onto the normalized measurement schema.
package parser

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.discomap.org/ingest/go/alog"
	"go.discomap.org/ingest/go/measurement"
)

// recordBatchSize is the number of rows materialized per Arrow record.
// Column chunks of this size keep iteration vectorized without holding
// the whole file in memory.
const recordBatchSize = 64 * 1024

var (
	parseCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqingest_parser_files_total",
		Help: "Number of parquet files parsed.",
	})
	parseFailCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqingest_parser_failures_total",
		Help: "Number of parquet files that failed to parse.",
	})
	rowsSkippedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqingest_parser_rows_skipped_total",
		Help: "Rows dropped for missing required fields.",
	})
)

// Error is a parse failure: unreadable file, missing required columns,
// or fully empty input.
type Error struct {
	Path string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Path, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Err
}

// RowVisitor receives rows in file order. Returning an error stops the
// parse; the error is returned from Parse unchanged.
type RowVisitor func(measurement.Row) error

// Projections are the best-effort side channels used to bootstrap the
// reference tables. The mainline ingest path ignores them.
type Projections struct {
	Stations       []measurement.Station
	SamplingPoints []measurement.SamplingPoint
}

// Result summarizes one parsed file.
type Result struct {
	// Rows is the number of rows given to the visitor.
	Rows int
	// Skipped is the number of rows dropped for missing required fields.
	Skipped     int
	Projections Projections
}

// columns are the resolved positions of the canonical columns within the
// parquet schema, -1 when the file does not carry them. Resolved once
// per file against the name-variant table.
type columns struct {
	time            int
	samplingPoint   int
	pollutant       int
	value           int
	unit            int
	aggregationType int
	validity        int
	verification    int
	dataCapture     int
	resultTime      int
	observationID   int
	countryCode     int
}

func fieldIndex(schema *arrow.Schema, names []string) int {
	for _, name := range names {
		if idx := schema.FieldIndices(name); len(idx) > 0 {
			return idx[0]
		}
	}
	return -1
}

func resolveColumns(schema *arrow.Schema) (columns, error) {
	c := columns{
		time:            fieldIndex(schema, measurement.SourceNames["time"]),
		samplingPoint:   fieldIndex(schema, measurement.SourceNames["sampling_point_id"]),
		pollutant:       fieldIndex(schema, measurement.SourceNames["pollutant_code"]),
		value:           fieldIndex(schema, measurement.SourceNames["value"]),
		unit:            fieldIndex(schema, measurement.SourceNames["unit"]),
		aggregationType: fieldIndex(schema, measurement.SourceNames["aggregation_type"]),
		validity:        fieldIndex(schema, measurement.SourceNames["validity"]),
		verification:    fieldIndex(schema, measurement.SourceNames["verification"]),
		dataCapture:     fieldIndex(schema, measurement.SourceNames["data_capture"]),
		resultTime:      fieldIndex(schema, measurement.SourceNames["result_time"]),
		observationID:   fieldIndex(schema, measurement.SourceNames["observation_id"]),
		countryCode:     fieldIndex(schema, []string{"Countrycode", "CountryCode"}),
	}
	if c.time < 0 {
		return c, errors.Errorf("no time column, accepted names: %v", measurement.SourceNames["time"])
	}
	if c.samplingPoint < 0 {
		return c, errors.Errorf("no sampling point column, accepted names: %v", measurement.SourceNames["sampling_point_id"])
	}
	if c.pollutant < 0 {
		return c, errors.Errorf("no pollutant column, accepted names: %v", measurement.SourceNames["pollutant_code"])
	}
	return c, nil
}

// Parse reads the parquet file at path and feeds normalized rows to
// visit in file order. Rows missing any required field are dropped and
// counted. Station and sampling-point projections are collected best
// effort. Returns *Error when the file itself cannot be used; a visitor
// error is returned unchanged.
func Parse(ctx context.Context, path string, visit RowVisitor) (*Result, error) {
	parseCounter.Inc()

	f, err := os.Open(path)
	if err != nil {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	rdr, err := file.NewParquetReader(f)
	if err != nil {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: errors.Wrap(err, "opening parquet")}
	}
	defer func() {
		_ = rdr.Close()
	}()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: recordBatchSize}, memory.DefaultAllocator)
	if err != nil {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: errors.Wrap(err, "reading parquet metadata")}
	}
	schema, err := fr.Schema()
	if err != nil {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: errors.Wrap(err, "reading schema")}
	}
	cols, err := resolveColumns(schema)
	if err != nil {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: err}
	}

	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: errors.Wrap(err, "reading records")}
	}
	defer rr.Release()

	res := &Result{}
	stations := map[string]measurement.Station{}
	samplingPoints := map[string]measurement.SamplingPoint{}

	for rr.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := rr.Record()
		if err := parseRecord(rec, cols, visit, res, stations, samplingPoints); err != nil {
			return nil, err
		}
	}
	// The pqarrow record reader reports io.EOF through Err() on normal
	// exhaustion.
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: errors.Wrap(err, "iterating records")}
	}
	if res.Rows == 0 && res.Skipped == 0 {
		parseFailCounter.Inc()
		return nil, &Error{Path: path, Err: errors.New("no rows in file")}
	}

	for _, s := range stations {
		res.Projections.Stations = append(res.Projections.Stations, s)
	}
	for _, sp := range samplingPoints {
		res.Projections.SamplingPoints = append(res.Projections.SamplingPoints, sp)
	}
	rowsSkippedCounter.Add(float64(res.Skipped))
	if res.Skipped > 0 {
		alog.Debugf("Dropped %d rows with missing required fields in %s", res.Skipped, path)
	}
	return res, nil
}

func parseRecord(rec arrow.Record, cols columns, visit RowVisitor, res *Result, stations map[string]measurement.Station, samplingPoints map[string]measurement.SamplingPoint) error {
	timeCol := rec.Column(cols.time)
	spCol := rec.Column(cols.samplingPoint)
	pollCol := rec.Column(cols.pollutant)
	optional := func(idx int) arrow.Array {
		if idx < 0 {
			return nil
		}
		return rec.Column(idx)
	}
	valueCol := optional(cols.value)
	unitCol := optional(cols.unit)
	aggCol := optional(cols.aggregationType)
	validityCol := optional(cols.validity)
	verificationCol := optional(cols.verification)
	captureCol := optional(cols.dataCapture)
	resultTimeCol := optional(cols.resultTime)
	observationCol := optional(cols.observationID)
	countryCol := optional(cols.countryCode)

	n := int(rec.NumRows())
	for i := 0; i < n; i++ {
		t, ok := timeAt(timeCol, i)
		if !ok {
			res.Skipped++
			continue
		}
		spID, ok := stringAt(spCol, i)
		if !ok || spID == "" {
			res.Skipped++
			continue
		}
		pollutant, ok := int16At(pollCol, i)
		if !ok {
			res.Skipped++
			continue
		}

		row := measurement.Row{
			Time:            t,
			SamplingPointID: spID,
			PollutantCode:   pollutant,
		}
		if v, ok := float64At(valueCol, i); ok {
			row.Value = &v
		}
		if v, ok := stringAt(unitCol, i); ok {
			row.Unit = &v
		}
		if v, ok := stringAt(aggCol, i); ok {
			row.AggregationType = &v
		}
		if v, ok := int16At(validityCol, i); ok {
			row.Validity = &v
		}
		if v, ok := int16At(verificationCol, i); ok {
			row.Verification = &v
		}
		if v, ok := float32At(captureCol, i); ok {
			row.DataCapture = &v
		}
		if v, ok := timeAt(resultTimeCol, i); ok {
			row.ResultTime = &v
		}
		if v, ok := stringAt(observationCol, i); ok {
			row.ObservationID = &v
		}

		if err := visit(row); err != nil {
			return err
		}
		res.Rows++

		country, stationCode, ok := measurement.DecomposeSamplingPointID(spID)
		if !ok {
			// Some files carry an explicit country column even when the
			// identifier is not decomposable.
			country, _ = stringAt(countryCol, i)
			stationCode = ""
		}
		if stationCode != "" {
			if _, seen := stations[stationCode]; !seen {
				stations[stationCode] = measurement.Station{StationCode: stationCode, CountryCode: country}
			}
		}
		spKey := spID + "\x00" + strconv.Itoa(int(pollutant))
		if _, seen := samplingPoints[spKey]; !seen {
			samplingPoints[spKey] = measurement.SamplingPoint{
				SamplingPointID: spID,
				StationCode:     stationCode,
				CountryCode:     country,
				PollutantCode:   pollutant,
			}
		}
	}
	return nil
}

// Timestamp layouts seen in EEA extracts. Layouts without a zone are
// interpreted as UTC.
var timeLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339, true},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02", false},
}

func parseTimeString(s string) (time.Time, bool) {
	for _, l := range timeLayouts {
		if l.zoned {
			if t, err := time.Parse(l.layout, s); err == nil {
				return t.UTC(), true
			}
		} else {
			if t, err := time.ParseInLocation(l.layout, s, time.UTC); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// timeAt reads a UTC timestamp from position i. Naive timestamps are
// re-tagged as UTC; zoned ones are converted.
func timeAt(col arrow.Array, i int) (time.Time, bool) {
	if col == nil || col.IsNull(i) {
		return time.Time{}, false
	}
	switch c := col.(type) {
	case *array.Timestamp:
		typ := c.DataType().(*arrow.TimestampType)
		return c.Value(i).ToTime(typ.Unit).UTC(), true
	case *array.Date32:
		return c.Value(i).ToTime().UTC(), true
	case *array.Date64:
		return c.Value(i).ToTime().UTC(), true
	case *array.String:
		return parseTimeString(c.Value(i))
	case *array.LargeString:
		return parseTimeString(c.Value(i))
	}
	return time.Time{}, false
}

func stringAt(col arrow.Array, i int) (string, bool) {
	if col == nil || col.IsNull(i) {
		return "", false
	}
	switch c := col.(type) {
	case *array.String:
		return c.Value(i), true
	case *array.LargeString:
		return c.Value(i), true
	}
	return "", false
}

func float64At(col arrow.Array, i int) (float64, bool) {
	if col == nil || col.IsNull(i) {
		return 0, false
	}
	switch c := col.(type) {
	case *array.Float64:
		return c.Value(i), true
	case *array.Float32:
		return float64(c.Value(i)), true
	case *array.Int64:
		return float64(c.Value(i)), true
	case *array.Int32:
		return float64(c.Value(i)), true
	case *array.String:
		v, err := strconv.ParseFloat(c.Value(i), 64)
		return v, err == nil
	}
	return 0, false
}

func float32At(col arrow.Array, i int) (float32, bool) {
	v, ok := float64At(col, i)
	return float32(v), ok
}

// int16At reads a small integer. String values may be EEA vocabulary
// URLs ("http://.../pollutant/5"); the trailing path segment is used.
func int16At(col arrow.Array, i int) (int16, bool) {
	if col == nil || col.IsNull(i) {
		return 0, false
	}
	switch c := col.(type) {
	case *array.Int8:
		return int16(c.Value(i)), true
	case *array.Int16:
		return c.Value(i), true
	case *array.Int32:
		return int16(c.Value(i)), true
	case *array.Int64:
		return int16(c.Value(i)), true
	case *array.Float64:
		return int16(c.Value(i)), true
	case *array.String:
		s := c.Value(i)
		if slash := strings.LastIndex(s, "/"); slash >= 0 {
			s = s[slash+1:]
		}
		v, err := strconv.Atoi(s)
		return int16(v), err == nil
	}
	return 0, false
}
