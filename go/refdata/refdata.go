// Package refdata loads the stations and sampling_points dimension
// tables, either from operator-supplied CSV extracts or from the
// parser's side-channel projections. Plain multi-row upserts; the bulk
// COPY path is reserved for measurements.
package refdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/pkg/errors"

	"go.discomap.org/ingest/go/alog"
	"go.discomap.org/ingest/go/measurement"
	sqlschema "go.discomap.org/ingest/go/sql"
)

// upsertChunk bounds the rows per INSERT statement.
const upsertChunk = 500

// execer is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var stationCols = []string{"station_code", "country_code", "station_name", "latitude", "longitude", "altitude"}

var samplingPointCols = []string{"sampling_point_id", "station_code", "country_code", "pollutant_code"}

// UpsertStations writes station rows, keeping existing values when a
// station is already present (projections carry less detail than the
// operator extracts).
func UpsertStations(ctx context.Context, db execer, stations []measurement.Station) error {
	rows := make([][]interface{}, 0, len(stations))
	for _, s := range stations {
		if s.StationCode == "" {
			continue
		}
		rows = append(rows, []interface{}{s.StationCode, nullable(s.CountryCode), nil, nil, nil, nil})
	}
	return upsert(ctx, db, sqlschema.StationsTable, stationCols, "station_code", rows, false)
}

// UpsertSamplingPoints writes sampling-point rows, updating existing
// entries in place.
func UpsertSamplingPoints(ctx context.Context, db execer, points []measurement.SamplingPoint) error {
	rows := make([][]interface{}, 0, len(points))
	for _, p := range points {
		if p.SamplingPointID == "" {
			continue
		}
		rows = append(rows, []interface{}{p.SamplingPointID, nullable(p.StationCode), nullable(p.CountryCode), p.PollutantCode})
	}
	return upsert(ctx, db, sqlschema.SamplingPointsTable, samplingPointCols, "sampling_point_id", rows, true)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func upsert(ctx context.Context, db execer, table string, cols []string, keyCol string, rows [][]interface{}, update bool) error {
	if len(rows) == 0 {
		return nil
	}
	conflict := "DO NOTHING"
	if update {
		conflict = "DO UPDATE SET " + sqlschema.ConflictUpdateClause(cols, []string{keyCol})
	}
	for i := 0; i < len(rows); i += upsertChunk {
		end := i + upsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[i:end]
		statement := fmt.Sprintf(`INSERT INTO %s.%s (%s) VALUES %s ON CONFLICT (%s) %s`,
			sqlschema.Schema, table, strings.Join(cols, ","),
			sqlschema.ValuesPlaceholders(len(cols), len(chunk)), keyCol, conflict)
		args := make([]interface{}, 0, len(cols)*len(chunk))
		for _, r := range chunk {
			args = append(args, r...)
		}
		if _, err := db.Exec(ctx, statement, args...); err != nil {
			return errors.Wrapf(err, "upserting into %s", table)
		}
	}
	return nil
}

// csvHeader resolves a column by any of its accepted names,
// case-insensitively. Returns -1 when absent.
func csvHeader(header []string, names ...string) int {
	for i, h := range header {
		for _, n := range names {
			if strings.EqualFold(strings.TrimSpace(h), n) {
				return i
			}
		}
	}
	return -1
}

func csvField(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// LoadStationsCSV upserts a stations extract. The header must carry a
// station code column; the remaining columns are optional.
func LoadStationsCSV(ctx context.Context, db execer, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "opening stations csv")
	}
	defer func() {
		_ = f.Close()
	}()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, errors.Wrap(err, "reading stations csv header")
	}
	codeIdx := csvHeader(header, "station_code", "AirQualityStationEoICode")
	if codeIdx < 0 {
		return 0, errors.New("stations csv has no station code column")
	}
	countryIdx := csvHeader(header, "country_code", "Countrycode")
	nameIdx := csvHeader(header, "station_name", "AirQualityStationName")
	latIdx := csvHeader(header, "latitude")
	lonIdx := csvHeader(header, "longitude")
	altIdx := csvHeader(header, "altitude")

	var rows [][]interface{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "reading stations csv")
		}
		code := csvField(record, codeIdx)
		if code == "" {
			continue
		}
		rows = append(rows, []interface{}{
			code,
			nullable(csvField(record, countryIdx)),
			nullable(csvField(record, nameIdx)),
			nullableFloat(csvField(record, latIdx)),
			nullableFloat(csvField(record, lonIdx)),
			nullableFloat(csvField(record, altIdx)),
		})
	}
	if err := upsert(ctx, db, sqlschema.StationsTable, stationCols, "station_code", rows, true); err != nil {
		return 0, err
	}
	alog.Infof("Upserted %d stations from %s", len(rows), path)
	return len(rows), nil
}

// LoadSamplingPointsCSV upserts a sampling-points extract.
func LoadSamplingPointsCSV(ctx context.Context, db execer, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "opening sampling points csv")
	}
	defer func() {
		_ = f.Close()
	}()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, errors.Wrap(err, "reading sampling points csv header")
	}
	idIdx := csvHeader(header, "sampling_point_id", "SamplingPoint", "Samplingpoint")
	if idIdx < 0 {
		return 0, errors.New("sampling points csv has no sampling point column")
	}
	stationIdx := csvHeader(header, "station_code", "AirQualityStationEoICode")
	countryIdx := csvHeader(header, "country_code", "Countrycode")
	pollutantIdx := csvHeader(header, "pollutant_code", "AirPollutantCode", "Pollutant")

	var rows [][]interface{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "reading sampling points csv")
		}
		id := csvField(record, idIdx)
		if id == "" {
			continue
		}
		rows = append(rows, []interface{}{
			id,
			nullable(csvField(record, stationIdx)),
			nullable(csvField(record, countryIdx)),
			nullableInt(csvField(record, pollutantIdx)),
		})
	}
	if err := upsert(ctx, db, sqlschema.SamplingPointsTable, samplingPointCols, "sampling_point_id", rows, true); err != nil {
		return 0, err
	}
	alog.Infof("Upserted %d sampling points from %s", len(rows), path)
	return len(rows), nil
}

func nullableFloat(s string) interface{} {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return v
}

func nullableInt(s string) interface{} {
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return int16(v)
}
