// Package measurement defines the normalized observation row written to
// the measurements hypertable, and the EEA naming conventions needed to
// produce it from raw columnar files.
package measurement

import (
	"strings"
	"time"
)

// Row is one observation in the normalized schema. Time,
// SamplingPointID and PollutantCode are required; everything else is
// nullable and modeled as a pointer. Time is always UTC.
type Row struct {
	Time            time.Time
	SamplingPointID string
	PollutantCode   int16
	Value           *float64
	Unit            *string
	AggregationType *string
	Validity        *int16
	Verification    *int16
	DataCapture     *float32
	ResultTime      *time.Time
	ObservationID   *string
}

// CopyValues returns the row as positional values in the exact column
// order of Columns, with nil for NULL, ready for the COPY encoder.
func (r Row) CopyValues() []interface{} {
	vals := make([]interface{}, 0, len(Columns))
	vals = append(vals, r.Time.UTC(), r.SamplingPointID, r.PollutantCode)
	if r.Value != nil {
		vals = append(vals, *r.Value)
	} else {
		vals = append(vals, nil)
	}
	if r.Unit != nil {
		vals = append(vals, *r.Unit)
	} else {
		vals = append(vals, nil)
	}
	if r.AggregationType != nil {
		vals = append(vals, *r.AggregationType)
	} else {
		vals = append(vals, nil)
	}
	if r.Validity != nil {
		vals = append(vals, *r.Validity)
	} else {
		vals = append(vals, nil)
	}
	if r.Verification != nil {
		vals = append(vals, *r.Verification)
	} else {
		vals = append(vals, nil)
	}
	if r.DataCapture != nil {
		vals = append(vals, *r.DataCapture)
	} else {
		vals = append(vals, nil)
	}
	if r.ResultTime != nil {
		vals = append(vals, r.ResultTime.UTC())
	} else {
		vals = append(vals, nil)
	}
	if r.ObservationID != nil {
		vals = append(vals, *r.ObservationID)
	} else {
		vals = append(vals, nil)
	}
	return vals
}

// Columns is the column order of the measurements hypertable. The COPY
// stream must follow it exactly.
var Columns = []string{
	"time",
	"sampling_point_id",
	"pollutant_code",
	"value",
	"unit",
	"aggregation_type",
	"validity",
	"verification",
	"data_capture",
	"result_time",
	"observation_id",
}

// SourceNames maps each canonical column to the source column names that
// may carry it, in preference order. EEA extracts use the long names
// (DatetimeBegin, SamplingPoint, ...) while the parquet download service
// uses the short ones (Start, Samplingpoint, ...).
var SourceNames = map[string][]string{
	"time":              {"DatetimeBegin", "Start"},
	"sampling_point_id": {"SamplingPoint", "Samplingpoint"},
	"pollutant_code":    {"AirPollutantCode", "Pollutant"},
	"value":             {"Concentration", "Value"},
	"unit":              {"UnitOfMeasurement", "Unit"},
	"aggregation_type":  {"AggregationType", "AggType"},
	"validity":          {"Validity"},
	"verification":      {"Verification"},
	"data_capture":      {"DataCapture"},
	"result_time":       {"ResultTime"},
	"observation_id":    {"ObservationId", "FkObservationLog"},
}

// Station is the side-channel projection of a monitoring location used
// to bootstrap the stations dimension table.
type Station struct {
	StationCode string
	CountryCode string
}

// SamplingPoint is the side-channel projection of an instrument
// installation used to bootstrap the sampling_points dimension table.
type SamplingPoint struct {
	SamplingPointID string
	StationCode     string
	CountryCode     string
	PollutantCode   int16
}

// DecomposeSamplingPointID extracts (countryCode, stationCode) from an
// EEA sampling point identifier such as "PT/SPO-PT02022_00008_100" or
// "IT/SPO.IT0508A_8_chemi". The decomposition is best effort; ok is
// false when the identifier does not follow the convention, and callers
// must not drop the measurement on that account.
func DecomposeSamplingPointID(id string) (countryCode, stationCode string, ok bool) {
	slash := strings.Index(id, "/")
	if slash <= 0 {
		return "", "", false
	}
	countryCode = id[:slash]
	rest := id[slash+1:]
	if !strings.HasPrefix(rest, "SPO-") && !strings.HasPrefix(rest, "SPO.") {
		return "", "", false
	}
	rest = rest[len("SPO-"):]
	if i := strings.Index(rest, "_"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", "", false
	}
	// Station codes carry the country prefix, e.g. "PT/PT02022".
	return countryCode, countryCode + "/" + rest, true
}
