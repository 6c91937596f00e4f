// Package sql holds the names of the fixed airquality schema and small
// helpers for building multi-row statements. The schema itself is owned
// by migrations; nothing in this repo creates tables.
package sql

import (
	"strconv"
	"strings"
)

// Schema is the database schema that owns all airquality relations.
const Schema = "airquality"

// Table names within Schema.
const (
	MeasurementsTable   = "measurements"
	StationsTable       = "stations"
	SamplingPointsTable = "sampling_points"
)

// ValuesPlaceholders returns a set of SQL placeholder numbers grouped for
// use in an INSERT statement. For example, ValuesPlaceholders(2,3)
// returns ($1,$2),($3,$4),($5,$6). It panics if either param is <= 0.
func ValuesPlaceholders(valuesPerRow, numRows int) string {
	if valuesPerRow <= 0 || numRows <= 0 {
		panic("Cannot make ValuesPlaceholders with 0 rows or 0 values per row")
	}
	values := strings.Builder{}
	values.Grow(5 * valuesPerRow * numRows)
	for argIdx := 1; argIdx <= valuesPerRow*numRows; argIdx += valuesPerRow {
		if argIdx != 1 {
			_, _ = values.WriteString(",")
		}
		_, _ = values.WriteString("(")
		for i := 0; i < valuesPerRow; i++ {
			if i != 0 {
				_, _ = values.WriteString(",")
			}
			_, _ = values.WriteString("$")
			_, _ = values.WriteString(strconv.Itoa(argIdx + i))
		}
		_, _ = values.WriteString(")")
	}
	return values.String()
}

// ConflictUpdateClause returns the SET list of an ON CONFLICT DO UPDATE
// that overwrites every non-key column with its EXCLUDED counterpart,
// e.g. "value=EXCLUDED.value,unit=EXCLUDED.unit".
func ConflictUpdateClause(cols []string, keyCols []string) string {
	keys := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		keys[k] = true
	}
	clause := strings.Builder{}
	for _, col := range cols {
		if keys[col] {
			continue
		}
		if clause.Len() > 0 {
			_, _ = clause.WriteString(",")
		}
		_, _ = clause.WriteString(col)
		_, _ = clause.WriteString("=EXCLUDED.")
		_, _ = clause.WriteString(col)
	}
	return clause.String()
}
