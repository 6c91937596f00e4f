package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValuesPlaceholders(t *testing.T) {
	assert.Equal(t, "($1)", ValuesPlaceholders(1, 1))
	assert.Equal(t, "($1,$2),($3,$4),($5,$6)", ValuesPlaceholders(2, 3))
	assert.Equal(t, "($1,$2,$3)", ValuesPlaceholders(3, 1))
}

func TestValuesPlaceholders_PanicsOnInvalidInput(t *testing.T) {
	assert.Panics(t, func() { ValuesPlaceholders(0, 1) })
	assert.Panics(t, func() { ValuesPlaceholders(1, 0) })
	assert.Panics(t, func() { ValuesPlaceholders(-2, 3) })
}

func TestConflictUpdateClause(t *testing.T) {
	cols := []string{"time", "sampling_point_id", "value", "unit"}
	assert.Equal(t, "value=EXCLUDED.value,unit=EXCLUDED.unit",
		ConflictUpdateClause(cols, []string{"time", "sampling_point_id"}))
}

func TestConflictUpdateClause_AllKeysGivesEmptyClause(t *testing.T) {
	assert.Equal(t, "", ConflictUpdateClause([]string{"id"}, []string{"id"}))
}
