package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDate_JSONZero(t *testing.T) {
	b, err := json.Marshal(CalculationRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"startInclusive":null,"endExclusive":null}`, string(b))

	var req CalculationRequest
	require.NoError(t, json.Unmarshal(b, &req))
	assert.True(t, req.StartInclusive.IsZero())
	assert.True(t, req.EndExclusive.IsZero())

	require.NoError(t, json.Unmarshal([]byte(`{"startInclusive":"","endExclusive":"2024-02-01"}`), &req))
	assert.True(t, req.StartInclusive.IsZero())
	assert.Equal(t, NewDate(2024, time.February, 1), req.EndExclusive)
}

func TestDate_JSONRejectsMalformed(t *testing.T) {
	var d Date
	assert.Error(t, json.Unmarshal([]byte(`"01/02/2024"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`20240102`), &d))

	require.NoError(t, json.Unmarshal([]byte(`"2024-01-02"`), &d))
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2024-01-02"`, string(b))
}

func TestDate_AddMonthsClamps(t *testing.T) {
	assert.Equal(t, NewDate(2024, time.February, 29), NewDate(2024, time.January, 31).AddMonths(1))
	assert.Equal(t, NewDate(2025, time.February, 28), NewDate(2024, time.February, 29).AddYears(1))
}
