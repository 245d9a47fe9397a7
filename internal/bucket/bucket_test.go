package bucket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	b, err := Parse("2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", b.String())
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), b.End())

	_, err = Parse("2024/01/01")
	assert.Error(t, err)
}

func TestOf_NormalizesToUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	b := Of(time.Date(2024, 1, 2, 1, 30, 0, 0, loc))
	assert.Equal(t, "2024-01-01", b.String())
	assert.True(t, b.Contains(time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)))
	assert.False(t, b.Contains(b.End()))
}

func TestRange(t *testing.T) {
	got := Range(MustParse("2024-02-28"), MustParse("2024-03-01"))
	require.Len(t, got, 3)
	assert.Equal(t, "2024-02-29", got[1].String())

	assert.Empty(t, Range(MustParse("2024-03-02"), MustParse("2024-03-01")))
}

func TestLookback(t *testing.T) {
	got := Lookback(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), 3)
	require.Len(t, got, 3)
	assert.Equal(t, "2024-01-01", got[0].String())
	assert.Equal(t, "2024-01-03", got[2].String())

	assert.Nil(t, Lookback(time.Now(), 0))
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Bucket Bucket `json:"bucket"`
	}

	data, err := json.Marshal(wrapper{Bucket: MustParse("2024-01-01")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"bucket":"2024-01-01"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal(data, &w))
	assert.Equal(t, "2024-01-01", w.Bucket.String())
}
