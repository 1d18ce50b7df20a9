package hdbtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose(t *testing.T) {
	m := Compose(1710500000, 742100)
	assert.Equal(t, Micros(1710500000742100), m)
	assert.Equal(t, int64(1710500000), m.Sec())
	assert.Equal(t, int32(742100), m.Us())
	assert.Equal(t, 1710500000742.1, m.Millis())
}

func TestMicrosTime(t *testing.T) {
	m := Compose(1710500000, 999999)
	assert.Equal(t, m, FromTime(m.Time()))
}

func TestSplitAttr(t *testing.T) {
	tests := []struct {
		full string
		cs   string
		attr string
		err  bool
	}{
		{"ctrl/d/f/m/a", "ctrl", "d/f/m/a", false},
		{"g-v-csdb-0:10000/sys/tg_test/1/double_scalar", "g-v-csdb-0:10000", "sys/tg_test/1/double_scalar", false},
		{"host:10000/extra/d/f/m/a", "host:10000/extra", "d/f/m/a", false},
		{"d/f/m/a", "", "", true},
		{"nope", "", "", true},
	}
	for _, tc := range tests {
		cs, attr, err := SplitAttr(tc.full)
		if tc.err {
			assert.Error(t, err, tc.full)
			continue
		}
		require.NoError(t, err, tc.full)
		assert.Equal(t, tc.cs, cs)
		assert.Equal(t, tc.attr, attr)
	}
}

func TestDays(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 17, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"2024-03-15", "2024-03-16", "2024-03-17"}, Days(t0, t1, time.UTC))
}

func TestDaysSingle(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, []string{"2024-03-15"}, Days(t0, t1, time.UTC))
}

// the count must always be floor_day(t1) - floor_day(t0) + 1, also when the
// zone shifts the bucket boundaries away from UTC midnight.
func TestDaysZone(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*3600)
	t0 := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC) // 01:00 on the 16th in +02
	t1 := time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC)  // 03:00 on the 16th in +02
	assert.Equal(t, []string{"2024-03-16"}, Days(t0, t1, zone))
}

func TestDaysLong(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.AddDate(0, 0, 119)
	assert.Len(t, Days(t0, t1, time.UTC), 120)
}

func TestParseTime(t *testing.T) {
	// naive timestamps are assumed UTC
	parsed, err := ParseTime("2024-03-15T12:30:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC), parsed)

	// zoned timestamps are converted, not reinterpreted
	parsed, err = ParseTime("2024-03-15T12:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), parsed.UTC())

	_, err = ParseTime("not a time")
	assert.Error(t, err)
}
