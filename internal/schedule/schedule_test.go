package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTime(t *testing.T) {
	t.Parallel()
	cases := map[string]string{"8:00": "08:00", "08:05": "08:05", "23:59": "23:59", "0:00": "00:00"}
	for in, want := range cases {
		got, err := NormalizeTime(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	for _, bad := range []string{"", "24:00", "12:60", "8", "08:5", "aa:bb", "08:00:00"} {
		_, err := NormalizeTime(bad)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, bad)
		require.Equal(t, "time", ve.Field)
	}
}

func TestParseDays(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":        "*",
		"*":       "*",
		"1-5":     "1,2,3,4,5",
		"6,0":     "0,6",
		"0-6":     "*",
		" 1, 3 ":  "1,3",
		"1-2,2-3": "1,2,3",
	}
	for in, want := range cases {
		got, err := NormalizeDays(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"7", "-1", "5-1", "mon", "1,,2"} {
		_, err := NormalizeDays(bad)
		require.Error(t, err, bad)
	}
}

func TestCronExpr(t *testing.T) {
	t.Parallel()
	expr, err := Schedule{Time: "08:00", Days: "*"}.CronExpr()
	require.NoError(t, err)
	require.Equal(t, "0 8 * * *", expr)

	expr, err = Schedule{Time: "7:30", Days: "1-5"}.CronExpr()
	require.NoError(t, err)
	require.Equal(t, "30 7 * * 1,2,3,4,5", expr)
}

func TestValidatePortion(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidatePortion(10))
	require.NoError(t, ValidatePortion(200))
	require.Error(t, ValidatePortion(9.9))
	require.Error(t, ValidatePortion(201))
}

func TestForDay(t *testing.T) {
	t.Parallel()
	all := []Schedule{
		{ID: "b", Time: "18:00", Days: "*", Active: true},
		{ID: "a", Time: "08:00", Days: "1-5", Active: true},
		{ID: "c", Time: "12:00", Days: "*", Active: false},
		{ID: "d", Time: "09:00", Days: "0,6", Active: true},
	}
	got := ForDay(all, time.Monday)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "b", got[1].ID)

	require.True(t, all[3].MatchesDay(time.Sunday))
	require.False(t, all[3].MatchesDay(time.Wednesday))
}
