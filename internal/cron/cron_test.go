package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) Expression {
	t.Helper()
	e, err := Parse(expr)
	require.NoError(t, err)
	return e
}

func TestEveryFifteenMinutes(t *testing.T) {
	e := mustParse(t, "*/15 * * * *")

	fires := []int{0, 15, 30, 45}
	for m := 0; m < 60; m++ {
		want := false
		for _, f := range fires {
			if f == m {
				want = true
			}
		}
		tm := time.Date(2026, 1, 5, 12, m, 0, 0, time.UTC)
		assert.Equal(t, want, e.Matches(tm), "minute %d", m)
	}
}

func TestNicknames(t *testing.T) {
	cases := map[string]string{
		"@hourly":   "0 * * * *",
		"@daily":    "0 0 * * *",
		"@midnight": "0 0 * * *",
		"@weekly":   "0 0 * * 0",
		"@monthly":  "0 0 1 * *",
		"@yearly":   "0 0 1 1 *",
		"@annually": "0 0 1 1 *",
	}
	for nickname, equivalent := range cases {
		want := mustParse(t, equivalent)
		got := mustParse(t, nickname)

		probe := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, want.Matches(probe), got.Matches(probe), nickname)
	}
}

// TestNicknameDayRestrictionHonored guards against a day-matching
// regression TestNicknames can't catch on its own: comparing a nickname
// to its own expansion at one probe is trivially equal even when both
// sides are wrong, since day-of-month and day-of-week each carry a
// wildcard and a wildcard-vs-wildcard bug doesn't show up unless a day
// that should NOT match is actually checked.
func TestNicknameDayRestrictionHonored(t *testing.T) {
	weekly := mustParse(t, "@weekly")
	sunday := time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Sunday, sunday.Weekday())
	assert.True(t, weekly.Matches(sunday))

	monday := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Monday, monday.Weekday())
	assert.False(t, weekly.Matches(monday), "@weekly must not fire on a non-Sunday midnight")

	monthly := mustParse(t, "@monthly")
	assert.True(t, monthly.Matches(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, monthly.Matches(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)), "@monthly must not fire on a day other than the 1st")

	yearly := mustParse(t, "@yearly")
	assert.True(t, yearly.Matches(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, yearly.Matches(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)), "@yearly must not fire on a day other than Jan 1st")
}

func TestNicknameCaseInsensitive(t *testing.T) {
	a := mustParse(t, "@Hourly")
	b := mustParse(t, "@HOURLY")
	probe := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	assert.True(t, a.Matches(probe))
	assert.True(t, b.Matches(probe))
}

func TestMonthAndWeekdayAliases(t *testing.T) {
	e := mustParse(t, "0 9 * JAN MON")
	mon := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) // a Monday in January
	require.Equal(t, time.Monday, mon.Weekday())
	assert.True(t, e.Matches(mon))

	tue := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	require.Equal(t, time.Tuesday, tue.Weekday())
	assert.False(t, e.Matches(tue))
}

func TestAliasesCaseInsensitive(t *testing.T) {
	e := mustParse(t, "0 9 * jan mon")
	mon := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	assert.True(t, e.Matches(mon))
}

func TestDayOfMonthOrDayOfWeekWhenBothRestricted(t *testing.T) {
	// day 15 OR Monday
	e := mustParse(t, "0 0 15 * 1")

	the15th := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC) // a Sunday
	require.Equal(t, time.Sunday, the15th.Weekday())
	assert.True(t, e.Matches(the15th))

	monday := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Monday, monday.Weekday())
	assert.True(t, e.Matches(monday))

	neither := time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)
	assert.False(t, e.Matches(neither))
}

func TestListsAndRanges(t *testing.T) {
	e := mustParse(t, "0,30 8-10 * * *")
	assert.True(t, e.Matches(time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)))
}

func TestRangeStep(t *testing.T) {
	e := mustParse(t, "0-30/10 * * * *")
	for _, m := range []int{0, 10, 20, 30} {
		assert.True(t, e.Matches(time.Date(2026, 1, 1, 0, m, 0, 0, time.UTC)), "minute %d", m)
	}
	assert.False(t, e.Matches(time.Date(2026, 1, 1, 0, 40, 0, 0, time.UTC)))
}

func TestInvalidExpressionFieldCount(t *testing.T) {
	_, err := Parse("* * * *")
	assert.Error(t, err)
}

func TestInvalidExpressionOutOfRange(t *testing.T) {
	_, err := Parse("60 * * * *")
	assert.Error(t, err)
}

func TestInvalidRange(t *testing.T) {
	_, err := Parse("10-5 * * * *")
	assert.Error(t, err)
}

func TestTimeToNextMinute(t *testing.T) {
	tm := time.Date(2026, 1, 1, 12, 30, 45, 0, time.UTC)
	got := TimeToNextMinute(tm)
	assert.Equal(t, 15*time.Second, got)
}
