package preprocess

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func easternOptions(t *testing.T) CutoffOptions {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return CutoffOptions{Location: loc, Hour: 15, Minute: 30}
}

func TestMembershipWindow(t *testing.T) {
	t.Parallel()

	opts := easternOptions(t)
	window, err := MembershipWindow("2024-11-05", opts)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 11, 4, 15, 30, 0, 0, opts.Location), window.Start)
	assert.Equal(t, time.Date(2024, 11, 5, 15, 30, 0, 0, opts.Location), window.End)
	assert.Equal(t, 24*time.Hour, window.End.Sub(window.Start))
}

func TestWindowBounds(t *testing.T) {
	t.Parallel()

	opts := easternOptions(t)
	window, err := MembershipWindow("2024-11-05", opts)
	require.NoError(t, err)

	// Lower bound exclusive, upper bound inclusive.
	assert.False(t, window.Contains(window.Start))
	assert.True(t, window.Contains(window.Start.Add(time.Second)))
	assert.True(t, window.Contains(window.End))
	assert.False(t, window.Contains(window.End.Add(time.Second)))
}

func TestApplyCutoffFourRecordScenario(t *testing.T) {
	t.Parallel()

	// 2024-11-04 19:00 UTC = 14:00 ET on 11-04, before the window opens.
	// 2024-11-04 21:00 UTC = 16:00 ET on 11-04, inside.
	// 2024-11-05 20:00 UTC = 15:00 ET on 11-05, inside.
	// 2024-11-05 21:00 UTC = 16:00 ET on 11-05, after the cutoff.
	records := []time.Time{
		time.Date(2024, 11, 4, 19, 0, 0, 0, time.UTC),
		time.Date(2024, 11, 4, 21, 0, 0, 0, time.UTC),
		time.Date(2024, 11, 5, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 11, 5, 21, 0, 0, 0, time.UTC),
	}

	kept, result, err := ApplyCutoff(records, func(ts time.Time) time.Time { return ts }, "2024-11-05", easternOptions(t))
	require.NoError(t, err)

	require.Len(t, kept, 2)
	assert.Equal(t, records[1], kept[0])
	assert.Equal(t, records[2], kept[1])
	assert.Equal(t, 2, result.DroppedOutOfWindow)
	assert.Zero(t, result.DroppedLate)
}

func TestApplyCutoffSafetyLag(t *testing.T) {
	t.Parallel()

	opts := easternOptions(t)
	opts.SafetyLag = 30 * time.Minute
	opts.Training = true

	// 15:10 ET on 11-05 is inside the window but within 30m of the edge.
	records := []time.Time{
		time.Date(2024, 11, 5, 14, 0, 0, 0, opts.Location),
		time.Date(2024, 11, 5, 15, 10, 0, 0, opts.Location),
	}

	kept, result, err := ApplyCutoff(records, func(ts time.Time) time.Time { return ts }, "2024-11-05", opts)
	require.NoError(t, err)

	require.Len(t, kept, 1)
	assert.Equal(t, records[0], kept[0])
	assert.Equal(t, 1, result.DroppedLate)
	assert.Zero(t, result.DroppedOutOfWindow)

	// Serving mode keeps the late record.
	opts.Training = false
	kept, result, err = ApplyCutoff(records, func(ts time.Time) time.Time { return ts }, "2024-11-05", opts)
	require.NoError(t, err)
	assert.Len(t, kept, 2)
	assert.Zero(t, result.DroppedLate)
}

func TestApplyCutoffEmptyInput(t *testing.T) {
	t.Parallel()

	kept, result, err := ApplyCutoff(nil, func(ts time.Time) time.Time { return ts }, "2024-11-05", easternOptions(t))
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.False(t, result.Window.End.IsZero())
	assert.False(t, result.AppliedAt.IsZero())
}

func TestApplyCutoffBadDate(t *testing.T) {
	t.Parallel()

	_, _, err := ApplyCutoff(nil, func(ts time.Time) time.Time { return ts }, "not-a-date", easternOptions(t))
	assert.Error(t, err)
}

func TestValidateCutoff(t *testing.T) {
	t.Parallel()

	opts := easternOptions(t)
	inWindow := time.Date(2024, 11, 5, 10, 0, 0, 0, opts.Location)
	outOfWindow := time.Date(2024, 11, 5, 16, 0, 0, 0, opts.Location)

	report, err := ValidateCutoff([]time.Time{inWindow, outOfWindow}, func(ts time.Time) time.Time { return ts }, "2024-11-05", opts)
	require.NoError(t, err)

	assert.False(t, report.Compliant)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.OutOfWindow)

	report, err = ValidateCutoff([]time.Time{inWindow}, func(ts time.Time) time.Time { return ts }, "2024-11-05", opts)
	require.NoError(t, err)
	assert.True(t, report.Compliant)
}
