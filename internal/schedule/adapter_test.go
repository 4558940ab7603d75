package schedule_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitbot/internal/schedule"
	"habitbot/internal/storage"
)

var daily = schedule.Interval{Every: 1, Period: schedule.Days}

var twiceDaily = schedule.Calendar{Minute: "0", Hour: "9,17", Timezone: schedule.DefaultTimezone}

func TestUpsertIntervalIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	a := schedule.NewAdapter(st)

	h1, err := a.UpsertInterval(ctx, 42, daily)
	require.NoError(t, err)
	h2, err := a.UpsertInterval(ctx, 42, daily)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "habit_42_interval", h1.Name)
	assert.Nil(t, h1.Expires)

	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, schedule.DispatchTask, e.Task)
	assert.Equal(t, []int64{42}, e.Args)
	assert.Empty(t, e.Kwargs)
	assert.True(t, e.Enabled)
	assert.False(t, e.OneOff)
	assert.Nil(t, e.Expires)
	require.NotNil(t, e.Interval)
	assert.Equal(t, daily, *e.Interval)
}

func TestUpsertCalendarIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	a := schedule.NewAdapter(st)

	for range 3 {
		_, err := a.UpsertCalendar(ctx, 7, "", twiceDaily)
		require.NoError(t, err)
	}
	entries, err := st.EntriesByName(ctx, "habit_7_crontab")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Calendar)
	assert.Equal(t, "9,17", entries[0].Calendar.Hour)
}

func TestDescriptorsAreShared(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	a := schedule.NewAdapter(st)

	h1, err := a.UpsertCalendar(ctx, 1, "", twiceDaily)
	require.NoError(t, err)
	h2, err := a.UpsertCalendar(ctx, 2, "", twiceDaily)
	require.NoError(t, err)
	assert.Equal(t, h1.ScheduleID, h2.ScheduleID)
	assert.NotEqual(t, h1.ID, h2.ID)
}

func TestFamilyChangeKeepsOneEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	a := schedule.NewAdapter(st)

	_, err := a.UpsertInterval(ctx, 5, daily)
	require.NoError(t, err)
	_, err = a.UpsertCalendar(ctx, 5, "", twiceDaily)
	require.NoError(t, err)

	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "habit_5_crontab", entries[0].Name)

	_, err = a.UpsertInterval(ctx, 5, schedule.Interval{Every: 3, Period: schedule.Days})
	require.NoError(t, err)
	entries, err = st.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "habit_5_interval", entries[0].Name)
	assert.Equal(t, 3, entries[0].Interval.Every)
}

func TestLeavingLegacyModeReplacesLegacyRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	legacy := schedule.NewAdapter(st, schedule.WithLegacyIntervalEntries(true))
	_, err := legacy.UpsertInterval(ctx, 7, daily)
	require.NoError(t, err)
	_, err = legacy.UpsertInterval(ctx, 8, daily)
	require.NoError(t, err)

	_, err = schedule.NewAdapter(st).UpsertInterval(ctx, 7, daily)
	require.NoError(t, err)

	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	var mine []string
	for _, e := range entries {
		if id, ok := e.HabitID(); ok && id == 7 && e.Active(time.Now()) {
			mine = append(mine, e.Name)
		}
	}
	assert.Equal(t, []string{"habit_7_interval"}, mine)

	others, err := st.EntriesByName(ctx, schedule.LegacyIntervalName)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, []int64{8}, others[0].Args)
}

func TestLegacyIntervalDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := schedule.NewAdapter(st,
		schedule.WithLegacyIntervalEntries(true),
		schedule.WithClock(func() time.Time { return now }))

	h1, err := a.UpsertInterval(ctx, 42, daily)
	require.NoError(t, err)
	h2, err := a.UpsertInterval(ctx, 42, daily)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID, h2.ID)
	assert.Equal(t, h1.ScheduleID, h2.ScheduleID)

	entries, err := st.EntriesByName(ctx, schedule.LegacyIntervalName)
	require.NoError(t, err)
	require.Len(t, entries, 2, "legacy path creates a new entry on every call")
	for _, e := range entries {
		require.NotNil(t, e.Expires)
		assert.True(t, e.Expires.Equal(now.Add(24*time.Hour)))
	}

	// Moving to a calendar family clears this habit's legacy rows only.
	_, err = a.UpsertInterval(ctx, 43, daily)
	require.NoError(t, err)
	_, err = a.UpsertCalendar(ctx, 42, "", twiceDaily)
	require.NoError(t, err)
	entries, err = st.EntriesByName(ctx, schedule.LegacyIntervalName)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []int64{43}, entries[0].Args)
}

func TestRemoveHabit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	a := schedule.NewAdapter(st)

	_, err := a.UpsertCalendar(ctx, 9, "", twiceDaily)
	require.NoError(t, err)
	_, err = a.UpsertInterval(ctx, 10, daily)
	require.NoError(t, err)

	n, err := a.RemoveHabit(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = a.RemoveHabit(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreFailuresAreWrapped(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	require.NoError(t, st.Close())
	a := schedule.NewAdapter(st)

	_, err := a.UpsertInterval(context.Background(), 1, daily)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schedule.ErrScheduleStore), "%v", err)
	assert.True(t, errors.Is(err, storage.ErrClosed), "%v", err)

	_, err = a.UpsertCalendar(context.Background(), 1, "", twiceDaily)
	assert.True(t, errors.Is(err, schedule.ErrScheduleStore), "%v", err)
}

func TestInvalidSpecsRejectedBeforeStore(t *testing.T) {
	t.Parallel()
	a := schedule.NewAdapter(storage.NewMemory())

	_, err := a.UpsertInterval(context.Background(), 1, schedule.Interval{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, schedule.ErrScheduleStore))

	_, err = a.UpsertCalendar(context.Background(), 1, "", schedule.Calendar{Minute: "61"})
	require.Error(t, err)
}
