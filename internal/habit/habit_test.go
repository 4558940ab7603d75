package habit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReminderText(t *testing.T) {
	h := Habit{ID: 42, Action: "Выпить стакан воды"}
	assert.Equal(t, "Сегодня нужно Выпить стакан воды.", h.Reminder())
}

func TestRecipient(t *testing.T) {
	tests := []struct {
		name  string
		owner *Owner
		want  string
		ok    bool
	}{
		{name: "no owner", owner: nil},
		{name: "blank chat id", owner: &Owner{ID: 1, TelegramChatID: "  "}},
		{name: "chat id", owner: &Owner{ID: 1, TelegramChatID: "546194525"}, want: "546194525", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Habit{Owner: tt.owner}.Recipient()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePeriodicity(t *testing.T) {
	for _, p := range Periodicities {
		got, err := ParsePeriodicity(" " + string(p) + " ")
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := ParsePeriodicity("")
	require.NoError(t, err)
	assert.Equal(t, EveryDay, got)

	_, err = ParsePeriodicity("Ежечасно")
	assert.True(t, errors.Is(err, ErrUnsupportedPeriodicity))
}
