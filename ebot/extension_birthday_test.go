package ebot

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestValidDate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		year, month, day int
		expected         bool
	}{
		{2000, 1, 31, true},
		{2024, 2, 29, true},
		{2023, 2, 29, false},
		{1900, 2, 29, false},
		{2023, 4, 31, false},
		{2023, 13, 1, false},
		{2023, 0, 1, false},
		{2023, 1, 0, false},
		{2023, 12, 31, true},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("%d-%d-%d", tc.year, tc.month, tc.day), func(t *testing.T) {
				assert.Equal(t, tc.expected, validDate(tc.year, tc.month, tc.day))
			},
		)
	}
}

func newBirthdayHost(t *testing.T) (*Host, *mockGateway) {
	t.Helper()
	return newTestHost(
		t, func(cfg *Config) {
			cfg.Extensions = []string{birthdayExtensionName}
			cfg.Birthday.ChannelIDs = map[string]string{
				testGuildID: testChannelID,
				"g2":        "missing-channel",
				"g3":        testChannelID,
			}
		},
	)
}

func birthdayInteraction(guildID string, year, month, day int) Interaction {
	return Interaction{
		ID:        "i1",
		Command:   birthdayCommand,
		GuildID:   guildID,
		ChannelID: testChannelID,
		User:      User{ID: "u1"},
		Options: map[string]any{
			"year":  float64(year),
			"month": float64(month),
			"day":   float64(day),
		},
	}
}

func TestBirthday_SetCommand(t *testing.T) {
	t.Parallel()
	h, gw := newBirthdayHost(t)
	ctx := context.Background()

	h.handleInteraction(ctx, birthdayInteraction(testGuildID, 1990, 3, 14))
	h.handleInteraction(ctx, birthdayInteraction(testGuildID, 2023, 2, 29))
	h.handleInteraction(ctx, birthdayInteraction("", 1990, 3, 14))

	responses := gw.Responses()
	require.Len(t, responses, 3)
	assert.Equal(t, Reply{Content: birthdayReplySaved, Ephemeral: true}, responses[0].Reply)
	assert.Equal(t, Reply{Content: birthdayReplyInvalid}, responses[1].Reply)
	assert.Equal(t, Reply{Content: birthdayReplyGuildOnly, Ephemeral: true}, responses[2].Reply)

	birthdays, err := h.Store().BirthdaysOn(ctx, testGuildID, 3, 14)
	require.NoError(t, err)
	require.Len(t, birthdays, 1)
	assert.Equal(t, "u1", birthdays[0].UserID)

	// a leap day is fine in a leap year
	h.handleInteraction(ctx, birthdayInteraction(testGuildID, 2024, 2, 29))
	birthdays, err = h.Store().BirthdaysOn(ctx, testGuildID, 2, 29)
	require.NoError(t, err)
	require.Len(t, birthdays, 1)
	birthdays, err = h.Store().BirthdaysOn(ctx, testGuildID, 3, 14)
	require.NoError(t, err)
	assert.Empty(t, birthdays)
}

func TestBirthday_Post(t *testing.T) {
	t.Parallel()
	h, gw := newBirthdayHost(t)
	ctx := context.Background()
	store := h.Store()

	gw.addChannel(Channel{ID: testChannelID, GuildID: testGuildID})
	gw.addUser(User{ID: "u1", Username: "alice"})
	gw.addUser(User{ID: "u3", GlobalName: "Carol"})

	require.NoError(t, store.SetBirthday(ctx, testGuildID, "u1", 6, 1))
	require.NoError(t, store.SetBirthday(ctx, testGuildID, "u2", 6, 1))
	require.NoError(t, store.SetBirthday(ctx, testGuildID, "u3", 6, 2))
	require.NoError(t, store.SetBirthday(ctx, "g2", "u1", 6, 1))

	ext := loadedAs[*birthdayExtension](t, h, birthdayExtensionName)
	posted := ext.post(ctx, time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, posted)

	embeds := gw.Embeds()
	require.Len(t, embeds, 1)
	assert.Equal(t, testChannelID, embeds[0].ChannelID)
	assert.Equal(t, birthdayEmbedTitle, embeds[0].Embed.Title)
	assert.Equal(t, []EmbedField{{Name: "alice"}}, embeds[0].Embed.Fields)

	// nobody has a birthday on 06-03
	assert.Equal(t, 0, ext.post(ctx, time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC)))
	assert.Len(t, gw.Embeds(), 1)
}

func TestBirthday_DailyTask(t *testing.T) {
	t.Parallel()
	h, _ := newBirthdayHost(t)

	infos := h.Scheduler().Tasks()
	require.Len(t, infos, 1)
	assert.Equal(t, "birthday/daily-post", infos[0].Name)
	assert.Equal(t, "daily at 07:00 UTC", infos[0].Schedule)
	assert.Equal(t, 7, infos[0].Next.UTC().Hour())
}
