package ebot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestPresence_Rotate(t *testing.T) {
	t.Parallel()
	h, gw := newTestHost(
		t, func(cfg *Config) {
			cfg.Extensions = []string{presenceExtensionName}
			cfg.Presence.Statuses = []string{"Reading Dracula", "Counting tacos"}
			cfg.Presence.Interval = 30 * time.Minute
		},
	)
	ctx := context.Background()

	task, ok := h.Scheduler().Task("presence/rotate")
	require.True(t, ok)
	assert.Equal(t, "every 30m0s", task.Schedule().String())

	for i := 0; i < 3; i++ {
		task.fn(ctx)
	}
	assert.Equal(
		t,
		[]string{"Reading Dracula", "Counting tacos", "Reading Dracula"},
		gw.Statuses(),
	)
}

func TestPresence_NoStatuses(t *testing.T) {
	t.Parallel()
	h, gw := newTestHost(
		t, func(cfg *Config) {
			cfg.Extensions = []string{presenceExtensionName}
		},
	)

	assert.True(t, h.Extensions().IsLoaded(presenceExtensionName))
	_, ok := h.Scheduler().Task("presence/rotate")
	assert.False(t, ok)
	assert.Empty(t, gw.Statuses())
}
