package logging

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_HistoryAndFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(&Config{LogDir: dir, Level: "debug", MaxHistory: 3})
	require.NoError(t, err)
	defer l.Close()

	log := l.Component("player")
	log.Info().Int("entries", 4).Str("timeline", "t1").Msg("Timeline loaded")
	log.Warn().Err(errors.New("late")).Msg("Frame resolution over budget")

	hist := l.GetHistory(0)
	require.GreaterOrEqual(t, len(hist), 2)
	last := hist[len(hist)-1]
	assert.Equal(t, "warn", last.Level)
	assert.Equal(t, "player", last.Component)
	assert.Equal(t, "Frame resolution over budget", last.Message)
	assert.Equal(t, "error=late", last.Data)

	prev := hist[len(hist)-2]
	assert.Equal(t, "entries=4, timeline=t1", prev.Data)

	data, err := os.ReadFile(l.GetLogPath())
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"component":"player"`))
	assert.True(t, strings.HasPrefix(l.GetLogPath(), dir))
}

func TestLogger_HistoryBounded(t *testing.T) {
	l, err := New(&Config{Level: "info", MaxHistory: 3})
	require.NoError(t, err)

	log := l.Component("audio")
	for i := 0; i < 10; i++ {
		log.Info().Int("i", i).Msg("tick")
	}

	hist := l.GetHistory(0)
	require.Len(t, hist, 3)
	assert.Equal(t, "i=9", hist[2].Data)
	assert.Len(t, l.GetHistory(2), 2)
	assert.Empty(t, l.GetLogPath())
}

func TestLogger_LevelFilters(t *testing.T) {
	l, err := New(&Config{Level: "warn"})
	require.NoError(t, err)

	log := l.Component("sync")
	log.Info().Msg("hidden")
	log.Debug().Msg("hidden")
	log.Error().Msg("shown")

	hist := l.GetHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "shown", hist[0].Message)
}

func TestLogger_OnLog(t *testing.T) {
	l, err := New(&Config{Level: "info"})
	require.NoError(t, err)

	got := make(chan LogEntry, 1)
	l.SetOnLog(func(e LogEntry) { got <- e })
	zl := l.Zerolog()
	zl.Info().Msg("hello")

	select {
	case e := <-got:
		assert.Equal(t, "hello", e.Message)
		assert.Empty(t, e.Component)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}
