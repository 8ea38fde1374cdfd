package eventlog

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/automic/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendIsNewestFirst(t *testing.T) {
	log := New(nil)

	log.Info("first")
	log.Warn("second")
	log.Error("third")

	entries := log.Entries(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "third", entries[0].Message)
	assert.Equal(t, types.LevelError, entries[0].Level)
	assert.Equal(t, "second", entries[1].Message)
	assert.Equal(t, types.LevelWarning, entries[1].Level)
	assert.Equal(t, "first", entries[2].Message)
	assert.Equal(t, types.LevelInfo, entries[2].Level)
}

func TestAppendDefaultsToInfo(t *testing.T) {
	log := New(nil)
	entry := log.Append("no level", "")
	assert.Equal(t, types.LevelInfo, entry.Level)
}

func TestCapacityEvictsOldest(t *testing.T) {
	log := New(nil)

	for i := 0; i < 250; i++ {
		log.Info(fmt.Sprintf("entry-%d", i))
		assert.LessOrEqual(t, log.Len(), Capacity)
	}

	entries := log.Entries(0)
	require.Len(t, entries, Capacity)
	assert.Equal(t, "entry-249", entries[0].Message)
	assert.Equal(t, "entry-150", entries[Capacity-1].Message)
}

func TestEntriesLimitAndCopy(t *testing.T) {
	log := New(nil)
	for i := 0; i < 5; i++ {
		log.Info(fmt.Sprintf("m%d", i))
	}

	top := log.Entries(2)
	require.Len(t, top, 2)
	assert.Equal(t, "m4", top[0].Message)

	top[0].Message = "mutated"
	assert.Equal(t, "m4", log.Entries(1)[0].Message, "callers must not alias internal storage")
}

func TestTimestampsUseClock(t *testing.T) {
	log := New(nil)
	fixed := time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	entry := log.Info("tick")
	assert.Equal(t, fixed, entry.Time)
}

func TestSubscribe(t *testing.T) {
	log := New(nil)

	var got []string
	cancel := log.Subscribe(func(e types.LogEntry) {
		got = append(got, e.Message)
	})

	log.Info("a")
	log.Info("b")
	cancel()
	cancel()
	log.Info("c")

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestListenerMayReadLog(t *testing.T) {
	log := New(nil)
	var seen int
	log.Subscribe(func(types.LogEntry) {
		seen = log.Len()
	})

	log.Info("x")
	assert.Equal(t, 1, seen)
}

func TestMirrorsToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log := New(logger)

	log.Error("Connection failed")
	log.Warn("Motor motor3 unreachable: timeout")

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, `msg="Connection failed"`)
	assert.Contains(t, out, "level=WARN")
}

func TestConcurrentAppend(t *testing.T) {
	log := New(nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				log.Info(fmt.Sprintf("w%d-%d", w, i))
				_ = log.Entries(10)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, Capacity, log.Len())
}
