package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddDailyUpsertsSameTime(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "schedules.json"))
	require.NoError(t, err)

	task, err := store.AddDaily(1, "09:00", "good morning")
	require.NoError(t, err)
	assert.Equal(t, "09:00", task.DailyHHMM)

	again, err := store.AddDaily(1, "9:00", "updated prompt")
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID, "same chat+time upserts rather than duplicating")

	tasks := store.List(1)
	require.Len(t, tasks, 1)
	assert.Equal(t, "updated prompt", tasks[0].Prompt)
}

func TestStore_AddCronValidatesExpression(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "schedules.json"))
	require.NoError(t, err)

	_, err = store.AddCron(1, "not a cron", "hi")
	assert.Error(t, err)

	task, err := store.AddCron(1, "*/5 * * * *", "ping")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", task.CronExpr)
}

func TestStore_RemoveAndSetEnabled(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "schedules.json"))
	require.NoError(t, err)

	task, err := store.AddDaily(7, "08:30", "stand-up reminder")
	require.NoError(t, err)

	ok, err := store.SetEnabled(7, task.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, store.List(7)[0].Enabled)

	ok, err = store.Remove(7, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, store.List(7))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.AddDaily(3, "12:00", "lunch")
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	tasks := reopened.List(3)
	require.Len(t, tasks, 1)
	assert.Equal(t, "lunch", tasks[0].Prompt)
}

func TestRunner_FiresDailyTaskOnce(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "schedules.json"))
	require.NoError(t, err)

	now := time.Now()
	hhmm := now.Format("15:04")
	_, err = store.AddDaily(9, hhmm, "daily digest")
	require.NoError(t, err)

	var mu sync.Mutex
	var fired []string
	r := NewRunner(store, func(ctx context.Context, chatID int64, prompt string) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, prompt)
	}, func(chatID int64) bool { return chatID == 9 })

	r.lastPoll = now.Add(-time.Minute)
	r.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	r.tick(context.Background())
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"daily digest"}, fired, "a daily task fires once per matching minute, not once per poll")
}

func TestRunner_SkipsDisallowedChat(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "schedules.json"))
	require.NoError(t, err)

	now := time.Now()
	_, err = store.AddDaily(9, now.Format("15:04"), "digest")
	require.NoError(t, err)

	fired := false
	r := NewRunner(store, func(ctx context.Context, chatID int64, prompt string) {
		fired = true
	}, func(chatID int64) bool { return false })

	r.tick(context.Background())
	assert.False(t, fired, "tasks for chats outside the allowlist must never fire")
}

func TestDueCron_FiresWhenIntervalElapsed(t *testing.T) {
	now := time.Now().Truncate(time.Minute)
	assert.True(t, dueCron("* * * * *", now.Add(-time.Minute), now))
	assert.False(t, dueCron("0 0 1 1 *", now.Add(-time.Minute), now))
}
