package schedule

import (
	"context"
	"fmt"
	"time"
)

// PollInterval matches the teacher's 20s ticker in scheduler.go: coarse
// enough to be cheap, fine enough that a minute-granularity schedule never
// gets skipped.
const PollInterval = 20 * time.Second

// Dispatcher hands a scheduled task's prompt into the bridge's normal
// Router -> Scheduler -> Presenter pipeline, as if chatID had sent prompt as
// a chat message.
type Dispatcher func(ctx context.Context, chatID int64, prompt string)

// Runner polls the Store and fires due tasks through a Dispatcher.
type Runner struct {
	store     *Store
	dispatch  Dispatcher
	isAllowed func(chatID int64) bool
	lastPoll  time.Time
}

// NewRunner builds a Runner. isAllowed lets the caller re-check the chat
// allowlist at fire time, mirroring the teacher's "only allowlist chat_ids"
// safety check in RunScheduler.
func NewRunner(store *Store, dispatch Dispatcher, isAllowed func(chatID int64) bool) *Runner {
	return &Runner{store: store, dispatch: dispatch, isAllowed: isAllowed, lastPoll: time.Now()}
}

// Run blocks, polling every PollInterval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	now := time.Now()
	lastPoll := r.lastPoll
	r.lastPoll = now

	hhmm := fmt.Sprintf("%02d:%02d", now.Hour(), now.Minute())
	today := now.Format("2006-01-02")

	for _, t := range r.store.snapshot() {
		if !t.Enabled {
			continue
		}
		if r.isAllowed != nil && !r.isAllowed(t.ChatID) {
			continue
		}
		if !r.due(t, hhmm, today, lastPoll, now) {
			continue
		}

		r.store.markRan(t.ID, now)
		go r.dispatch(ctx, t.ChatID, t.Prompt)
	}
}

func (r *Runner) due(t Task, hhmm, today string, lastPoll, now time.Time) bool {
	if t.CronExpr != "" {
		return dueCron(t.CronExpr, lastPoll, now)
	}
	if t.DailyHHMM != "" {
		if t.DailyHHMM != hhmm {
			return false
		}
		return t.LastRun.Format("2006-01-02") != today
	}
	return false
}
