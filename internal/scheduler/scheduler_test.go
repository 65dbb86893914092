package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takopi/internal/event"
)

// scriptedRun emits a Started (if token is non-zero) followed by a
// Completed after delay, recording its own start/end time so tests can
// assert FIFO ordering per thread (spec §8's concurrency laws).
func scriptedRun(engineID event.EngineID, token event.ResumeToken, delay time.Duration, started, ended *time.Time, mu *sync.Mutex) func(ctx context.Context) <-chan event.Event {
	return func(ctx context.Context) <-chan event.Event {
		out := make(chan event.Event, 4)
		go func() {
			defer close(out)
			mu.Lock()
			*started = time.Now()
			mu.Unlock()
			if !token.IsZero() {
				out <- event.Started(engineID, token, "run", nil)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			mu.Lock()
			*ended = time.Now()
			mu.Unlock()
			out <- event.NewCompleted(engineID, true, "done", token, "", nil)
		}()
		return out
	}
}

func TestScheduler_FIFOWithinThread(t *testing.T) {
	s := New()
	token := event.ResumeToken{Engine: "codex", Value: "U"}

	var mu sync.Mutex
	var s1, e1, s2, e2 time.Time
	var wg sync.WaitGroup
	wg.Add(1)

	s.Submit(&Job{
		Resume:  &token,
		Run:     scriptedRun("codex", token, 50*time.Millisecond, &s1, &e1, &mu),
		OnEvent: func(event.Event) {},
	})
	// Ensure J1 is observed as queued before J2 submits, per spec §8's
	// "submitted in order" precondition.
	time.Sleep(5 * time.Millisecond)
	s.Submit(&Job{
		Resume: &token,
		Run:    scriptedRun("codex", token, 10*time.Millisecond, &s2, &e2, &mu),
		OnEvent: func(ev event.Event) {
			if ev.Kind == event.KindCompletedEvent {
				wg.Done()
			}
		},
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, s2.Before(e1), "J2 must start at or after J1 ends (got J1 end=%v, J2 start=%v)", e1, s2)
}

func TestScheduler_DistinctThreadsRunInParallel(t *testing.T) {
	s := New()
	tokenA := event.ResumeToken{Engine: "codex", Value: "A"}
	tokenB := event.ResumeToken{Engine: "claude", Value: "B"}

	var mu sync.Mutex
	var sA, eA, sB, eB time.Time
	var wg sync.WaitGroup
	wg.Add(2)

	onEvent := func() func(event.Event) {
		return func(ev event.Event) {
			if ev.Kind == event.KindCompletedEvent {
				wg.Done()
			}
		}
	}

	s.Submit(&Job{Resume: &tokenA, Run: scriptedRun("codex", tokenA, 100*time.Millisecond, &sA, &eA, &mu), OnEvent: onEvent()})
	s.Submit(&Job{Resume: &tokenB, Run: scriptedRun("claude", tokenB, 100*time.Millisecond, &sB, &eB, &mu), OnEvent: onEvent()})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	gap := sB.Sub(sA)
	if gap < 0 {
		gap = -gap
	}
	assert.Less(t, gap, 100*time.Millisecond, "distinct ThreadKeys should start within the same small window")
}

// TestScheduler_AdoptsProvisionalJobIntoRevealedThread covers a resume=nil
// job whose Started reveals a token: a job submitted afterwards for that
// ThreadKey must queue behind it (spec §8's third concurrency law).
func TestScheduler_AdoptsProvisionalJobIntoRevealedThread(t *testing.T) {
	s := New()
	token := event.ResumeToken{Engine: "codex", Value: "NEW"}

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var secondStart time.Time
	var firstEnd time.Time
	var mu sync.Mutex

	s.Submit(&Job{
		Resume: nil,
		Run: func(ctx context.Context) <-chan event.Event {
			out := make(chan event.Event, 4)
			go func() {
				defer close(out)
				out <- event.Started("codex", token, "run", nil)
				close(firstStarted)
				<-releaseFirst
				mu.Lock()
				firstEnd = time.Now()
				mu.Unlock()
				out <- event.NewCompleted("codex", true, "done", token, "", nil)
			}()
			return out
		},
		OnEvent: func(event.Event) {},
	})

	<-firstStarted
	// Give runOne's goroutine a beat to finish adopting the revealed
	// ThreadKey before the next job is submitted against it.
	time.Sleep(10 * time.Millisecond)

	secondDone := make(chan struct{})
	s.Submit(&Job{
		Resume: &token,
		Run: func(ctx context.Context) <-chan event.Event {
			out := make(chan event.Event, 2)
			go func() {
				defer close(out)
				mu.Lock()
				secondStart = time.Now()
				mu.Unlock()
				out <- event.NewCompleted("codex", true, "done2", token, "", nil)
			}()
			return out
		},
		OnEvent: func(ev event.Event) {
			if ev.Kind == event.KindCompletedEvent {
				close(secondDone)
			}
		},
	})

	time.Sleep(20 * time.Millisecond)
	close(releaseFirst)

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("adopted-thread job never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, secondStart.Before(firstEnd), "job queued for the revealed ThreadKey must start after the provisional run ends")
}

func TestScheduler_CancelSignalsActiveRun(t *testing.T) {
	s := New()
	token := event.ResumeToken{Engine: "codex", Value: "C"}
	const progressMsgID = 42

	cancelled := make(chan struct{})
	completed := make(chan struct{})
	s.Submit(&Job{
		Resume: &token,
		Run: func(ctx context.Context) <-chan event.Event {
			out := make(chan event.Event, 2)
			go func() {
				defer close(out)
				<-ctx.Done()
				close(cancelled)
				out <- event.NewCompleted("codex", false, "", token, "cancelled", nil)
			}()
			return out
		},
		OnEvent: func(ev event.Event) {
			if ev.Kind == event.KindCompletedEvent {
				close(completed)
			}
		},
		ProgressMsgID: progressMsgID,
	})

	require.Eventually(t, func() bool { return s.Cancel(progressMsgID) }, time.Second, time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancellation was not observed by the run")
	}
	<-completed

	assert.False(t, s.Cancel(progressMsgID), "cancel is a no-op once the run has ended")
}
