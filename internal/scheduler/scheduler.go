// Package scheduler enforces parallelism across threads and strict FIFO
// serialization within a thread, including for newly created threads whose
// identity is only learned mid-run (spec §4.5).
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"takopi/internal/event"
)

// Job is one unit of scheduled work. Run is already bound to its adapter,
// prompt, and resume token; the scheduler only cares about its ThreadKey
// and event stream.
type Job struct {
	Resume  *event.ResumeToken
	Run     func(ctx context.Context) <-chan event.Event
	OnEvent func(event.Event)

	// ProgressMsgID identifies the Telegram message /cancel replies target.
	// Zero means this job cannot be cancelled by id.
	ProgressMsgID int
}

type activeRun struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	key    string
}

// Scheduler implements the per-ThreadKey FIFO queue/worker model.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[string][]*Job
	active  map[string]bool
	running map[string]chan struct{}
	byMsgID map[int]*activeRun

	seq int64
}

func New() *Scheduler {
	return &Scheduler{
		queues:  make(map[string][]*Job),
		active:  make(map[string]bool),
		running: make(map[string]chan struct{}),
		byMsgID: make(map[int]*activeRun),
	}
}

// Submit enqueues j. A known-resume job joins its ThreadKey's FIFO queue,
// starting a worker if none is draining it. A resume=nil job gets an
// immediate provisional worker; see runOne for adoption into its real
// ThreadKey once Started reveals it.
func (s *Scheduler) Submit(j *Job) {
	if j.Resume != nil {
		key := j.Resume.ThreadKey()
		s.mu.Lock()
		s.queues[key] = append(s.queues[key], j)
		if s.active[key] {
			s.mu.Unlock()
			return
		}
		s.active[key] = true
		wait := s.running[key]
		s.mu.Unlock()
		go s.drain(key, wait)
		return
	}

	pk := fmt.Sprintf("\x00pending:%d", atomic.AddInt64(&s.seq, 1))
	go s.runOne(pk, j)
}

// Cancel signals the active run bound to progressMsgID, if any. Idempotent:
// cancelling twice is harmless since context.CancelFunc is idempotent.
func (s *Scheduler) Cancel(progressMsgID int) bool {
	s.mu.Lock()
	h, ok := s.byMsgID[progressMsgID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// drain runs every job queued for key in FIFO order. If wait is non-nil, it
// first blocks until the run currently adopted into key (started as a
// provisional job elsewhere) completes, so the two never execute at once
// from the scheduler's point of view.
func (s *Scheduler) drain(key string, wait <-chan struct{}) {
	if wait != nil {
		<-wait
	}
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.active[key] = false
			s.mu.Unlock()
			return
		}
		job := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()

		s.runOne(key, job)
	}
}

// runOne executes job under key, forwarding every event to job.OnEvent and
// adopting a provisional key into the real ThreadKey the moment Started
// reveals it (spec §4.5's adoption rule).
func (s *Scheduler) runOne(key string, job *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	handle := &activeRun{cancel: cancel, key: key}

	s.mu.Lock()
	s.running[key] = doneCh
	if job.ProgressMsgID != 0 {
		s.byMsgID[job.ProgressMsgID] = handle
	}
	s.mu.Unlock()

	curKey := key
	for ev := range job.Run(ctx) {
		if ev.Kind == event.KindCompletedEvent && job.ProgressMsgID != 0 {
			// A completed run is no longer cancellable through its progress message.
			s.mu.Lock()
			delete(s.byMsgID, job.ProgressMsgID)
			s.mu.Unlock()
		}
		job.OnEvent(ev)
		if ev.Kind == event.KindStartedEvent {
			if newKey := ev.Resume.ThreadKey(); newKey != "" && newKey != curKey {
				s.adopt(curKey, newKey, doneCh, handle)
				curKey = newKey
			}
		}
	}
	cancel()
	close(doneCh)

	s.mu.Lock()
	if job.ProgressMsgID != 0 {
		delete(s.byMsgID, job.ProgressMsgID)
	}
	if s.running[key] == doneCh {
		delete(s.running, key)
	}
	if curKey != key && s.running[curKey] == doneCh {
		delete(s.running, curKey)
	}
	s.mu.Unlock()
}

// adopt records that the provisional run identified by oldKey is now the
// in-flight run for newKey. If another run is already recorded as in-flight
// for newKey, the driver's per-ThreadKey lock is what actually prevents
// them from executing concurrently; adopt only logs the collision so
// operators can see it (spec §4.5, adoption collision / open question 1).
func (s *Scheduler) adopt(oldKey, newKey string, doneCh chan struct{}, handle *activeRun) {
	s.mu.Lock()
	if existing, ok := s.running[newKey]; ok && existing != doneCh {
		log.Printf("scheduler: adoption collision on %s (provisional %s)", newKey, oldKey)
	}
	s.running[newKey] = doneCh
	s.mu.Unlock()

	handle.mu.Lock()
	handle.key = newKey
	handle.mu.Unlock()
}
