// Package schedule adapts the teacher's daily HH:MM scheduler
// (gongjunhao-mybot's internal/telegram/scheduler.go, schedule_cmd.go,
// schedule_nl.go) into a standalone collaborator that emits Jobs into the
// same Router -> Scheduler -> Presenter pipeline real chat messages take
// (SPEC_FULL.md §4), generalized with github.com/robfig/cron/v3 so a task
// can also be a full crontab expression instead of only a daily time.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one persisted scheduled prompt. Exactly one of DailyHHMM or
// CronExpr is set; CronExpr takes precedence if both are somehow present.
type Task struct {
	ID        string    `json:"id"`
	ChatID    int64     `json:"chat_id"`
	DailyHHMM string    `json:"daily_hhmm,omitempty"` // "09:00"
	CronExpr  string    `json:"cron_expr,omitempty"`  // standard 5-field crontab
	Prompt    string    `json:"prompt"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	LastRun   time.Time `json:"last_run"`
}

type storeFile struct {
	Tasks []Task `json:"tasks"`
}

// Store persists scheduled tasks to a JSON file, following the teacher's
// ScheduleStore: an in-memory copy guarded by a mutex, flushed to disk with
// a tmp-file-then-rename for crash safety.
type Store struct {
	path string
	mu   sync.Mutex
	data storeFile
}

// Open loads path (creating its parent directory) or starts empty if it
// does not exist yet.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = storeFile{}
			return nil
		}
		return err
	}
	var f storeFile
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("schedule: parsing %s: %w", s.path, err)
	}
	s.data = f
	return nil
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// List returns chatID's tasks ordered by creation time.
func (s *Store) List(chatID int64) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.data.Tasks {
		if t.ChatID == chatID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// snapshot returns every task across all chats, for the runner's poll loop.
func (s *Store) snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.data.Tasks...)
}

// AddDaily upserts a daily HH:MM task, replacing any existing task for the
// same chat at the same time (teacher's UpsertDaily semantics).
func (s *Store) AddDaily(chatID int64, hhmm, prompt string) (Task, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return Task{}, err
	}
	hhmm = fmt.Sprintf("%02d:%02d", h, m)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Task{}, errors.New("empty prompt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Tasks {
		t := &s.data.Tasks[i]
		if t.ChatID == chatID && t.DailyHHMM == hhmm {
			t.Prompt = prompt
			t.Enabled = true
			_ = s.saveLocked()
			return *t, nil
		}
	}
	t := Task{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		DailyHHMM: hhmm,
		Prompt:    prompt,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	s.data.Tasks = append(s.data.Tasks, t)
	_ = s.saveLocked()
	return t, nil
}

// AddCron upserts a crontab-expression task.
func (s *Store) AddCron(chatID int64, expr, prompt string) (Task, error) {
	if err := ValidateCron(expr); err != nil {
		return Task{}, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Task{}, errors.New("empty prompt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Tasks {
		t := &s.data.Tasks[i]
		if t.ChatID == chatID && t.CronExpr == expr {
			t.Prompt = prompt
			t.Enabled = true
			_ = s.saveLocked()
			return *t, nil
		}
	}
	t := Task{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		CronExpr:  expr,
		Prompt:    prompt,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	s.data.Tasks = append(s.data.Tasks, t)
	_ = s.saveLocked()
	return t, nil
}

func (s *Store) Remove(chatID int64, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errors.New("empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := 0
	removed := false
	for _, t := range s.data.Tasks {
		if t.ChatID == chatID && t.ID == id {
			removed = true
			continue
		}
		s.data.Tasks[j] = t
		j++
	}
	s.data.Tasks = s.data.Tasks[:j]
	if removed {
		_ = s.saveLocked()
	}
	return removed, nil
}

func (s *Store) SetEnabled(chatID int64, id string, enabled bool) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errors.New("empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Tasks {
		if s.data.Tasks[i].ChatID == chatID && s.data.Tasks[i].ID == id {
			s.data.Tasks[i].Enabled = enabled
			_ = s.saveLocked()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) markRan(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Tasks {
		if s.data.Tasks[i].ID == id {
			s.data.Tasks[i].LastRun = at
			_ = s.saveLocked()
			return
		}
	}
}

func parseHHMM(hhmm string) (int, int, error) {
	hhmm = strings.TrimSpace(hhmm)
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return 0, 0, errors.New("time must be HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, errors.New("bad hour")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, errors.New("bad minute")
	}
	return h, m, nil
}
