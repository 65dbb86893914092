package presenter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"takopi/internal/event"
)

type fakeSender struct {
	mu      sync.Mutex
	edits   []string
	sent    []string
	deleted []int
	nextID  int
}

func (f *fakeSender) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, text)
	return f.nextID, nil
}

func (f *fakeSender) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeSender) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func TestPresenter_FinalRenderNewMessage(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 1, 42, Options{ThrottleInterval: 10 * time.Millisecond})

	p.Handle(event.Started(event.EngineID("codex"), event.ResumeToken{Engine: "codex", Value: "abc"}, "fix the bug", nil))
	p.Handle(event.NewCompleted("codex", true, "done fixing it", event.ResumeToken{Engine: "codex", Value: "abc"}, "", nil))

	<-p.Done()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sender.sent))
	}
	if len(sender.deleted) != 1 || sender.deleted[0] != 42 {
		t.Fatalf("expected progress message 42 deleted, got %v", sender.deleted)
	}
	text := sender.sent[0]
	if !strings.HasPrefix(text, "done\n") {
		t.Fatalf("expected final render to start with status line, got %q", text)
	}
	if !strings.Contains(text, "done fixing it") {
		t.Fatalf("expected answer body in final render, got %q", text)
	}
	if !strings.Contains(text, "codex --resume abc") {
		t.Fatalf("expected resume footer in final render, got %q", text)
	}
}

func TestPresenter_InPlaceMode(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 1, 42, Options{Mode: ModeInPlace, ThrottleInterval: 10 * time.Millisecond})

	p.Handle(event.NewCompleted("codex", false, "", event.ResumeToken{}, "cancelled", nil))
	<-p.Done()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 0 {
		t.Fatalf("in-place mode should never send a new message, got %d", len(sender.sent))
	}
	if len(sender.edits) == 0 {
		t.Fatalf("expected a final edit")
	}
	if !strings.HasPrefix(sender.edits[len(sender.edits)-1], "cancelled") {
		t.Fatalf("expected cancelled status line, got %q", sender.edits[len(sender.edits)-1])
	}
}

func TestPresenter_ActionCollapseAndComplete(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 1, 42, Options{ThrottleInterval: 5 * time.Millisecond})

	p.Handle(event.Started("codex", event.ResumeToken{Engine: "codex", Value: "t1"}, "working", nil))
	p.Handle(event.NewAction("codex", event.Action{ID: "a1", Kind: event.KindCommand, Title: "running ls"}, event.PhaseStarted, nil, "", ""))
	p.Handle(event.NewAction("codex", event.Action{ID: "a1", Kind: event.KindCommand, Title: "running ls -la"}, event.PhaseUpdated, nil, "", ""))
	p.Handle(event.NewAction("codex", event.Action{ID: "a1", Kind: event.KindCommand, Title: "ran ls -la"}, event.PhaseCompleted, event.BoolPtr(true), "", ""))

	time.Sleep(30 * time.Millisecond)

	p.mu.Lock()
	if len(p.activeOrder) != 0 {
		p.mu.Unlock()
		t.Fatalf("expected action a1 to move out of active set once completed")
	}
	if len(p.completedMsg) != 1 || !strings.Contains(p.completedMsg[0], "ran ls -la") {
		p.mu.Unlock()
		t.Fatalf("expected completed action recorded with final title, got %v", p.completedMsg)
	}
	p.mu.Unlock()

	p.Handle(event.NewCompleted("codex", true, "ok", event.ResumeToken{Engine: "codex", Value: "t1"}, "", nil))
	<-p.Done()
}

func TestTruncate_PreservesResumeAndStatusLines(t *testing.T) {
	body := strings.Repeat("x", 8000)
	resumeLine := "`codex --resume abc123`"
	out := truncate("done", body, resumeLine, "", TransportLimit, nil)

	if len(out) > TransportLimit {
		t.Fatalf("expected output within transport limit, got %d bytes", len(out))
	}
	lines := strings.Split(out, "\n")
	if lines[0] != "done" {
		t.Fatalf("expected first line to be the status line, got %q", lines[0])
	}
	if lines[len(lines)-1] != resumeLine {
		t.Fatalf("expected last line to be the resume line, got %q", lines[len(lines)-1])
	}
	if !strings.Contains(out, "...") {
		t.Fatalf("expected an ellipsis marker in truncated output")
	}
}

func TestTruncate_PreservesCtxFooter(t *testing.T) {
	body := strings.Repeat("y", 8000)
	out := truncate("error", body, "`codex --resume abc`", "ctx: myproj @ main", TransportLimit, nil)

	if !strings.HasSuffix(strings.TrimRight(out, "\n"), "ctx: myproj @ main") {
		t.Fatalf("expected ctx footer preserved at the end, got tail %q", tail(out, 40))
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
