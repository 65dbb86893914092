// Package presenter renders a run's normalized events onto one Telegram
// progress message: throttled edits while the run is active, then a final
// render that preserves the resume line and status line through truncation
// (spec §4.6).
package presenter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"takopi/internal/event"
)

// Sender is the subset of the Telegram client the presenter needs. It never
// sees raw bot API types so it can be faked in tests.
type Sender interface {
	EditMessage(ctx context.Context, chatID int64, messageID int, text string) error
	SendMessage(ctx context.Context, chatID int64, text string) (messageID int, err error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Mode selects how the final render is delivered.
type Mode string

const (
	// ModeNewMessage posts the final render as a new message, then deletes
	// the progress message. This is the default.
	ModeNewMessage Mode = "new_message"
	// ModeInPlace edits the progress message with the final render instead
	// of replacing it.
	ModeInPlace Mode = "in_place"
)

// TransportLimit is Telegram's hard per-message character ceiling after
// entity expansion.
const TransportLimit = 4096

// Resumer renders the canonical resume footer for a token and recognizes
// that same line wherever it appears. Adapters satisfy this via their
// FormatResume and IsResumeLine methods (runner.Runner already has both).
type Resumer interface {
	FormatResume(t event.ResumeToken) (string, error)
	IsResumeLine(line string) bool
}

// Options configures one Presenter.
type Options struct {
	Mode             Mode
	ThrottleInterval time.Duration
	Resumer          Resumer
	CtxFooter        string
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeNewMessage
	}
	if o.ThrottleInterval <= 0 {
		o.ThrottleInterval = time.Second
	}
	return o
}

type activeEntry struct {
	title string
}

// Presenter owns the mutable state of one in-flight progress message: title,
// active actions keyed by id, completed actions, the known resume token,
// start time, and a dirty flag (spec §4.6).
type Presenter struct {
	sender        Sender
	chatID        int64
	progressMsgID int
	opts          Options

	events chan event.Event
	done   chan struct{}

	mu           sync.Mutex
	title        string
	resume       event.ResumeToken
	activeOrder  []string
	active       map[string]activeEntry
	completedMsg []string
	completedIDs map[string]struct{}
	startTime    time.Time
	dirty        bool
	lastRendered string
}

// New starts a Presenter bound to chatID/progressMsgID. Callers must call
// Handle for every event the run produces, in order, and must eventually
// send a Completed event to terminate the worker.
func New(sender Sender, chatID int64, progressMsgID int, opts Options) *Presenter {
	p := &Presenter{
		sender:        sender,
		chatID:        chatID,
		progressMsgID: progressMsgID,
		opts:          opts.withDefaults(),
		events:        make(chan event.Event, 256),
		done:          make(chan struct{}),
		active:        make(map[string]activeEntry),
		completedIDs:  make(map[string]struct{}),
		startTime:     time.Now(),
	}
	go p.run()
	return p
}

// Handle enqueues ev for processing. The producer never blocks on Telegram;
// it only blocks if the bounded channel itself is full, which a real run
// never approaches.
func (p *Presenter) Handle(ev event.Event) {
	p.events <- ev
}

// Done is closed once the presenter has delivered its final render.
func (p *Presenter) Done() <-chan struct{} { return p.done }

func (p *Presenter) run() {
	ctx := context.Background()
	ticker := time.NewTicker(p.opts.ThrottleInterval)
	defer ticker.Stop()
	defer close(p.done)

	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			if final := p.apply(ev); final != nil {
				p.finalize(ctx, *final)
				return
			}
		case <-ticker.C:
			p.maybeFlush(ctx)
		}
	}
}

// apply updates state for ev, returning the Completed event if ev is
// terminal.
func (p *Presenter) apply(ev event.Event) *event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case event.KindStartedEvent:
		p.title = ev.Title
		p.resume = ev.Resume
		p.dirty = true
	case event.KindActionEvent:
		id := ev.Action.ID
		if ev.Phase == event.PhaseCompleted {
			if _, ok := p.active[id]; ok {
				delete(p.active, id)
				p.activeOrder = removeID(p.activeOrder, id)
			}
			p.completedIDs[id] = struct{}{}
			p.completedMsg = append(p.completedMsg, actionLine(ev.Action, true))
		} else {
			if _, done := p.completedIDs[id]; done {
				return nil
			}
			if _, ok := p.active[id]; !ok {
				p.activeOrder = append(p.activeOrder, id)
			}
			p.active[id] = activeEntry{title: actionLine(ev.Action, false)}
		}
		p.dirty = true
	case event.KindCompletedEvent:
		return &ev
	}
	return nil
}

func actionLine(a event.Action, completed bool) string {
	if completed {
		return "✓ " + a.Title
	}
	return "• " + a.Title
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// maybeFlush edits the progress message if the render changed since the
// last edit (spec §4.6's "only sent when the rendered content changed").
func (p *Presenter) maybeFlush(ctx context.Context) {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	text := p.renderProgress()
	if text == p.lastRendered {
		p.dirty = false
		p.mu.Unlock()
		return
	}
	p.lastRendered = text
	p.dirty = false
	p.mu.Unlock()

	_ = p.sender.EditMessage(ctx, p.chatID, p.progressMsgID, text)
}

func (p *Presenter) renderProgress() string {
	var b strings.Builder
	if p.title != "" {
		b.WriteString(p.title)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Running… %s\n", p.elapsed())
	for _, id := range p.activeOrder {
		b.WriteString(p.active[id].title)
		b.WriteByte('\n')
	}
	for _, line := range p.completedMsg {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if !p.resume.IsZero() {
		b.WriteString(p.resumeLine())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *Presenter) elapsed() string {
	return formatElapsed(time.Since(p.startTime))
}

func formatElapsed(d time.Duration) string {
	s := int(d.Seconds())
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	m := s / 60
	if m < 60 {
		return fmt.Sprintf("%dm %ds", m, s%60)
	}
	h := m / 60
	return fmt.Sprintf("%dh %dm", h, m%60)
}

func (p *Presenter) resumeLine() string {
	if p.opts.Resumer != nil {
		if line, err := p.opts.Resumer.FormatResume(p.resume); err == nil {
			return "`" + line + "`"
		}
	}
	return "`" + string(p.resume.Engine) + " --resume " + p.resume.Value + "`"
}

// finalize builds and delivers the terminal render, then tears down the
// progress message per the configured Mode.
func (p *Presenter) finalize(ctx context.Context, ev event.Event) {
	p.mu.Lock()
	if !ev.Resume.IsZero() {
		p.resume = ev.Resume
	}
	status := "done"
	if !ev.Completed {
		if ev.Error == "cancelled" {
			status = "cancelled"
		} else {
			status = "error"
		}
	}
	body := ev.Answer
	if !ev.Completed {
		body = ev.Error
	}
	var resumeLine string
	if !p.resume.IsZero() {
		resumeLine = p.resumeLine()
	}
	ctxLine := ""
	if p.opts.CtxFooter != "" {
		ctxLine = "ctx: " + p.opts.CtxFooter
	}
	isResumeLine := p.opts.Resumer
	p.mu.Unlock()

	var isResume func(string) bool
	if isResumeLine != nil {
		isResume = isResumeLine.IsResumeLine
	}
	text := truncate(status, body, resumeLine, ctxLine, TransportLimit, isResume)

	switch p.opts.Mode {
	case ModeInPlace:
		_ = p.sender.EditMessage(ctx, p.chatID, p.progressMsgID, text)
	default:
		if _, err := p.sender.SendMessage(ctx, p.chatID, text); err == nil {
			_ = p.sender.DeleteMessage(ctx, p.chatID, p.progressMsgID)
		}
	}
}

// truncate assembles the final render within limit, guaranteeing the status
// line, the resume line, and the ctx footer survive byte-for-byte (spec
// §4.6). When the assembled text overflows, the body is cut after as much of
// its head as fits and an ellipsis marker is appended, so the body always
// ends with "..." rather than losing its opening lines. If isResumeLine is
// non-nil and a line within body itself matches it (spec §4.6(a)), that line
// is pulled out of the cut zone and preserved alongside the footer rather
// than risking a mid-cut.
func truncate(status, body, resumeLine, ctxLine string, limit int, isResumeLine func(string) bool) string {
	embeddedResume := ""
	if isResumeLine != nil && body != "" {
		lines := strings.Split(body, "\n")
		for i, line := range lines {
			if isResumeLine(line) {
				embeddedResume = line
				body = strings.TrimRight(strings.Join(append(lines[:i], lines[i+1:]...), "\n"), "\n")
				break
			}
		}
	}

	parts := []string{status}
	if body != "" {
		parts = append(parts, body)
	}
	if embeddedResume != "" {
		parts = append(parts, embeddedResume)
	}
	if resumeLine != "" {
		parts = append(parts, resumeLine)
	}
	if ctxLine != "" {
		parts = append(parts, ctxLine)
	}
	full := strings.Join(parts, "\n")
	if len(full) <= limit {
		return full
	}

	const ellipsis = "\n..."
	reserved := len(status) + 1
	if embeddedResume != "" {
		reserved += len(embeddedResume) + 1
	}
	if resumeLine != "" {
		reserved += len(resumeLine) + 1
	}
	if ctxLine != "" {
		reserved += len(ctxLine) + 1
	}
	reserved += len(ellipsis)

	budget := limit - reserved
	if budget < 0 {
		budget = 0
	}
	trimmedBody := body
	if len(trimmedBody) > budget {
		trimmedBody = trimmedBody[:budget]
	}

	out := []string{status}
	if trimmedBody != "" {
		out = append(out, trimmedBody+"...")
	} else if body != "" {
		out = append(out, "...")
	}
	if embeddedResume != "" {
		out = append(out, embeddedResume)
	}
	if resumeLine != "" {
		out = append(out, resumeLine)
	}
	if ctxLine != "" {
		out = append(out, ctxLine)
	}
	return strings.Join(out, "\n")
}
