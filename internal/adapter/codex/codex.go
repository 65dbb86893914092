// Package codex adapts the "codex exec --json" CLI to the Runner protocol.
// It runs one-shot per prompt: no long-lived PTY session, one subprocess per
// run, resumed via "codex exec resume <thread-id> --json" on a known thread.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"takopi/internal/event"
	"takopi/internal/runner"
	"takopi/internal/threadlock"
)

const EngineID event.EngineID = "codex"

var resumeLine = regexp.MustCompile(`(?m)^codex resume (\S+)\s*$`)

// Options carries the per-engine config surface (spec §6): model choice and
// any extra CLI args the project config wants passed through verbatim.
type Options struct {
	Model     string
	ExtraArgs []string
}

// Adapter implements runner.Runner for Codex. An Adapter is scoped to a
// single run: it accumulates the last assistant message text so the
// terminal Completed event can carry it as the answer body, which is safe
// only because nothing else shares this instance across concurrent runs.
// Callers construct a fresh Adapter per job via New.
type Adapter struct {
	driver *runner.Driver

	Model     string
	ExtraArgs []string

	threadID          string
	lastAssistantText string
	itemSeq           int
}

// New builds a Codex adapter rooted at dir for one run, sharing locks with
// the rest of the bridge so a Codex run and another engine's run never race
// on the same ThreadKey (ThreadKeys are engine-scoped, but the Registry is
// shared process-wide for simplicity).
func New(dir string, locks *threadlock.Registry, opts Options) *Adapter {
	a := &Adapter{Model: opts.Model, ExtraArgs: opts.ExtraArgs}
	a.driver = &runner.Driver{
		Backend: a,
		Dir:     dir,
		Locks:   locks,
	}
	return a
}

func (a *Adapter) Engine() event.EngineID { return EngineID }

func (a *Adapter) Run(ctx context.Context, prompt string, resume *event.ResumeToken) <-chan event.Event {
	return a.driver.Run(ctx, prompt, resume)
}

func (a *Adapter) FormatResume(t event.ResumeToken) (string, error) {
	if t.Engine != EngineID {
		return "", fmt.Errorf("codex: resume token belongs to engine %q", t.Engine)
	}
	return "codex resume " + t.Value, nil
}

func (a *Adapter) ExtractResume(text string) (event.ResumeToken, bool) {
	matches := resumeLine.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return event.ResumeToken{}, false
	}
	last := matches[len(matches)-1]
	return event.ResumeToken{Engine: EngineID, Value: last[1]}, true
}

func (a *Adapter) IsResumeLine(line string) bool {
	return resumeLine.MatchString(line)
}

// --- runner.Backend ---

func (a *Adapter) Command() (string, []string) {
	return "codex", nil
}

func (a *Adapter) BuildArgs(prompt string, resume *event.ResumeToken) []string {
	args := []string{"exec"}
	if resume != nil {
		args = append(args, "resume", resume.Value)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	args = append(args, a.ExtraArgs...)
	p := padDashPrompt(prompt)
	args = append(args, p)
	return args
}

func (a *Adapter) Env(base []string) []string { return base }

func (a *Adapter) StdinPayload(prompt string, resume *event.ResumeToken) []byte { return nil }

func (a *Adapter) resume() event.ResumeToken {
	if a.threadID == "" {
		return event.ResumeToken{}
	}
	return event.ResumeToken{Engine: EngineID, Value: a.threadID}
}

func padDashPrompt(prompt string) string {
	if strings.HasPrefix(prompt, "-") {
		return " " + prompt
	}
	return prompt
}

type wireEvent struct {
	Type     string    `json:"type"`
	ThreadID string    `json:"thread_id"`
	Item     *wireItem `json:"item"`
	Usage    *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type wireItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Text    string `json:"text"`
	Command string `json:"command"`
	Name    string `json:"name"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) Translate(line []byte) ([]event.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, err
	}

	switch w.Type {
	case "thread.started":
		if w.ThreadID == "" {
			return nil, nil
		}
		a.threadID = w.ThreadID
		return []event.Event{event.Started(EngineID, event.ResumeToken{Engine: EngineID, Value: w.ThreadID}, "codex thread "+w.ThreadID, nil)}, nil

	case "turn.started", "item.started":
		return nil, nil

	case "item.completed":
		if w.Item == nil {
			return nil, nil
		}
		if w.Item.Type == "agent_message" && w.Item.Text != "" {
			a.lastAssistantText = w.Item.Text
		}
		return a.translateItem(*w.Item), nil

	case "turn.completed":
		var usage *event.Usage
		if w.Usage != nil {
			usage = &event.Usage{InputTokens: w.Usage.InputTokens, OutputTokens: w.Usage.OutputTokens}
		}
		return []event.Event{event.NewCompleted(EngineID, true, a.lastAssistantText, a.resume(), "", usage)}, nil

	case "turn.failed":
		msg := "turn failed"
		if w.Error != nil && w.Error.Message != "" {
			msg = w.Error.Message
		}
		return []event.Event{event.NewCompleted(EngineID, false, a.lastAssistantText, a.resume(), msg, nil)}, nil

	case "error":
		msg := "unknown error"
		if w.Error != nil && w.Error.Message != "" {
			msg = w.Error.Message
		}
		return []event.Event{event.NewCompleted(EngineID, false, a.lastAssistantText, a.resume(), msg, nil)}, nil

	default:
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    w.Type,
			Kind:  event.KindTelemetry,
			Title: w.Type,
		}, event.PhaseCompleted, nil, "", "debug")}, nil
	}
}

// itemID returns item's own id if codex supplied one, else mints a
// per-run sequential id so Actions from the same run never collide
// (spec §3's "Action.id unique per run").
func (a *Adapter) itemID(item wireItem) string {
	if item.ID != "" {
		return item.ID
	}
	a.itemSeq++
	return fmt.Sprintf("%s-%d", item.Type, a.itemSeq)
}

func (a *Adapter) translateItem(item wireItem) []event.Event {
	switch item.Type {
	case "agent_message":
		if item.Text == "" {
			return nil
		}
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    a.itemID(item),
			Kind:  event.KindNote,
			Title: item.Text,
		}, event.PhaseCompleted, event.BoolPtr(true), "", "")}
	case "reasoning":
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:     a.itemID(item),
			Kind:   event.KindNote,
			Title:  "reasoning",
			Detail: map[string]any{"text": item.Text},
		}, event.PhaseCompleted, nil, "", "debug")}
	case "command_execution":
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    a.itemID(item),
			Kind:  event.KindCommand,
			Title: item.Command,
		}, event.PhaseCompleted, event.BoolPtr(true), "", "")}
	case "file_changes":
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    a.itemID(item),
			Kind:  event.KindFileChange,
			Title: "file change",
		}, event.PhaseCompleted, event.BoolPtr(true), "", "")}
	case "web_search":
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    a.itemID(item),
			Kind:  event.KindWebSearch,
			Title: "web search",
		}, event.PhaseCompleted, event.BoolPtr(true), "", "")}
	case "mcp_tool_call":
		name := item.Name
		if name == "" {
			name = "mcp_tool_call"
		}
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    a.itemID(item),
			Kind:  event.KindTool,
			Title: name,
		}, event.PhaseCompleted, event.BoolPtr(true), "", "")}
	case "error":
		msg := item.Message
		if msg == "" {
			msg = "item error"
		}
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    a.itemID(item),
			Kind:  event.KindWarning,
			Title: msg,
		}, event.PhaseCompleted, event.BoolPtr(false), msg, "error")}
	default:
		return nil
	}
}

func (a *Adapter) DecodeErrorEvent(line []byte, err error) *event.Event {
	ev := event.NewAction(EngineID, event.Action{
		Kind:  event.KindWarning,
		Title: "unparseable codex output line",
	}, event.PhaseCompleted, event.BoolPtr(false), err.Error(), "warn")
	return &ev
}
