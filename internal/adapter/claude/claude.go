// Package claude adapts the Claude Code CLI's "-p --output-format
// stream-json" mode to the Runner protocol.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"takopi/internal/event"
	"takopi/internal/runner"
	"takopi/internal/threadlock"
)

const EngineID event.EngineID = "claude"

var (
	validResumeID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)
	resumeLine    = regexp.MustCompile(`(?m)^claude --resume (\S+)\s*$`)
)

// Options carries the per-engine config surface (spec §6): model choice and
// any extra CLI args the project config wants passed through verbatim.
type Options struct {
	Model     string
	ExtraArgs []string
}

// Adapter implements runner.Runner for Claude Code. Scoped to one run; the
// caller constructs a fresh Adapter per job (see codex.Adapter for why).
type Adapter struct {
	driver    *runner.Driver
	Model     string
	ExtraArgs []string
	sessionID string
	blockSeq  int
}

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
		return "", fmt.Errorf("claude: resume token belongs to engine %q", t.Engine)
	}
	return "claude --resume " + t.Value, nil
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

func (a *Adapter) Command() (string, []string) { return "claude", nil }

func (a *Adapter) BuildArgs(prompt string, resume *event.ResumeToken) []string {
	args := []string{"-p", "--verbose", "--output-format", "stream-json"}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	args = append(args, a.ExtraArgs...)
	if resume != nil && validResumeID.MatchString(resume.Value) {
		args = append(args, "--resume", resume.Value)
	}
	if len(prompt) > 0 && prompt[0] == '-' {
		prompt = " " + prompt
	}
	args = append(args, prompt)
	return args
}

func (a *Adapter) Env(base []string) []string { return base }

func (a *Adapter) StdinPayload(prompt string, resume *event.ResumeToken) []byte { return nil }

type wireMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Content []struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			Text  string `json:"text"`
			Name  string `json:"name"`
			Input any    `json:"input"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Translate(line []byte) ([]event.Event, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, err
	}

	if w.SessionID != "" && a.sessionID == "" {
		a.sessionID = w.SessionID
	}

	switch w.Type {
	case "system":
		if w.Subtype != "init" || a.sessionID == "" {
			return nil, nil
		}
		return []event.Event{event.Started(EngineID, event.ResumeToken{Engine: EngineID, Value: a.sessionID}, "claude session "+a.sessionID, nil)}, nil

	case "assistant":
		if w.Message == nil {
			return nil, nil
		}
		var evs []event.Event
		for _, block := range w.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				evs = append(evs, event.NewAction(EngineID, event.Action{
					ID:    a.blockID(block.ID, "text"),
					Kind:  event.KindNote,
					Title: block.Text,
				}, event.PhaseCompleted, event.BoolPtr(true), "", ""))
			case "tool_use":
				evs = append(evs, event.NewAction(EngineID, event.Action{
					ID:     a.blockID(block.ID, "tool_use"),
					Kind:   event.KindTool,
					Title:  block.Name,
					Detail: map[string]any{"input": block.Input},
				}, event.PhaseCompleted, event.BoolPtr(true), "", ""))
			}
		}
		return evs, nil

	case "result":
		var usage *event.Usage
		if w.Usage != nil {
			usage = &event.Usage{InputTokens: w.Usage.InputTokens, OutputTokens: w.Usage.OutputTokens}
		}
		resume := event.ResumeToken{}
		if a.sessionID != "" {
			resume = event.ResumeToken{Engine: EngineID, Value: a.sessionID}
		}
		if w.IsError {
			msg := w.Result
			if msg == "" {
				msg = "claude run failed"
			}
			return []event.Event{event.NewCompleted(EngineID, false, "", resume, msg, usage)}, nil
		}
		return []event.Event{event.NewCompleted(EngineID, true, w.Result, resume, "", usage)}, nil

	default:
		return nil, nil
	}
}

// blockID returns a content block's own id (Anthropic tool_use blocks carry
// one); text blocks don't, so those get a per-run sequential id instead,
// keeping Action.id unique per run either way.
func (a *Adapter) blockID(id, kind string) string {
	if id != "" {
		return id
	}
	a.blockSeq++
	return fmt.Sprintf("%s-%d", kind, a.blockSeq)
}

func (a *Adapter) DecodeErrorEvent(line []byte, err error) *event.Event {
	ev := event.NewAction(EngineID, event.Action{
		Kind:  event.KindWarning,
		Title: "unparseable claude output line",
	}, event.PhaseCompleted, event.BoolPtr(false), err.Error(), "warn")
	return &ev
}
