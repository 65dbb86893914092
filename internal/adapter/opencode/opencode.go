// Package opencode adapts "opencode run --format json" to the Runner
// protocol. OpenCode has no streaming-input mode: each turn is a fresh
// subprocess resumed via --session.
package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"takopi/internal/event"
	"takopi/internal/runner"
	"takopi/internal/threadlock"
)

const EngineID event.EngineID = "opencode"

var (
	validSessionID = regexp.MustCompile(`^ses_[a-zA-Z0-9]{20,40}$`)
	resumeLine     = regexp.MustCompile(`(?m)^opencode --session (\S+)\s*$`)
)

// Options carries the per-engine config surface (spec §6): model choice and
// any extra CLI args the project config wants passed through verbatim.
type Options struct {
	Model     string
	ExtraArgs []string
}

// Adapter implements runner.Runner for OpenCode. Scoped to one run.
type Adapter struct {
	driver    *runner.Driver
	Model     string
	ExtraArgs []string
	sessionID string
	partSeq   int
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
		return "", fmt.Errorf("opencode: resume token belongs to engine %q", t.Engine)
	}
	return "opencode --session " + t.Value, nil
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

func (a *Adapter) Command() (string, []string) { return "opencode", nil }

func (a *Adapter) BuildArgs(prompt string, resume *event.ResumeToken) []string {
	args := []string{"run", "--format", "json"}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	args = append(args, a.ExtraArgs...)
	if resume != nil && validSessionID.MatchString(resume.Value) {
		args = append(args, "--session", resume.Value)
	}
	if prompt != "" {
		if prompt[0] == '-' {
			prompt = " " + prompt
		}
		args = append(args, prompt)
	}
	return args
}

func (a *Adapter) Env(base []string) []string { return base }

func (a *Adapter) StdinPayload(prompt string, resume *event.ResumeToken) []byte { return nil }

type wireEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	Part      *struct {
		ID    string `json:"id"`
		Text  string `json:"text"`
		Tool  string `json:"tool"`
		State *struct {
			Input  any `json:"input"`
			Output any `json:"output"`
		} `json:"state"`
	} `json:"part"`
	Tokens *struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
	Message string `json:"message"`
}

func (a *Adapter) Translate(line []byte) ([]event.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, err
	}

	if w.SessionID != "" && a.sessionID == "" && validSessionID.MatchString(w.SessionID) {
		a.sessionID = w.SessionID
	}

	switch w.Type {
	case "step_start":
		if a.sessionID == "" {
			return nil, nil
		}
		return []event.Event{event.Started(EngineID, event.ResumeToken{Engine: EngineID, Value: a.sessionID}, "opencode session "+a.sessionID, nil)}, nil

	case "text":
		if w.Part == nil || w.Part.Text == "" {
			return nil, nil
		}
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:    a.partID(w.Part.ID, "text"),
			Kind:  event.KindNote,
			Title: w.Part.Text,
		}, event.PhaseCompleted, event.BoolPtr(true), "", "")}, nil

	case "reasoning":
		if w.Part == nil || w.Part.Text == "" {
			return nil, nil
		}
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:     a.partID(w.Part.ID, "reasoning"),
			Kind:   event.KindNote,
			Title:  "reasoning",
			Detail: map[string]any{"text": w.Part.Text},
		}, event.PhaseCompleted, nil, "", "debug")}, nil

	case "tool_use":
		name := "tool"
		var detail map[string]any
		var partID string
		if w.Part != nil {
			partID = w.Part.ID
			if w.Part.Tool != "" {
				name = w.Part.Tool
			}
			if w.Part.State != nil {
				detail = map[string]any{"input": w.Part.State.Input, "output": w.Part.State.Output}
			}
		}
		return []event.Event{event.NewAction(EngineID, event.Action{
			ID:     a.partID(partID, "tool_use"),
			Kind:   event.KindTool,
			Title:  name,
			Detail: detail,
		}, event.PhaseCompleted, event.BoolPtr(true), "", "")}, nil

	case "step_finish":
		var usage *event.Usage
		if w.Tokens != nil {
			usage = &event.Usage{InputTokens: w.Tokens.Input, OutputTokens: w.Tokens.Output}
		}
		resume := event.ResumeToken{}
		if a.sessionID != "" {
			resume = event.ResumeToken{Engine: EngineID, Value: a.sessionID}
		}
		return []event.Event{event.NewCompleted(EngineID, true, "", resume, "", usage)}, nil

	case "error":
		msg := w.Message
		if msg == "" {
			msg = "opencode run failed"
		}
		resume := event.ResumeToken{}
		if a.sessionID != "" {
			resume = event.ResumeToken{Engine: EngineID, Value: a.sessionID}
		}
		return []event.Event{event.NewCompleted(EngineID, false, "", resume, msg, nil)}, nil

	default:
		return nil, nil
	}
}

// partID returns a wire part's own id when opencode supplied one, else mints
// a per-run sequential id so Actions from the same run never collide.
func (a *Adapter) partID(id, kind string) string {
	if id != "" {
		return id
	}
	a.partSeq++
	return fmt.Sprintf("%s-%d", kind, a.partSeq)
}

func (a *Adapter) DecodeErrorEvent(line []byte, err error) *event.Event {
	ev := event.NewAction(EngineID, event.Action{
		Kind:  event.KindWarning,
		Title: "unparseable opencode output line",
	}, event.PhaseCompleted, event.BoolPtr(false), err.Error(), "warn")
	return &ev
}
