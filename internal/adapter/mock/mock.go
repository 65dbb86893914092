// Package mock provides a deterministic, in-process Runner that replays a
// Script — no subprocess involved. engine.Default registers it so the bridge
// can run without any real CLI on PATH.
package mock

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"takopi/internal/event"
)

const EngineID event.EngineID = "mock"

var resumeLine = regexp.MustCompile(`(?m)^mock --resume (\S+)\s*$`)

var seq int64

// Script lets a test script the exact events a run should produce, or leave
// Actions nil for a trivial start/answer/complete sequence.
type Script struct {
	Actions []event.Action
	Answer  string
	Fail    string // non-empty makes the run end with Completed{ok:false}
	Hang    bool   // if true, the run blocks until ctx is cancelled
}

// Adapter is a Runner that replays a Script instead of spawning a process.
type Adapter struct {
	Script Script
}

func New(script Script) *Adapter {
	return &Adapter{Script: script}
}

func (a *Adapter) Engine() event.EngineID { return EngineID }

func (a *Adapter) Run(ctx context.Context, prompt string, resume *event.ResumeToken) <-chan event.Event {
	out := make(chan event.Event, 16)
	go a.run(ctx, resume, out)
	return out
}

func (a *Adapter) run(ctx context.Context, resume *event.ResumeToken, out chan<- event.Event) {
	defer close(out)

	value := fmt.Sprintf("s%d", atomic.AddInt64(&seq, 1))
	if resume != nil {
		value = resume.Value
	}
	token := event.ResumeToken{Engine: EngineID, Value: value}

	select {
	case out <- event.Started(EngineID, token, "mock run", nil):
	case <-ctx.Done():
		out <- event.NewCompleted(EngineID, false, "", token, "cancelled", nil)
		return
	}

	for _, act := range a.Script.Actions {
		act.ID = uuid.NewString()
		select {
		case out <- event.NewAction(EngineID, act, event.PhaseCompleted, event.BoolPtr(true), "", ""):
		case <-ctx.Done():
			out <- event.NewCompleted(EngineID, false, "", token, "cancelled", nil)
			return
		}
	}

	if a.Script.Hang {
		<-ctx.Done()
		out <- event.NewCompleted(EngineID, false, "", token, "cancelled", nil)
		return
	}

	if a.Script.Fail != "" {
		out <- event.NewCompleted(EngineID, false, "", token, a.Script.Fail, nil)
		return
	}
	out <- event.NewCompleted(EngineID, true, a.Script.Answer, token, "", nil)
}

func (a *Adapter) FormatResume(t event.ResumeToken) (string, error) {
	if t.Engine != EngineID {
		return "", fmt.Errorf("mock: resume token belongs to engine %q", t.Engine)
	}
	return "mock --resume " + t.Value, nil
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
	return resumeLine.MatchString(strings.TrimRight(line, "\n"))
}
