package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"takopi/internal/event"
	"takopi/internal/procgroup"
	"takopi/internal/threadlock"
)

// Backend supplies the engine-specific logic the Driver needs to spawn,
// feed, and translate one CLI's JSONL output (spec §4.2). A JSONL engine
// adapter is nothing more than a Backend plus a thin Runner wrapper around
// a Driver — the driver itself is shared, parameterized via these hooks
// rather than subclassed.
type Backend interface {
	// Engine identifies the owning adapter.
	Engine() event.EngineID

	// Command returns the binary to exec and any fixed args that always
	// precede the per-run args from BuildArgs.
	Command() (path string, fixedArgs []string)

	// BuildArgs returns the per-run argv, given the prompt and an optional
	// resume token. Implementations space-pad prompts starting with "-" so
	// the CLI doesn't parse them as flags.
	BuildArgs(prompt string, resume *event.ResumeToken) []string

	// Env returns the environment for the subprocess, derived from base
	// (the driver's os.Environ() snapshot). Implementations may strip
	// engine-specific secrets here.
	Env(base []string) []string

	// StdinPayload returns bytes to write to the subprocess's stdin before
	// closing it. A nil/empty result means the driver does not open a
	// stdin pipe at all (the prompt travels via argv instead).
	StdinPayload(prompt string, resume *event.ResumeToken) []byte

	// Translate decodes one non-empty JSONL line and maps it to zero or
	// more normalized events, in order.
	Translate(line []byte) ([]event.Event, error)

	// DecodeErrorEvent optionally turns a Translate decode failure into a
	// warning Action event. Returning nil silently skips the line.
	DecodeErrorEvent(line []byte, err error) *event.Event
}

// Driver is the shared JSONL subprocess driver every Backend is run
// through. A Driver keeps no per-run state; each adapter builds its own in
// New, so there is one Driver per run.
type Driver struct {
	Backend Backend
	// Dir is the working directory for the spawned process (the run's
	// project/worktree context).
	Dir string
	// Locks serializes runs per ThreadKey; required.
	Locks *threadlock.Registry
	// StderrTailBytes bounds the diagnostic stderr ring buffer. Defaults
	// to 4096 when zero.
	StderrTailBytes int
	// GracePeriod bounds how long cancellation waits for a SIGTERM'd
	// process group to exit before escalating to SIGKILL. Defaults to 3s.
	GracePeriod time.Duration
}

// Run implements the lazy, finite, non-restartable event sequence the
// Runner protocol requires.
func (d *Driver) Run(ctx context.Context, prompt string, resume *event.ResumeToken) <-chan event.Event {
	out := make(chan event.Event, 64)
	go d.run(ctx, prompt, resume, out)
	return out
}

func (d *Driver) run(ctx context.Context, prompt string, resume *event.ResumeToken, out chan<- event.Event) {
	defer close(out)
	engine := d.Backend.Engine()

	var foundSession *event.ResumeToken
	var release func()
	if resume != nil {
		rel, err := d.Locks.Acquire(ctx, resume.ThreadKey())
		if err != nil {
			out <- event.NewCompleted(engine, false, "", event.ResumeToken{}, "cancelled", nil)
			return
		}
		release = rel
		foundSession = resume
		defer release()
	}

	path, fixedArgs := d.Backend.Command()
	args := append(append([]string{}, fixedArgs...), d.Backend.BuildArgs(prompt, resume)...)

	cmd := exec.Command(path, args...)
	cmd.Dir = d.Dir
	cmd.Env = d.Backend.Env(os.Environ())
	procgroup.Set(cmd)

	stdinPayload := d.Backend.StdinPayload(prompt, resume)
	var stdin io.WriteCloser
	if len(stdinPayload) > 0 {
		w, err := cmd.StdinPipe()
		if err != nil {
			out <- event.NewCompleted(engine, false, "", resumeOrZero(foundSession), fmt.Sprintf("stdin pipe: %v", err), nil)
			return
		}
		stdin = w
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out <- event.NewCompleted(engine, false, "", resumeOrZero(foundSession), fmt.Sprintf("stdout pipe: %v", err), nil)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out <- event.NewCompleted(engine, false, "", resumeOrZero(foundSession), fmt.Sprintf("stderr pipe: %v", err), nil)
		return
	}

	if err := cmd.Start(); err != nil {
		out <- event.NewCompleted(engine, false, "", resumeOrZero(foundSession), fmt.Sprintf("spawn: %v", err), nil)
		return
	}

	if stdin != nil {
		go func() {
			_, _ = stdin.Write(stdinPayload)
			_ = stdin.Close()
		}()
	}

	tailSize := d.StderrTailBytes
	if tailSize <= 0 {
		tailSize = 4096
	}
	tail := newRing(tailSize)
	go func() { _, _ = io.Copy(tail, stderr) }()

	completed := false
	scanDone := make(chan struct{})
	go d.scan(stdout, engine, &release, &foundSession, &completed, out, scanDone)

	select {
	case <-scanDone:
		d.finishNormally(cmd, engine, completed, foundSession, tail, out)
	case <-ctx.Done():
		d.finishCancelled(cmd, scanDone, engine, &completed, foundSession, out)
	}
}

// scan reads decoded JSONL lines and enforces the at-most-one-Started,
// at-most-one-Completed rules, stopping as soon as a Completed is observed.
func (d *Driver) scan(stdout io.Reader, engine event.EngineID, release *func(), foundSession **event.ResumeToken, completed *bool, out chan<- event.Event, done chan<- struct{}) {
	defer close(done)

	started := false
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		evs, err := d.Backend.Translate(line)
		if err != nil {
			if w := d.Backend.DecodeErrorEvent(line, err); w != nil {
				out <- *w
			}
			continue
		}

		for _, ev := range evs {
			switch ev.Kind {
			case event.KindStartedEvent:
				if started {
					out <- warnDuplicateStarted(engine)
					continue
				}
				started = true
				resume := ev.Resume
				*foundSession = &resume
				if *release == nil {
					rel, lockErr := d.Locks.Acquire(context.Background(), resume.ThreadKey())
					if lockErr != nil {
						out <- event.NewCompleted(engine, false, "", resume, "cancelled", nil)
						*completed = true
						return
					}
					*release = rel
				}
				out <- ev
			case event.KindCompletedEvent:
				if *completed {
					continue
				}
				*completed = true
				out <- ev
				return
			default:
				out <- ev
			}
		}
	}
}

func (d *Driver) finishNormally(cmd *exec.Cmd, engine event.EngineID, completed bool, foundSession *event.ResumeToken, tail *ring, out chan<- event.Event) {
	err := cmd.Wait()
	if completed {
		return
	}
	if err != nil {
		var ee *exec.ExitError
		code := -1
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
		msg := tail.String()
		if msg == "" {
			msg = "process exited with code " + strconv.Itoa(code)
		}
		out <- event.NewCompleted(engine, false, "", resumeOrZero(foundSession), msg, nil)
		return
	}
	out <- event.NewCompleted(engine, false, "", resumeOrZero(foundSession), "run ended without completion", nil)
}

func (d *Driver) finishCancelled(cmd *exec.Cmd, scanDone <-chan struct{}, engine event.EngineID, completed *bool, foundSession *event.ResumeToken, out chan<- event.Event) {
	if cmd.Process != nil {
		if err := procgroup.Terminate(cmd.Process.Pid); err != nil {
			_ = cmd.Process.Signal(os.Interrupt)
		}
	}
	grace := d.GracePeriod
	if grace <= 0 {
		grace = 3 * time.Second
	}
	select {
	case <-scanDone:
	case <-time.After(grace):
		if cmd.Process != nil {
			_ = procgroup.Kill(cmd.Process.Pid)
		}
		<-scanDone
	}
	_ = cmd.Wait()
	if !*completed {
		out <- event.NewCompleted(engine, false, "", resumeOrZero(foundSession), "cancelled", nil)
		*completed = true
	}
}

func resumeOrZero(r *event.ResumeToken) event.ResumeToken {
	if r == nil {
		return event.ResumeToken{}
	}
	return *r
}

func warnDuplicateStarted(engine event.EngineID) event.Event {
	return event.NewAction(engine, event.Action{
		ID:    "driver.duplicate-started",
		Kind:  event.KindWarning,
		Title: "duplicate session-started event ignored",
	}, event.PhaseCompleted, event.BoolPtr(false), "adapter emitted a second started event; dropped", "warn")
}
