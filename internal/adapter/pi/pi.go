// Package pi adapts the Pi CLI, which has no JSONL output mode, by driving
// it through a pseudo-terminal and scraping its human-oriented transcript.
// Each run is a fresh one-shot PTY session rather than a long-lived one: the
// prompt is written once, the transcript captured until the process exits.
package pi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"takopi/internal/event"
	"takopi/internal/procgroup"
	"takopi/internal/threadlock"
)

const EngineID event.EngineID = "pi"

var (
	sessionLine = regexp.MustCompile(`(?mi)^session[ _]?id:\s*(\S+)\s*$`)
	resumeLine  = regexp.MustCompile(`(?m)^pi --session (\S+)\s*$`)
)

// Options carries the per-engine config surface (spec §6): any extra CLI
// args the project config wants passed through verbatim. Pi's CLI has no
// documented --model flag, so only ExtraArgs applies here.
type Options struct {
	ExtraArgs []string
}

// Adapter implements runner.Runner for Pi directly, bypassing the shared
// JSONL Driver: there are no JSONL lines here, just a terminal transcript.
type Adapter struct {
	Dir       string
	Locks     *threadlock.Registry
	ExtraArgs []string
}

func New(dir string, locks *threadlock.Registry, opts Options) *Adapter {
	return &Adapter{Dir: dir, Locks: locks, ExtraArgs: opts.ExtraArgs}
}

func (a *Adapter) Engine() event.EngineID { return EngineID }

func (a *Adapter) FormatResume(t event.ResumeToken) (string, error) {
	if t.Engine != EngineID {
		return "", fmt.Errorf("pi: resume token belongs to engine %q", t.Engine)
	}
	return "pi --session " + t.Value, nil
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

func (a *Adapter) Run(ctx context.Context, prompt string, resume *event.ResumeToken) <-chan event.Event {
	out := make(chan event.Event, 64)
	go a.run(ctx, prompt, resume, out)
	return out
}

func (a *Adapter) run(ctx context.Context, prompt string, resume *event.ResumeToken, out chan<- event.Event) {
	defer close(out)

	var release func()
	if resume != nil {
		rel, err := a.Locks.Acquire(ctx, resume.ThreadKey())
		if err != nil {
			out <- event.NewCompleted(EngineID, false, "", event.ResumeToken{}, "cancelled", nil)
			return
		}
		release = rel
		defer release()
	}

	args := []string{"chat"}
	if resume != nil {
		args = append(args, "--session", resume.Value)
	}
	args = append(args, a.ExtraArgs...)
	cmd := exec.Command("pi", args...)
	cmd.Dir = a.Dir
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "CLICOLOR=0", "FORCE_COLOR=0")

	ptyFile, err := pty.Start(cmd)
	usingPTY := true
	var stdin io.WriteCloser
	var stdout io.ReadCloser
	if err != nil {
		usingPTY = false
		cmd = exec.Command("pi", args...)
		cmd.Dir = a.Dir
		cmd.Env = append(os.Environ(), "NO_COLOR=1", "CLICOLOR=0", "FORCE_COLOR=0")
		procgroup.Set(cmd)
		stdin, err = cmd.StdinPipe()
		if err != nil {
			out <- event.NewCompleted(EngineID, false, "", resumeOrZero(resume), fmt.Sprintf("spawn: %v", err), nil)
			return
		}
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			out <- event.NewCompleted(EngineID, false, "", resumeOrZero(resume), fmt.Sprintf("spawn: %v", err), nil)
			return
		}
		if err := cmd.Start(); err != nil {
			out <- event.NewCompleted(EngineID, false, "", resumeOrZero(resume), fmt.Sprintf("spawn: %v", err), nil)
			return
		}
	} else {
		_ = pty.Setsize(ptyFile, &pty.Winsize{Rows: 40, Cols: 120})
		stdin = ptyFile
		stdout = ptyFile
	}

	var writeMu sync.Mutex
	p := prompt
	if !strings.HasSuffix(p, "\n") {
		p += "\n"
	}
	writeMu.Lock()
	_, _ = io.WriteString(stdin, p)
	writeMu.Unlock()

	var transcript bytes.Buffer
	var transcriptMu sync.Mutex
	started := false
	var foundSession *event.ResumeToken
	if resume != nil {
		foundSession = resume
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		pending := make([]byte, 0, 8192)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				if usingPTY {
					pending = handleTermQueries(pending, stdin, &writeMu)
				}
				if len(pending) > 0 {
					chunk := string(pending)
					pending = pending[:0]
					transcriptMu.Lock()
					transcript.WriteString(chunk)
					text := transcript.String()
					transcriptMu.Unlock()

					if !started {
						if m := sessionLine.FindStringSubmatch(text); m != nil {
							started = true
							tok := event.ResumeToken{Engine: EngineID, Value: strings.TrimSpace(m[1])}
							foundSession = &tok
							select {
							case out <- event.Started(EngineID, tok, "pi session "+tok.Value, nil):
							case <-ctx.Done():
							}
							if release == nil {
								if rel, lerr := a.Locks.Acquire(context.Background(), tok.ThreadKey()); lerr == nil {
									release = rel
								}
							}
						}
					}
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-readDone:
		err := <-waitErr
		if ptyFile != nil {
			_ = ptyFile.Close()
		}
		a.finish(err, transcript.String(), foundSession, out)
	case <-ctx.Done():
		if cmd.Process != nil {
			if terr := procgroup.Terminate(cmd.Process.Pid); terr != nil {
				_ = cmd.Process.Signal(os.Interrupt)
			}
		}
		select {
		case <-readDone:
		case <-time.After(3 * time.Second):
			if cmd.Process != nil {
				_ = procgroup.Kill(cmd.Process.Pid)
			}
			<-readDone
		}
		<-waitErr
		if ptyFile != nil {
			_ = ptyFile.Close()
		}
		out <- event.NewCompleted(EngineID, false, "", resumeOrZero(foundSession), "cancelled", nil)
	}
}

func (a *Adapter) finish(waitErr error, transcript string, foundSession *event.ResumeToken, out chan<- event.Event) {
	if waitErr != nil {
		out <- event.NewCompleted(EngineID, false, "", resumeOrZero(foundSession), lastNonEmptyLine(transcript), nil)
		return
	}
	out <- event.NewCompleted(EngineID, true, lastParagraph(transcript), resumeOrZero(foundSession), "", nil)
}

func resumeOrZero(r *event.ResumeToken) event.ResumeToken {
	if r == nil {
		return event.ResumeToken{}
	}
	return *r
}

func lastParagraph(transcript string) string {
	paras := strings.Split(strings.TrimSpace(transcript), "\n\n")
	if len(paras) == 0 {
		return ""
	}
	return strings.TrimSpace(paras[len(paras)-1])
}

func lastNonEmptyLine(transcript string) string {
	lines := strings.Split(strings.TrimRight(transcript, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return "pi run ended without output"
}

var (
	dsrCursor  = []byte{0x1b, '[', '6', 'n'}
	dsrCursorQ = []byte{0x1b, '[', '?', '6', 'n'}
)

// handleTermQueries strips DSR cursor-position queries from b and answers
// them on stdin with a canned position, since a PTY has no real terminal
// emulator to do it. Without this, CLIs that probe cursor position on
// startup hang waiting for a reply.
func handleTermQueries(b []byte, stdin io.Writer, mu *sync.Mutex) []byte {
	for {
		i := bytes.Index(b, dsrCursor)
		j := bytes.Index(b, dsrCursorQ)
		if i == -1 && j == -1 {
			return b
		}
		k := i
		n := len(dsrCursor)
		if k == -1 || (j != -1 && j < k) {
			k = j
			n = len(dsrCursorQ)
		}
		b = append(b[:k], b[k+n:]...)
		mu.Lock()
		_, _ = stdin.Write([]byte{0x1b, '[', '1', ';', '1', 'R'})
		mu.Unlock()
	}
}
