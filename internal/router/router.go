// Package router decodes an incoming chat message into a Job: which engine
// runs it, what prompt it receives, and which thread (if any) it resumes
// (spec §4.4).
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"takopi/internal/event"
)

// Message is the normalized inbound message the bridge hands the router.
// It deliberately knows nothing about Telegram's wire shapes.
type Message struct {
	Text      string
	ReplyText string
	ChatID    int64
	SenderID  int64
	MessageID int
	ReplyToID int
	TopicID   int
}

// ChatRef names where a Job's progress message belongs.
type ChatRef struct {
	ChatID    int64
	MessageID int
	TopicID   int
}

// Job is the fully resolved unit of work the Scheduler enqueues. ID is a
// router-assigned identifier used only for diagnostics/logging correlation
// (it plays no role in scheduling, which keys on the resume token instead).
type Job struct {
	ID      string
	Engine  event.EngineID
	Prompt  string
	Resume  *event.ResumeToken
	Project string
	Branch  string
	Chat    ChatRef
}

// ErrorKind classifies a routing failure for the bridge's error message.
type ErrorKind string

const (
	ErrDuplicateDirective ErrorKind = "duplicate_directive"
	ErrUnknownEngine      ErrorKind = "unknown_engine"
	ErrUnknownProject     ErrorKind = "unknown_project"
	ErrIllegalBranch      ErrorKind = "illegal_branch"
)

// Error is a user-visible routing failure; no Job is produced.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Extractor is a Runner-shaped capability the router needs per adapter:
// just enough to try resume extraction without spawning anything.
type Extractor interface {
	Engine() event.EngineID
	ExtractResume(text string) (event.ResumeToken, bool)
}

// EngineSet supplies the ordered adapter list the router resolves against.
type EngineSet interface {
	Engines() []event.EngineID
	Has(id event.EngineID) bool
	Extractor(id event.EngineID) Extractor
}

// ProjectSet reports whether an alias names a known project.
type ProjectSet interface {
	Has(alias string) bool
}

// Router implements spec §4.4's directive/resume resolution algorithm.
type Router struct {
	Engines       EngineSet
	Projects      ProjectSet
	DefaultEngine event.EngineID
}

var ctxFooter = regexp.MustCompile(`(?m)^ctx:\s*([^\s@]+)(?:\s*@\s*(\S+))?\s*$`)

// Route decodes msg into a Job, or returns a routing Error with no Job.
func (r *Router) Route(msg Message) (*Job, error) {
	directives, rest, err := parseDirectives(msg.Text, r.Engines, r.Projects)
	if err != nil {
		return nil, err
	}

	project, branch := directives.project, directives.branch
	engineDirective := directives.engine

	if m := ctxFooter.FindStringSubmatch(msg.ReplyText); m != nil {
		project = m[1]
		branch = m[2]
		engineDirective = ""
	}

	if branch != "" {
		if err := validateBranch(branch); err != nil {
			return nil, err
		}
	}

	resume, resumeEngine, found := r.resolveResume(msg.Text, msg.ReplyText)

	var chosen event.EngineID
	switch {
	case found:
		chosen = resumeEngine
	case engineDirective != "":
		chosen = engineDirective
	default:
		chosen = r.DefaultEngine
	}

	job := &Job{
		ID:      uuid.NewString(),
		Engine:  chosen,
		Prompt:  strings.TrimSpace(rest),
		Project: project,
		Branch:  branch,
		Chat:    ChatRef{ChatID: msg.ChatID, MessageID: msg.MessageID, TopicID: msg.TopicID},
	}
	if found {
		token := resume
		job.Resume = &token
	}
	return job, nil
}

// resolveResume tries every adapter's ExtractResume against text, then
// replyText, in registry order; first non-null match wins (spec §4.4.3).
func (r *Router) resolveResume(text, replyText string) (event.ResumeToken, event.EngineID, bool) {
	for _, id := range r.Engines.Engines() {
		ex := r.Engines.Extractor(id)
		if ex == nil {
			continue
		}
		if tok, ok := ex.ExtractResume(text); ok {
			return tok, id, true
		}
	}
	for _, id := range r.Engines.Engines() {
		ex := r.Engines.Extractor(id)
		if ex == nil {
			continue
		}
		if tok, ok := ex.ExtractResume(replyText); ok {
			return tok, id, true
		}
	}
	return event.ResumeToken{}, "", false
}

type parsedDirectives struct {
	engine  event.EngineID
	project string
	branch  string
}

// parseDirectives walks leading tokens of the first non-empty line,
// classifying each as /engine, /project-alias, or @branch until the first
// non-directive token, per spec §4.4.1.
func parseDirectives(text string, engines EngineSet, projects ProjectSet) (parsedDirectives, string, error) {
	lines := strings.SplitN(text, "\n", -1)

	firstIdx := -1
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			firstIdx = i
			break
		}
	}
	if firstIdx == -1 {
		return parsedDirectives{}, text, nil
	}

	tokens := strings.Fields(lines[firstIdx])
	var d parsedDirectives
	consumed := 0

	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "/"):
			name := strings.TrimPrefix(tok, "/")
			if engines.Has(event.EngineID(name)) {
				if d.engine != "" {
					return parsedDirectives{}, "", &Error{Kind: ErrDuplicateDirective, Message: "duplicate /engine directive"}
				}
				d.engine = event.EngineID(name)
			} else {
				if d.project != "" {
					return parsedDirectives{}, "", &Error{Kind: ErrDuplicateDirective, Message: "duplicate project directive"}
				}
				if projects != nil && !projects.Has(name) {
					return parsedDirectives{}, "", &Error{Kind: ErrUnknownProject, Message: fmt.Sprintf("unknown project alias %q", name)}
				}
				d.project = name
			}
		case strings.HasPrefix(tok, "@"):
			if d.branch != "" {
				return parsedDirectives{}, "", &Error{Kind: ErrDuplicateDirective, Message: "duplicate @branch directive"}
			}
			d.branch = strings.TrimPrefix(tok, "@")
		default:
			goto doneParsing
		}
		consumed++
	}
doneParsing:

	remainingTokens := tokens[consumed:]
	rebuilt := append([]string{}, lines[:firstIdx]...)
	rebuilt = append(rebuilt, strings.Join(remainingTokens, " "))
	rebuilt = append(rebuilt, lines[firstIdx+1:]...)

	return d, strings.Join(rebuilt, "\n"), nil
}

func validateBranch(branch string) error {
	if strings.HasPrefix(branch, "/") || strings.Contains(branch, "..") {
		return &Error{Kind: ErrIllegalBranch, Message: fmt.Sprintf("illegal branch %q", branch)}
	}
	return nil
}
