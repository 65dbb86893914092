// Package runner defines the Runner protocol (spec §4.1) every engine
// adapter implements, plus the shared JSONL subprocess driver (spec §4.2)
// that most adapters build on.
package runner

import (
	"context"

	"takopi/internal/event"
)

// Runner is the capability set every engine adapter exposes. It is composed
// via parameterization (see Driver/Backend in driver.go), not inheritance, so a new
// engine is a new Backend implementation rather than a subclass.
type Runner interface {
	// Engine identifies this adapter.
	Engine() event.EngineID

	// Run starts one non-restartable run and streams its events. The
	// channel is closed when the run ends (with or without a Completed
	// event, per spec invariants).
	Run(ctx context.Context, prompt string, resume *event.ResumeToken) <-chan event.Event

	// FormatResume renders the canonical resume line for t. It errors if
	// t.Engine does not match this adapter's Engine().
	FormatResume(t event.ResumeToken) (string, error)

	// ExtractResume scans text for this adapter's resume line, returning
	// the last match (last-match-wins) or ok=false if none is confident.
	ExtractResume(text string) (event.ResumeToken, bool)

	// IsResumeLine is a fast predicate used by the truncator to keep a
	// resume line intact through truncation.
	IsResumeLine(line string) bool
}
