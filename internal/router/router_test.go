package router

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takopi/internal/event"
)

// fakeExtractor is a minimal router.Extractor for one engine, matching
// "<engine> resume <token>" lines, the token ending at whitespace or a
// backtick — enough to exercise Router.Route without
// spawning any real adapter (mirrors the teacher's use of lightweight fakes
// over full adapters in router-level tests).
type fakeExtractor struct {
	engine event.EngineID
	re     *regexp.Regexp
}

func newFakeExtractor(id event.EngineID) *fakeExtractor {
	return &fakeExtractor{engine: id, re: regexp.MustCompile(string(id) + " resume ([^\\s`]+)")}
}

func (f *fakeExtractor) Engine() event.EngineID { return f.engine }

func (f *fakeExtractor) ExtractResume(text string) (event.ResumeToken, bool) {
	m := f.re.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return event.ResumeToken{}, false
	}
	last := m[len(m)-1]
	return event.ResumeToken{Engine: f.engine, Value: last[1]}, true
}

type fakeEngineSet struct {
	order      []event.EngineID
	extractors map[event.EngineID]*fakeExtractor
}

func newFakeEngineSet(ids ...event.EngineID) *fakeEngineSet {
	s := &fakeEngineSet{extractors: make(map[event.EngineID]*fakeExtractor)}
	for _, id := range ids {
		s.order = append(s.order, id)
		s.extractors[id] = newFakeExtractor(id)
	}
	return s
}

func (s *fakeEngineSet) Engines() []event.EngineID { return s.order }
func (s *fakeEngineSet) Has(id event.EngineID) bool { _, ok := s.extractors[id]; return ok }
func (s *fakeEngineSet) Extractor(id event.EngineID) Extractor {
	e, ok := s.extractors[id]
	if !ok {
		return nil
	}
	return e
}

type fakeProjectSet map[string]bool

func (p fakeProjectSet) Has(alias string) bool { return p[alias] }

func TestRoute_DefaultEngineNoDirectives(t *testing.T) {
	engines := newFakeEngineSet("codex", "claude")
	r := &Router{Engines: engines, DefaultEngine: "codex"}

	job, err := r.Route(Message{Text: "refactor this", ChatID: 1})
	require.NoError(t, err)
	assert.Equal(t, event.EngineID("codex"), job.Engine)
	assert.Equal(t, "refactor this", job.Prompt)
	assert.Nil(t, job.Resume)
	assert.NotEmpty(t, job.ID)
}

func TestRoute_EngineDirective(t *testing.T) {
	engines := newFakeEngineSet("codex", "claude")
	r := &Router{Engines: engines, DefaultEngine: "codex"}

	job, err := r.Route(Message{Text: "/claude refresh", ChatID: 1})
	require.NoError(t, err)
	assert.Equal(t, event.EngineID("claude"), job.Engine)
	assert.Equal(t, "refresh", job.Prompt)
}

// TestRoute_ResumeOverridesDirective is spec §8 scenario 6: a resume found
// in the reply wins over a conflicting /engine directive, and the directive
// is not stripped back into the prompt incorrectly.
func TestRoute_ResumeOverridesDirective(t *testing.T) {
	engines := newFakeEngineSet("codex", "claude")
	r := &Router{Engines: engines, DefaultEngine: "claude"}

	job, err := r.Route(Message{
		Text:      "/claude refresh",
		ReplyText: "done\n`codex resume U`",
		ChatID:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, event.EngineID("codex"), job.Engine)
	require.NotNil(t, job.Resume)
	assert.Equal(t, "U", job.Resume.Value)
	assert.Equal(t, "refresh", job.Prompt)
}

func TestRoute_ResumeInTextWins(t *testing.T) {
	engines := newFakeEngineSet("codex", "claude")
	r := &Router{Engines: engines, DefaultEngine: "claude"}

	job, err := r.Route(Message{Text: "codex resume U\nadd tests", ChatID: 1})
	require.NoError(t, err)
	assert.Equal(t, event.EngineID("codex"), job.Engine)
	require.NotNil(t, job.Resume)
	assert.Equal(t, "U", job.Resume.Value)
}

func TestRoute_DuplicateEngineDirectiveIsError(t *testing.T) {
	engines := newFakeEngineSet("codex", "claude")
	r := &Router{Engines: engines, DefaultEngine: "codex"}

	_, err := r.Route(Message{Text: "/codex /claude hi", ChatID: 1})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrDuplicateDirective, rerr.Kind)
}

func TestRoute_UnknownProjectDirective(t *testing.T) {
	engines := newFakeEngineSet("codex")
	r := &Router{Engines: engines, Projects: fakeProjectSet{"blog": true}, DefaultEngine: "codex"}

	_, err := r.Route(Message{Text: "/wiki hi", ChatID: 1})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrUnknownProject, rerr.Kind)
}

func TestRoute_IllegalBranchRejected(t *testing.T) {
	engines := newFakeEngineSet("codex")
	r := &Router{Engines: engines, Projects: fakeProjectSet{"blog": true}, DefaultEngine: "codex"}

	_, err := r.Route(Message{Text: "/blog @../escape hi", ChatID: 1})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrIllegalBranch, rerr.Kind)
}

func TestRoute_CtxFooterOverridesTextDirectives(t *testing.T) {
	engines := newFakeEngineSet("codex")
	r := &Router{Engines: engines, Projects: fakeProjectSet{"blog": true, "wiki": true}, DefaultEngine: "codex"}

	job, err := r.Route(Message{
		Text:      "/wiki hello",
		ReplyText: "some answer\nctx: blog @ main",
		ChatID:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, "blog", job.Project)
	assert.Equal(t, "main", job.Branch)
}

// TestRoute_StrippedDirectivesDontReappear is spec §8's "parsing a message
// whose directives are stripped yields no directives on a second pass".
func TestRoute_StrippedDirectivesDontReappear(t *testing.T) {
	engines := newFakeEngineSet("codex", "claude")
	r := &Router{Engines: engines, DefaultEngine: "codex"}

	job, err := r.Route(Message{Text: "/claude do the thing", ChatID: 1})
	require.NoError(t, err)

	job2, err := r.Route(Message{Text: job.Prompt, ChatID: 1})
	require.NoError(t, err)
	assert.Equal(t, event.EngineID("codex"), job2.Engine)
	assert.Equal(t, job.Prompt, job2.Prompt)
}
