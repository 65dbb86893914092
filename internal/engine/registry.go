// Package engine is the static, ordered registry of engine adapters. A real
// plugin-discovery mechanism (probing PATH, reading a manifest directory) is
// out of scope; this ordered list is the seam where one would be wired in.
package engine

import (
	"takopi/internal/adapter/claude"
	"takopi/internal/adapter/codex"
	"takopi/internal/adapter/mock"
	"takopi/internal/adapter/opencode"
	"takopi/internal/adapter/pi"
	"takopi/internal/config"
	"takopi/internal/event"
	"takopi/internal/router"
	"takopi/internal/runner"
	"takopi/internal/threadlock"
)

// Factory builds one Runner, scoped to a single run, rooted at dir and
// sharing locks with every other engine.
type Factory func(dir string, locks *threadlock.Registry) runner.Runner

// Registry maps an EngineID to its Factory and records registration order,
// which is also alias resolution order and /engine listing order.
type Registry struct {
	order    []event.EngineID
	factories map[event.EngineID]Factory
}

// Default returns the registry wired with every built-in adapter, in the
// order they should be offered to users, each parameterized from cfg's
// per-engine options table (spec §6). "mock" is included so tests and
// local onboarding runs don't require any real CLI on PATH; it is never
// advertised as a default engine by the router.
func Default(cfg config.Config) *Registry {
	r := New()
	r.Register(codex.EngineID, func(dir string, locks *threadlock.Registry) runner.Runner {
		o := cfg.EngineOptionsFor(string(codex.EngineID))
		return codex.New(dir, locks, codex.Options{Model: o.Model, ExtraArgs: o.ExtraArgs})
	})
	r.Register(claude.EngineID, func(dir string, locks *threadlock.Registry) runner.Runner {
		o := cfg.EngineOptionsFor(string(claude.EngineID))
		return claude.New(dir, locks, claude.Options{Model: o.Model, ExtraArgs: o.ExtraArgs})
	})
	r.Register(opencode.EngineID, func(dir string, locks *threadlock.Registry) runner.Runner {
		o := cfg.EngineOptionsFor(string(opencode.EngineID))
		return opencode.New(dir, locks, opencode.Options{Model: o.Model, ExtraArgs: o.ExtraArgs})
	})
	r.Register(pi.EngineID, func(dir string, locks *threadlock.Registry) runner.Runner {
		o := cfg.EngineOptionsFor(string(pi.EngineID))
		return pi.New(dir, locks, pi.Options{ExtraArgs: o.ExtraArgs})
	})
	r.Register(mock.EngineID, func(dir string, locks *threadlock.Registry) runner.Runner {
		return mock.New(mock.Script{Answer: "mock reply"})
	})
	return r
}

func New() *Registry {
	return &Registry{factories: make(map[event.EngineID]Factory)}
}

func (r *Registry) Register(id event.EngineID, f Factory) {
	if _, exists := r.factories[id]; !exists {
		r.order = append(r.order, id)
	}
	r.factories[id] = f
}

// Build constructs a Runner for id rooted at dir, or ok=false if id is not
// registered.
func (r *Registry) Build(id event.EngineID, dir string, locks *threadlock.Registry) (runner.Runner, bool) {
	f, ok := r.factories[id]
	if !ok {
		return nil, false
	}
	return f(dir, locks), true
}

func (r *Registry) Has(id event.EngineID) bool {
	_, ok := r.factories[id]
	return ok
}

// Extractor returns a router.Extractor-shaped Runner for id, built without a
// working directory or lock registry since resume extraction never spawns
// anything. Returns nil if id is not registered.
func (r *Registry) Extractor(id event.EngineID) router.Extractor {
	f, ok := r.factories[id]
	if !ok {
		return nil
	}
	return f("", nil)
}

// Engines returns every registered engine in registration order.
func (r *Registry) Engines() []event.EngineID {
	out := make([]event.EngineID, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultEngine is the engine used when a job carries no explicit directive and
// no resume token names one. The first non-mock registered engine wins.
func (r *Registry) DefaultEngine() event.EngineID {
	for _, id := range r.order {
		if id == "mock" {
			continue
		}
		return id
	}
	if len(r.order) > 0 {
		return r.order[0]
	}
	return ""
}
