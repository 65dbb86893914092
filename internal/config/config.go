// Package config loads the bridge's configuration: defaults, then an
// optional TOML file, then environment variables (env wins), matching the
// defaults-file-env layering nevindra-oasis's internal/config/config.go
// uses for its own Telegram bot. The Telegram allowlist and .env loading
// keep gongjunhao-mybot's original shape since nothing in the rest of the
// pack improves on a comma-separated chat_id list for a single-operator bot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EngineOptions is the per-engine slice of the config surface (spec §6):
// model, provider, extra argv, and allowed tools. engine.Default passes only
// Model and ExtraArgs to the adapters (pi takes ExtraArgs alone); Provider
// and AllowedTools are parsed but not passed on.
type EngineOptions struct {
	Model        string   `toml:"model"`
	Provider     string   `toml:"provider"`
	ExtraArgs    []string `toml:"extra_args"`
	AllowedTools []string `toml:"allowed_tools"`
}

// Project describes one worktree-backed project alias a message can select
// with a leading "/project" directive.
type Project struct {
	Path          string `toml:"path"`
	WorktreesDir  string `toml:"worktrees_dir"`
	DefaultEngine string `toml:"default_engine"`
	WorktreeBase  string `toml:"worktree_base"`
	ChatID        int64  `toml:"chat_id"`
}

// Config is the top-level table: a default engine id, a per-engine options
// table, and a project table (spec §6's "Config surface (consumed)").
type Config struct {
	DefaultEngine string                   `toml:"default_engine"`
	Engines       map[string]EngineOptions `toml:"engines"`
	Projects      map[string]Project       `toml:"projects"`

	TelegramToken string
	Allowlist     map[int64]struct{}
	LogUnknown    bool

	WorkDir     string
	LockPath    string
	FinalNotify bool
	Debug       bool

	// Progress rendering.
	ProgressMode     string `toml:"progress_mode"` // "new_message" or "in_place"
	ThrottleInterval time.Duration

	// Document uploads (SPEC_FULL.md supplemented feature).
	UploadDir      string `toml:"upload_dir"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`

	// Scheduled tasks (SPEC_FULL.md supplemented feature).
	ScheduleStorePath string `toml:"schedule_store_path"`
}

// Default returns a Config with every field set to its zero-risk default,
// mirroring oasis's Default()/Load() split.
func Default() Config {
	wd, _ := os.Getwd()
	return Config{
		DefaultEngine:    "codex",
		Engines:          map[string]EngineOptions{},
		Projects:         map[string]Project{},
		WorkDir:           wd,
		LockPath:          filepath.Join(os.TempDir(), "takopi.lock"),
		FinalNotify:       true,
		ProgressMode:      "new_message",
		ThrottleInterval:  time.Second,
		UploadDir:         "uploads",
		MaxUploadBytes:    20 * 1024 * 1024,
		ScheduleStorePath: filepath.Join(os.TempDir(), "takopi-schedules.json"),
	}
}

// Load reads takopi.toml (or path, if given) over the defaults, then
// applies environment overrides, then validates the required fields the
// bridge cannot run without.
func Load(path string) (Config, error) {
	_ = LoadDotEnv(".env")

	cfg := Default()
	if path == "" {
		path = "takopi.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.TelegramToken = firstNonEmpty(os.Getenv("TELEGRAM_BOT_TOKEN"), cfg.TelegramToken)
	if cfg.TelegramToken == "" {
		return cfg, errors.New("missing TELEGRAM_BOT_TOKEN")
	}

	allow := strings.TrimSpace(os.Getenv("TELEGRAM_ALLOWLIST"))
	if allow != "" {
		al, err := parseAllowlist(allow)
		if err != nil {
			return cfg, fmt.Errorf("TELEGRAM_ALLOWLIST: %w", err)
		}
		cfg.Allowlist = al
	}
	if len(cfg.Allowlist) == 0 {
		return cfg, errors.New("missing TELEGRAM_ALLOWLIST (comma-separated chat_id list)")
	}
	cfg.LogUnknown = envBool("TELEGRAM_LOG_UNKNOWN", cfg.LogUnknown)

	if v := strings.TrimSpace(os.Getenv("TAKOPI_DEFAULT_ENGINE")); v != "" {
		cfg.DefaultEngine = v
	}
	if v := strings.TrimSpace(os.Getenv("WORKDIR")); v != "" {
		cfg.WorkDir = v
	}
	if v := strings.TrimSpace(os.Getenv("TAKOPI_LOCK_PATH")); v != "" {
		cfg.LockPath = v
	}
	cfg.FinalNotify = envBool("TAKOPI_FINAL_NOTIFY", cfg.FinalNotify)
	cfg.Debug = envBool("TAKOPI_DEBUG", cfg.Debug)

	if v := strings.TrimSpace(os.Getenv("TAKOPI_SCHEDULE_STORE")); v != "" {
		cfg.ScheduleStorePath = v
	}

	return cfg, nil
}

// EngineOptionsFor returns the configured options for id, or the zero value
// if the config has nothing for it.
func (c Config) EngineOptionsFor(id string) EngineOptions {
	return c.Engines[id]
}

// Has reports whether alias names a configured project. It satisfies
// router.ProjectSet.
func (c Config) Has(alias string) bool {
	_, ok := c.Projects[alias]
	return ok
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseAllowlist(s string) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad id %q", p)
		}
		out[id] = struct{}{}
	}
	if len(out) == 0 {
		return nil, errors.New("empty allowlist")
	}
	return out, nil
}

func envBool(key string, def bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
