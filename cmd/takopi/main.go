// Command takopi runs the Telegram-to-agent bridge: one long-poller dispatching
// chat messages to engine adapters (codex, claude, opencode, pi) through the
// router, per-thread scheduler, and progress presenter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"takopi/internal/bridge"
	"takopi/internal/config"
	"takopi/internal/engine"
	"takopi/internal/event"
	"takopi/internal/lockfile"
	"takopi/internal/telegramclient"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 success, 1 configuration error, 2
// lock contention (spec §6 "CLI surface").
func run(args []string) int {
	fs := flag.NewFlagSet("takopi", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML config file (default takopi.toml)")
	finalNotify := fs.Bool("final-notify", true, "post the final render as a new message instead of editing in place")
	debug := fs.Bool("debug", false, "set Config.Debug (no component reads it; log output is unchanged)")
	onboard := fs.Bool("onboard", false, "publish the Telegram command menu and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var forcedEngine string
	if rest := fs.Args(); len(rest) > 0 {
		forcedEngine = rest[0]
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}
	cfg.FinalNotify = *finalNotify
	cfg.Debug = *debug
	if forcedEngine != "" {
		cfg.DefaultEngine = forcedEngine
	}
	if !*finalNotify {
		cfg.ProgressMode = "in_place"
	}

	lock, err := lockfile.Acquire(cfg.LockPath, cfg.TelegramToken)
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			log.Printf("another takopi process already holds %s", cfg.LockPath)
			return 2
		}
		log.Printf("lockfile: %v", err)
		return 1
	}
	defer lock.Release()

	client, err := telegramclient.New(cfg.TelegramToken)
	if err != nil {
		log.Printf("telegram: %s", redact(cfg.TelegramToken, err.Error()))
		return 1
	}

	engines := engine.Default(cfg)
	if !engines.Has(event.EngineID(cfg.DefaultEngine)) {
		log.Printf("config: unknown default engine %q", cfg.DefaultEngine)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *onboard {
		return doOnboard(ctx, client, engines)
	}

	b := bridge.New(cfg, client, engines)
	if runner := b.ScheduleRunner(); runner != nil {
		go runner.Run(ctx)
	}
	if err := b.Run(ctx); err != nil {
		log.Printf("bridge: %s", redact(cfg.TelegramToken, err.Error()))
		return 1
	}
	return 0
}

// doOnboard publishes the bot's command menu (one /engine command per
// registered engine) and exits, per spec §6's "--onboard" flag.
func doOnboard(ctx context.Context, client *telegramclient.Client, engines *engine.Registry) int {
	var cmds []tgbotapi.BotCommand
	for _, id := range engines.Engines() {
		cmds = append(cmds, tgbotapi.BotCommand{
			Command:     string(id),
			Description: fmt.Sprintf("route this message through %s", id),
		})
	}
	if err := client.SetCommands(ctx, cmds); err != nil {
		log.Printf("onboard: %v", err)
		return 1
	}
	who := client.Self()
	fmt.Printf("onboarded as @%s with %d commands\n", who.UserName, len(cmds))
	return 0
}

func redact(token, msg string) string {
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, "<redacted>")
}
