// Package bridge is the single long-poller that reads Telegram updates,
// ACL-checks the chat, asks the Router for a Job, and hands it to the
// Scheduler with callbacks bound to a freshly created progress message
// (spec §4.7). /cancel replies are routed synchronously and never enqueue
// work.
package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"takopi/internal/config"
	"takopi/internal/engine"
	"takopi/internal/event"
	"takopi/internal/presenter"
	"takopi/internal/router"
	"takopi/internal/schedule"
	"takopi/internal/scheduler"
	"takopi/internal/telegramclient"
	"takopi/internal/threadlock"
	"takopi/internal/uploads"
	"takopi/internal/worktree"
)

// Bridge wires every core component (spec §2's data-flow diagram) to a live
// Telegram bot.
type Bridge struct {
	cfg       config.Config
	client    *telegramclient.Client
	router    *router.Router
	scheduler *scheduler.Scheduler
	engines   *engine.Registry
	locks     *threadlock.Registry
	worktrees *worktree.Resolver
	schedule  *schedule.Store
}

// New builds a Bridge from its collaborators. cfg supplies the allowlist,
// default engine, and project table; engines is typically engine.Default(cfg).
func New(cfg config.Config, client *telegramclient.Client, engines *engine.Registry) *Bridge {
	locks := threadlock.New()
	defaultEngine := event.EngineID(cfg.DefaultEngine)
	if defaultEngine == "" || !engines.Has(defaultEngine) {
		defaultEngine = engines.DefaultEngine()
	}
	b := &Bridge{
		cfg:    cfg,
		client: client,
		router: &router.Router{
			Engines:       engines,
			Projects:      cfg,
			DefaultEngine: defaultEngine,
		},
		scheduler: scheduler.New(),
		engines:   engines,
		locks:     locks,
		worktrees: worktree.New(cfg.Projects),
	}
	if store, err := schedule.Open(cfg.ScheduleStorePath); err == nil {
		b.schedule = store
	} else {
		log.Printf("bridge: schedule store disabled: %v", err)
	}
	return b
}

// ScheduleRunner builds the poll loop that fires this Bridge's scheduled
// tasks through DispatchScheduled, or nil if the schedule store failed to
// open. The caller (cmd/takopi) runs it as its own goroutine.
func (b *Bridge) ScheduleRunner() *schedule.Runner {
	if b.schedule == nil {
		return nil
	}
	return schedule.NewRunner(b.schedule, b.DispatchScheduled, func(chatID int64) bool {
		_, ok := b.cfg.Allowlist[chatID]
		return ok
	})
}

// DispatchScheduled runs prompt for chatID through the same Router ->
// Scheduler -> Presenter pipeline a typed chat message takes (SPEC_FULL.md
// §4's generalization of the teacher's RunScheduler).
func (b *Bridge) DispatchScheduled(ctx context.Context, chatID int64, prompt string) {
	job, err := b.router.Route(router.Message{Text: prompt, ChatID: chatID})
	if err != nil {
		b.postError(ctx, chatID, 0, err)
		return
	}
	b.dispatch(ctx, job)
}

// Run polls for updates until ctx is cancelled. Updates pending at startup
// are discarded by client.Updates; offsets then live only in memory.
func (b *Bridge) Run(ctx context.Context) error {
	updates := b.client.Updates(30)
	log.Printf("bridge: listening as @%s", b.client.Self().UserName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			b.handle(ctx, up.Message)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if _, ok := b.cfg.Allowlist[chatID]; !ok {
		if b.cfg.LogUnknown {
			log.Printf("bridge: ignored chat_id=%d text=%q", chatID, msg.Text)
		}
		return
	}

	if isCancel(msg) {
		b.handleCancel(ctx, msg)
		return
	}

	if msg.Document != nil {
		b.handleDocument(ctx, msg)
		return
	}

	text := msg.Text
	if text == "" {
		return
	}

	if fields := strings.Fields(text); len(fields) > 0 && fields[0] == "/schedule" {
		b.handleScheduleCommand(ctx, chatID, fields)
		return
	}

	in := router.Message{
		Text:      text,
		ChatID:    chatID,
		MessageID: msg.MessageID,
		TopicID:   msg.MessageThreadID,
	}
	if msg.From != nil {
		in.SenderID = msg.From.ID
	}
	if msg.ReplyToMessage != nil {
		in.ReplyText = msg.ReplyToMessage.Text
		in.ReplyToID = msg.ReplyToMessage.MessageID
	}

	job, err := b.router.Route(in)
	if err != nil {
		b.postError(ctx, chatID, msg.MessageThreadID, err)
		return
	}
	b.dispatch(ctx, job)
}

// isCancel reports whether msg is a "/cancel" reply (spec §4.7: "/cancel
// (as a reply) is routed synchronously"). Trailing text after /cancel is
// ignored (spec §8).
func isCancel(msg *tgbotapi.Message) bool {
	if msg.ReplyToMessage == nil {
		return false
	}
	fields := strings.Fields(msg.Text)
	return len(fields) > 0 && fields[0] == "/cancel"
}

func (b *Bridge) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	cancelled := b.scheduler.Cancel(msg.ReplyToMessage.MessageID)
	text := "no active run for that message"
	if cancelled {
		text = "cancel requested"
	}
	_, _ = b.client.SendMessage(ctx, msg.Chat.ID, text)
}

func (b *Bridge) postError(ctx context.Context, chatID int64, topicID int, err error) {
	_, _ = b.client.SendMessage(ctx, chatID, fmt.Sprintf("error: %v", err))
}

// dispatch resolves the job's working directory, builds its adapter,
// opens a fresh progress message, and submits the run to the Scheduler.
func (b *Bridge) dispatch(ctx context.Context, job *router.Job) {
	dir, err := b.resolveDir(ctx, job)
	if err != nil {
		b.postError(ctx, job.Chat.ChatID, job.Chat.TopicID, err)
		return
	}

	r, ok := b.engines.Build(job.Engine, dir, b.locks)
	if !ok {
		b.postError(ctx, job.Chat.ChatID, job.Chat.TopicID, fmt.Errorf("unknown engine %q", job.Engine))
		return
	}

	progressMsgID, err := b.client.SendMessage(ctx, job.Chat.ChatID, "Running…")
	if err != nil {
		log.Printf("bridge: failed to create progress message: %v", err)
		return
	}

	mode := presenter.ModeNewMessage
	if b.cfg.ProgressMode == string(presenter.ModeInPlace) {
		mode = presenter.ModeInPlace
	}
	pres := presenter.New(b.client, job.Chat.ChatID, progressMsgID, presenter.Options{
		Mode:             mode,
		ThrottleInterval: b.cfg.ThrottleInterval,
		Resumer:          r,
		CtxFooter:        ctxFooter(job),
	})

	resume := job.Resume
	prompt := job.Prompt
	b.scheduler.Submit(&scheduler.Job{
		Resume: resume,
		Run: func(ctx context.Context) <-chan event.Event {
			return r.Run(ctx, prompt, resume)
		},
		OnEvent:       pres.Handle,
		ProgressMsgID: progressMsgID,
	})
}

func (b *Bridge) resolveDir(ctx context.Context, job *router.Job) (string, error) {
	if job.Project == "" {
		return b.cfg.WorkDir, nil
	}
	return b.worktrees.Resolve(ctx, job.Project, job.Branch)
}

func ctxFooter(job *router.Job) string {
	if job.Project == "" {
		return ""
	}
	if job.Branch == "" {
		return job.Project
	}
	return job.Project + " @ " + job.Branch
}

// handleDocument saves an uploaded document (spec supplemented feature;
// adapted from the teacher's saveAndBuildPrompt) and routes the resulting
// note exactly like a typed message, including any caption.
func (b *Bridge) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	doc := msg.Document

	rel, err := uploads.Save(ctx, b.client, b.cfg.WorkDir, b.cfg.UploadDir, b.cfg.MaxUploadBytes, doc.FileID, doc.FileName, doc.FileSize)
	if err != nil {
		b.postError(ctx, chatID, msg.MessageThreadID, fmt.Errorf("file save failed: %w", err))
		return
	}

	prompt := uploads.BuildPrompt(rel, msg.Caption)
	in := router.Message{
		Text:      prompt,
		ChatID:    chatID,
		MessageID: msg.MessageID,
		TopicID:   msg.MessageThreadID,
	}
	if msg.From != nil {
		in.SenderID = msg.From.ID
	}
	if msg.ReplyToMessage != nil {
		in.ReplyText = msg.ReplyToMessage.Text
		in.ReplyToID = msg.ReplyToMessage.MessageID
	}

	job, err := b.router.Route(in)
	if err != nil {
		b.postError(ctx, chatID, msg.MessageThreadID, err)
		return
	}
	b.dispatch(ctx, job)
}

// handleScheduleCommand implements "/schedule ...", adapted from the
// teacher's handleScheduleCmd into the generalized daily-HH:MM-or-crontab
// Store (SPEC_FULL.md §4's supplemented scheduling feature).
func (b *Bridge) handleScheduleCommand(ctx context.Context, chatID int64, cmd []string) {
	if b.schedule == nil {
		_, _ = b.client.SendMessage(ctx, chatID, "schedule store not initialized")
		return
	}

	if len(cmd) == 1 || (len(cmd) >= 2 && (cmd[1] == "ls" || cmd[1] == "list")) {
		tasks := b.schedule.List(chatID)
		if len(tasks) == 0 {
			_, _ = b.client.SendMessage(ctx, chatID, "schedule: (empty)")
			return
		}
		var sb strings.Builder
		sb.WriteString("schedule:\n")
		for _, t := range tasks {
			state := "off"
			if t.Enabled {
				state = "on"
			}
			when := t.DailyHHMM
			if t.CronExpr != "" {
				when = t.CronExpr
			}
			fmt.Fprintf(&sb, "- id=%s %s %s\n", t.ID, when, state)
		}
		_, _ = b.client.SendMessage(ctx, chatID, sb.String())
		return
	}

	reply := func(s string) { _, _ = b.client.SendMessage(ctx, chatID, s) }

	switch cmd[1] {
	case "add", "set":
		if len(cmd) < 4 {
			reply("usage: /schedule add <HH:MM|cron-expr> <prompt>")
			return
		}
		spec := cmd[2]
		prompt := strings.Join(cmd[3:], " ")
		// A cron expression spans five fields, so it needs a prompt after them.
		if len(cmd) >= 8 {
			if expr := strings.Join(cmd[2:7], " "); schedule.ValidateCron(expr) == nil {
				task, err := b.schedule.AddCron(chatID, expr, strings.Join(cmd[7:], " "))
				if err != nil {
					reply(fmt.Sprintf("schedule add failed: %v", err))
					return
				}
				reply(fmt.Sprintf("scheduled: id=%s cron %s", task.ID, task.CronExpr))
				return
			}
		}
		task, err := b.schedule.AddDaily(chatID, spec, prompt)
		if err != nil {
			reply(fmt.Sprintf("schedule add failed: %v", err))
			return
		}
		reply(fmt.Sprintf("scheduled: id=%s daily %s", task.ID, task.DailyHHMM))
	case "rm", "remove", "delete", "del":
		if len(cmd) < 3 {
			reply("usage: /schedule rm <id>")
			return
		}
		ok, err := b.schedule.Remove(chatID, cmd[2])
		if err != nil {
			reply(fmt.Sprintf("schedule rm failed: %v", err))
			return
		}
		if !ok {
			reply("schedule rm: not found")
			return
		}
		reply("schedule removed")
	case "on", "off":
		if len(cmd) < 3 {
			reply(fmt.Sprintf("usage: /schedule %s <id>", cmd[1]))
			return
		}
		ok, err := b.schedule.SetEnabled(chatID, cmd[2], cmd[1] == "on")
		if err != nil {
			reply(fmt.Sprintf("schedule %s failed: %v", cmd[1], err))
			return
		}
		if !ok {
			reply(fmt.Sprintf("schedule %s: not found", cmd[1]))
			return
		}
		reply(fmt.Sprintf("schedule %s: ok", cmd[1]))
	case "run":
		if len(cmd) < 3 {
			reply("usage: /schedule run <id>")
			return
		}
		for _, t := range b.schedule.List(chatID) {
			if t.ID == cmd[2] {
				b.DispatchScheduled(ctx, chatID, t.Prompt)
				return
			}
		}
		reply("schedule run: not found")
	default:
		reply("usage:\n/schedule\n/schedule add <HH:MM|cron-expr> <prompt>\n/schedule rm <id>\n/schedule on|off <id>\n/schedule run <id>")
	}
}
