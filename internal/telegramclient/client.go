// Package telegramclient wraps the Telegram Bot API with the single
// rate-limited outbound queue every presenter shares (spec §4.6, §6) and a
// long-poll update source for the bridge loop.
package telegramclient

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"takopi/internal/markdown"
)

// Client is a rate-limited, retrying wrapper around *tgbotapi.BotAPI. One
// Client is shared by every presenter and the bridge loop so outbound calls
// never exceed Telegram's per-bot rate.
type Client struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter

	maxAttempts int
	baseDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit overrides the default outbound rate (messages/second) and
// burst. Telegram's documented ceiling is ~30 msg/s across all chats; the
// default leaves headroom under that.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithRetry overrides the retry attempt count and base backoff.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
	}
}

// New connects to the Telegram Bot API using token.
func New(token string, opts ...Option) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	c := &Client{
		api:         api,
		limiter:     rate.NewLimiter(rate.Limit(20), 5),
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Self returns the bot's own identity, used for onboarding messages and
// menu setup.
func (c *Client) Self() tgbotapi.User { return c.api.Self }

// SetCommands publishes the bot's command menu.
func (c *Client) SetCommands(ctx context.Context, cmds []tgbotapi.BotCommand) error {
	_, err := c.request(ctx, tgbotapi.NewSetMyCommands(cmds...))
	return err
}

// Updates starts long-polling and returns the update channel. Offsets are
// kept in-memory by the underlying library; nothing is persisted across
// restarts (spec §4.7: backlog is drained and discarded on startup).
func (c *Client) Updates(timeoutSeconds int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	// Offset -1 returns only the newest pending update and makes Telegram
	// forget the older ones; polling then starts after it.
	if pending, err := c.api.GetUpdates(tgbotapi.UpdateConfig{Offset: -1, Limit: 1}); err == nil && len(pending) > 0 {
		u.Offset = pending[len(pending)-1].UpdateID + 1
	}
	u.Timeout = timeoutSeconds
	return c.api.GetUpdatesChan(u)
}

// SendMessage renders text to HTML and posts it as a new message, returning
// the new message id. It satisfies presenter.Sender.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	body, asHTML := markdown.RenderHTML(text)
	m := tgbotapi.NewMessage(chatID, body)
	if asHTML {
		m.ParseMode = "HTML"
	}
	msg, err := c.send(ctx, m)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessage replaces the text of an existing message. It satisfies
// presenter.Sender.
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	body, asHTML := markdown.RenderHTML(text)
	e := tgbotapi.NewEditMessageText(chatID, messageID, body)
	if asHTML {
		e.ParseMode = "HTML"
	}
	_, err := c.request(ctx, e)
	if err != nil && isUnchangedContentError(err) {
		return nil
	}
	return err
}

// DeleteMessage removes a message. It satisfies presenter.Sender.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := c.request(ctx, tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

// SendDocument sends the file at filePath to chatID as a document with the
// given caption.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filePath, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(filePath))
	doc.Caption = caption
	_, err := c.send(ctx, doc)
	return err
}

// DownloadFile resolves fileID to a downloadable URL for the bridge's
// upload handler.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	f, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}
	return f.Link(c.api.Token), nil
}

func (c *Client) send(ctx context.Context, m tgbotapi.Chattable) (tgbotapi.Message, error) {
	var msg tgbotapi.Message
	err := c.withRetry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var sendErr error
		msg, sendErr = c.api.Send(m)
		return sendErr
	})
	return msg, err
}

func (c *Client) request(ctx context.Context, cfg tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	var resp *tgbotapi.APIResponse
	err := c.withRetry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		r, reqErr := c.api.Request(cfg)
		resp = r
		return reqErr
	})
	return resp, err
}

// withRetry retries fn on Telegram's 429 responses, honoring the server's
// retry-after hint as a floor under exponential backoff with jitter.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		err := fn()
		if err == nil || !isRateLimited(err) {
			return err
		}
		lastErr = err
		if attempt == c.maxAttempts-1 {
			break
		}
		delay := backoff(c.baseDelay, attempt)
		if ra := retryAfter(err); ra > delay {
			delay = ra
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func backoff(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << attempt)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

func isRateLimited(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == 429 || (tgErr.ResponseParameters != nil && tgErr.ResponseParameters.RetryAfter > 0)
	}
	return false
}

func retryAfter(err error) time.Duration {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.ResponseParameters != nil && tgErr.ResponseParameters.RetryAfter > 0 {
		return time.Duration(tgErr.ResponseParameters.RetryAfter) * time.Second
	}
	return 0
}

// isUnchangedContentError reports whether err is Telegram's harmless
// "message is not modified" response, which the presenter's throttle can
// otherwise trigger if two renders coincidentally match after an edit race.
func isUnchangedContentError(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
