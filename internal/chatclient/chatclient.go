// Package chatclient is the typed request layer over the chat
// service: per-call retry, rate limiting, markdown escaping, and
// document upload for oversized bodies.
package chatclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/cmakafui/codelatch/internal/codelatcherr"
	"github.com/cmakafui/codelatch/internal/metrics"
)

const (
	maxCodepoints = 4096
	rateLimitRPS  = 20
	retryInitial  = 250 * time.Millisecond
	retryMax      = 4 * time.Second
	retryBudget   = 20 * time.Second
)

var transientSubstrings = []string{
	"too many requests",
	"retry after",
	"timed out",
	"bad gateway",
	"gateway timeout",
	"internal server error",
}

// Update is a chat-side event: either an incoming text message or a
// callback query from an inline button press.
type Update struct {
	UpdateID int64
	Message  *Message
	Callback *CallbackQuery
}

// Message is an incoming chat message.
type Message struct {
	MessageID      int64
	ChatID         int64
	Text           string
	ReplyToMessage *int64
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	ID              string
	Data            string
	ChatID          int64
	OriginMessageID int64
}

// Client wraps a telego bot, the configured operator chat id, a rate
// limiter shared across every outbound call, and the retry policy.
type Client struct {
	bot     *telego.Bot
	chatID  int64
	limiter *rate.Limiter
	offset  int64
}

// New constructs a Client authenticated with botToken, targeting
// chatID.
func New(botToken string, chatID int64) (*Client, error) {
	bot, err := telego.NewBot(botToken)
	if err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.ChatAPI, "construct bot", err)
	}
	return &Client{
		bot:     bot,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(rateLimitRPS), rateLimitRPS),
	}, nil
}

// ChatID returns the configured operator chat id.
func (c *Client) ChatID() int64 { return c.chatID }

// GetMe calls the bot API's getMe and returns the bot's username,
// confirming the configured token authenticates successfully.
func (c *Client) GetMe(ctx context.Context) (string, error) {
	var username string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		me, err := c.bot.GetMe(ctx)
		if err != nil {
			return err
		}
		username = me.Username
		return nil
	})
	return username, err
}

// IsTransientError classifies whether err (or an HTTP-like status
// code) should be retried per the chat client's retry policy.
func IsTransientError(statusCode int, err error) bool {
	if statusCode == 429 || (statusCode >= 500 && statusCode < 600) {
		return true
	}
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// withRetry runs fn under the rate limiter and the exponential backoff
// policy: initial 250ms, cap 4s, total budget 20s, retrying only
// transient errors.
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return codelatcherr.Wrap(codelatcherr.ChatAPI, "rate limit wait", err)
	}

	op := func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		var apiErr *telegoapi.Error
		code := 0
		if errors.As(err, &apiErr) {
			code = apiErr.ErrorCode
		}
		if !IsTransientError(code, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(retryBudget),
	)
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.ChatAPI, "send", err)
	}
	return nil
}

// SendMessage sends plain text and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, text string) (int64, error) {
	var messageID int64
	err := c.withRetry(ctx, func(ctx context.Context) error {
		msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(c.chatID), text))
		if err != nil {
			return err
		}
		messageID = int64(msg.MessageID)
		return nil
	})
	if err == nil {
		metrics.ChatMessagesSentTotal.Inc()
	}
	return messageID, err
}

// SendMarkdown sends MarkdownV2-formatted text, falling back to a
// plain-text document attachment when the body exceeds maxCodepoints
// codepoints.
func (c *Client) SendMarkdown(ctx context.Context, title, body string, markup *telego.InlineKeyboardMarkup) (int64, error) {
	if codepointLen(body) > maxCodepoints {
		return c.SendDocument(ctx, title+".txt", []byte(body), title)
	}

	var messageID int64
	err := c.withRetry(ctx, func(ctx context.Context) error {
		params := tu.Message(tu.ID(c.chatID), body).WithParseMode(telego.ModeMarkdownV2)
		if markup != nil {
			params = params.WithReplyMarkup(markup)
		}
		msg, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			return err
		}
		messageID = int64(msg.MessageID)
		return nil
	})
	if err == nil {
		metrics.ChatMessagesSentTotal.Inc()
	}
	return messageID, err
}

// SendDocument uploads fileName/bytes as a document, with an optional
// caption.
func (c *Client) SendDocument(ctx context.Context, fileName string, data []byte, caption string) (int64, error) {
	var messageID int64
	err := c.withRetry(ctx, func(ctx context.Context) error {
		doc := tu.Document(tu.ID(c.chatID), telego.InputFile{
			File: namedReader{Reader: bytes.NewReader(data), name: fileName},
		})
		if caption != "" {
			doc = doc.WithCaption(caption)
		}
		msg, err := c.bot.SendDocument(ctx, doc)
		if err != nil {
			return err
		}
		messageID = int64(msg.MessageID)
		return nil
	})
	if err == nil {
		metrics.ChatMessagesSentTotal.Inc()
	}
	return messageID, err
}

// SendPermissionMessage formats and sends the permission prompt body
// with the Allow/Deny inline keyboard.
func (c *Client) SendPermissionMessage(ctx context.Context, sessionName, redactedCommand, cwd, requestID string, timeoutSeconds int) (int64, error) {
	body := formatPermissionMessage(sessionName, redactedCommand, cwd, timeoutSeconds)
	markup := permissionKeyboard(requestID)
	return c.SendMarkdown(ctx, "Permission", body, markup)
}

// EditMessage replaces the text of an already-sent message.
func (c *Client) EditMessage(ctx context.Context, messageID int64, text string) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(c.chatID),
			MessageID: int(messageID),
			Text:      text,
			ParseMode: telego.ModeMarkdownV2,
		})
		return err
	})
}

// AnswerCallbackQuery acknowledges a callback query so the client
// stops spinning.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id string) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: id,
		})
	})
}

// GetUpdates long-polls for new updates starting at offset, advancing
// the internal offset to max(update_id)+1 after a successful batch.
func (c *Client) GetUpdates(ctx context.Context) ([]Update, error) {
	var raw []telego.Update
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		raw, err = c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:         int(c.offset),
			Timeout:        20,
			AllowedUpdates: []string{"message", "callback_query"},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	updates := make([]Update, 0, len(raw))
	var maxID int64
	for _, u := range raw {
		if int64(u.UpdateID) > maxID {
			maxID = int64(u.UpdateID)
		}
		updates = append(updates, convertUpdate(u))
	}
	if maxID > 0 {
		c.offset = maxID + 1
	}
	for range updates {
		metrics.ChatUpdatesReceivedTotal.Inc()
	}
	return updates, nil
}

func convertUpdate(u telego.Update) Update {
	out := Update{UpdateID: int64(u.UpdateID)}
	if u.Message != nil {
		m := &Message{
			MessageID: int64(u.Message.MessageID),
			ChatID:    u.Message.Chat.ID,
			Text:      u.Message.Text,
		}
		if u.Message.ReplyToMessage != nil {
			id := int64(u.Message.ReplyToMessage.MessageID)
			m.ReplyToMessage = &id
		}
		out.Message = m
	}
	if u.CallbackQuery != nil {
		cb := &CallbackQuery{
			ID:   u.CallbackQuery.ID,
			Data: u.CallbackQuery.Data,
		}
		if u.CallbackQuery.Message != nil {
			cb.ChatID = u.CallbackQuery.Message.GetChat().ID
			cb.OriginMessageID = int64(u.CallbackQuery.Message.GetMessageID())
		}
		out.Callback = cb
	}
	return out
}

func codepointLen(s string) int {
	return len([]rune(s))
}

func formatPermissionMessage(sessionName, redactedCommand, cwd string, timeoutSeconds int) string {
	minutes := timeoutSeconds / 60
	seconds := timeoutSeconds % 60
	countdown := fmt.Sprintf("%02d:%02d", minutes, seconds)
	var b strings.Builder
	b.WriteString("🔴 *Permission*\n")
	b.WriteString("Session: " + InlineCode(sessionName) + "\n")
	b.WriteString(CodeBlock("bash", redactedCommand) + "\n")
	b.WriteString("cwd: " + InlineCode(cwd) + "\n")
	b.WriteString("Auto\\-deny in " + countdown)
	return b.String()
}

func permissionKeyboard(requestID string) *telego.InlineKeyboardMarkup {
	return &telego.InlineKeyboardMarkup{
		InlineKeyboard: [][]telego.InlineKeyboardButton{
			{
				{Text: "Allow", CallbackData: "permit:" + requestID + ":allow"},
				{Text: "Deny", CallbackData: "permit:" + requestID + ":deny"},
			},
		},
	}
}

// PeekKeyboard builds the Diff/Log/Stop button row attached to a peek
// report.
func PeekKeyboard(sessionID string) *telego.InlineKeyboardMarkup {
	return &telego.InlineKeyboardMarkup{
		InlineKeyboard: [][]telego.InlineKeyboardButton{
			{
				{Text: "Diff", CallbackData: "peek:diff:" + sessionID},
				{Text: "Log", CallbackData: "peek:log:" + sessionID},
				{Text: "Stop", CallbackData: "peek:stop:" + sessionID},
			},
		},
	}
}

// CodepointLen returns the number of Unicode codepoints in s.
func CodepointLen(s string) int { return codepointLen(s) }

type namedReader struct {
	*bytes.Reader
	name string
}

func (n namedReader) Name() string { return n.name }
