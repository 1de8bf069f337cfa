// Package telegram implements the transport over the Bot API: a
// long-poll update loop feeding the orchestrator, and an outbox-backed
// sender that survives flood limits.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/telebridge/telebridge/internal/outbox"
	"github.com/telebridge/telebridge/internal/transport"
)

// CancelCallback is the inline cancel button's callback data.
const CancelCallback = transport.CancelCallbackData

// Handler consumes inbound traffic. Both methods are called on fresh
// goroutines, so they may block for the duration of a run.
type Handler interface {
	OnMessage(ctx context.Context, msg transport.Incoming)
	OnCallback(ctx context.Context, cb transport.Callback)
}

type Options struct {
	Token string
	// Allowed filters serviced chats; nil allows everything.
	Allowed func(chatID int64) bool
	Logger  *slog.Logger
	// Outbox pacing overrides for tests.
	PrivateInterval time.Duration
	GroupInterval   time.Duration
	// BotOptions extend the underlying bot client, e.g. a test server
	// URL.
	BotOptions []bot.Option
}

// Client is the Bot API transport.
type Client struct {
	bot     *bot.Bot
	queue   *outbox.Queue
	log     *slog.Logger
	allowed func(int64) bool
	handler Handler
	// Updates older than startedAt are backlog from previous downtime
	// and are dropped.
	startedAt time.Time
}

func New(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		log:       opts.Logger.With("component", "telegram"),
		allowed:   opts.Allowed,
		startedAt: time.Now(),
		queue: outbox.New(outbox.Options{
			Logger:          opts.Logger,
			PrivateInterval: opts.PrivateInterval,
			GroupInterval:   opts.GroupInterval,
		}),
	}
	botOpts := append([]bot.Option{bot.WithDefaultHandler(c.onUpdate)}, opts.BotOptions...)
	b, err := bot.New(opts.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	c.bot = b
	return c, nil
}

// SetHandler wires the orchestrator in; must happen before Start.
func (c *Client) SetHandler(h Handler) { c.handler = h }

// Start long-polls until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.bot.Start(ctx)
}

// Close drains and stops the outbox.
func (c *Client) Close() {
	c.queue.Close()
}

// Me returns the bot's username.
func (c *Client) Me(ctx context.Context) (string, error) {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("getMe: %w", err)
	}
	return me.Username, nil
}

func (c *Client) onUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	switch {
	case update.Message != nil:
		c.onMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		c.onCallback(ctx, update.CallbackQuery)
	}
}

func (c *Client) onMessage(ctx context.Context, msg *models.Message) {
	if c.handler == nil || msg.Text == "" {
		return
	}
	if c.allowed != nil && !c.allowed(msg.Chat.ID) {
		c.log.Debug("ignoring message from unallowed chat", "chat", msg.Chat.ID)
		return
	}
	date := time.Unix(int64(msg.Date), 0)
	if date.Before(c.startedAt) {
		c.log.Debug("dropping backlog message", "chat", msg.Chat.ID, "message", msg.ID)
		return
	}

	in := transport.Incoming{
		Ref: transport.MessageRef{
			ChatID:    msg.Chat.ID,
			MessageID: msg.ID,
			ThreadID:  threadID(msg),
		},
		Text:    msg.Text,
		Date:    date,
		Private: msg.Chat.Type == models.ChatTypePrivate,
	}
	if msg.From != nil {
		in.From = msg.From.Username
	}
	if reply := msg.ReplyToMessage; reply != nil {
		in.ReplyTo = &transport.MessageRef{
			ChatID:    reply.Chat.ID,
			MessageID: reply.ID,
			ThreadID:  threadID(reply),
		}
		in.ReplyText = reply.Text
	}
	go c.handler.OnMessage(ctx, in)
}

func (c *Client) onCallback(ctx context.Context, query *models.CallbackQuery) {
	if c.handler == nil {
		return
	}
	cb := transport.Callback{ID: query.ID, Data: query.Data}
	if msg := query.Message.Message; msg != nil {
		if c.allowed != nil && !c.allowed(msg.Chat.ID) {
			return
		}
		cb.Message = &transport.MessageRef{
			ChatID:    msg.Chat.ID,
			MessageID: msg.ID,
			ThreadID:  threadID(msg),
		}
	}
	go c.handler.OnCallback(ctx, cb)
}

// threadID returns the forum topic id, zero outside topics. Telegram
// also sets message_thread_id on plain replies, so gate on the topic
// flag.
func threadID(msg *models.Message) int {
	if msg.IsTopicMessage {
		return msg.MessageThreadID
	}
	return 0
}

// AnswerCallback acknowledges an inline-button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_, err := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("answerCallbackQuery: %w", err)
	}
	return nil
}

// SetCommands publishes the command menu. Descriptions are capped at
// Telegram's 64-char limit.
func (c *Client) SetCommands(ctx context.Context, commands map[string]string, order []string) error {
	list := make([]models.BotCommand, 0, len(order))
	for _, name := range order {
		desc := commands[name]
		if len(desc) > 64 {
			desc = desc[:64]
		}
		list = append(list, models.BotCommand{Command: name, Description: desc})
	}
	if _, err := c.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: list}); err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}
	return nil
}

// CreateTopic opens a forum topic and returns its thread id.
func (c *Client) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	topic, err := c.bot.CreateForumTopic(ctx, &bot.CreateForumTopicParams{
		ChatID: chatID,
		Name:   name,
	})
	if err != nil {
		return 0, fmt.Errorf("createForumTopic: %w", err)
	}
	return topic.MessageThreadID, nil
}

// wrapFloodWait converts Bot API 429s into the outbox's retry signal.
func wrapFloodWait(err error) error {
	if err == nil {
		return nil
	}
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		after := time.Duration(tooMany.RetryAfter) * time.Second
		if after <= 0 {
			after = 5 * time.Second
		}
		return &outbox.RetryAfterError{After: after}
	}
	return err
}
