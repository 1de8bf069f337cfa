package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/telebridge/telebridge/internal/outbox"
	"github.com/telebridge/telebridge/internal/transport"
)

var _ transport.Transport = (*Client)(nil)

func cancelKeyboard() models.ReplyMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "cancel", CallbackData: CancelCallback},
		}},
	}
}

// Send delivers a message through the outbox. With ReplaceID set, the
// send supersedes the named message: its pending edits are dropped and
// it is deleted once the send lands.
func (c *Client) Send(ctx context.Context, chatID int64, threadID int, text string, opts transport.SendOptions) (*transport.MessageRef, error) {
	params := &bot.SendMessageParams{
		ChatID:              chatID,
		Text:                text,
		ParseMode:           models.ParseModeMarkdown,
		DisableNotification: !opts.Notify,
	}
	if threadID > 0 {
		params.MessageThreadID = threadID
	}
	if opts.ReplyTo != nil {
		params.ReplyParameters = &models.ReplyParameters{
			MessageID:                opts.ReplyTo.MessageID,
			AllowSendingWithoutReply: true,
		}
	}
	if opts.CancelButton {
		params.ReplyMarkup = cancelKeyboard()
	}

	key := c.queue.UniqueSendKey(chatID)
	if opts.ReplaceID != 0 {
		c.queue.DropPending(outbox.EditKey(chatID, opts.ReplaceID))
		key = outbox.ReplaceSendKey(chatID, opts.ReplaceID)
	}
	op := c.queue.Enqueue(key, &outbox.Op{
		Priority: outbox.PrioritySend,
		ChatID:   chatID,
		Label:    "send",
		Execute: func(ctx context.Context) (any, error) {
			msg, err := c.sendMessage(ctx, params)
			return msg, wrapFloodWait(err)
		},
	})
	result, err := op.Wait(ctx)
	if errors.Is(err, outbox.ErrSuperseded) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	msg := result.(*models.Message)
	ref := &transport.MessageRef{ChatID: chatID, MessageID: msg.ID, ThreadID: threadID}
	if opts.ReplaceID != 0 {
		c.deleteAsync(chatID, opts.ReplaceID)
	}
	return ref, nil
}

// Edit rewrites a message. Non-waiting edits coalesce in the outbox so
// only the newest body for a message is ever sent.
func (c *Client) Edit(ctx context.Context, ref transport.MessageRef, text string, opts transport.EditOptions) (*transport.MessageRef, error) {
	params := &bot.EditMessageTextParams{
		ChatID:    ref.ChatID,
		MessageID: ref.MessageID,
		Text:      text,
		ParseMode: models.ParseModeMarkdown,
	}
	if opts.CancelButton {
		params.ReplyMarkup = cancelKeyboard()
	}
	op := c.queue.Enqueue(outbox.EditKey(ref.ChatID, ref.MessageID), &outbox.Op{
		Priority: outbox.PriorityEdit,
		ChatID:   ref.ChatID,
		Label:    "edit",
		Execute: func(ctx context.Context) (any, error) {
			msg, err := c.editMessage(ctx, params)
			return msg, wrapFloodWait(err)
		},
	})
	if !opts.Wait {
		return nil, nil
	}
	_, err := op.Wait(ctx)
	if errors.Is(err, outbox.ErrSuperseded) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("edit message %d in chat %d: %w", ref.MessageID, ref.ChatID, err)
	}
	out := ref
	return &out, nil
}

// Delete removes a message, dropping any still-queued edit of it.
func (c *Client) Delete(ctx context.Context, ref transport.MessageRef) error {
	c.queue.DropPending(outbox.EditKey(ref.ChatID, ref.MessageID))
	op := c.queue.Enqueue(outbox.DeleteKey(ref.ChatID, ref.MessageID), &outbox.Op{
		Priority: outbox.PriorityDelete,
		ChatID:   ref.ChatID,
		Label:    "delete",
		Execute: func(ctx context.Context) (any, error) {
			_, err := c.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
				ChatID:    ref.ChatID,
				MessageID: ref.MessageID,
			})
			return nil, wrapFloodWait(err)
		},
	})
	_, err := op.Wait(ctx)
	if errors.Is(err, outbox.ErrSuperseded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete message %d in chat %d: %w", ref.MessageID, ref.ChatID, err)
	}
	return nil
}

func (c *Client) deleteAsync(chatID int64, messageID int) {
	c.queue.DropPending(outbox.EditKey(chatID, messageID))
	c.queue.Enqueue(outbox.DeleteKey(chatID, messageID), &outbox.Op{
		Priority: outbox.PriorityDelete,
		ChatID:   chatID,
		Label:    "delete replaced",
		Execute: func(ctx context.Context) (any, error) {
			_, err := c.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
				ChatID:    chatID,
				MessageID: messageID,
			})
			return nil, wrapFloodWait(err)
		},
	})
}

// sendMessage falls back to plain text when the Markdown body fails
// entity parsing; agent output is not guaranteed to be well-formed.
func (c *Client) sendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	msg, err := c.bot.SendMessage(ctx, params)
	if isParseError(err) {
		plain := *params
		plain.ParseMode = ""
		return c.bot.SendMessage(ctx, &plain)
	}
	return msg, err
}

func (c *Client) editMessage(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error) {
	msg, err := c.bot.EditMessageText(ctx, params)
	if isParseError(err) {
		plain := *params
		plain.ParseMode = ""
		return c.bot.EditMessageText(ctx, &plain)
	}
	// Telegram rejects edits that change nothing; that is a success
	// for our purposes.
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil, nil
	}
	return msg, err
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
