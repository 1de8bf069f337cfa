package state

import (
	"fmt"
	"log/slog"

	"github.com/telebridge/telebridge/internal/event"
)

type chatEntry struct {
	Sessions map[string]sessionEntry `json:"sessions,omitempty"`
}

type sessionsPayload struct {
	Version int                   `json:"version"`
	Chats   map[string]*chatEntry `json:"chats"`
}

func (p *sessionsPayload) version() int { return p.Version }

// ChatSessions remembers the last session per engine for plain chats,
// so a bare message in a private chat continues the conversation.
type ChatSessions struct {
	file *jsonFile[*sessionsPayload]
}

func NewChatSessions(path string, log *slog.Logger) *ChatSessions {
	return &ChatSessions{file: newJSONFile(path, log, func() *sessionsPayload {
		return &sessionsPayload{Version: 1, Chats: map[string]*chatEntry{}}
	})}
}

func chatKey(chatID int64) string { return fmt.Sprintf("%d", chatID) }

func (c *ChatSessions) Resume(chatID int64, engine string) (event.ResumeToken, bool) {
	var token event.ResumeToken
	found := false
	c.file.view(func(p *sessionsPayload) {
		if ch := p.Chats[chatKey(chatID)]; ch != nil {
			if s, ok := ch.Sessions[engine]; ok && s.Resume != "" {
				token = event.ResumeToken{Engine: engine, Value: s.Resume}
				found = true
			}
		}
	})
	return token, found
}

func (c *ChatSessions) SetResume(chatID int64, token event.ResumeToken) error {
	return c.file.update(func(p *sessionsPayload) {
		key := chatKey(chatID)
		ch := p.Chats[key]
		if ch == nil {
			ch = &chatEntry{}
			p.Chats[key] = ch
		}
		if ch.Sessions == nil {
			ch.Sessions = map[string]sessionEntry{}
		}
		ch.Sessions[token.Engine] = sessionEntry{Resume: token.Value}
	})
}

// Clear forgets every session in the chat.
func (c *ChatSessions) Clear(chatID int64) error {
	return c.file.update(func(p *sessionsPayload) {
		delete(p.Chats, chatKey(chatID))
	})
}
