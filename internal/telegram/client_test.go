package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/telebridge/telebridge/internal/transport"
)

// fakeAPI is a minimal Bot API server: it records calls and lets tests
// script per-method failures.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []string
	nextID int
	// fail maps a method to a queue of canned error responses.
	fail map[string][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{fail: map[string][]string{}}
}

func (f *fakeAPI) failNext(method, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = append(f.fail[method], description)
}

func (f *fakeAPI) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]

	f.mu.Lock()
	f.calls = append(f.calls, method)
	if queue := f.fail[method]; len(queue) > 0 {
		desc := queue[0]
		f.fail[method] = queue[1:]
		f.mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":%q}`, desc)
		return
	}
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	var result any
	switch method {
	case "getMe":
		result = models.User{ID: 1, Username: "telebridge_bot"}
	case "sendMessage", "editMessageText":
		result = models.Message{ID: id, Chat: models.Chat{ID: 42}}
	default:
		result = true
	}
	raw, _ := json.Marshal(result)
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, raw)
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	c, err := New(Options{
		Token:           "123:abc",
		PrivateInterval: time.Millisecond,
		GroupInterval:   time.Millisecond,
		BotOptions:      []bot.Option{bot.WithServerURL(srv.URL)},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c, api
}

func TestSendReturnsRef(t *testing.T) {
	c, api := newTestClient(t)
	ref, err := c.Send(context.Background(), 42, 0, "hello", transport.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref == nil || ref.ChatID != 42 || ref.MessageID == 0 {
		t.Fatalf("ref = %#v", ref)
	}
	if api.callCount("sendMessage") != 1 {
		t.Fatalf("sendMessage calls = %d", api.callCount("sendMessage"))
	}
}

func TestSendWithReplaceDeletesOldMessage(t *testing.T) {
	c, api := newTestClient(t)
	ref, err := c.Send(context.Background(), 42, 0, "final", transport.SendOptions{ReplaceID: 7})
	if err != nil || ref == nil {
		t.Fatalf("send: ref = %#v, err = %v", ref, err)
	}
	// The replaced message's delete is queued behind the send.
	deadline := time.Now().Add(time.Second)
	for api.callCount("deleteMessage") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("deleteMessage never called for replaced message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEditFallsBackOnParseError(t *testing.T) {
	c, api := newTestClient(t)
	api.failNext("editMessageText", "Bad Request: can't parse entities: something")

	ref := transport.MessageRef{ChatID: 42, MessageID: 5}
	if _, err := c.Edit(context.Background(), ref, "x_y_z", transport.EditOptions{Wait: true}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got := api.callCount("editMessageText"); got != 2 {
		t.Fatalf("editMessageText calls = %d, want retry without parse mode", got)
	}
}

func TestEditNotModifiedIsSuccess(t *testing.T) {
	c, api := newTestClient(t)
	api.failNext("editMessageText", "Bad Request: message is not modified")
	ref := transport.MessageRef{ChatID: 42, MessageID: 5}
	if _, err := c.Edit(context.Background(), ref, "same", transport.EditOptions{Wait: true}); err != nil {
		t.Fatalf("edit: %v", err)
	}
}

func TestBacklogMessagesDropped(t *testing.T) {
	c, _ := newTestClient(t)
	got := make(chan transport.Incoming, 1)
	c.SetHandler(handlerFunc{onMessage: func(_ context.Context, in transport.Incoming) {
		got <- in
	}})

	old := &models.Update{Message: &models.Message{
		ID:   1,
		Date: int(time.Now().Add(-time.Hour).Unix()),
		Text: "stale",
		Chat: models.Chat{ID: 42},
	}}
	c.onUpdate(context.Background(), nil, old)
	select {
	case <-got:
		t.Fatal("stale message must be dropped")
	case <-time.After(50 * time.Millisecond):
	}

	fresh := &models.Update{Message: &models.Message{
		ID:   2,
		Date: int(time.Now().Add(time.Minute).Unix()),
		Text: "hi",
		Chat: models.Chat{ID: 42, Type: models.ChatTypePrivate},
	}}
	c.onUpdate(context.Background(), nil, fresh)
	select {
	case in := <-got:
		if in.Text != "hi" || !in.Private || in.Ref.ChatID != 42 {
			t.Fatalf("incoming = %#v", in)
		}
	case <-time.After(time.Second):
		t.Fatal("fresh message never delivered")
	}
}

func TestReplyAndThreadParsed(t *testing.T) {
	c, _ := newTestClient(t)
	got := make(chan transport.Incoming, 1)
	c.SetHandler(handlerFunc{onMessage: func(_ context.Context, in transport.Incoming) {
		got <- in
	}})

	update := &models.Update{Message: &models.Message{
		ID:              3,
		Date:            int(time.Now().Add(time.Minute).Unix()),
		Text:            "follow up",
		Chat:            models.Chat{ID: -100},
		MessageThreadID: 9,
		IsTopicMessage:  true,
		ReplyToMessage: &models.Message{
			ID:   2,
			Text: "progress body",
			Chat: models.Chat{ID: -100},
		},
	}}
	c.onUpdate(context.Background(), nil, update)
	in := <-got
	if in.Ref.ThreadID != 9 {
		t.Fatalf("thread = %d", in.Ref.ThreadID)
	}
	if in.ReplyTo == nil || in.ReplyTo.MessageID != 2 || in.ReplyText != "progress body" {
		t.Fatalf("reply = %#v, %q", in.ReplyTo, in.ReplyText)
	}
}

type handlerFunc struct {
	onMessage  func(context.Context, transport.Incoming)
	onCallback func(context.Context, transport.Callback)
}

func (h handlerFunc) OnMessage(ctx context.Context, in transport.Incoming) {
	if h.onMessage != nil {
		h.onMessage(ctx, in)
	}
}

func (h handlerFunc) OnCallback(ctx context.Context, cb transport.Callback) {
	if h.onCallback != nil {
		h.onCallback(ctx, cb)
	}
}
