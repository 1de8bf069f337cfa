// Package outbox is the single-writer queue in front of the Telegram
// API. It coalesces superseded edits, orders work send-before-edit-
// before-delete, paces each chat under the flood limits, and honors
// retry-after backoff from the API.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Operation priorities; lower runs first when both are due.
const (
	PrioritySend   = 0
	PriorityEdit   = 1
	PriorityDelete = 2
)

// Default per-chat pacing. Telegram allows roughly 1 msg/s per private
// chat and 20 msg/min per group.
const (
	DefaultPrivateInterval = time.Second
	DefaultGroupInterval   = 3 * time.Second
)

var ErrClosed = errors.New("outbox closed")

// RetryAfterError signals a flood-wait; the op is retried after the
// given pause.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.After)
}

// Key identifies a coalescing slot. Ops enqueued under an occupied key
// replace the queued op, which resolves as superseded.
type Key struct {
	Kind      string
	ChatID    int64
	MessageID int
	Seq       int
}

func EditKey(chatID int64, messageID int) Key {
	return Key{Kind: "edit", ChatID: chatID, MessageID: messageID}
}

func DeleteKey(chatID int64, messageID int) Key {
	return Key{Kind: "delete", ChatID: chatID, MessageID: messageID}
}

// ReplaceSendKey slots a send that supersedes an existing message, so
// a newer replacement send can coalesce over it.
func ReplaceSendKey(chatID int64, replaceID int) Key {
	return Key{Kind: "send", ChatID: chatID, MessageID: replaceID}
}

// Op is one queued API call.
type Op struct {
	Execute  func(ctx context.Context) (any, error)
	Priority int
	ChatID   int64
	Label    string

	queuedAt time.Time
	done     chan struct{}
	result   any
	err      error
}

// Wait blocks until the op resolves. A superseded op resolves with
// ErrSuperseded and a nil result.
func (o *Op) Wait(ctx context.Context) (any, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var ErrSuperseded = errors.New("superseded by a newer operation")

// Queue owns the worker goroutine.
type Queue struct {
	log             *slog.Logger
	privateInterval time.Duration
	groupInterval   time.Duration
	now             func() time.Time

	mu      sync.Mutex
	pending map[Key]*Op
	nextAt  map[int64]time.Time
	retryAt time.Time
	seq     int
	closed  bool

	signal  chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
}

type Options struct {
	Logger          *slog.Logger
	PrivateInterval time.Duration
	GroupInterval   time.Duration
}

func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PrivateInterval == 0 {
		opts.PrivateInterval = DefaultPrivateInterval
	}
	if opts.GroupInterval == 0 {
		opts.GroupInterval = DefaultGroupInterval
	}
	q := &Queue{
		log:             opts.Logger,
		privateInterval: opts.PrivateInterval,
		groupInterval:   opts.GroupInterval,
		now:             time.Now,
		pending:         map[Key]*Op{},
		nextAt:          map[int64]time.Time{},
		signal:          make(chan struct{}, 1),
		closeCh:         make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	go q.work()
	return q
}

// UniqueSendKey returns a non-coalescing key for an ordinary send.
func (q *Queue) UniqueSendKey(chatID int64) Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return Key{Kind: "send", ChatID: chatID, Seq: q.seq}
}

// Enqueue queues op under key. A previously queued op under the same
// key is replaced and resolves as superseded; the replacement inherits
// its queue position.
func (q *Queue) Enqueue(key Key, op *Op) *Op {
	op.done = make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.resolve(op, nil, ErrClosed)
		return op
	}
	op.queuedAt = q.now()
	if prev, ok := q.pending[key]; ok {
		op.queuedAt = prev.queuedAt
		q.resolve(prev, nil, ErrSuperseded)
	}
	q.pending[key] = op
	q.mu.Unlock()
	q.wake()
	return op
}

// DropPending cancels a queued op without executing it.
func (q *Queue) DropPending(key Key) {
	q.mu.Lock()
	op, ok := q.pending[key]
	if ok {
		delete(q.pending, key)
	}
	q.mu.Unlock()
	if ok {
		q.resolve(op, nil, ErrSuperseded)
	}
}

// Close stops the worker and fails everything still queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.doneCh
		return
	}
	q.closed = true
	orphans := make([]*Op, 0, len(q.pending))
	for key, op := range q.pending {
		delete(q.pending, key)
		orphans = append(orphans, op)
	}
	q.mu.Unlock()
	for _, op := range orphans {
		q.resolve(op, nil, ErrClosed)
	}
	close(q.closeCh)
	<-q.doneCh
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) resolve(op *Op, result any, err error) {
	op.result = result
	op.err = err
	close(op.done)
}

func (q *Queue) work() {
	defer close(q.doneCh)
	for {
		key, op, sleepFor, ok := q.next()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.closeCh:
				return
			}
		}
		if sleepFor > 0 {
			select {
			case <-time.After(sleepFor):
			case <-q.signal:
			case <-q.closeCh:
				return
			}
			continue
		}
		q.run(key, op)
	}
}

// next picks the due op with the lowest (priority, queued_at) or
// reports how long until something becomes runnable.
func (q *Queue) next() (Key, *Op, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Key{}, nil, 0, false
	}
	var bestKey Key
	var best *Op
	for key, op := range q.pending {
		if best == nil || less(op, best) {
			bestKey, best = key, op
		}
	}
	now := q.now()
	blocked := q.retryAt
	if at, ok := q.nextAt[best.ChatID]; ok && at.After(blocked) {
		blocked = at
	}
	if blocked.After(now) {
		return Key{}, nil, blocked.Sub(now), true
	}
	delete(q.pending, bestKey)
	return bestKey, best, 0, true
}

func less(a, b *Op) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.queuedAt.Before(b.queuedAt)
}

func (q *Queue) run(key Key, op *Op) {
	started := q.now()
	result, err := op.Execute(context.Background())

	var retry *RetryAfterError
	if errors.As(err, &retry) {
		q.mu.Lock()
		at := q.now().Add(retry.After)
		if at.After(q.retryAt) {
			q.retryAt = at
		}
		// Requeue unless a newer op claimed the slot meanwhile.
		if _, taken := q.pending[key]; !taken && !q.closed {
			q.pending[key] = op
			q.mu.Unlock()
			q.log.Warn("flood wait", "label", op.Label, "chat", op.ChatID, "after", retry.After)
			return
		}
		q.mu.Unlock()
		q.resolve(op, nil, ErrSuperseded)
		return
	}

	q.mu.Lock()
	q.nextAt[op.ChatID] = started.Add(q.interval(op.ChatID))
	q.mu.Unlock()

	if err != nil {
		q.log.Error("outbox operation failed", "label", op.Label, "chat", op.ChatID, "err", err)
	}
	q.resolve(op, result, err)
}

func (q *Queue) interval(chatID int64) time.Duration {
	if chatID < 0 {
		return q.groupInterval
	}
	return q.privateInterval
}
