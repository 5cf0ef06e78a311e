// Package queue implements the bounded work queue of spec §4.F: a
// non-blocking-push FIFO of user-initiated actions (login, send message)
// drained by a single worker goroutine so HTTP calls never run on the UI
// goroutine.
package queue

import (
	"context"
	"errors"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/matrixapi"
)

// ErrFull is returned by Push when the queue is at capacity (spec §4.F:
// push never blocks, it fails instead).
var ErrFull = errors.New("queue: full")

// DefaultCapacity matches spec §4.F's "capacity >= 10".
const DefaultCapacity = 16

// Item is one unit of work. Exactly one of the fields is set.
type Item struct {
	Login       *LoginItem
	SendMessage *SendMessageItem
}

type LoginItem struct {
	Homeserver string
	Username   string
	Password   string
}

type SendMessageItem struct {
	RoomID  id.RoomID
	Body    string
	ReplyTo id.EventID // empty if not a reply
}

// Result is delivered on the Results channel once a worker finishes an
// Item, carrying either the produced event id or an error.
type Result struct {
	Item    Item
	EventID id.EventID
	Err     error
}

// Queue is the bounded FIFO plus its single draining worker.
type Queue struct {
	client  *matrixapi.Client
	items   chan Item
	Results chan Result
	wg      sync.WaitGroup
}

func New(client *matrixapi.Client, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		client:  client,
		items:   make(chan Item, capacity),
		Results: make(chan Result, capacity),
	}
}

// Push enqueues an item without blocking; returns ErrFull if the queue is
// at capacity.
func (q *Queue) Push(item Item) error {
	select {
	case q.items <- item:
		return nil
	default:
		return ErrFull
	}
}

// Run drains the queue on the calling goroutine until ctx is cancelled.
// Callers typically invoke this via `go q.Run(ctx)`.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			q.execute(ctx, item)
		}
	}
}

func (q *Queue) execute(ctx context.Context, item Item) {
	switch {
	case item.Login != nil:
		q.client.SetAccessToken("")
		_, err := q.client.Login(ctx, item.Login.Username, item.Login.Password)
		q.Results <- Result{Item: item, Err: err}
	case item.SendMessage != nil:
		content := map[string]any{
			"msgtype": "m.text",
			"body":    item.SendMessage.Body,
		}
		if item.SendMessage.ReplyTo != "" {
			content["m.relates_to"] = map[string]any{
				"m.in_reply_to": map[string]any{"event_id": item.SendMessage.ReplyTo},
			}
		}
		txnID := q.client.NextTxnID()
		evtID, err := q.client.Send(ctx, item.SendMessage.RoomID, txnID, content)
		q.Results <- Result{Item: item, EventID: evtID, Err: err}
	}
}

// Wait blocks until Run has returned after ctx cancellation.
func (q *Queue) Wait() { q.wg.Wait() }
