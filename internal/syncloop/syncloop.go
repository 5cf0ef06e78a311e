// Package syncloop implements spec §4.E: the long-poll driver that repeatedly
// calls GET /sync, saves every event into the cache and room model inside a
// single write transaction, resolves deferred space relations in a second
// short transaction, checkpoints next_batch last, and hands the result to
// the UI via the accumulator before re-issuing.
package syncloop

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/accumulator"
	"github.com/git-bruh/matrix-tui/internal/cache"
	"github.com/git-bruh/matrix-tui/internal/kvstore"
	"github.com/git-bruh/matrix-tui/internal/matrixapi"
	"github.com/git-bruh/matrix-tui/internal/matrixevent"
	"github.com/git-bruh/matrix-tui/internal/room"
)

// Rooms is the minimal room-model surface the loop needs: look up (or
// lazily create) the Room for an id. The sync loop doesn't own room
// lifecycle policy (invite/leave bookkeeping is the caller's), only
// timeline and membership mutation.
type Rooms interface {
	RoomFor(id.RoomID) *room.Room
}

// Loop drives the sync iteration. Timeout is the long-poll duration sent to
// the server; backoff governs retry delay after a failed iteration.
type Loop struct {
	client *matrixapi.Client
	cache  *cache.Cache
	rooms  Rooms
	acc    *accumulator.Accumulator
	log    zerolog.Logger

	timeout    time.Duration
	backoff    time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
}

type Options struct {
	Timeout    time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func New(client *matrixapi.Client, c *cache.Cache, rooms Rooms, acc *accumulator.Accumulator, log zerolog.Logger, opts Options) *Loop {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Loop{
		client:     client,
		cache:      c,
		rooms:      rooms,
		acc:        acc,
		log:        log,
		timeout:    opts.Timeout,
		backoff:    opts.MinBackoff,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
	}
}

// Run executes the loop until ctx is cancelled, matching spec §4.E's
// cancellation contract: an in-flight GET /sync is aborted via the request
// context, and a cancellation observed before a write transaction commits
// leaves no partial batch behind (the transaction simply never commits).
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.iterate(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			l.log.Warn().Err(err).Dur("backoff", l.backoff).Msg("sync iteration failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.backoff):
			}
			l.backoff = min(l.backoff*2, l.maxBackoff)
			continue
		}
		l.backoff = l.minBackoff
	}
}

// iterate runs exactly one sync round-trip and its two-phase commit, then
// hands the resulting batch to the accumulator. Produce blocks until the previous batch has been
// acknowledged, so each batch is fully consumed before the next begins
// (spec §4.E step 7); iterate itself returns without waiting for this
// batch's acknowledgement.
func (l *Loop) iterate(ctx context.Context) error {
	since, err := l.cache.GetNextBatch()
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, l.timeout+10*time.Second)
	defer cancel()
	result, err := l.client.Sync(reqCtx, since, l.timeout)
	if err != nil {
		return err
	}

	resp := matrixevent.ParseSyncResponse(result.Body)

	var deferred []*cache.DeferredSpaceEvent
	batch := &accumulator.AccumulatedSync{}

	err = l.cache.DB().Update(func(txn *kvstore.Txn) error {
		rit := resp.Rooms()
		for {
			roomBlock, ok := rit.Next()
			if !ok {
				break
			}
			delta, err := l.applyRoomBlock(txn, roomBlock, &deferred)
			if err != nil {
				return err
			}
			batch.Rooms = append(batch.Rooms, delta)
		}
		return l.cache.SetNextBatch(txn, resp.NextBatch())
	})
	if err != nil {
		return err
	}

	if len(deferred) > 0 {
		err = l.cache.DB().Update(func(txn *kvstore.Txn) error {
			for _, ev := range deferred {
				result, err := l.cache.ProcessDeferred(txn, ev)
				if err != nil {
					return err
				}
				if result == cache.DeferredAdded || result == cache.DeferredRemoved {
					batch.SpaceEvents = append(batch.SpaceEvents, *ev)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := l.cache.DB().Update(func(txn *kvstore.Txn) error {
		return l.cache.SetNextBatch(txn, resp.NextBatch())
	}); err != nil {
		return err
	}

	l.acc.Produce(batch)
	return nil
}

// applyRoomBlock saves every event in one room's sync section, in the
// ephemeral -> state -> timeline order the iterator yields them, and feeds
// timeline messages into the room model's append-only buffer.
func (l *Loop) applyRoomBlock(txn *kvstore.Txn, block matrixevent.RoomBlock, deferred *[]*cache.DeferredSpaceEvent) (accumulator.RoomDelta, error) {
	roomID := id.RoomID(block.RoomID)
	if err := l.cache.EnsureRoom(txn, roomID, []byte(`{}`)); err != nil {
		return accumulator.RoomDelta{}, err
	}

	r := l.rooms.RoomFor(roomID)
	delta := accumulator.RoomDelta{RoomID: roomID}

	events := block.Events()
	for {
		evt, raw, ok := events.NextRaw()
		if !ok {
			break
		}
		outcome, def, err := l.cache.SaveEvent(txn, roomID, evt, raw, false)
		if err != nil {
			return accumulator.RoomDelta{}, err
		}
		if def != nil && deferred != nil {
			*deferred = append(*deferred, def)
		}
		switch outcome.Result {
		case cache.ResultSaved:
			if outcome.RedactionIndex != nil {
				if r != nil {
					_, _ = r.Redact(*outcome.RedactionIndex)
				}
				delta.Redacted = append(delta.Redacted, *outcome.RedactionIndex)
				continue
			}
			if evt.Kind == matrixevent.KindTimeline && r != nil {
				appendMessage(r, evt, outcome.Index)
				delta.Appended = append(delta.Appended, outcome.Index)
			}
			if evt.Type == matrixevent.EventTypeMember && r != nil {
				if member, ok := evt.Content.(*matrixevent.MemberContent); ok && evt.StateKey != nil {
					r.UpdateMember(id.UserID(*evt.StateKey), member.Displayname)
				}
			}
		}
	}
	return delta, nil
}

func appendMessage(r *room.Room, evt *matrixevent.SyncEvent, index uint64) {
	body := ""
	formatted := false
	switch content := evt.Content.(type) {
	case *matrixevent.MessageContent:
		body = content.Body
		formatted = content.Format == "org.matrix.custom.html"
	case *matrixevent.AttachmentContent:
		body = content.Body
	case *matrixevent.RedactionContent:
		return
	}
	username := r.CurrentName(evt.Sender)
	_ = r.AppendForward(&room.Message{
		Index:     index,
		Sender:    evt.Sender,
		Username:  username,
		Body:      []rune(body),
		Formatted: formatted,
	})
}
