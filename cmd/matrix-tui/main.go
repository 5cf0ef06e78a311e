// Command matrix-tui wires the room-state and timeline engine together: the
// kv store, the cache, the room registry, the sync loop, the action queue,
// and the accumulator handoff. It is deliberately thin glue — the terminal
// renderer and input widgets that would consume AccumulatedSync batches are
// out of scope (spec §1 Non-goals).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.mau.fi/util/exerrors"

	"github.com/git-bruh/matrix-tui/internal/accumulator"
	"github.com/git-bruh/matrix-tui/internal/cache"
	"github.com/git-bruh/matrix-tui/internal/config"
	"github.com/git-bruh/matrix-tui/internal/kvstore"
	"github.com/git-bruh/matrix-tui/internal/matrixapi"
	"github.com/git-bruh/matrix-tui/internal/queue"
	"github.com/git-bruh/matrix-tui/internal/room"
	"github.com/git-bruh/matrix-tui/internal/syncloop"
)

func main() {
	cfg := config.New()
	exerrors.PanicIfNotNil(cfg.Load())

	log := exerrors.Must((&cfg.LogConfig).Compile())

	dbPath := filepath.Join(config.GetStateDirectory(), "matrix-tui.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		log.Fatal().Err(err).Msg("failed to create state directory")
	}

	db, err := kvstore.Open(dbPath, kvstore.Options{Log: log})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open kv store")
	}
	defer db.Close()

	c := cache.New(db, *log)

	auth, found, err := c.GetAuth()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load persisted auth")
	}

	homeserver := cfg.Homeserver
	token := ""
	if found {
		homeserver = auth.Homeserver
		token = auth.AccessToken
	}
	client := matrixapi.New(homeserver, token)

	if !found && cfg.Username != "" && cfg.Password != "" {
		resp, err := client.Login(context.Background(), cfg.Username, cfg.Password)
		if err != nil {
			log.Fatal().Err(err).Msg("login failed")
		}
		err = db.Update(func(txn *kvstore.Txn) error {
			return c.SetAuth(txn, cache.AuthState{
				AccessToken: resp.AccessToken,
				UserID:      resp.UserID,
				Homeserver:  homeserver,
			})
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to persist auth")
		}
	}

	rooms := room.NewRegistry()
	acc := accumulator.New()
	loop := syncloop.New(client, c, rooms, acc, *log, syncloop.Options{
		Timeout:    cfg.SyncTimeout,
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
	})

	q := queue.New(client, cfg.QueueCapacity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go q.Run(ctx)
	go func() {
		if err := loop.Run(ctx); err != nil {
			log.Error().Err(err).Msg("sync loop exited")
		}
	}()

	consumeAccumulator(ctx, acc)

	q.Wait()
}

// consumeAccumulator stands in for the UI event loop: it drains batches and
// immediately acknowledges them, since there is no renderer in this engine
// to hand them to (spec §1 Non-goals).
func consumeAccumulator(ctx context.Context, acc *accumulator.Accumulator) {
	for ctx.Err() == nil {
		batch := acc.Consume()
		fmt.Fprintf(os.Stderr, "synced %d rooms, %d space events\n", len(batch.Rooms), len(batch.SpaceEvents))
		acc.Ack()
	}
}
