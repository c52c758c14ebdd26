package call

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/callagent/internal/identity"
	"github.com/mossy-p/callagent/internal/signaling"
)

var subscribeBackoff = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Watcher surfaces ringing calls addressed to whoever is signed in. It follows
// identity changes, and on sign-out releases the active call locally.
type Watcher struct {
	calls   *signaling.Calls
	users   *identity.Provider
	machine *Machine
	log     zerolog.Logger
}

// NewWatcher creates a watcher feeding machine
func NewWatcher(calls *signaling.Calls, users *identity.Provider, machine *Machine, logger zerolog.Logger) *Watcher {
	return &Watcher{
		calls:   calls,
		users:   users,
		machine: machine,
		log:     logger.With().Str("component", "incoming").Logger(),
	}
}

// Run blocks until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	users := w.users.Watch(ctx)

	var (
		prev *identity.User
		stop context.CancelFunc = func() {}
	)
	defer func() { stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-users:
			if !ok {
				return ctx.Err()
			}
			if prev != nil && u != nil && prev.ID == u.ID {
				prev = u
				continue
			}
			stop()
			stop = func() {}

			if prev != nil {
				w.log.Info().Str("user_id", prev.ID).Msg("user signed out, releasing active call")
				if err := w.machine.HangUp(ctx, true); err != nil && ctx.Err() == nil {
					w.log.Warn().Err(err).Msg("hang up on sign-out")
				}
			}
			prev = u
			if u == nil {
				continue
			}

			subCtx, cancel := context.WithCancel(ctx)
			stop = cancel
			go w.follow(subCtx, u.ID)
		}
	}
}

// follow subscribes to ringing records for userID, resubscribing with backoff
// if the subscription cannot be opened or closes early.
func (w *Watcher) follow(ctx context.Context, userID string) {
	log := w.log.With().Str("user_id", userID).Logger()
	attempt := 0
	for ctx.Err() == nil {
		incoming, err := w.calls.WatchIncoming(ctx, userID)
		if err != nil {
			delay := subscribeBackoff[min(attempt, len(subscribeBackoff)-1)]
			attempt++
			log.Error().Err(err).Dur("retry_in", delay).Msg("watch incoming calls")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
		log.Debug().Msg("watching incoming calls")

		for ch := range incoming {
			if ch.Err != nil {
				log.Warn().Err(ch.Err).Msg("unreadable incoming call")
				continue
			}
			if ch.Deleted || ch.Record == nil || ch.Type != signaling.ChangeAdded {
				continue
			}
			w.machine.Incoming(ctx, ch.Record)
		}
	}
}
