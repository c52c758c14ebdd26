// Package reaper periodically tidies the signed-in user's own call records:
// calls left ringing by a crashed client are cancelled and finished calls are
// removed once they are old enough.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mossy-p/callagent/internal/call"
	"github.com/mossy-p/callagent/internal/models"
	"github.com/mossy-p/callagent/internal/signaling"
)

// ActiveCall reports the id of the call currently held, or "" when idle
type ActiveCall func() string

// Options tunes a Reaper
type Options struct {
	RingTimeout time.Duration
	Retention   time.Duration
	Logger      zerolog.Logger
}

// Result counts what one sweep changed
type Result struct {
	Cancelled int
	Deleted   int
}

// Reaper sweeps call records placed by the signed-in user
type Reaper struct {
	calls  *signaling.Calls
	users  call.Identity
	active ActiveCall
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a reaper. active may be nil when no machine is running.
func New(calls *signaling.Calls, users call.Identity, active ActiveCall, opts Options) *Reaper {
	return &Reaper{
		calls:  calls,
		users:  users,
		active: active,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "reaper").Logger(),
		now:    time.Now,
	}
}

// Sweep runs one pass. Individual write failures are logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	user, ok := r.users.Current()
	if !ok {
		return res, nil
	}
	recs, err := r.calls.FindByCaller(ctx, user.ID)
	if err != nil {
		return res, err
	}

	activeID := ""
	if r.active != nil {
		activeID = r.active()
	}
	now := r.now()

	for _, rec := range recs {
		if rec.ID == activeID {
			continue
		}
		log := r.log.With().Str("call_id", rec.ID).Logger()
		switch {
		case rec.Status == models.CallRinging && r.opts.RingTimeout > 0 && now.Sub(rec.CreatedAt) > r.opts.RingTimeout:
			err := r.calls.UpdateCall(ctx, rec.ID, map[string]any{models.FieldStatus: models.CallCancelled})
			if err != nil {
				log.Warn().Err(err).Msg("cancel abandoned call")
				continue
			}
			res.Cancelled++
		case rec.Status.Terminal() && r.opts.Retention > 0 && now.Sub(rec.UpdatedAt) > r.opts.Retention:
			if err := r.calls.DeleteCall(ctx, rec.ID); err != nil {
				log.Warn().Err(err).Msg("delete finished call")
				continue
			}
			res.Deleted++
		}
	}
	return res, nil
}

// Start schedules Sweep on schedule until ctx is cancelled
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&r.log)))
	_, err := quartz.AddFunc(schedule, func() {
		res, err := r.Sweep(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("sweep call records")
			return
		}
		if res.Cancelled > 0 || res.Deleted > 0 {
			r.log.Info().Int("cancelled", res.Cancelled).Int("deleted", res.Deleted).Msg("swept call records")
		}
	})
	if err != nil {
		return err
	}
	quartz.Start()
	go func() {
		<-ctx.Done()
		<-quartz.Stop().Done()
	}()
	return nil
}
