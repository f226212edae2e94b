package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
)

// Refresher runs one refresh cycle.
type Refresher interface {
	Refresh(ctx context.Context) (store.Run, error)
}

// Parse validates a standard five-field cron spec.
func Parse(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Run triggers r on spec until ctx is done. A tick that fires while the
// previous refresh is still going is skipped.
func Run(ctx context.Context, log *logger.Logger, spec string, r Refresher) error {
	sched, err := Parse(spec)
	if err != nil { return err }
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		log.Info().Str("schedule", spec).Msg("running scheduled refresh")
		if _, err := r.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled refresh failed")
		}
	}))
	log.Info().Str("schedule", spec).Time("next", sched.Next(time.Now())).Msg("scheduler started")

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("refresh still running at shutdown")
	}
	return nil
}
