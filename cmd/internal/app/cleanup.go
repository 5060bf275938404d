package app

import (
	"context"
	"strings"
	"time"

	"keeper/cmd/internal/auth/session"

	"github.com/robfig/cron/v3"
)

// cleanupTimeout bounds a single sweep so a stuck store cannot pile up runs.
const cleanupTimeout = 2 * time.Minute

// newCleanupScheduler registers the expiry sweep on schedule. An empty schedule
// returns a nil scheduler.
func newCleanupScheduler(schedule string, svc *session.Service, log Logger) (*cron.Cron, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, nil
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { runCleanup(context.Background(), svc, log) }); err != nil {
		return nil, err
	}
	return c, nil
}

func runCleanup(parent context.Context, svc *session.Service, log Logger) {
	ctx, cancel := context.WithTimeout(parent, cleanupTimeout)
	defer cancel()

	res, err := svc.CleanupExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Error("cleanup.fail", "err", err,
			"refresh_tokens", res.RefreshTokens,
			"blacklist_entries", res.BlacklistEntries,
		)
	}
}
