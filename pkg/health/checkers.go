package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// MaxGoroutines fails when the process runs more than limit goroutines.
func MaxGoroutines(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("%d goroutines, limit %d", n, limit)
		}
		return nil
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping fails when p cannot be reached.
func Ping(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// QueueBacklog fails when pending() reaches limit, e.g. the outgoing mail
// queue. For a bounded queue limit must not exceed its capacity.
func QueueBacklog(pending func() int, limit int) CheckFunc {
	return func(context.Context) error {
		if n := pending(); n >= limit {
			return errors.Errorf("%d messages queued, limit %d", n, limit)
		}
		return nil
	}
}
