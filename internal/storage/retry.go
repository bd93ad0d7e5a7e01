package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	writeRetries   = 2
	writeBaseDelay = 50 * time.Millisecond
)

// retriablePG reports whether err is a Postgres conflict worth replaying:
// serialization_failure (40001) or deadlock_detected (40P01).
func retriablePG(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// withWriteRetry replays fn on transient Postgres conflicts, sleeping a
// jittered, doubling delay between attempts. Non-conflict errors and
// context cancellation return immediately.
func withWriteRetry(ctx context.Context, fn func() error) error {
	delay := writeBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !retriablePG(err) || attempt == writeRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
