package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kiel-opendata/district-import/internal/store"
)

// ErrConnect is returned when every connection attempt failed.
var ErrConnect = errors.New("could not connect to the store")

// Opener opens and pings a store.
type Opener func(ctx context.Context) (store.Store, error)

// Backoff bounds the connection retries. The delay doubles after every
// failed attempt and is capped at Max.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Connect calls open until it succeeds, the attempts run out or ctx is
// done. onAttempt, when set, is called before every attempt.
func Connect(ctx context.Context, open Opener, b Backoff, log logrus.FieldLogger, onAttempt func()) (store.Store, error) {
	attempts := max(b.Attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if onAttempt != nil {
			onAttempt()
		}
		st, err := open(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("connected after retry")
			}
			return st, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		wait := b.Delay(attempt)
		log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"attempts": attempts,
			"retry_in": wait.String(),
		}).WithError(err).Warn("store not reachable")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnect, attempts, lastErr)
}
