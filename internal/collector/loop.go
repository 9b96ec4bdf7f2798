package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"olhovivo-collector/internal/olhovivo"
	"olhovivo-collector/internal/store"
)

// Exit codes for the single-shot modes.
const (
	ExitOK          = 0
	ExitAuth        = 1
	ExitFetch       = 2
	ExitPersistence = 3
)

// Run repeats cycles until ctx is cancelled. A failed cycle is followed by
// RecoveryDelay, a successful one by a random pause in [CycleMin, CycleMax].
// No cycle error ends the loop, a panicking cycle included.
func (c *Collector) Run(ctx context.Context) error {
	for {
		r, err := c.RunCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		if err != nil {
			wait = c.opts.RecoveryDelay
			var authErr *olhovivo.AuthError
			if errors.As(err, &authErr) {
				log.Printf("collector: cycle %d: authentication failed, retrying in %v: %v", r.Number, wait, err)
			} else {
				log.Printf("collector: cycle %d failed, recovering in %v: %v", r.Number, wait, err)
			}
		} else {
			wait = c.nextInterval()
			log.Printf("collector: cycle %d done in %v: %d lines, %d stops (%d failed), positions %s, %d files; next in %v",
				r.Number, r.Duration().Round(time.Millisecond), r.Lines, r.Stops, r.StopFailures, r.PositionMode, r.Files, wait)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RunOnce performs a single cycle, retrying the login up to AuthAttempts
// times with RecoveryDelay between attempts.
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	r, err := c.runCycle(ctx, c.opts.AuthAttempts)
	if err != nil {
		log.Printf("collector: single cycle failed: %v", err)
		return r, err
	}
	log.Printf("collector: single cycle done in %v: %d files, %d bytes",
		r.Duration().Round(time.Millisecond), r.Files, r.Bytes)
	return r, nil
}

// CollectPositions logs in and saves one bulk position snapshot, nothing else.
func (c *Collector) CollectPositions(ctx context.Context) (store.SavedFile, error) {
	if err := c.authenticate(ctx, c.opts.AuthAttempts); err != nil {
		return store.SavedFile{}, fmt.Errorf("authenticate: %w", err)
	}
	got, err := c.api.Positions(ctx)
	if err != nil {
		return store.SavedFile{}, fmt.Errorf("fetch positions: %w", err)
	}
	warnMismatch(got.Mismatch)
	f, err := c.store.SaveRaw(store.PositionsGlobal, "posicao", got.Body)
	if err != nil {
		return f, err
	}
	log.Printf("collector: saved %d vehicles on %d lines to %s", got.Value.VehicleCount(), len(got.Value.Lines), f.Path)
	return f, nil
}

// ExitCode maps a single-shot error to the process exit status.
func ExitCode(err error) int {
	var (
		authErr *olhovivo.AuthError
		pErr    *store.PersistenceError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &authErr):
		return ExitAuth
	case errors.As(err, &pErr):
		return ExitPersistence
	default:
		return ExitFetch
	}
}

func (c *Collector) authenticate(ctx context.Context, attempts int) error {
	if attempts <= 1 {
		return c.api.Authenticate(ctx)
	}

	op := func() error {
		err := c.api.Authenticate(ctx)
		if errors.Is(err, olhovivo.ErrMissingToken) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RecoveryDelay), uint64(attempts-1)),
		ctx,
	)
	return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		log.Printf("collector: authentication failed, retrying in %v: %v", d, err)
	})
}

// nextInterval picks a whole number of seconds in [CycleMin, CycleMax].
func (c *Collector) nextInterval() time.Duration {
	lo, hi := c.opts.CycleMin, c.opts.CycleMax
	if hi <= lo {
		return lo
	}
	span := int64((hi - lo) / time.Second)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(rand.Int63n(span+1))*time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
