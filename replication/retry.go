package replication

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replica/utils/log"
)

type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	backoffCoeff int
}

func NewRetryer(retryFunc func(ctx context.Context) error, interval time.Duration, backoffCoeff int) *Retryer {
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		backoffCoeff: backoffCoeff,
	}
}

// Run tries the Retryer until it succeeds, it returns unretriable error, or the context is canceled.
func (r *Retryer) Run(ctx context.Context) error {
	cnt := -1
	for {
		cnt++
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "retry canceled")
		}

		err := r.retryFunc(ctx)
		// success
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrRetryable) {
			// not retryable error, give up.
			log.Warn("caught a non-retryable error: %v", err)
			return err
		}

		interval := retryInterval(r.interval, r.backoffCoeff, cnt)
		log.Warn("caught a retryable error. It will be retried after an interval: %d[ms], err=%v",
			interval.Milliseconds(), err)
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Wrap(ctx.Err(), "retry canceled")
		case <-t.C:
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	intervalMilliSec := float64(interval.Milliseconds())
	return time.Duration(intervalMilliSec*coeff) * time.Millisecond
}
