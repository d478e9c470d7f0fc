package sync

import (
	"context"
	"errors"
	"math/rand"
	"net"
	stdsync "sync"
	"time"

	"github.com/ilyaizen/habistat/pkg/db"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
)

const jitterWindow = 250 * time.Millisecond

var (
	jitterMu     stdsync.Mutex
	jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// retryPolicy bounds how often a transient failure is retried.
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func (p retryPolicy) do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		err     error
		backoff time.Duration
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}
		backoff = nextBackoff(backoff, p.base, p.max)
		if sleepErr := p.sleep(ctx, withJitter(backoff)); sleepErr != nil {
			return err
		}
	}
	return err
}

// retryable reports whether err is the transient I/O class: network failures,
// timeouts, a busy local store, or a remote error whose code is retryable.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if typed := pkgerrors.As(err); typed != nil {
		return pkgerrors.MetadataFor(typed.Code()).Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || db.IsBusy(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitterMu.Lock()
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	jitterMu.Unlock()
	return d + jitter
}
