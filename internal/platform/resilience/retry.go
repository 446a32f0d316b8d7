// Package resilience provides the retry and circuit-breaking primitives
// applied around the cluster executor's REST calls. DAG-structural and
// validation errors never pass through here: only transport-level and
// infrastructure faults are retried.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// RetryTransport runs fn with bounded exponential backoff, retrying only
// while fn returns an error. It is intended for transport-level failures
// (connection refused/reset, dial timeout) -- callers must not use it
// around application-level responses that are already a definitive answer
// (e.g. a non-2xx HTTP status), since those are terminal per the executor
// protocol.
func RetryTransport(ctx context.Context, maxElapsed time.Duration, fn func() error) error {
	meter := otel.Meter("dagrunner")
	attempts, _ := meter.Int64Counter("dagrunner_retry_attempts_total")
	successes, _ := meter.Int64Counter("dagrunner_retry_success_total")
	failures, _ := meter.Int64Counter("dagrunner_retry_fail_total")

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	bctx := backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		attempts.Add(ctx, 1)
		err := fn()
		if err != nil {
			return err
		}
		successes.Add(ctx, 1)
		return nil
	}, bctx)
	if err != nil {
		failures.Add(ctx, 1)
	}
	return err
}
