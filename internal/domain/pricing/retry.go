package pricing

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	"github.com/xenking/backoffice-pricing/internal/domain/fault"
)

// lookup calls fn, retrying infrastructure failures with jittered backoff.
// Classified errors are returned at once. When retries run out the last
// failure is reported as ServiceUnavailable.
func lookup[T any](ctx context.Context, s *Service, what string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.LookupInitialInterval
	b.MaxInterval = s.opts.LookupMaxInterval
	b.MaxElapsedTime = 0

	v, err := backoff.RetryWithData(func() (T, error) {
		v, err := fn(ctx)
		if err != nil && fault.IsRule(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.LookupRetries)), ctx))
	switch {
	case err == nil, fault.IsRule(err):
		return v, err
	case errors.Is(err, context.Canceled):
		return v, err
	default:
		return v, fault.Wrap(fault.KindServiceUnavailable, err, what+" unavailable")
	}
}
