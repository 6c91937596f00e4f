package process

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"go.discomap.org/ingest/go/alog"
)

// retrying decorates a Processor with a bounded number of additional
// attempts per file. Each attempt runs the full ETL, so no database
// session is held between attempts.
type retrying struct {
	wrapped Processor
	retries uint64
}

// WithRetry wraps p so a failed file is attempted up to retries more
// times with exponential backoff. retries <= 0 returns p unchanged.
func WithRetry(p Processor, retries int) Processor {
	if retries <= 0 {
		return p
	}
	return &retrying{wrapped: p, retries: uint64(retries)}
}

// Process implements Processor.
func (r *retrying) Process(ctx context.Context, url string, opts Options) (Result, error) {
	var res Result
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.retries), ctx)
	err := backoff.Retry(func() error {
		attempt++
		var err error
		res, err = r.wrapped.Process(ctx, url, opts)
		if err != nil && attempt <= int(r.retries) {
			alog.Warningf("Attempt %d for %s failed, will retry: %s", attempt, url, err)
		}
		return err
	}, b)
	return res, err
}
