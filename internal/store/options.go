package store

import "time"

const defaultPageSize = 200

type storeOptions struct {
	pageSize int
	now      func() time.Time
}

// Option configures a store backend.
type Option func(*storeOptions)

// WithPageSize sets how many records AllActive fetches per round trip.
func WithPageSize(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

func newOptions(opts []Option) storeOptions {
	o := storeOptions{pageSize: defaultPageSize, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
