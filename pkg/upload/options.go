package upload

import (
	"log/slog"
	"time"

	"ferry/pkg/schema"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = time.Second
	DefaultAttemptTimeout = 2 * time.Minute
	DefaultAbortTimeout   = 30 * time.Second
)

type options struct {
	partSize       int64
	concurrency    int
	maxAttempts    int
	baseDelay      time.Duration
	attemptTimeout time.Duration
	abortTimeout   time.Duration
	transport      Transport
	clock          Clock
	logger         *slog.Logger
	sessionHook    func(schema.Session)
}

type Option func(*options)

// WithPartSize overrides the tiered part size.
func WithPartSize(size int64) Option {
	return func(o *options) {
		o.partSize = size
	}
}

// WithConcurrency overrides the tiered number of workers.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithMaxAttempts sets how many times a part is tried before the upload
// fails.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// WithBaseDelay sets the delay before the first retry. Every further retry
// waits twice as long as the previous one.
func WithBaseDelay(d time.Duration) Option {
	return func(o *options) {
		o.baseDelay = d
	}
}

// WithAttemptTimeout bounds a single UploadPart call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) {
		o.attemptTimeout = d
	}
}

// WithAbortTimeout bounds the call that discards the session.
func WithAbortTimeout(d time.Duration) Option {
	return func(o *options) {
		o.abortTimeout = d
	}
}

// WithTransport replaces the HTTP transport built from the endpoint.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithClock replaces the clock used to wait between retries.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger. It defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSessionHook registers a function that is called once the session of
// an upload is known, before any part is transmitted.
func WithSessionHook(fn func(schema.Session)) Option {
	return func(o *options) {
		o.sessionHook = fn
	}
}

func newOptions(opts ...Option) options {
	o := options{
		maxAttempts:    DefaultMaxAttempts,
		baseDelay:      DefaultBaseDelay,
		attemptTimeout: DefaultAttemptTimeout,
		abortTimeout:   DefaultAbortTimeout,
		clock:          realClock{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}

	return o
}
