package realtime

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

type options struct {
	httpClient    *http.Client
	logger        logrus.FieldLogger
	metrics       *Metrics
	maxRetries    int
	backOff       func() backoff.BackOff
	maxEventSize  int
	errorHandler  func(error)
	submitTimeout time.Duration
}

type Option func(*options)

// WithHTTPClient sets the client used for the stream. It must not have a
// Timeout, the stream stays open indefinitely.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithMaxRetries lets the stream reconnect up to n times after a drop.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

func WithBackOff(factory func() backoff.BackOff) Option {
	return func(o *options) {
		o.backOff = factory
	}
}

// WithErrorHandler receives the failures no caller can be returned to:
// stream drops and submissions triggered by the connect event.
func WithErrorHandler(handler func(error)) Option {
	return func(o *options) {
		o.errorHandler = handler
	}
}

func WithSubmitTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.submitTimeout = timeout
	}
}

// WithMaxEventSize sets the largest event the stream accepts. Bigger events
// are skipped and the stream stays open.
func WithMaxEventSize(size int) Option {
	return func(o *options) {
		o.maxEventSize = size
	}
}
