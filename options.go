package iris

import (
	"log/slog"
	"time"

	"github.com/project-iris/iris-go/internal/scheme"
)

type options struct {
	logger        *slog.Logger
	dialTimeout   time.Duration
	serviceLimits scheme.ServiceLimits
}

func defaultOptions() *options {
	return &options{
		dialTimeout:   10 * time.Second,
		serviceLimits: scheme.DefaultServiceLimits(),
	}
}

// Option configures Connect or Register. Options are resolved into an
// internal options struct before the transport is dialled.
type Option func(*options) error

// WithLogger overrides the connection's structured logger. The
// default logs to iris/internal/log's package-wide output at
// component "iris.connection".
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithDialTimeout bounds how long Connect/Register will wait for the
// initial TCP dial to the relay. The default is 10 seconds.
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		o.dialTimeout = timeout
		return nil
	}
}

// WithServiceLimits overrides the broadcast/request worker limits for
// a registered service. It has no effect on Connect, which never
// serves inbound broadcasts or requests.
func WithServiceLimits(limits ServiceLimits) Option {
	return func(o *options) error {
		o.serviceLimits = limits
		return nil
	}
}

func resolveOptions(opts []Option) (*options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
