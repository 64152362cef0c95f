package uow

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger for flush summaries and failures.
// The default is a disabled logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(u *UnitOfWork) { u.logger = logger }
}

// WithMeter records flush metrics on meter instead of the global meter
// provider.
func WithMeter(meter metric.Meter) Option {
	return func(u *UnitOfWork) { u.meter = meter }
}

// WithClock sets the time source used for ULID keys.
func WithClock(now func() time.Time) Option {
	return func(u *UnitOfWork) { u.now = now }
}
