package api

import (
	"time"

	"evermem/internal/observability"
)

// Clock abstracts time.Now so tests can control request timestamps and IDs
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Option configures a Facade during construction.
type Option func(*Facade)

// WithMetrics sets a custom metrics sink (default observability.NoopMetrics{}).
func WithMetrics(m observability.Metrics) Option { return func(f *Facade) { f.metrics = m } }

// WithClock sets a custom clock (default SystemClock{}).
func WithClock(c Clock) Option { return func(f *Facade) { f.clock = c } }

// WithIDGen overrides the request_id generator (default uuid.NewString).
func WithIDGen(gen func() string) Option { return func(f *Facade) { f.idGen = gen } }
