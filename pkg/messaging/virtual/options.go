package virtual

import "time"

// Options configures a Transport. Every field except PrioritySteps (which
// has no env tag) is independently overridable via environment variable or
// .env file through pkg/config.Load.
type Options struct {
	// PollingInterval is how often the scheduler falls back to polling a
	// queue when the backend has no async readiness capability.
	PollingInterval time.Duration `env:"VT_POLLING_INTERVAL" env-default:"1s"`

	// VisibilityTimeout is how long a delivery may remain unacked before
	// the scheduler restores it to its queue for redelivery.
	VisibilityTimeout time.Duration `env:"VT_VISIBILITY_TIMEOUT" env-default:"1h"`

	// PrefetchCount is the default per-channel prefetch limit (0 = unlimited).
	PrefetchCount int `env:"VT_PREFETCH_COUNT" env-default:"1"`

	// BodyEncoding selects the default transfer encoding for publishes that
	// don't already carry a body_encoding.
	BodyEncoding BodyEncoding `env:"VT_BODY_ENCODING" env-default:"base64"`

	// PrioritySteps is the sorted ascending clamp table for priority
	// queues. Empty means DefaultPrioritySteps.
	PrioritySteps []int

	// AckEmulation is loaded and defaulted to true but not read by the
	// engine: every Channel tracks unacked deliveries in its QoS manager
	// whatever its value, and setting it to false does not turn that off.
	AckEmulation bool `env:"VT_ACK_EMULATION" env-default:"true"`

	// FanoutPrefix/FanoutPatterns are loaded and defaulted but not read by
	// the engine or by any backend; fanout routing uses the in-memory
	// BrokerState bindings (or a backend's FanoutPublisher).
	FanoutPrefix   string `env:"VT_FANOUT_PREFIX" env-default:"/fanout."`
	FanoutPatterns string `env:"VT_FANOUT_PATTERNS" env-default:"/patterns."`

	// GlobalKeyPrefix is loaded but not read by the engine or by any
	// backend; no key written by a backend carries it.
	GlobalKeyPrefix string `env:"VT_GLOBAL_KEY_PREFIX"`

	// HealthCheckInterval is the scheduler's subscribe-connection ping cadence.
	HealthCheckInterval time.Duration `env:"VT_HEALTH_CHECK_INTERVAL" env-default:"25s"`
}

// DefaultOptions returns the documented defaults for every option.
func DefaultOptions() Options {
	return Options{
		PollingInterval:     time.Second,
		VisibilityTimeout:   time.Hour,
		PrefetchCount:       1,
		BodyEncoding:        BodyEncodingBase64,
		AckEmulation:        true,
		FanoutPrefix:        "/fanout.",
		FanoutPatterns:      "/patterns.",
		HealthCheckInterval: 25 * time.Second,
	}
}
