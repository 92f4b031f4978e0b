// Package config holds the static configuration surface of the engine.
// There is deliberately no environment-variable or CLI layer here; the
// surrounding application constructs a Config and passes it in.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level configuration struct.  All fields have safe
// defaults so callers can start with Default() and override only what they
// need.
type Config struct {
	// Worker pool controls.
	WorkerCount int `validate:"gte=0"` // default: runtime.NumCPU()
	// QueueSize bounds the normal-priority queue; immediate and
	// background queues are sized from it.
	QueueSize int `validate:"gte=0"` // default: 256

	// Cache controls.
	MaxCacheEntries int           `validate:"gte=0"` // default: 1024
	DefaultTTL      time.Duration // default: 10m
	// VariantTTL overrides DefaultTTL per delivery-variant class
	// ("thumbnail", "large", ...).
	VariantTTL map[string]time.Duration
	// FailureGrace is how long a failed entry keeps answering with its
	// cached failure before the next access may retry.
	FailureGrace time.Duration // default: 5s
	// SweepInterval > 0 enables the periodic expiry sweep; lazy expiry on
	// access is always active.
	SweepInterval time.Duration

	// Remote processing service.
	RemoteEndpoint string // base URL; empty disables the remote path
	// Per-operation request budgets.  Canvas extension and matte
	// generation are slower and get the long budget by default.
	ShortTimeout time.Duration // resize, crop, analyze; default: 10s
	LongTimeout  time.Duration // extendCanvas, generateMatte; default: 45s
	// RetryBackoff is the base delay before the single retry of a
	// retryable gateway failure; the retry doubles it.
	RetryBackoff time.Duration // default: 500ms

	// Loader controls.
	LoaderMaxRetries   int           `validate:"gte=0"` // automatic retries before terminal failure; default: 2
	LoaderRetryBackoff time.Duration // default: 1s
	// ViewportMargin is how far ahead of visibility the UI layer should
	// begin loading; carried in config so all call sites agree.
	ViewportMargin int `validate:"gte=0"` // pixels; default: 200

	LogLevel string `validate:"omitempty,oneof=debug info warn error"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount:        0, // resolved at runtime to NumCPU
		QueueSize:          256,
		MaxCacheEntries:    1024,
		DefaultTTL:         10 * time.Minute,
		FailureGrace:       5 * time.Second,
		ShortTimeout:       10 * time.Second,
		LongTimeout:        45 * time.Second,
		RetryBackoff:       500 * time.Millisecond,
		LoaderMaxRetries:   2,
		LoaderRetryBackoff: time.Second,
		ViewportMargin:     200,
		LogLevel:           "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.FailureGrace < 0 || c.DefaultTTL < 0 || c.SweepInterval < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.ShortTimeout < 0 || c.LongTimeout < 0 || c.RetryBackoff < 0 {
		return errors.New("config: timeout budgets must not be negative")
	}
	for variant, ttl := range c.VariantTTL {
		if ttl <= 0 {
			return fmt.Errorf("config: VariantTTL[%q] must be positive", variant)
		}
	}
	return nil
}

// Workers resolves the effective worker count.
func (c Config) Workers() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	return runtime.NumCPU()
}

// TTLFor returns the TTL for a delivery-variant class.
func (c Config) TTLFor(variant string) time.Duration {
	if ttl, ok := c.VariantTTL[variant]; ok {
		return ttl
	}
	if c.DefaultTTL > 0 {
		return c.DefaultTTL
	}
	return 10 * time.Minute
}

// TimeoutFor returns the request budget for an operation class.  The slow
// operations (canvas extension, matte generation) get the long budget.
func (c Config) TimeoutFor(slow bool) time.Duration {
	if slow {
		if c.LongTimeout > 0 {
			return c.LongTimeout
		}
		return 45 * time.Second
	}
	if c.ShortTimeout > 0 {
		return c.ShortTimeout
	}
	return 10 * time.Second
}
