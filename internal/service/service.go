// Package service implements the login-code, conversation and message
// operations on top of a store.Store. Services hold no state of their own:
// every call reads and writes through the store.
package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
)

const (
	DefaultCodeTTL = 10 * time.Minute

	DefaultSearchLimit = 20
	MaxSearchLimit     = 100

	DefaultMessageLimit = 100
	MaxMessageLimit     = 500

	// MaxContentLength is measured in runes.
	MaxContentLength = 4096

	maxIssueAttempts = 5
)

// Publisher receives committed messages and read events for realtime fan-out.
type Publisher interface {
	Publish(msg models.Message)
	PublishRead(evt models.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.Message)   {}
func (nopPublisher) PublishRead(models.Event) {}

type Option func(*options)

type options struct {
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	codeTTL  time.Duration
	generate func() (string, error)
}

func defaultOptions() options {
	return options{
		logger:   zerolog.Nop(),
		now:      time.Now,
		codeTTL:  DefaultCodeTTL,
		generate: GenerateCode,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.Default()
	}
	return o
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithCodeTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.codeTTL = ttl
		}
	}
}

// WithCodeGenerator replaces GenerateCode.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(o *options) { o.generate = gen }
}

var codeRange = big.NewInt(900000)

// GenerateCode returns a uniformly random code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeRange)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
