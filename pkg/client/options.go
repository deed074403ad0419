package client

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Option is a function that configures a Client
type Option func(*Client)

// WithTransport substitutes the default HTTP/WebSocket transport
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithTimeout sets the per-operation timeout applied when the caller's
// context carries no deadline. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithLogger sets the base logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer used for operation spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithInsecureTLS disables certificate verification on the secure
// request path. Some SEPA deployments run with self-signed certificates.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.insecureTLS = true
	}
}
