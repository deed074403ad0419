// Package client is the entry point of the SEPA client library. A Client
// loads its behavior from a sap.Document and exposes the four verbs of the
// SPARQL event-processing protocol: Query, Update, Subscribe and
// Unsubscribe. Template resolution happens before every dispatch, so the
// broker only ever sees concrete, prefix-qualified SPARQL.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arces-wot/gosepa/internal/logging"
	"github.com/arces-wot/gosepa/internal/metrics"
	"github.com/arces-wot/gosepa/internal/transport"
	"github.com/arces-wot/gosepa/pkg/protocol"
	"github.com/arces-wot/gosepa/pkg/sap"
)

// Handler receives the asynchronous traffic of one subscription. The
// client holds a non-owning reference: the caller keeps the handler alive
// for as long as the subscription exists.
type Handler interface {
	// OnNotification is called once per broker notification, in broker
	// emission order, never concurrently for the same subscription
	OnNotification(n *protocol.Notification)

	// OnError is called for asynchronous failures: a lost connection, a
	// broker error on an active subscription, or a panicking
	// OnNotification
	OnError(err error)
}

// Channel is a bidirectional subscription channel to the broker. Messages
// is closed when the underlying connection is lost or closed.
type Channel interface {
	Send(ctx context.Context, msg any) error
	Messages() <-chan protocol.Message
	Close() error
}

// Transport moves resolved requests and subscription frames to the
// broker. The default implementation lives in internal/transport; tests
// and embedders may substitute their own.
type Transport interface {
	// Request performs one query/update round trip against the given
	// endpoint. A broker-reported failure is returned as a
	// *protocol.ErrorBody error.
	Request(ctx context.Context, endpoint string, req *sap.ResolvedRequest, secure bool) ([]byte, error)

	// OpenChannel opens a subscription channel to the given endpoint
	OpenChannel(ctx context.Context, endpoint string, secure bool) (Channel, error)
}

// defaultTransport adapts the concrete channel type of the built-in
// transport to the Channel interface
type defaultTransport struct {
	*transport.Transport
}

func (d defaultTransport) OpenChannel(ctx context.Context, endpoint string, secure bool) (Channel, error) {
	ch, err := d.Transport.OpenChannel(ctx, endpoint, secure)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Client is the facade application code talks to. It owns the profile
// document it was constructed with and the set of active subscriptions.
type Client struct {
	doc      *sap.Document
	resolver *sap.Resolver

	transport   Transport
	timeout     time.Duration
	insecureTLS bool

	logger  zerolog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	subs *subscriptionManager
}

// New creates a Client over a validated profile document
func New(doc *sap.Document, opts ...Option) (*Client, error) {
	if doc == nil {
		return nil, errors.New("profile document must not be nil")
	}

	c := &Client{
		doc:      doc,
		resolver: sap.NewResolver(doc),
		timeout:  30 * time.Second,
		logger:   logging.Component("client"),
		tracer:   otel.Tracer("github.com/arces-wot/gosepa"),
		metrics:  metrics.GetMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		c.transport = defaultTransport{transport.New(doc, transport.Config{
			Timeout:     c.timeout,
			InsecureTLS: c.insecureTLS,
		})}
	}

	c.subs = newSubscriptionManager(c.transport, c.logger, c.metrics)
	return c, nil
}

// Query resolves the named query template with the given forced bindings
// and performs a single request against the broker's query endpoint.
// Broker-reported failures come back as an ErrorKindBrokerRejected error;
// transport problems as ErrorKindTransportFailure. There are no retries.
func (c *Client) Query(ctx context.Context, name string, forced map[string]string, secure bool) (*protocol.QueryResult, error) {
	if name == "" {
		return nil, errors.New("query name must not be empty")
	}

	ctx, span := c.tracer.Start(ctx, "sepa.query",
		trace.WithAttributes(attribute.String("sepa.template", name)))
	defer span.End()

	resolved, err := c.resolver.Resolve(name, forced, sap.KindQuery)
	if err != nil {
		return nil, c.spanError(span, err)
	}

	endpoint := c.doc.QueryURL()
	if secure {
		endpoint = c.doc.SecureQueryURL()
	}

	body, err := c.execute(ctx, "query", endpoint, resolved, secure)
	if err != nil {
		return nil, c.spanError(span, err)
	}

	result, err := protocol.ParseQueryResult(body)
	if err != nil {
		return nil, c.spanError(span, newError(ErrorKindBrokerRejected, "unparseable query result", err))
	}
	return result, nil
}

// Update resolves the named update template with the given forced
// bindings and performs a single request against the broker's update
// endpoint. The raw broker response is returned as-is.
func (c *Client) Update(ctx context.Context, name string, forced map[string]string, secure bool) (json.RawMessage, error) {
	if name == "" {
		return nil, errors.New("update name must not be empty")
	}

	ctx, span := c.tracer.Start(ctx, "sepa.update",
		trace.WithAttributes(attribute.String("sepa.template", name)))
	defer span.End()

	resolved, err := c.resolver.Resolve(name, forced, sap.KindUpdate)
	if err != nil {
		return nil, c.spanError(span, err)
	}

	endpoint := c.doc.UpdateURL()
	if secure {
		endpoint = c.doc.SecureUpdateURL()
	}

	body, err := c.execute(ctx, "update", endpoint, resolved, secure)
	if err != nil {
		return nil, c.spanError(span, err)
	}
	return json.RawMessage(body), nil
}

// Subscribe resolves the named query template, opens a subscription
// channel and blocks until the broker acknowledges the subscription or
// rejects it. The returned id is broker-assigned and is the handle for
// Unsubscribe. Naming an update template fails with
// ErrorKindInvalidSubscriptionTemplate and registers nothing.
func (c *Client) Subscribe(ctx context.Context, name string, forced map[string]string, alias string, handler Handler, secure bool) (string, error) {
	if name == "" {
		return "", errors.New("subscription name must not be empty")
	}
	if handler == nil {
		return "", errors.New("subscription handler must not be nil")
	}

	ctx, span := c.tracer.Start(ctx, "sepa.subscribe",
		trace.WithAttributes(attribute.String("sepa.template", name)))
	defer span.End()

	resolved, err := c.resolver.Resolve(name, forced, sap.KindQuery)
	if err != nil {
		if errors.Is(err, sap.ErrUnknownTemplate) {
			if _, isUpdate := c.doc.Updates[name]; isUpdate {
				err = newError(ErrorKindInvalidSubscriptionTemplate,
					fmt.Sprintf("template %q is an update, subscriptions require a query", name), nil)
			}
		}
		return "", c.spanError(span, err)
	}

	endpoint := c.doc.SubscribeURL()
	if secure {
		endpoint = c.doc.SecureSubscribeURL()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	id, err := c.subs.subscribe(ctx, endpoint, resolved.Text, alias, handler, secure)
	c.metrics.RequestDuration.WithLabelValues("subscribe").Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.RequestsTotal.WithLabelValues("subscribe", "error").Inc()
		return "", c.spanError(span, err)
	}
	c.metrics.RequestsTotal.WithLabelValues("subscribe", "ok").Inc()
	span.SetAttributes(attribute.String("sepa.spuid", id))
	return id, nil
}

// Unsubscribe cancels an active subscription and blocks until the broker
// acknowledges the cancellation. Unknown or already-closed ids fail with
// ErrorKindUnknownSubscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "sepa.unsubscribe",
		trace.WithAttributes(attribute.String("sepa.spuid", id)))
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.subs.unsubscribe(ctx, id); err != nil {
		c.metrics.RequestsTotal.WithLabelValues("unsubscribe", "error").Inc()
		return c.spanError(span, err)
	}
	c.metrics.RequestsTotal.WithLabelValues("unsubscribe", "ok").Inc()
	return nil
}

// Close tears down every remaining subscription channel without waiting
// for broker acknowledgments. Handlers receive no further callbacks.
func (c *Client) Close() {
	c.subs.closeAll()
}

// execute performs one request round trip and classifies the outcome
func (c *Client) execute(ctx context.Context, operation, endpoint string, resolved *sap.ResolvedRequest, secure bool) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	body, err := c.transport.Request(ctx, endpoint, resolved, secure)
	c.metrics.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.RequestsTotal.WithLabelValues(operation, "error").Inc()
		var brokerErr *protocol.ErrorBody
		if errors.As(err, &brokerErr) {
			return nil, newError(ErrorKindBrokerRejected, "broker rejected "+operation, err)
		}
		return nil, newError(ErrorKindTransportFailure, operation+" request failed", err)
	}

	// some brokers answer 200 with an error member in the body
	var probe struct {
		Error *protocol.ErrorBody `json:"error"`
	}
	if jsonErr := json.Unmarshal(body, &probe); jsonErr == nil && probe.Error != nil {
		c.metrics.RequestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, newError(ErrorKindBrokerRejected, "broker rejected "+operation, probe.Error)
	}

	c.metrics.RequestsTotal.WithLabelValues(operation, "ok").Inc()
	return body, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	if _, has := ctx.Deadline(); has {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
