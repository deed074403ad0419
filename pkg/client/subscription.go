package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arces-wot/gosepa/internal/metrics"
	"github.com/arces-wot/gosepa/pkg/protocol"
)

// State is the lifecycle state of a subscription
type State int32

const (
	// StatePending means the subscribe request was sent and the broker
	// acknowledgment is outstanding
	StatePending State = iota

	// StateActive means the broker acknowledged and notifications flow
	StateActive

	// StateClosed means the subscription was explicitly cancelled
	StateClosed

	// StateFailed means the subscription was lost to a broker error or a
	// dead connection
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// notificationBuffer bounds the per-subscription dispatch queue
const notificationBuffer = 128

// subscription is one live subscription: its broker-assigned id, its
// caller-supplied handler and the FIFO queue feeding the dispatch
// goroutine. The listener goroutine is the only writer of id and state
// after creation; reads go through the mutex.
type subscription struct {
	alias   string
	handler Handler
	channel Channel
	logger  zerolog.Logger

	queue  chan *protocol.Notification
	unsubd chan struct{}

	mu    sync.Mutex
	id    string
	state State
}

func (s *subscription) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// transition moves the subscription from one state to another and reports
// whether the move happened. Used where a transition must fire exactly
// once, like Active -> Failed on connection loss.
func (s *subscription) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *subscription) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// dispatch drains the queue, delivering notifications to the handler one
// at a time. It exits when the listener closes the queue.
func (s *subscription) dispatch(m *metrics.Metrics) {
	for n := range s.queue {
		s.deliver(n)
		m.NotificationsTotal.Inc()
	}
}

// deliver invokes the handler, converting a panicking callback into an
// OnError report so the dispatch loop survives
func (s *subscription) deliver(n *protocol.Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Notification handler panicked")
			s.reportError(fmt.Errorf("notification handler panicked: %v", r))
		}
	}()
	s.handler.OnNotification(n)
}

// reportError invokes OnError, shielding the caller from a panicking
// error handler
func (s *subscription) reportError(err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Error handler panicked")
		}
	}()
	s.handler.OnError(err)
}

// subscribeResult is the synchronous outcome of a subscribe request
type subscribeResult struct {
	id  string
	err error
}

// subscriptionManager owns the id->subscription mapping, the single
// source of truth for dispatch. One listener goroutine runs per
// subscription channel and is the sole writer of that subscription's
// dispatch state; the mapping itself is guarded by the manager mutex.
type subscriptionManager struct {
	transport Transport
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu   sync.Mutex
	subs map[string]*subscription
}

func newSubscriptionManager(t Transport, logger zerolog.Logger, m *metrics.Metrics) *subscriptionManager {
	return &subscriptionManager{
		transport: t,
		logger:    logger.With().Str("component", "subscriptions").Logger(),
		metrics:   m,
		subs:      make(map[string]*subscription),
	}
}

// subscribe opens a channel, sends the subscribe request and blocks until
// the broker acknowledgment, a broker error, or ctx expiry. Notifications
// that race ahead of the acknowledgment are buffered by the listener and
// delivered in arrival order once the subscription turns active.
func (m *subscriptionManager) subscribe(ctx context.Context, endpoint, sparql, alias string, handler Handler, secure bool) (string, error) {
	if alias == "" {
		alias = "sub-" + uuid.NewString()
	}

	channel, err := m.transport.OpenChannel(ctx, endpoint, secure)
	if err != nil {
		return "", newError(ErrorKindTransportFailure, "failed to open subscription channel", err)
	}

	sub := &subscription{
		alias:   alias,
		handler: handler,
		channel: channel,
		logger:  m.logger.With().Str("alias", alias).Logger(),
		queue:   make(chan *protocol.Notification, notificationBuffer),
		unsubd:  make(chan struct{}),
		state:   StatePending,
	}

	if err := channel.Send(ctx, protocol.SubscribeRequest{
		Subscribe: protocol.SubscribeBody{Sparql: sparql, Alias: alias},
	}); err != nil {
		channel.Close()
		return "", newError(ErrorKindTransportFailure, "failed to send subscribe request", err)
	}

	ackCh := make(chan subscribeResult, 1)
	go sub.dispatch(m.metrics)
	go m.listen(sub, ackCh)

	select {
	case res := <-ackCh:
		if res.err != nil {
			channel.Close()
			return "", res.err
		}
		return res.id, nil
	case <-ctx.Done():
		channel.Close()
		return "", newError(ErrorKindTransportFailure, "no subscribe acknowledgment", ctx.Err())
	}
}

// listen is the per-channel listening goroutine: it handles the
// acknowledgment handshake, routes notifications to the dispatch queue,
// drops traffic for closed subscriptions, and turns a dead connection
// into exactly one ConnectionLost report.
func (m *subscriptionManager) listen(sub *subscription, ackCh chan<- subscribeResult) {
	defer close(sub.queue)

	acked := false
	var pending []*protocol.Notification

	for msg := range sub.channel.Messages() {
		switch {
		case msg.Subscribed != nil:
			if acked {
				sub.logger.Warn().Msg("Duplicate subscribe acknowledgment, ignoring")
				continue
			}
			acked = true
			m.activate(sub, msg.Subscribed.SPUID)
			ackCh <- subscribeResult{id: msg.Subscribed.SPUID}
			for _, n := range pending {
				sub.queue <- n
			}
			pending = nil

		case msg.Notification != nil:
			if !acked {
				// inherent race: the broker may emit before we have
				// processed the acknowledgment
				pending = append(pending, msg.Notification)
				continue
			}
			if sub.currentState() != StateActive {
				m.metrics.NotificationsDroppedTotal.Inc()
				sub.logger.Debug().
					Str("spuid", msg.Notification.SPUID).
					Int("sequence", msg.Notification.Sequence).
					Msg("Dropping notification for inactive subscription")
				continue
			}
			sub.queue <- msg.Notification

		case msg.Unsubscribed != nil:
			if m.deactivate(sub, StateClosed) {
				close(sub.unsubd)
			}

		case msg.Error != nil:
			if !acked {
				acked = true
				sub.setState(StateFailed)
				ackCh <- subscribeResult{err: newError(ErrorKindBrokerRejected, "broker refused subscription", msg.Error)}
				return
			}
			sub.logger.Error().Str("error", msg.Error.Error()).Msg("Broker error on active subscription")
			sub.reportError(newError(ErrorKindBrokerRejected, "broker error on subscription", msg.Error))
		}
	}

	// channel closed underneath us
	if !acked {
		ackCh <- subscribeResult{err: newError(ErrorKindTransportFailure, "channel closed before acknowledgment", nil)}
		return
	}
	if sub.transition(StateActive, StateFailed) {
		m.remove(sub)
		m.metrics.ConnectionLossesTotal.Inc()
		sub.logger.Warn().Str("spuid", sub.id).Msg("Subscription connection lost")
		sub.reportError(newError(ErrorKindConnectionLost, "subscription connection lost", nil))
	}
}

// unsubscribe sends the cancellation and blocks until the broker
// acknowledges it. After it returns, late notifications for the id are
// dropped, never delivered.
func (m *subscriptionManager) unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	m.mu.Unlock()
	if !ok {
		return newError(ErrorKindUnknownSubscription, fmt.Sprintf("no active subscription %q", id), nil)
	}

	if err := sub.channel.Send(ctx, protocol.UnsubscribeRequest{
		Unsubscribe: protocol.UnsubscribeBody{SPUID: id},
	}); err != nil {
		return newError(ErrorKindTransportFailure, "failed to send unsubscribe request", err)
	}

	select {
	case <-sub.unsubd:
	case <-ctx.Done():
		return newError(ErrorKindTransportFailure, "no unsubscribe acknowledgment", ctx.Err())
	}

	sub.channel.Close()
	return nil
}

// activate registers the broker-assigned id and flips the subscription to
// active. Called from the listener goroutine only.
func (m *subscriptionManager) activate(sub *subscription, id string) {
	sub.mu.Lock()
	sub.id = id
	sub.state = StateActive
	sub.mu.Unlock()

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	m.metrics.SubscriptionsActive.Inc()
	sub.logger.Info().Str("spuid", id).Msg("Subscription active")
}

// deactivate flips an active subscription to a terminal state and removes
// it from the mapping. Reports whether the transition happened.
func (m *subscriptionManager) deactivate(sub *subscription, to State) bool {
	if !sub.transition(StateActive, to) {
		return false
	}
	m.remove(sub)
	sub.logger.Info().Str("spuid", sub.id).Str("state", to.String()).Msg("Subscription ended")
	return true
}

func (m *subscriptionManager) remove(sub *subscription) {
	m.mu.Lock()
	delete(m.subs, sub.id)
	m.mu.Unlock()
	m.metrics.SubscriptionsActive.Dec()
}

// closeAll tears down every remaining subscription without waiting for
// broker acknowledgments
func (m *subscriptionManager) closeAll() {
	m.mu.Lock()
	remaining := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		remaining = append(remaining, sub)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range remaining {
		if sub.transition(StateActive, StateClosed) {
			m.metrics.SubscriptionsActive.Dec()
		}
		sub.channel.Close()
	}
}
