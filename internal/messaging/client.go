// Package messaging keeps a resilient MQTT session: one reconnect loop with
// exponential backoff, per-topic handlers that survive reconnects and a
// synchronous publish that reports success and a diagnostic.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/logger"
)

const notConnectedMsg = "not connected to any broker"

type Config struct {
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
}

type Client struct {
	dial   Dialer
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	opts     Options
	session  Session
	handlers map[string]Handler
	backoff  *Backoff
	observer StateObserver
	// generation changes on every connect and every Reconnect, so a
	// late onLost from a replaced session is ignored.
	generation uint64
	// pending is true while an attempt is scheduled or running.
	pending bool
	timer   *time.Timer
	ready   chan struct{}
	closed  bool
}

func New(dial Dialer, opts Options, cfg Config, log logger.Logger) *Client {
	if dial == nil {
		dial = DialPaho
	}
	if log == nil {
		log = logger.New("messaging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		dial:     dial,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		opts:     opts,
		handlers: make(map[string]Handler),
		backoff:  NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
		ready:    make(chan struct{}),
	}

	go c.loop()

	return c
}

// OnState registers the connection observer.
func (c *Client) OnState(fn StateObserver) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// Configure replaces the broker options used by the next attempt without
// touching a live session.
func (c *Client) Configure(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// Connect asks the reconnect loop for a session and returns immediately.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return
	}
	c.scheduleLocked(0)
}

// AwaitConnection blocks until a session is up or ctx is done.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return errors.New().Wrap(ErrNotConnected, ctx.Err())
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Publish sends payload and waits for the broker. It never panics; the
// message explains the outcome.
func (c *Client) Publish(topic string, payload []byte) (ok bool, msg string) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return false, notConnectedMsg
	}

	defer func() {
		if r := recover(); r != nil {
			ok, msg = false, fmt.Sprintf("failed to send message to topic %s: %v", topic, r)
		}
	}()

	if err := sess.Publish(topic, payload); err != nil {
		return false, fmt.Sprintf("failed to send message to topic %s: %v", topic, err)
	}

	return true, fmt.Sprintf("sent topic: %s", topic)
}

// Subscribe sets the handler for topic, replacing any earlier one. The
// subscription is renewed after every reconnect.
func (c *Client) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	_, existed := c.handlers[topic]
	c.handlers[topic] = h
	sess := c.session
	c.mu.Unlock()

	if sess == nil || existed {
		return nil
	}

	return c.subscribe(sess, topic)
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	_, existed := c.handlers[topic]
	delete(c.handlers, topic)
	sess := c.session
	c.mu.Unlock()

	if sess == nil || !existed {
		return nil
	}

	if err := sess.Unsubscribe(topic); err != nil {
		return errors.New().Wrap(ErrSubscribe, err)
	}
	return nil
}

// Reconnect drops the session, adopts opts and connects again at once.
func (c *Client) Reconnect(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.generation++
	old := c.dropSessionLocked()
	c.backoff.Reset()

	if c.pending && c.timer != nil && c.timer.Stop() {
		c.timer = nil
		c.signal()
	} else {
		c.scheduleLocked(0)
	}
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	c.logger.Info().Str("broker", opts.Broker()).Msg("Reconnecting with new broker options")
}

// Close stops the reconnect loop and closes the session.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	sess := c.dropSessionLocked()
	c.mu.Unlock()

	c.cancel()
	<-c.done

	if sess != nil {
		sess.Close()
	}
}

func (c *Client) loop() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
			c.attempt()
		}
	}
}

func (c *Client) attempt() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.session != nil {
		c.pending = false
		c.mu.Unlock()
		return
	}
	opts := c.opts
	gen := c.generation
	c.mu.Unlock()

	ctx := c.ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	sess, err := c.dial(ctx, opts, func(err error) { c.lost(gen+1, err) })

	c.mu.Lock()
	c.pending = false

	if c.closed {
		c.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		return
	}

	if err != nil {
		delay := c.backoff.Next()
		if c.generation != gen {
			delay = 0
		}
		c.scheduleLocked(delay)
		obs := c.observer
		c.mu.Unlock()

		c.logger.Warn().
			Err(err).
			Str("broker", opts.Broker()).
			Dur("retry_in", delay).
			Msg("Failed to connect to broker")
		if obs != nil {
			obs(false, err)
		}
		return
	}

	if c.generation != gen {
		// Options changed while dialing.
		c.scheduleLocked(0)
		c.mu.Unlock()
		sess.Close()
		return
	}

	c.session = sess
	c.generation = gen + 1
	c.backoff.Reset()
	close(c.ready)
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	obs := c.observer
	c.mu.Unlock()

	c.logger.Info().Str("broker", opts.Broker()).Msg("Connected to broker")

	for _, topic := range topics {
		if err := c.subscribe(sess, topic); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to renew subscription")
		}
	}

	if obs != nil {
		obs(true, nil)
	}
}

func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || c.generation != gen || c.session == nil {
		c.mu.Unlock()
		return
	}
	old := c.dropSessionLocked()
	delay := c.backoff.Next()
	c.scheduleLocked(delay)
	obs := c.observer
	c.mu.Unlock()

	old.Close()

	c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Broker connection lost")
	if obs != nil {
		obs(false, err)
	}
}

// dropSessionLocked clears the session and re-arms ready. It returns the
// old session for the caller to close outside the lock.
func (c *Client) dropSessionLocked() Session {
	old := c.session
	if old != nil {
		c.session = nil
		c.ready = make(chan struct{})
	}
	return old
}

// scheduleLocked arranges one attempt after delay unless one is already
// pending.
func (c *Client) scheduleLocked(delay time.Duration) {
	if c.pending || c.closed {
		return
	}
	c.pending = true

	if delay <= 0 {
		c.signal()
		return
	}
	c.timer = time.AfterFunc(delay, c.signal)
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) subscribe(sess Session, topic string) error {
	err := sess.Subscribe(topic, func(msgTopic string, payload []byte) {
		c.dispatch(topic, msgTopic, payload)
	})
	if err != nil {
		return errors.New().Wrap(ErrSubscribe, err)
	}
	return nil
}

// dispatch runs the current handler of the subscription. Handler errors
// and panics stay here.
func (c *Client) dispatch(subscription, topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[subscription]
	c.mu.Unlock()

	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("topic", topic).
				Interface("panic", r).
				Msg("Message handler panicked")
		}
	}()

	if err := h(topic, payload); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("Message handler failed")
	}
}
