package distribution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

// ErrConnectionClosed is returned for work sent to a closed connection
var ErrConnectionClosed = errors.New("connection closed")

// maxSendFailures consecutive failed writes close the connection
const maxSendFailures = 3

// State is the lifecycle position of a connection
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Transport writes messages to one client. Send is only ever called from the
// connection's own goroutine.
type Transport interface {
	Send(ctx context.Context, v interface{}) error
	Close(reason string) error
}

// hooks lets a connection call back into its distributor
type hooks interface {
	updateWatchlist(ctx context.Context, c *Connection, tickers []string) ([]string, error)
	undelivered(c *Connection, alerts []*domain.DivergenceAlert)
	heartbeat(c *Connection)
	closed(c *Connection)
}

// Options tune connection behavior
type Options struct {
	BatchInterval    time.Duration
	HeartbeatTimeout time.Duration
	SendTimeout      time.Duration
	// DeliveredTTL bounds how long sent alert ids are remembered
	DeliveredTTL time.Duration
	// ClientRateLimit is client messages per second, with an equal burst
	ClientRateLimit int
	InboxSize       int
}

func (o Options) withDefaults() Options {
	if o.BatchInterval <= 0 {
		o.BatchInterval = 5 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 90 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.DeliveredTTL <= 0 {
		o.DeliveredTTL = 24 * time.Hour
	}
	if o.ClientRateLimit <= 0 {
		o.ClientRateLimit = 10
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	return o
}

type commandKind int

const (
	cmdDeliver commandKind = iota
	cmdClient
	cmdSend
	cmdSendBatch
	cmdFlush
)

type command struct {
	alert   *domain.DivergenceAlert
	payload interface{}
	reply   chan error
	action  string
	msg     ClientMessage
	batch   []AlertEnvelope
	kind    commandKind
	limited bool
}

// Connection is an actor owning one client's buffer, batch ticker and
// delivered table. All sends happen on its goroutine.
type Connection struct {
	ctx       context.Context
	hooks     hooks
	transport Transport
	limiter   *rate.Limiter
	metrics   *metrics.Registry
	now       func() time.Time
	cancel    context.CancelFunc
	inbox     chan command
	stopped   chan struct{}
	log       zerolog.Logger
	ID        string
	UserID    string
	watchlist []string
	opts      Options
	closeOnce sync.Once
	watchMu   sync.RWMutex
	// inboxMu guards sealed; Deliver holds it shared across the inbox send
	inboxMu   sync.RWMutex
	sealed    bool
	state     atomic.Int32
	lastSeen  atomic.Int64

	// owned by run
	buffer       []AlertEnvelope
	delivered    map[string]time.Time
	sendFailures int
}

func newConnection(id, userID string, transport Transport, h hooks, opts Options, reg *metrics.Registry, log zerolog.Logger, now func() time.Time) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ctx:       ctx,
		cancel:    cancel,
		hooks:     h,
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(opts.ClientRateLimit), opts.ClientRateLimit),
		metrics:   reg,
		now:       now,
		inbox:     make(chan command, opts.InboxSize),
		stopped:   make(chan struct{}),
		log:       log.With().Str("connection_id", id).Str("user_id", userID).Logger(),
		ID:        id,
		UserID:    userID,
		opts:      opts,
		delivered: make(map[string]time.Time),
	}
	c.state.Store(int32(StateConnected))
	c.lastSeen.Store(now().UnixMilli())
	return c
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Done is closed once the connection starts shutting down
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Stopped is closed after the actor goroutine and its ticker are gone
func (c *Connection) Stopped() <-chan struct{} {
	return c.stopped
}

// Watchlist returns a copy of the tickers this connection follows
func (c *Connection) Watchlist() []string {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	return append([]string(nil), c.watchlist...)
}

// Watches reports whether the ticker is on the watch-list
func (c *Connection) Watches(ticker string) bool {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	for _, t := range c.watchlist {
		if t == ticker {
			return true
		}
	}
	return false
}

func (c *Connection) setWatchlist(tickers []string) []string {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	old := c.watchlist
	c.watchlist = append([]string(nil), tickers...)
	return old
}

func (c *Connection) start() {
	go c.run()
}

// Deliver hands an alert to the actor without blocking. It reports false
// when the connection is closed or its inbox is full.
func (c *Connection) Deliver(alert *domain.DivergenceAlert, action string) bool {
	c.inboxMu.RLock()
	defer c.inboxMu.RUnlock()
	if c.sealed || c.ctx.Err() != nil {
		return false
	}
	select {
	case c.inbox <- command{kind: cmdDeliver, alert: alert, action: action}:
		return true
	default:
		c.log.Warn().Str("alert_id", alert.ID).Msg("Connection inbox full")
		return false
	}
}

// HandleClient processes one inbound client message, subject to rate limiting
func (c *Connection) HandleClient(msg ClientMessage) {
	c.lastSeen.Store(c.now().UnixMilli())
	cmd := command{kind: cmdClient, msg: msg}
	if !c.limiter.Allow() {
		c.metrics.Inc(metrics.ClientRateLimited)
		cmd.limited = true
	}
	select {
	case c.inbox <- cmd:
	case <-c.ctx.Done():
	default:
		c.log.Warn().Str("type", msg.Type).Msg("Dropping client message, inbox full")
	}
}

// Send writes an arbitrary message through the actor and waits for the result
func (c *Connection) Send(ctx context.Context, payload interface{}) error {
	return c.call(ctx, command{kind: cmdSend, payload: payload})
}

// SendBatch writes envelopes as one alert_batch, skipping alerts this
// connection already delivered. An empty result sends nothing.
func (c *Connection) SendBatch(ctx context.Context, envelopes []AlertEnvelope) error {
	return c.call(ctx, command{kind: cmdSendBatch, batch: envelopes})
}

// Flush sends the buffered batch now instead of waiting for the tick
func (c *Connection) Flush(ctx context.Context) error {
	return c.call(ctx, command{kind: cmdFlush})
}

func (c *Connection) call(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.inbox <- cmd:
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.stopped:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down exactly once
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.setState(StateDisconnected)
		if err := c.transport.Close(reason); err != nil {
			c.log.Debug().Err(err).Msg("Transport close failed")
		}
		c.hooks.closed(c)
		c.log.Info().Str("reason", reason).Msg("Connection closed")
	})
}

func (c *Connection) run() {
	ticker := time.NewTicker(c.opts.BatchInterval)
	defer func() {
		ticker.Stop()
		c.teardown()
		close(c.stopped)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.inbox:
			c.handle(cmd)
		case <-ticker.C:
			if c.heartbeatExpired() {
				c.metrics.Inc(metrics.HeartbeatTimeouts)
				c.Close("heartbeat timeout")
				return
			}
			_ = c.flush()
			c.pruneDelivered()
		}
	}
}

// teardown hands alerts that never reached the client to the offline path:
// the unsent batch buffer plus inserts still waiting in the inbox. Once the
// inbox is sealed Deliver refuses new work, so nothing accepted is lost.
func (c *Connection) teardown() {
	c.inboxMu.Lock()
	c.sealed = true
	c.inboxMu.Unlock()

	alerts := make([]*domain.DivergenceAlert, 0, len(c.buffer))
	for _, env := range c.buffer {
		alerts = append(alerts, env.Data)
	}
	c.buffer = nil

drain:
	for {
		select {
		case cmd := <-c.inbox:
			switch {
			case cmd.kind == cmdDeliver && cmd.action == ActionInsert:
				if _, seen := c.delivered[deliveredKey(cmd.action, cmd.alert.ID)]; !seen {
					alerts = append(alerts, cmd.alert)
				}
			case cmd.reply != nil:
				cmd.reply <- ErrConnectionClosed
			}
		default:
			break drain
		}
	}

	if len(alerts) == 0 {
		return
	}
	c.log.Debug().Int("alerts", len(alerts)).Msg("Requeueing undelivered alerts")
	c.hooks.undelivered(c, alerts)
}

func (c *Connection) handle(cmd command) {
	var err error
	switch cmd.kind {
	case cmdDeliver:
		c.deliver(cmd.alert, cmd.action)
	case cmdClient:
		if cmd.limited {
			_ = c.send(ErrorMessage{Type: TypeError, Message: "rate limit exceeded"})
			break
		}
		c.handleClient(cmd.msg)
	case cmdSend:
		err = c.send(cmd.payload)
	case cmdSendBatch:
		err = c.sendBatch(cmd.batch)
	case cmdFlush:
		err = c.flush()
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func deliveredKey(action, alertID string) string {
	return action + ":" + alertID
}

func (c *Connection) deliver(alert *domain.DivergenceAlert, action string) {
	key := deliveredKey(action, alert.ID)
	if _, seen := c.delivered[key]; seen {
		return
	}

	env := NewAlertEnvelope(alert, action, c.now())
	if !alert.Severity.IsUrgent() {
		c.buffer = append(c.buffer, env)
		c.delivered[key] = c.now()
		return
	}

	env.Priority = PriorityImmediate
	if err := c.send(env); err != nil {
		c.hooks.undelivered(c, []*domain.DivergenceAlert{alert})
		return
	}
	c.delivered[key] = c.now()
	c.metrics.Inc(metrics.DeliveriesLive)
}

func (c *Connection) flush() error {
	if len(c.buffer) == 0 {
		return nil
	}
	msg := BatchMessage{
		Type:      TypeAlertBatch,
		Count:     len(c.buffer),
		Alerts:    c.buffer,
		Timestamp: c.now().UnixMilli(),
	}
	if err := c.send(msg); err != nil {
		return err
	}
	c.metrics.Counter(metrics.DeliveriesLive).Add(int64(len(c.buffer)))
	c.buffer = nil
	return nil
}

func (c *Connection) sendBatch(envelopes []AlertEnvelope) error {
	fresh := make([]AlertEnvelope, 0, len(envelopes))
	for _, env := range envelopes {
		if env.Data == nil {
			continue
		}
		if _, seen := c.delivered[deliveredKey(env.Action, env.Data.ID)]; seen {
			continue
		}
		fresh = append(fresh, env)
	}
	if len(fresh) == 0 {
		return nil
	}

	msg := BatchMessage{
		Type:      TypeAlertBatch,
		Count:     len(fresh),
		Alerts:    fresh,
		Timestamp: c.now().UnixMilli(),
	}
	if err := c.send(msg); err != nil {
		return err
	}
	for _, env := range fresh {
		c.delivered[deliveredKey(env.Action, env.Data.ID)] = c.now()
	}
	return nil
}

func (c *Connection) handleClient(msg ClientMessage) {
	var reply interface{}
	switch msg.Type {
	case TypeHeartbeat:
		c.hooks.heartbeat(c)
		reply = HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: c.now().UnixMilli()}
	case TypeUpdateWatchlist:
		tickers, err := c.hooks.updateWatchlist(c.ctx, c, msg.Tickers)
		if err != nil {
			reply = ErrorMessage{Type: TypeError, Message: err.Error()}
			break
		}
		reply = WatchlistMessage{Type: TypeWatchlistUpdated, Tickers: tickers}
	default:
		reply = ErrorMessage{Type: TypeError, Message: "unknown message type: " + msg.Type}
	}
	_ = c.send(reply)
}

func (c *Connection) send(v interface{}) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.SendTimeout)
	defer cancel()

	if err := c.transport.Send(ctx, v); err != nil {
		c.sendFailures++
		c.metrics.Inc(metrics.DeliveryFailures)
		c.log.Warn().Err(err).Int("failures", c.sendFailures).Msg("Send failed")
		if c.sendFailures >= maxSendFailures {
			c.Close("send failures")
		}
		return err
	}
	c.sendFailures = 0
	return nil
}

func (c *Connection) heartbeatExpired() bool {
	last := time.UnixMilli(c.lastSeen.Load())
	return c.now().Sub(last) > c.opts.HeartbeatTimeout
}

func (c *Connection) pruneDelivered() {
	cutoff := c.now().Add(-c.opts.DeliveredTTL)
	for k, at := range c.delivered {
		if at.Before(cutoff) {
			delete(c.delivered, k)
		}
	}
}
