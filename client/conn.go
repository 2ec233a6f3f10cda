package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/luma/lumen/protocol"
	"github.com/luma/lumen/transport"
)

// ConnHandlers are called by Conn for things it does not handle itself.
type ConnHandlers struct {
	// Record receives every +RECORD: frame, on the transport's read
	// goroutine. It must not block.
	Record func(resp *protocol.Response)

	// Reconnected runs after a reconnect has authenticated, before the
	// connection is used for anything else.
	Reconnected func(ctx context.Context) error
}

type result struct {
	resp *protocol.Response
	err  error
}

type pendingRequest struct {
	verb  protocol.Verb
	done  chan result
	timer *time.Timer
}

// settle must only be called by whoever removed the request from the queue
func (r *pendingRequest) settle(resp *protocol.Response, err error) {
	if r.timer != nil {
		r.timer.Stop()
	}

	r.done <- result{resp: resp, err: err}
}

// link is one opened transport. Events from a link that is no longer current
// are ignored.
type link struct {
	conn *Conn
	t    transport.Transport
}

func (l *link) OnFrame(frame []byte) {
	l.conn.handleFrame(l, frame)
}

func (l *link) OnClose(err error) {
	l.conn.handleClose(l, err)
}

// Conn owns the authenticated session with the engine. It matches replies to
// requests in the order the requests were sent, renews credentials and
// reconnects when the transport drops.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	options  Options
	handlers ConnHandlers

	// sendMu makes queueing a request and writing it one step, so the
	// queue order is the wire order
	sendMu sync.Mutex

	mu             sync.Mutex
	state          State
	session        Session
	pending        []*pendingRequest
	link           *link
	closing        bool
	renewTimer     *time.Timer
	reconnectTimer *time.Timer
	backoff        *backoff.ExponentialBackOff

	// wasActive is set once a session has been authenticated
	wasActive bool

	errs chan error

	log *zap.Logger
}

func NewConn(options Options, handlers ConnHandlers) *Conn {
	options = options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := &backoff.ExponentialBackOff{
		InitialInterval:     options.ReconnectInterval,
		RandomizationFactor: 0,
		Multiplier:          options.ReconnectGrowth,
		MaxInterval:         options.ReconnectMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	return &Conn{
		ctx:      ctx,
		cancel:   cancel,
		options:  options,
		handlers: handlers,
		state:    StateDisconnected,
		session:  Session{AppKey: options.AppKey},
		backoff:  b,
		errs:     make(chan error, 8),
		log:      options.Log.Named("conn"),
	}
}

// Connect opens the transport and authenticates. An authentication failure
// is returned as ErrAuthentication and is not retried.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed

	case StateActive, StateRenewing:
		c.mu.Unlock()
		return nil

	case StateConnecting, StateAuthenticating, StateReconnecting:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("Failed to connect, already %s", state)
	}
	reconnecting := c.wasActive
	c.mu.Unlock()

	// After giving up, or any earlier session, this restores state like a
	// reconnect would
	if err := c.open(ctx, reconnecting); err != nil {
		c.setStateUnlessClosed(StateDisconnected)
		return err
	}

	return nil
}

// Errors delivers terminal errors, such as giving up on reconnecting.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Conn) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session
}

// Close stops every timer, rejects pending requests and closes the
// transport. Calling it again does nothing.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}

	c.closing = true
	c.state = StateClosed
	c.stopTimers()

	l := c.link
	c.link = nil

	pending := c.pending
	c.pending = nil

	c.session = Session{AppKey: c.options.AppKey}
	c.mu.Unlock()

	c.cancel()

	for _, req := range pending {
		req.settle(nil, fmt.Errorf("%w: client closed", ErrConnectionLost))
	}

	if l != nil && l.t != nil {
		return l.t.Close()
	}

	return nil
}

// SendRequest writes cmd and waits for its reply. Replies are matched to the
// oldest outstanding request. A -FAIL: reply is returned as a *RemoteError.
//
// If ctx is cancelled first the request keeps its place in the queue so the
// next reply still goes to the right caller. A request that times out gives
// up its place, and a reply arriving after that is matched to the next one.
func (c *Conn) SendRequest(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	return c.request(ctx, cmd, false)
}

// SendAuthenticated sends a command carrying the current session
// credentials.
func (c *Conn) SendAuthenticated(ctx context.Context, verb protocol.Verb, fields ...protocol.Field) (*protocol.Response, error) {
	return c.request(ctx, protocol.NewCommand(verb, fields...), true)
}

func (c *Conn) request(ctx context.Context, cmd *protocol.Command, authenticate bool) (*protocol.Response, error) {
	if !cmd.ExpectsResponse() {
		return nil, c.send(cmd)
	}

	req := &pendingRequest{
		verb: cmd.Verb,
		done: make(chan result, 1),
	}

	c.sendMu.Lock()

	c.mu.Lock()
	if err := c.checkSendable(cmd.Verb); err != nil {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return nil, err
	}

	if authenticate {
		cmd = cmd.With(
			protocol.F(protocol.KeyClientID, c.session.ClientID),
			protocol.F(protocol.KeyHash, c.session.ClientHash),
		)
	}

	l := c.link
	c.pending = append(c.pending, req)
	req.timer = time.AfterFunc(c.options.RequestTimeout, func() {
		if c.remove(req) {
			req.settle(nil, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd.Verb, c.options.RequestTimeout))
		}
	})
	c.mu.Unlock()

	err := l.t.Send([]byte(cmd.String()))
	c.sendMu.Unlock()

	if err != nil && c.remove(req) {
		req.settle(nil, fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}

	select {
	case r := <-req.done:
		return r.resp, r.err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send writes a command that gets no reply.
func (c *Conn) send(cmd *protocol.Command) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil || l.t == nil {
		return ErrNotConnected
	}

	return l.t.Send([]byte(cmd.String()))
}

// checkSendable must be called with c.mu held
func (c *Conn) checkSendable(verb protocol.Verb) error {
	if c.closing {
		return ErrClosed
	}

	if c.link == nil || c.link.t == nil {
		return ErrNotConnected
	}

	if c.state.canSend() || (verb == protocol.CONN && c.state == StateAuthenticating) {
		return nil
	}

	return fmt.Errorf("%w: client is %s", ErrNotConnected, c.state)
}

// remove takes req out of the queue. It returns false if something else
// already did.
func (c *Conn) remove(req *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.pending {
		if r == req {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}

	return false
}

func (c *Conn) popOldest() *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	req := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]

	return req
}

// current returns l's transport if l is still the live link.
func (c *Conn) current(l *link) (transport.Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return l.t, c.link == l
}

func (c *Conn) handleFrame(l *link, frame []byte) {
	t, ok := c.current(l)
	if !ok {
		return
	}

	resp, err := protocol.DecodeResponse(frame)
	if err != nil {
		c.log.Warn("Failed to decode frame", zap.Error(err))
		return
	}

	switch {
	case resp.IsKeepalive():
		if t == nil {
			return
		}

		if err := t.Send([]byte(protocol.PONG)); err != nil {
			c.log.Warn("Failed to answer PING", zap.Error(err))
		}

	case resp.IsStreamed():
		if c.handlers.Record != nil {
			c.handlers.Record(resp)
		}

	case resp.Type == protocol.RespPass, resp.Type == protocol.RespFail, resp.Type == protocol.RespReplay:
		req := c.popOldest()
		if req == nil {
			c.log.Warn("Received a reply with no request waiting", zap.ByteString("frame", frame))
			return
		}

		if failure := resp.ErrorOrNil(); failure != nil {
			req.settle(nil, newRemoteError(req.verb, failure.Error()))
			return
		}

		req.settle(resp, nil)

	default:
		c.log.Warn("Ignoring unrecognized frame", zap.ByteString("frame", frame))
	}
}

// handleClose runs when a transport closes under us.
func (c *Conn) handleClose(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}

	wasActive := c.state.canSend()

	c.link = nil
	c.session.Authenticated = false
	c.stopTimers()

	pending := c.pending
	c.pending = nil

	if wasActive {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	c.log.Info("Connection lost", zap.Error(cause), zap.Int("pending", len(pending)))

	for _, req := range pending {
		req.settle(nil, fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	}

	// A failed handshake is reported by open() to whoever called it
	if wasActive {
		c.scheduleReconnect()
	}
}

// drop abandons l as if its transport had closed.
func (c *Conn) drop(l *link, cause error) {
	if l.t != nil {
		l.t.Close()
	}

	c.handleClose(l, cause)
}

// open dials and authenticates. It does not schedule any retries.
func (c *Conn) open(ctx context.Context, reconnecting bool) error {
	l := &link{conn: c}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	c.link = l
	c.mu.Unlock()

	t, err := c.options.Dialer.Dial(ctx, l)
	if err != nil {
		c.detach(l)
		return fmt.Errorf("Failed to dial: %w", err)
	}

	c.mu.Lock()
	if c.closing || c.link != l {
		c.mu.Unlock()
		t.Close()
		return ErrClosed
	}
	l.t = t
	c.state = StateAuthenticating
	c.mu.Unlock()

	resp, err := c.SendRequest(ctx, protocol.NewCommand(protocol.CONN,
		protocol.F(protocol.KeyAppKey, c.options.AppKey),
	))
	if err != nil {
		c.detach(l)
		return err
	}

	values, err := resp.Values()
	if err != nil || values["clientId"] == "" || values["clientHash"] == "" {
		c.detach(l)
		return fmt.Errorf("%w: unexpected reply '%s'", ErrAuthentication, resp.Text())
	}

	c.mu.Lock()
	if c.closing || c.link != l {
		c.mu.Unlock()
		return ErrClosed
	}

	c.session.ClientID = values["clientId"]
	c.session.ClientHash = values["clientHash"]
	c.session.Authenticated = true
	c.session.ReconnectAttempts = 0
	c.state = StateActive
	c.wasActive = true
	c.backoff.Reset()
	c.scheduleRenew()
	c.mu.Unlock()

	c.log.Info("Authenticated",
		zap.String("clientId", values["clientId"]),
		zap.Bool("reconnect", reconnecting))

	if reconnecting && c.handlers.Reconnected != nil {
		if err := c.handlers.Reconnected(ctx); err != nil {
			c.log.Warn("Failed to restore state after reconnecting", zap.Error(err))
		}
	}

	return nil
}

// detach forgets l without treating it as a connection loss, then closes it.
func (c *Conn) detach(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()

	if l.t != nil {
		l.t.Close()
	}
}

// scheduleRenew must be called with c.mu held
func (c *Conn) scheduleRenew() {
	if c.options.RenewInterval < 0 {
		return
	}

	c.renewTimer = time.AfterFunc(c.options.RenewInterval, c.renew)
}

func (c *Conn) renew() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}

	c.state = StateRenewing
	clientID := c.session.ClientID
	l := c.link
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.options.RequestTimeout)
	defer cancel()

	resp, err := c.SendRequest(ctx, protocol.NewCommand(protocol.RENEW,
		protocol.F(protocol.KeyClientID, clientID),
	))
	if err == nil {
		var values map[string]string
		if values, err = resp.Values(); err == nil && values["clientId"] == "" {
			err = fmt.Errorf("%w: unexpected reply '%s'", ErrRenew, resp.Text())
		}

		if err == nil {
			c.mu.Lock()
			if c.link == l && c.state == StateRenewing {
				c.session.ClientID = values["clientId"]
				if hash := values["clientHash"]; hash != "" {
					c.session.ClientHash = hash
				}
				c.state = StateActive
				c.scheduleRenew()
			}
			c.mu.Unlock()

			c.log.Debug("Renewed session", zap.String("clientId", values["clientId"]))
			return
		}
	}

	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrClosed) {
		// Already being handled
		return
	}

	c.log.Warn("Failed to renew session, reconnecting", zap.Error(err))
	c.drop(l, err)
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return
	}

	delay := c.backoff.NextBackOff()
	c.state = StateReconnecting

	c.log.Info("Reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.session.ReconnectAttempts+1))

	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
}

func (c *Conn) reconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.session.ReconnectAttempts++
	attempt := c.session.ReconnectAttempts
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.options.RequestTimeout)
	defer cancel()

	err := c.open(ctx, true)
	switch {
	case err == nil:
		c.log.Info("Reconnected", zap.Int("attempts", attempt))
		return

	case errors.Is(err, ErrClosed):
		return

	case errors.Is(err, ErrAuthentication):
		c.giveUp(err)
		return
	}

	c.log.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))

	if attempt >= c.options.MaxReconnectAttempts {
		c.giveUp(fmt.Errorf("%w after %d attempts: %v", ErrGivenUp, attempt, err))
		return
	}

	c.scheduleReconnect()
}

func (c *Conn) giveUp(err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.state = StateGivenUp
	c.mu.Unlock()

	c.log.Error("Giving up on the connection", zap.Error(err))

	select {
	case c.errs <- err:
	default:
		c.log.Warn("Error channel full, dropping error", zap.Error(err))
	}
}

func (c *Conn) setStateUnlessClosed(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closing {
		c.state = state
	}
}

// stopTimers must be called with c.mu held
func (c *Conn) stopTimers() {
	if c.renewTimer != nil {
		c.renewTimer.Stop()
		c.renewTimer = nil
	}

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}
