package gqlx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/poohvpn/gqlx/gqlws"
)

const (
	defaultReconnectMin    = time.Second
	defaultReconnectMax    = 30 * time.Second
	defaultRestartCooldown = 2 * time.Second
	defaultPingInterval    = 10 * time.Second
	defaultPingTimeout     = 5 * time.Second
	defaultStateBuffer     = 16

	reconnectJitter = 0.5
	writeTimeout    = 10 * time.Second
	stateTopic      = "state"
)

// StateChange is published on every connection state transition.
type StateChange struct {
	From gqlws.Status
	To   gqlws.Status
	// Code is the close code of the socket that was lost, if any
	Code int
	// RetryIn is the delay before the dial a Closed to Connecting change announces
	RetryIn time.Duration
	At      time.Time
}

// WSClient owns one graphql-transport-ws connection and keeps it alive: it dials
// lazily, reconnects with jittered backoff, sends heartbeats and restarts on request.
type WSClient struct {
	*WSOption

	endpoint string
	log      *zap.Logger
	fsm      *gqlws.Machine
	bus      *pubsub.PubSub
	busOnce  sync.Once
	busMu    sync.RWMutex
	busDone  bool

	reconnectBackoff *backoff.Backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conn           *websocket.Conn
	localClose     int
	subs           map[string]*wsSub
	unsent         []*wsSub
	openWaiters    []chan struct{}
	restartPending bool
	lastRestart    time.Time
	hbStop         chan struct{}
	pong           chan struct{}
	started        bool
	terminated     bool

	msgWriteMutex sync.Mutex
}

type wsSub struct {
	id   string
	ctx  context.Context
	msg  *gqlws.Message
	out  *sink
	sent bool
}

type rawResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors GraphQLErrors   `json:"errors"`
}

func NewWSClient(endpoint string, opt ...WSOption) *WSClient {
	o := WSOption{}
	if len(opt) > 0 {
		o = opt[0]
	}
	return newWSClient(endpoint, o, nil)
}

func newWSClient(endpoint string, opt WSOption, metrics *Metrics) *WSClient {
	client := &WSClient{
		WSOption: &opt,
		endpoint: endpoint,
		fsm:      gqlws.NewMachine(),
		subs:     make(map[string]*wsSub),
	}
	if client.Logger == nil {
		client.Logger = zap.NewNop()
	}
	client.log = client.Logger.With(zap.String("component", "ws"))
	if client.Dialer == nil {
		client.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}
	if len(client.Dialer.Subprotocols) == 0 {
		d := *client.Dialer
		d.Subprotocols = []string{gqlws.Subprotocol}
		client.Dialer = &d
	}
	if client.ReconnectMin <= 0 {
		client.ReconnectMin = defaultReconnectMin
	}
	if client.ReconnectMax <= 0 {
		client.ReconnectMax = defaultReconnectMax
	}
	if client.RestartCooldown <= 0 {
		client.RestartCooldown = defaultRestartCooldown
	}
	if client.PingInterval <= 0 {
		client.PingInterval = defaultPingInterval
	}
	if client.PingTimeout <= 0 {
		client.PingTimeout = defaultPingTimeout
	}
	if client.StateBuffer <= 0 {
		client.StateBuffer = defaultStateBuffer
	}
	client.reconnectBackoff = &backoff.Backoff{
		Factor: 2,
		Min:    client.ReconnectMin,
		Max:    client.ReconnectMax,
	}
	client.bus = pubsub.New(client.StateBuffer)
	client.ctx, client.cancel = context.WithCancel(context.Background())
	if metrics != nil {
		ch := client.bus.Sub(stateTopic)
		go func() {
			for v := range ch {
				metrics.stateChanged(v.(StateChange))
			}
		}()
	}
	return client
}

// State is the current connection state.
func (c *WSClient) State() gqlws.Status {
	return c.fsm.Status()
}

// StateChanges returns a channel receiving every StateChange. The channel must be
// drained until Unwatch, a stalled reader stalls the connection manager.
func (c *WSClient) StateChanges() chan interface{} {
	return c.bus.Sub(stateTopic)
}

func (c *WSClient) Unwatch(ch chan interface{}) {
	c.busMu.RLock()
	defer c.busMu.RUnlock()
	if !c.busDone {
		c.bus.Unsub(ch, stateTopic)
	}
}

func (c *WSClient) publish(sc StateChange) {
	sc.At = time.Now()
	c.log.Info("websocket state changed",
		zap.Stringer("from", sc.From),
		zap.Stringer("to", sc.To),
		zap.Int("code", sc.Code),
		zap.Duration("retry_in", sc.RetryIn),
	)
	c.busMu.RLock()
	defer c.busMu.RUnlock()
	if !c.busDone {
		c.bus.Pub(sc, stateTopic)
	}
}

// Connect dials if nothing did yet and waits until the connection is open.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.fsm.Status() == gqlws.StatusOpen {
		c.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	c.openWaiters = append(c.openWaiters, w)
	c.mu.Unlock()

	c.start()
	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

func (c *WSClient) start() {
	c.mu.Lock()
	if c.started || c.terminated {
		c.mu.Unlock()
		return
	}
	c.started = true
	from, to, err := c.fsm.Fire(gqlws.EventConnect)
	c.mu.Unlock()
	if err != nil {
		c.log.Error("start websocket", zap.Error(err))
		return
	}
	c.publish(StateChange{From: from, To: to})
	go c.loop()
}

// Subscribe starts op on the socket. Until the socket is open the subscribe message
// waits in a queue. The stream completes when the server completes it, when ctx is
// done or when the socket restarts; a lost socket ends it with a *TransportError.
func (c *WSClient) Subscribe(ctx context.Context, op *Operation) <-chan Result {
	if ctx.Err() != nil {
		return closedStream()
	}
	s := &wsSub{
		id:  uuid.NewString(),
		ctx: ctx,
		out: newSink(8),
	}
	s.msg = &gqlws.Message{
		Type: gqlws.MsgTypeSubscribe,
		ID:   s.id,
		Payload: gqlws.SubscribePayload{
			Query:         op.Query,
			Variables:     op.Variables,
			OperationName: op.OperationName,
		},
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		s.out.emit(ctx, Result{Err: ErrClientClosed})
		s.out.finish()
		return s.out.c
	}
	c.subs[s.id] = s
	conn := c.conn
	open := conn != nil && c.fsm.Status() == gqlws.StatusOpen
	if open {
		s.sent = true
	} else {
		c.unsent = append(c.unsent, s)
	}
	c.mu.Unlock()

	c.start()
	go c.watch(s)
	if open {
		if err := c.sendMessage(conn, s.msg); err != nil {
			if c.removeSub(s.id) {
				s.out.emit(ctx, Result{Err: errors.Wrap(err, "send subscribe")})
				s.out.finish()
			}
		}
	}
	return s.out.c
}

// watch unsubscribes s once its caller is gone.
func (c *WSClient) watch(s *wsSub) {
	select {
	case <-s.ctx.Done():
	case <-s.out.stop:
		return
	}
	c.mu.Lock()
	_, ok := c.subs[s.id]
	delete(c.subs, s.id)
	conn := c.conn
	sent := s.sent
	c.mu.Unlock()
	if !ok {
		return
	}
	if sent && conn != nil {
		_ = c.sendMessage(conn, &gqlws.Message{Type: gqlws.MsgTypeComplete, ID: s.id})
	}
	s.out.finish()
}

// removeSub deletes id and reports whether this caller owns finishing it.
func (c *WSClient) removeSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

// Restart closes an open socket with gqlws.CloseRestart so it reconnects at once.
// Requests within RestartCooldown of the last restart are dropped, whatever the
// state; other requests made before the socket is open run once it opens.
func (c *WSClient) Restart() {
	c.mu.Lock()
	var sc *StateChange
	switch c.fsm.Status() {
	case gqlws.StatusRestarting:
	case gqlws.StatusOpen:
		if c.coolingDownLocked() {
			c.log.Debug("restart within cooldown ignored")
		} else {
			sc = c.restartLocked()
		}
	default:
		if c.coolingDownLocked() {
			c.log.Debug("restart within cooldown ignored")
		} else if !c.terminated {
			c.restartPending = true
		}
	}
	c.mu.Unlock()
	if sc != nil {
		c.publish(*sc)
	}
}

// coolingDownLocked reports whether the last physical restart is within RestartCooldown.
func (c *WSClient) coolingDownLocked() bool {
	return !c.lastRestart.IsZero() && time.Since(c.lastRestart) < c.RestartCooldown
}

func (c *WSClient) restartLocked() *StateChange {
	from, to, err := c.fsm.Fire(gqlws.EventRestart)
	if err != nil {
		c.log.Error("restart websocket", zap.Error(err))
		return nil
	}
	c.lastRestart = time.Now()
	c.closeConnLocked(c.conn, gqlws.CloseRestart, "Client Restart")
	return &StateChange{From: from, To: to}
}

// closeConnLocked sends a close frame with code and drops conn. The read loop sees
// the loss and attributes it to code.
func (c *WSClient) closeConnLocked(conn *websocket.Conn, code int, reason string) {
	if conn == nil || conn != c.conn || c.localClose != 0 {
		return
	}
	c.localClose = code
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (c *WSClient) loop() {
	for {
		code, err := c.connectOnce()

		c.mu.Lock()
		terminated := c.terminated
		c.mu.Unlock()
		if terminated {
			return
		}
		to := c.lost(code, err)
		if to == gqlws.StatusConnecting {
			continue
		}

		if c.ReconnectAttempts > 0 && c.reconnectBackoff.Attempt() >= float64(c.ReconnectAttempts) {
			c.giveUp()
			return
		}
		delay := jittered(c.reconnectBackoff.Duration(), reconnectJitter)
		c.mu.Lock()
		from, to, ferr := c.fsm.Fire(gqlws.EventConnect)
		c.mu.Unlock()
		if ferr != nil {
			c.log.Error("reconnect websocket", zap.Error(ferr))
			return
		}
		c.publish(StateChange{From: from, To: to, Code: code, RetryIn: delay})

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce dials, sends connection_init and reads until the socket is lost.
func (c *WSClient) connectOnce() (int, error) {
	httpHeaders := make(http.Header)
	conn, httpResp, err := c.Dialer.DialContext(c.ctx, c.endpoint, httpHeaders)
	if err != nil {
		var savedBody []byte
		if httpResp != nil && httpResp.Body != nil {
			savedBody, _ = io.ReadAll(httpResp.Body)
			_ = httpResp.Body.Close()
		}
		return 0, &DetailError{
			OriginError: err,
			Response:    httpResp,
			Content:     string(savedBody),
		}
	}

	var params map[string]interface{}
	if c.ConnectionParams != nil {
		params, err = c.ConnectionParams(c.ctx)
		if err != nil {
			_ = conn.Close()
			return 0, errors.Wrap(err, "connection params")
		}
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		_ = conn.Close()
		return websocket.CloseNormalClosure, ErrClientClosed
	}
	c.conn = conn
	c.localClose = 0
	c.mu.Unlock()

	init := &gqlws.Message{Type: gqlws.MsgTypeConnectionInit}
	if params != nil {
		init.Payload = params
	}
	if err := c.sendMessage(conn, init); err != nil {
		_ = conn.Close()
		return c.closeCode(conn, err), err
	}
	err = c.run(conn)
	return c.closeCode(conn, err), err
}

func (c *WSClient) closeCode(conn *websocket.Conn, err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn == c.conn && c.localClose != 0 {
		return c.localClose
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (c *WSClient) run(conn *websocket.Conn) error {
	for {
		msg := gqlws.ResponseMessage{}
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if ce := c.log.Check(zap.DebugLevel, "recv"); ce != nil {
			ce.Write(zap.String("type", msg.Type), zap.String("id", msg.ID), zap.ByteString("payload", msg.Payload))
		}
		switch msg.Type {
		case gqlws.MsgTypeConnectionAck:
			c.opened(conn)
		case gqlws.MsgTypePing:
			_ = c.sendMessage(conn, &gqlws.Message{Type: gqlws.MsgTypePong})
		case gqlws.MsgTypePong:
			c.mu.Lock()
			pong := c.pong
			c.mu.Unlock()
			if pong != nil {
				select {
				case pong <- struct{}{}:
				default:
				}
			}
		case gqlws.MsgTypeNext:
			s := c.lookup(msg.ID)
			if s == nil {
				_ = c.sendMessage(conn, &gqlws.Message{Type: gqlws.MsgTypeComplete, ID: msg.ID})
				continue
			}
			resp := rawResponse{}
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				c.log.Warn("bad next payload", zap.String("id", msg.ID), zap.Error(err))
				continue
			}
			if len(resp.Errors) > 0 {
				if c.removeSub(s.id) {
					_ = c.sendMessage(conn, &gqlws.Message{Type: gqlws.MsgTypeComplete, ID: s.id})
					s.out.emit(s.ctx, Result{Data: resp.Data, Err: resp.Errors})
					s.out.finish()
				}
				continue
			}
			s.out.emit(s.ctx, Result{Data: resp.Data})
		case gqlws.MsgTypeError:
			s := c.lookup(msg.ID)
			if s == nil || !c.removeSub(s.id) {
				continue
			}
			var errs GraphQLErrors
			if err := json.Unmarshal(msg.Payload, &errs); err != nil || len(errs) == 0 {
				errs = GraphQLErrors{{Message: string(msg.Payload)}}
			}
			s.out.emit(s.ctx, Result{Err: errs})
			s.out.finish()
		case gqlws.MsgTypeComplete:
			if s := c.lookup(msg.ID); s != nil && c.removeSub(s.id) {
				s.out.finish()
			}
		}
	}
}

func (c *WSClient) lookup(id string) *wsSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

// opened handles connection_ack: Open, heartbeat, queued subscribes and a latched restart.
func (c *WSClient) opened(conn *websocket.Conn) {
	c.mu.Lock()
	if conn != c.conn {
		c.mu.Unlock()
		return
	}
	from, to, err := c.fsm.Fire(gqlws.EventAck)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("unexpected connection_ack", zap.Error(err))
		return
	}
	c.reconnectBackoff.Reset()
	c.hbStop = make(chan struct{})
	c.pong = make(chan struct{}, 1)
	go c.heartbeat(conn, c.hbStop, c.pong)

	for _, w := range c.openWaiters {
		close(w)
	}
	c.openWaiters = nil

	var (
		toSend  []*gqlws.Message
		restart *StateChange
	)
	if c.restartPending && c.coolingDownLocked() {
		c.log.Debug("latched restart within cooldown dropped")
		c.restartPending = false
	}
	if c.restartPending {
		c.restartPending = false
		restart = c.restartLocked()
	} else {
		for _, s := range c.unsent {
			if c.subs[s.id] == s {
				s.sent = true
				toSend = append(toSend, s.msg)
			}
		}
		c.unsent = nil
	}
	c.mu.Unlock()

	c.publish(StateChange{From: from, To: to})
	if restart != nil {
		c.publish(*restart)
		return
	}
	for _, m := range toSend {
		if err := c.sendMessage(conn, m); err != nil {
			c.log.Warn("flush subscribe", zap.String("id", m.ID), zap.Error(err))
		}
	}
}

// heartbeat pings every PingInterval and force closes conn when a pong is late.
// It never reconnects, that is left to the read loop's loss handling.
func (c *WSClient) heartbeat(conn *websocket.Conn, stop, pong chan struct{}) {
	interval := time.NewTimer(c.PingInterval)
	defer interval.Stop()
	for {
		select {
		case <-stop:
			return
		case <-interval.C:
		}
		select {
		case <-pong:
		default:
		}
		if err := c.sendMessage(conn, &gqlws.Message{Type: gqlws.MsgTypePing}); err != nil {
			return
		}
		wait := time.NewTimer(c.PingTimeout)
		select {
		case <-stop:
			wait.Stop()
			return
		case <-pong:
			wait.Stop()
		case <-wait.C:
			c.log.Warn("pong timeout, closing websocket", zap.Duration("timeout", c.PingTimeout))
			c.mu.Lock()
			c.closeConnLocked(conn, gqlws.CloseHeartbeatTimeout, "Request Timeout")
			c.mu.Unlock()
			return
		}
		interval.Reset(c.PingInterval)
	}
}

// lost tears down the state of a dropped socket and returns the new state.
// Subscriptions sent on it complete after a restart close and fail otherwise;
// queued subscriptions wait for the next socket.
func (c *WSClient) lost(code int, cause error) gqlws.Status {
	c.mu.Lock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.pong = nil
	c.conn = nil
	c.localClose = 0
	var active []*wsSub
	for id, s := range c.subs {
		if s.sent {
			active = append(active, s)
			delete(c.subs, id)
		}
	}
	from, to, err := c.fsm.Fire(gqlws.EventLost)
	c.mu.Unlock()
	if err != nil {
		c.log.Error("websocket lost", zap.Error(err))
	}

	c.publish(StateChange{From: from, To: to, Code: code})
	for _, s := range active {
		if code != gqlws.CloseRestart {
			s.out.emit(s.ctx, Result{Err: &TransportError{Code: code, Err: cause}})
		}
		s.out.finish()
	}
	return to
}

// giveUp ends the client after ReconnectAttempts consecutive failed connects.
func (c *WSClient) giveUp() {
	c.log.Error("websocket reconnect attempts exhausted", zap.Int("attempts", c.ReconnectAttempts))
	c.mu.Lock()
	c.terminated = true
	subs := c.subs
	c.subs = make(map[string]*wsSub)
	c.unsent = nil
	c.mu.Unlock()
	c.cancel()
	for _, s := range subs {
		s.out.emit(s.ctx, Result{Err: &TransportError{Code: websocket.CloseAbnormalClosure, Err: ErrClientClosed}})
		s.out.finish()
	}
}

func (c *WSClient) sendMessage(conn *websocket.Conn, msg *gqlws.Message) error {
	if conn == nil {
		return ErrNotConnected
	}
	c.msgWriteMutex.Lock()
	defer c.msgWriteMutex.Unlock()
	if ce := c.log.Check(zap.DebugLevel, "send"); ce != nil {
		ce.Write(zap.String("type", msg.Type), zap.String("id", msg.ID))
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// Close ends every subscription without an error and closes the socket for good.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		c.shutdownBus()
		return nil
	}
	c.terminated = true
	conn := c.conn
	subs := c.subs
	c.subs = make(map[string]*wsSub)
	c.unsent = nil
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	from, to, ferr := c.fsm.Fire(gqlws.EventTerminate)
	c.mu.Unlock()

	c.log.Info("closing")
	c.cancel()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	for _, s := range subs {
		s.out.finish()
	}
	if ferr == nil {
		c.publish(StateChange{From: from, To: to, Code: websocket.CloseNormalClosure})
	}
	c.shutdownBus()
	return err
}

func (c *WSClient) shutdownBus() {
	c.busOnce.Do(func() {
		c.busMu.Lock()
		c.busDone = true
		c.busMu.Unlock()
		c.bus.Shutdown()
	})
}

func (c *WSClient) UnderlyingConn() *websocket.Conn {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
