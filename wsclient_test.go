package gqlx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poohvpn/gqlx/gqlws"
)

// wsServer speaks the server side of graphql-transport-ws and records what
// clients do to it.
type wsServer struct {
	noPong bool
	// onSubscribe answers a subscribe message; returning false drops the socket
	// without a close frame.
	onSubscribe func(conn *websocket.Conn, msg gqlws.ResponseMessage) bool
	// ackDelay holds back connection_ack on the nth socket, counting from 1.
	ackDelay func(n int) time.Duration

	mu    sync.Mutex
	conns int
	inits []json.RawMessage
	codes chan int
}

func newWSServer() *wsServer {
	return &wsServer{codes: make(chan int, 16)}
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{Subprotocols: []string{gqlws.Subprotocol}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.mu.Lock()
	s.conns++
	n := s.conns
	s.mu.Unlock()

	for {
		var msg gqlws.ResponseMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				select {
				case s.codes <- ce.Code:
				default:
				}
			}
			return
		}
		switch msg.Type {
		case gqlws.MsgTypeConnectionInit:
			s.mu.Lock()
			s.inits = append(s.inits, msg.Payload)
			s.mu.Unlock()
			if s.ackDelay != nil {
				time.Sleep(s.ackDelay(n))
			}
			_ = conn.WriteJSON(gqlws.Message{Type: gqlws.MsgTypeConnectionAck})
		case gqlws.MsgTypePing:
			if !s.noPong {
				_ = conn.WriteJSON(gqlws.Message{Type: gqlws.MsgTypePong})
			}
		case gqlws.MsgTypeSubscribe:
			if s.onSubscribe == nil {
				continue
			}
			if !s.onSubscribe(conn, msg) {
				return
			}
		}
	}
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *wsServer) nextCode(t *testing.T) int {
	t.Helper()
	select {
	case code := <-s.codes:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("no close frame received")
		return 0
	}
}

func sendNext(conn *websocket.Conn, id string, data string) {
	_ = conn.WriteJSON(gqlws.Message{
		Type:    gqlws.MsgTypeNext,
		ID:      id,
		Payload: json.RawMessage(`{"data":` + data + `}`),
	})
}

func startWS(t *testing.T, srv *wsServer, opt WSOption) (*WSClient, func()) {
	t.Helper()
	ts := httptest.NewServer(srv)
	c := NewWSClient("ws"+strings.TrimPrefix(ts.URL, "http"), opt)
	return c, func() {
		_ = c.Close()
		ts.Close()
	}
}

func subscriptionOp() *Operation {
	return NewOperation(KindSubscription, "AlertFeed", Request{Query: "subscription AlertFeed { alerts { id } }"})
}

func TestWSConnectSendsConnectionParams(t *testing.T) {
	srv := newWSServer()
	c, stop := startWS(t, srv, WSOption{
		ConnectionParams: func(context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{"headers": map[string]string{"Authorization": "Bearer t"}}, nil
		},
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, gqlws.StatusOpen, c.State())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.inits, 1)
	assert.JSONEq(t, `{"headers":{"Authorization":"Bearer t"}}`, string(srv.inits[0]))
}

func TestWSSubscribeQueuesUntilOpen(t *testing.T) {
	srv := newWSServer()
	srv.onSubscribe = func(conn *websocket.Conn, msg gqlws.ResponseMessage) bool {
		sendNext(conn, msg.ID, `{"n":1}`)
		_ = conn.WriteJSON(gqlws.Message{Type: gqlws.MsgTypeComplete, ID: msg.ID})
		return true
	}
	c, stop := startWS(t, srv, WSOption{})
	defer stop()

	rs := collect(t, c.Subscribe(context.Background(), subscriptionOp()))
	require.Len(t, rs, 1)
	require.NoError(t, rs[0].Err)
	assert.JSONEq(t, `{"n":1}`, string(rs[0].Data))
}

func TestWSRestartCooldown(t *testing.T) {
	srv := newWSServer()
	c, stop := startWS(t, srv, WSOption{RestartCooldown: time.Hour})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	c.Restart()
	c.Restart()
	assert.Equal(t, gqlws.CloseRestart, srv.nextCode(t))

	require.NoError(t, c.Connect(ctx))
	c.Restart()

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, srv.codes)
	assert.Equal(t, 2, srv.connCount())
	assert.Equal(t, gqlws.StatusOpen, c.State())
}

func TestWSRestartWhileReconnectingRespectsCooldown(t *testing.T) {
	srv := newWSServer()
	srv.ackDelay = func(n int) time.Duration {
		if n == 2 {
			return 300 * time.Millisecond
		}
		return 0
	}
	c, stop := startWS(t, srv, WSOption{RestartCooldown: time.Hour})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	c.Restart()
	assert.Equal(t, gqlws.CloseRestart, srv.nextCode(t))
	require.Eventually(t, func() bool {
		return c.State() == gqlws.StatusConnecting
	}, 5*time.Second, time.Millisecond)
	c.Restart()

	require.NoError(t, c.Connect(ctx))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, srv.codes)
	assert.Equal(t, 2, srv.connCount())
	assert.Equal(t, gqlws.StatusOpen, c.State())
}

func TestWSRestartCompletesSubscriptions(t *testing.T) {
	srv := newWSServer()
	srv.onSubscribe = func(conn *websocket.Conn, msg gqlws.ResponseMessage) bool {
		sendNext(conn, msg.ID, `{"n":1}`)
		return true
	}
	c, stop := startWS(t, srv, WSOption{})
	defer stop()

	stream := c.Subscribe(context.Background(), subscriptionOp())
	select {
	case r := <-stream:
		require.NoError(t, r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no value before restart")
	}

	c.Restart()
	assert.Empty(t, collect(t, stream))
	assert.Equal(t, gqlws.CloseRestart, srv.nextCode(t))
}

func TestWSRestartBeforeOpenRunsOnce(t *testing.T) {
	srv := newWSServer()
	c, stop := startWS(t, srv, WSOption{})
	defer stop()

	c.Restart()
	c.Restart()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, gqlws.CloseRestart, srv.nextCode(t))

	require.Eventually(t, func() bool {
		return srv.connCount() == 2 && c.State() == gqlws.StatusOpen
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, srv.codes)
}

func TestWSHeartbeatTimeout(t *testing.T) {
	srv := newWSServer()
	srv.noPong = true
	reconnectMin := 200 * time.Millisecond
	c, stop := startWS(t, srv, WSOption{
		PingInterval: 50 * time.Millisecond,
		PingTimeout:  50 * time.Millisecond,
		ReconnectMin: reconnectMin,
	})
	defer stop()

	changes := c.StateChanges()
	defer func() {
		go func() {
			for range changes {
			}
		}()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, gqlws.CloseHeartbeatTimeout, srv.nextCode(t))

	var seen []StateChange
	timeout := time.After(5 * time.Second)
	for len(seen) == 0 || !(seen[len(seen)-1].From == gqlws.StatusClosed && seen[len(seen)-1].To == gqlws.StatusConnecting) {
		select {
		case v := <-changes:
			seen = append(seen, v.(StateChange))
		case <-timeout:
			t.Fatalf("no reconnect scheduled, saw %v", seen)
		}
	}

	require.GreaterOrEqual(t, len(seen), 2)
	lost := seen[len(seen)-2]
	assert.Equal(t, gqlws.StatusOpen, lost.From)
	assert.Equal(t, gqlws.StatusClosed, lost.To)
	assert.Equal(t, gqlws.CloseHeartbeatTimeout, lost.Code)

	retry := seen[len(seen)-1]
	assert.GreaterOrEqual(t, retry.RetryIn, reconnectMin/2)
	assert.Less(t, retry.RetryIn, reconnectMin*3/2)
}

func TestWSLostSocketFailsSubscriptions(t *testing.T) {
	srv := newWSServer()
	srv.onSubscribe = func(*websocket.Conn, gqlws.ResponseMessage) bool {
		return false
	}
	c, stop := startWS(t, srv, WSOption{ReconnectMin: 50 * time.Millisecond})
	defer stop()

	rs := collect(t, c.Subscribe(context.Background(), subscriptionOp()))
	require.Len(t, rs, 1)
	var terr *TransportError
	require.True(t, errors.As(rs[0].Err, &terr))
	assert.Equal(t, websocket.CloseAbnormalClosure, terr.Code)
	assert.Equal(t, StatusTransportDown, Classify(rs[0].Err))
}

func TestWSGraphQLErrorEndsSubscription(t *testing.T) {
	srv := newWSServer()
	srv.onSubscribe = func(conn *websocket.Conn, msg gqlws.ResponseMessage) bool {
		_ = conn.WriteJSON(gqlws.Message{
			Type:    gqlws.MsgTypeError,
			ID:      msg.ID,
			Payload: json.RawMessage(`[{"message":"denied","extensions":{"code":"access-denied"}}]`),
		})
		return true
	}
	c, stop := startWS(t, srv, WSOption{})
	defer stop()

	rs := collect(t, c.Subscribe(context.Background(), subscriptionOp()))
	require.Len(t, rs, 1)
	assert.Equal(t, http.StatusUnauthorized, Classify(rs[0].Err))
}

func TestWSCloseEndsSubscriptions(t *testing.T) {
	srv := newWSServer()
	c, stop := startWS(t, srv, WSOption{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	stream := c.Subscribe(context.Background(), subscriptionOp())
	require.NoError(t, c.Close())
	assert.Empty(t, collect(t, stream))
	assert.Equal(t, gqlws.StatusClosed, c.State())

	rs := collect(t, c.Subscribe(context.Background(), subscriptionOp()))
	require.Len(t, rs, 1)
	assert.ErrorIs(t, rs[0].Err, ErrClientClosed)
	assert.ErrorIs(t, c.Connect(ctx), ErrClientClosed)
}
