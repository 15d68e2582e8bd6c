package gqlx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poohvpn/gqlx/gqlws"
)

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"https://alerts.example.org/v1/graphql": "wss://alerts.example.org/v1/graphql",
		"http://localhost:8080/graphql":         "ws://localhost:8080/graphql",
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNewClientValidatesAuth(t *testing.T) {
	_, err := NewClient("http://localhost/graphql", &Option{Auth: HeaderAuthenticator{Mode: "digest"}})
	assert.Error(t, err)

	_, err = NewClient("http://localhost/graphql", &Option{Auth: HeaderAuthenticator{RoleHeader: "x-role"}})
	assert.Error(t, err)
}

// tokenServer answers 401 unless the bearer token matches want.
func tokenServer(want string, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var reqs []batchRequest
		_ = json.NewDecoder(r.Body).Decode(&reqs)
		if r.Header.Get("Authorization") != "Bearer "+want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		resps := make([]batchResponse, len(reqs))
		for i, req := range reqs {
			resps[i] = batchResponse{Data: json.RawMessage(`{"alerts":[{"id":"a1"}]}`), Extensions: req.Extensions}
		}
		_ = json.NewEncoder(w).Encode(resps)
	}
}

func TestClientDoRefreshesExpiredToken(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(tokenServer("token-1", &calls))
	defer ts.Close()
	store := &fakeStore{token: "stale"}

	c, err := NewClient(ts.URL, &Option{AuthStore: store, BatchInterval: time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	var res struct {
		Alerts []struct {
			ID string `json:"id"`
		} `json:"alerts"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Do(ctx, &res, NewOperation(KindQuery, "Alerts", Request{Query: "query Alerts { alerts { id } }"})))
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "a1", res.Alerts[0].ID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&store.refreshes))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClientDoCanceledIsSilent(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(tokenServer("t", &calls))
	defer ts.Close()
	c, err := NewClient(ts.URL, &Option{AuthStore: &fakeStore{token: "t"}})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := map[string]interface{}{"untouched": true}
	assert.NoError(t, c.Do(ctx, &res, NewOperation(KindQuery, "Alerts", Request{Query: "{ alerts { id } }"})))
	assert.Equal(t, map[string]interface{}{"untouched": true}, res)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestClientSubscribe(t *testing.T) {
	srv := newWSServer()
	srv.onSubscribe = func(conn *websocket.Conn, msg gqlws.ResponseMessage) bool {
		sendNext(conn, msg.ID, `{"alert":{"id":"a1"}}`)
		sendNext(conn, msg.ID, `{"alert":{"id":"a2"}}`)
		_ = conn.WriteJSON(gqlws.Message{Type: gqlws.MsgTypeComplete, ID: msg.ID})
		return true
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c, err := NewClient(ts.URL, &Option{AuthStore: &fakeStore{token: "t"}})
	require.NoError(t, err)
	defer c.Close()

	values := make(chan string, 4)
	done := make(chan struct{})
	_, err = c.Subscribe(context.Background(), subscriptionOp(), func(data json.RawMessage, errs GraphQLErrors, completed bool) error {
		if completed {
			close(done)
			return nil
		}
		assert.Empty(t, errs)
		values <- string(data)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not complete")
	}
	require.Len(t, values, 2)
	assert.JSONEq(t, `{"alert":{"id":"a1"}}`, <-values)
	assert.JSONEq(t, `{"alert":{"id":"a2"}}`, <-values)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.inits, 1)
	assert.JSONEq(t, `{"headers":{"Authorization":"Bearer t"}}`, string(srv.inits[0]))
}

func TestClientSubscribeRejectsQueries(t *testing.T) {
	c, err := NewClient("http://localhost/graphql")
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Subscribe(context.Background(), NewOperation(KindQuery, "Alerts", Request{Query: "{ a }"}), nil)
	assert.Error(t, err)
}

func TestClientCloseStopsRetryingOperations(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c, err := NewClient(ts.URL, &Option{
		AuthStore:     &fakeStore{token: "t"},
		BatchInterval: time.Millisecond,
		Retry:         RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Do(context.Background(), nil, NewOperation(KindQuery, "Alerts", Request{Query: "{ alerts { id } }"}))
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("operation kept retrying after Close")
	}
	settled := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&calls))

	err = c.Do(context.Background(), nil, NewOperation(KindQuery, "Alerts", Request{Query: "{ alerts { id } }"}))
	assert.ErrorIs(t, err, ErrClientClosed)
}
