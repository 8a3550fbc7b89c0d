package ws

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
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claudesky-sub000/internal/outbox"
)

// fakeInterface accepts websocket connections and records what it sees.
type fakeInterface struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	auth    []string
	conns   []*websocket.Conn
	got     []wireEnvelope
	arrived chan wireEnvelope
	connect chan *websocket.Conn
}

func newFakeInterface(t *testing.T) (*fakeInterface, *httptest.Server) {
	f := &fakeInterface{
		t:       t,
		arrived: make(chan wireEnvelope, 64),
		connect: make(chan *websocket.Conn, 4),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeInterface) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	f.connect <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env wireEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		f.mu.Lock()
		f.got = append(f.got, env)
		f.mu.Unlock()
		f.arrived <- env
	}
}

func (f *fakeInterface) next(t *testing.T) wireEnvelope {
	t.Helper()
	select {
	case env := <-f.arrived:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope arrived")
		return wireEnvelope{}
	}
}

func (f *fakeInterface) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.connect:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, c *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSendAndAck(t *testing.T) {
	f, srv := newFakeInterface(t)
	ob, err := outbox.Open(t.TempDir(), 100)
	require.NoError(t, err)
	defer ob.Close()

	c := NewClient(Config{URL: wsURL(srv), Token: "secret", Backoff: []int{10}}, ob, zerolog.Nop())
	startClient(t, c)
	conn := f.waitConn(t)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Send("text-delta", map[string]string{"text": "hi"}))
	env := f.next(t)
	assert.Equal(t, 1, env.V)
	assert.Equal(t, "text-delta", env.Type)
	assert.Equal(t, int64(1), env.Seq)
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))
	_, err = time.Parse(time.RFC3339Nano, env.TS)
	assert.NoError(t, err)

	f.mu.Lock()
	assert.Equal(t, []string{"Bearer secret"}, f.auth)
	f.mu.Unlock()

	require.Equal(t, 1, ob.Len())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "agent.ack", "payload": map[string]any{"ack_seq": 1, "status": "ok"}}))
	require.Eventually(t, func() bool { return ob.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.LastAckedSeq())
	assert.Equal(t, int64(1), ob.AckedSeq())
}

func TestInboundCommandsDispatchInOrder(t *testing.T) {
	f, srv := newFakeInterface(t)
	c := NewClient(Config{URL: wsURL(srv), Backoff: []int{10}}, nil, zerolog.Nop())

	got := make(chan string, 4)
	c.SetHandler(func(_ context.Context, msgType string, payload json.RawMessage) {
		var body struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(payload, &body)
		got <- msgType + ":" + body.Text
	})
	startClient(t, c)
	conn := f.waitConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "chat.send", "payload": map[string]any{"text": "one"}}))
	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "chat.interrupt", "payload": map[string]any{}}))

	for _, want := range []string{"chat.send:one", "chat.interrupt:"} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}

func TestReconnectResendsUnacked(t *testing.T) {
	f, srv := newFakeInterface(t)
	ob, err := outbox.Open(t.TempDir(), 100)
	require.NoError(t, err)
	defer ob.Close()

	c := NewClient(Config{URL: wsURL(srv), Backoff: []int{10, 20}}, ob, zerolog.Nop())
	connected := make(chan struct{}, 4)
	c.SetOnConnect(func() { connected <- struct{}{} })
	startClient(t, c)

	first := f.waitConn(t)
	<-connected
	require.NoError(t, c.Send("message-complete", map[string]any{}))
	assert.Equal(t, int64(1), f.next(t).Seq)

	first.Close()
	f.waitConn(t)
	<-connected

	resent := f.next(t)
	assert.Equal(t, int64(1), resent.Seq)
	assert.Equal(t, "message-complete", resent.Type)

	require.NoError(t, c.Send("text-delta", map[string]any{}))
	assert.Equal(t, int64(2), f.next(t).Seq)
}

func TestSendWithoutConnection(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, nil, zerolog.Nop())
	assert.ErrorIs(t, c.Send("x", nil), ErrNotConnected)

	ob, err := outbox.Open(t.TempDir(), 100)
	require.NoError(t, err)
	defer ob.Close()
	c = NewClient(Config{URL: "ws://127.0.0.1:1"}, ob, zerolog.Nop())
	assert.NoError(t, c.Send("x", nil), "buffered for later")
	assert.Equal(t, 1, ob.Len())
}

func TestSequenceContinuesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ob, err := outbox.Open(dir, 100)
	require.NoError(t, err)
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, ob, zerolog.Nop())
	for range 3 {
		require.NoError(t, c.Send("x", nil))
	}
	require.NoError(t, ob.Close())

	ob, err = outbox.Open(dir, 100)
	require.NoError(t, err)
	defer ob.Close()
	c = NewClient(Config{URL: "ws://127.0.0.1:1"}, ob, zerolog.Nop())
	require.NoError(t, c.Send("x", nil))
	pending := ob.Unacked()
	require.Len(t, pending, 4)
	assert.Equal(t, int64(4), pending[3].Seq)
}

func TestBackoffRepeatsLastDelay(t *testing.T) {
	c := NewClient(Config{Backoff: []int{1, 2, 3}}, nil, zerolog.Nop())
	assert.Equal(t, time.Millisecond, c.backoff(0))
	assert.Equal(t, 3*time.Millisecond, c.backoff(2))
	assert.Equal(t, 3*time.Millisecond, c.backoff(10))
}

func TestStalledInterfaceDoesNotBlockSend(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewClient(Config{URL: wsURL(srv), Backoff: []int{60000}, WriteTimeout: 50 * time.Millisecond}, nil, zerolog.Nop())
	startClient(t, c)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	payload := map[string]string{"blob": strings.Repeat("x", 1<<20)}
	start := time.Now()
	var err error
	for range 256 {
		if err = c.Send("text-delta", payload); err != nil {
			break
		}
	}
	require.Error(t, err, "a stalled write times out")
	assert.False(t, c.Connected(), "the stalled connection is dropped")
	assert.ErrorIs(t, c.Send("text-delta", payload), ErrNotConnected)
	assert.Less(t, time.Since(start), 5*time.Second)
}
