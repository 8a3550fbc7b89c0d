package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claudesky-sub000/internal/agent"
	"github.com/jasonkneen/claudesky-sub000/internal/config"
	"github.com/jasonkneen/claudesky-sub000/internal/credentials"
	"github.com/jasonkneen/claudesky-sub000/internal/stream"
)

// echoRuntime answers every prompt with its own text.
type echoRuntime struct {
	mu   sync.Mutex
	opts []agent.Options
}

func (r *echoRuntime) Connect(_ context.Context, src agent.PromptSource, opts agent.Options) (agent.Session, error) {
	r.mu.Lock()
	r.opts = append(r.opts, opts)
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s := &echoSession{events: make(chan stream.RemoteEvent, 64), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(s.events)
		s.events <- stream.SystemInit{SessionID: "sess-echo"}
		for {
			msg, ok := src.Next(ctx)
			if !ok {
				return
			}
			s.events <- stream.BlockDelta{Delta: stream.Delta{Type: "text_delta", Text: msg.Text}}
			s.events <- stream.Result{Subtype: "success", SessionID: "sess-echo"}
		}
	}()
	return s, nil
}

type echoSession struct {
	events chan stream.RemoteEvent
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *echoSession) Events() <-chan stream.RemoteEvent      { return s.events }
func (s *echoSession) Err() error                             { return nil }
func (s *echoSession) Interrupt(context.Context) error        { return nil }
func (s *echoSession) SetModel(context.Context, string) error { return nil }

func (s *echoSession) Close() error {
	s.cancel()
	<-s.done
	return nil
}

type apiKey struct{}

func (apiKey) Resolve(context.Context) (credentials.Credential, error) {
	return credentials.Credential{Kind: credentials.KindAPIKey, Value: "sk-test"}, nil
}

type sent struct {
	Type    string
	Payload json.RawMessage
}

type outbound struct {
	mu  sync.Mutex
	got []sent
}

func (o *outbound) send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.got = append(o.got, sent{Type: msgType, Payload: data})
	o.mu.Unlock()
	return nil
}

func (o *outbound) ofType(msgType string) []sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []sent
	for _, s := range o.got {
		if s.Type == msgType {
			out = append(out, s)
		}
	}
	return out
}

func (o *outbound) results(t *testing.T) []commandResult {
	t.Helper()
	var out []commandResult
	for _, s := range o.ofType("commands.result") {
		var res commandResult
		require.NoError(t, json.Unmarshal(s.Payload, &res))
		out = append(out, res)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg.Storage.StateDir = dir
	cfg.Storage.SessionLogDir = filepath.Join(dir, "sessions")
	cfg.Approvals.Path = filepath.Join(dir, "tool-approvals.yaml")
	cfg.Agent.DefaultCwd = dir
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.Interface.WSURL = ""
	return cfg
}

func newTestDaemon(t *testing.T) (*Daemon, *echoRuntime, *outbound) {
	t.Helper()
	rt := &echoRuntime{}
	out := &outbound{}
	d, err := New(testConfig(t), zerolog.Nop(), WithRuntime(rt), WithCredentials(apiKey{}), WithSend(out.send))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.shutdown() })
	return d, rt, out
}

func TestChatSendStreamsEvents(t *testing.T) {
	d, rt, out := newTestDaemon(t)

	d.handleMessage(context.Background(), "chat.send", json.RawMessage(`{"cmd_id":"c1","window":"w1","text":"ping"}`))

	require.Eventually(t, func() bool { return len(out.ofType("message-complete")) == 1 }, 2*time.Second, 5*time.Millisecond)
	deltas := out.ofType("text-delta")
	require.Len(t, deltas, 1)
	var ev stream.Event
	require.NoError(t, json.Unmarshal(deltas[0].Payload, &ev))
	assert.Equal(t, "ping", ev.Text)

	results := out.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CmdID)
	assert.True(t, results[0].OK)
	assert.NotEmpty(t, results[0].Result["message_id"])

	rt.mu.Lock()
	assert.Equal(t, d.cfg.Agent.DefaultCwd, rt.opts[0].Cwd)
	rt.mu.Unlock()
}

func TestCommandErrors(t *testing.T) {
	d, _, out := newTestDaemon(t)

	d.handleMessage(context.Background(), "model.set", json.RawMessage(`{"cmd_id":"m1","model":"gigantic"}`))
	d.handleMessage(context.Background(), "permission.decision", json.RawMessage(`{"cmd_id":"p1","approval_id":"nope","behavior":"allow"}`))
	d.handleMessage(context.Background(), "workspace.set_cwd", json.RawMessage(`{"cmd_id":"w1"}`))
	d.handleMessage(context.Background(), "chat.send", json.RawMessage(`not json`))
	d.handleMessage(context.Background(), "something.else", nil)

	results := out.results(t)
	require.Len(t, results, 4, "unknown messages get no reply")
	for _, res := range results {
		assert.False(t, res.OK)
		require.NotNil(t, res.Error)
	}
	assert.Contains(t, results[0].Error.Message, "gigantic")
	assert.Contains(t, results[1].Error.Message, "unknown approval request")
	assert.Equal(t, "INVALID_PAYLOAD", results[3].Error.Code)
}

func TestPreferenceCommands(t *testing.T) {
	d, rt, out := newTestDaemon(t)

	d.handleMessage(context.Background(), "reasoning.set", json.RawMessage(`{"reasoning":"high"}`))
	d.handleMessage(context.Background(), "model.set", json.RawMessage(`{"model":"deep"}`))
	d.handleMessage(context.Background(), "workspace.set_cwd", json.RawMessage(`{"window":"w1","cwd":"/srv/project"}`))
	for _, res := range out.results(t) {
		assert.True(t, res.OK, res.Type)
	}

	d.handleMessage(context.Background(), "chat.send", json.RawMessage(`{"window":"w1","text":"go"}`))
	require.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.opts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	rt.mu.Lock()
	opts := rt.opts[0]
	rt.mu.Unlock()
	assert.Equal(t, 16000, opts.ThinkingBudget)
	assert.Equal(t, "claude-opus-4-1-20250805", opts.Model)
	assert.Equal(t, "/srv/project", opts.Cwd)
}

func TestStatus(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	st := d.Status()
	assert.Equal(t, Version, st.Version)
	assert.Equal(t, "idle", string(st.Session.State))
	assert.False(t, st.EventChannel.Connected)
}

func TestRunStopsOnCancel(t *testing.T) {
	rt := &echoRuntime{}
	out := &outbound{}
	d, err := New(testConfig(t), zerolog.Nop(), WithRuntime(rt), WithCredentials(apiKey{}), WithSend(out.send))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
