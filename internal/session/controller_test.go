package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claudesky-sub000/internal/agent"
	"github.com/jasonkneen/claudesky-sub000/internal/credentials"
	"github.com/jasonkneen/claudesky-sub000/internal/metrics"
	"github.com/jasonkneen/claudesky-sub000/internal/permission"
	"github.com/jasonkneen/claudesky-sub000/internal/policy"
	"github.com/jasonkneen/claudesky-sub000/internal/queue"
	"github.com/jasonkneen/claudesky-sub000/internal/stream"
	"github.com/jasonkneen/claudesky-sub000/internal/workspace"
)

// script runs for every message the fake session pulls. Returning false
// ends the session as if the runtime exited.
type script func(s *fakeSession, msg queue.Message) bool

type fakeRuntime struct {
	script     script
	connectErr error

	mu       sync.Mutex
	opts     []agent.Options
	sessions []*fakeSession
}

func (r *fakeRuntime) Connect(_ context.Context, src agent.PromptSource, opts agent.Options) (agent.Session, error) {
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeSession{
		events:  make(chan stream.RemoteEvent, 256),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		opts:    opts,
	}
	r.mu.Lock()
	r.opts = append(r.opts, opts)
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()

	go func() {
		defer close(s.stopped)
		defer close(s.events)
		for {
			msg, ok := src.Next(ctx)
			if !ok {
				return
			}
			if r.script != nil && !r.script(s, msg) {
				return
			}
		}
	}()
	return s, nil
}

func (r *fakeRuntime) connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opts)
}

func (r *fakeRuntime) options(i int) agent.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts[i]
}

type fakeSession struct {
	events  chan stream.RemoteEvent
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	opts    agent.Options

	err        error
	interrupts atomic.Int32
	closed     atomic.Bool

	mu     sync.Mutex
	models []string
}

func (s *fakeSession) Events() <-chan stream.RemoteEvent { return s.events }

func (s *fakeSession) Err() error {
	<-s.stopped
	return s.err
}

func (s *fakeSession) Interrupt(context.Context) error {
	s.interrupts.Add(1)
	return nil
}

func (s *fakeSession) SetModel(_ context.Context, model string) error {
	s.mu.Lock()
	s.models = append(s.models, model)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.cancel()
	<-s.stopped
	return nil
}

func (s *fakeSession) send(evs ...stream.RemoteEvent) {
	for _, ev := range evs {
		s.events <- ev
	}
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Emit(ev stream.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds(filter ...stream.EventKind) []stream.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.EventKind
	for _, ev := range r.events {
		for _, k := range filter {
			if ev.Kind == k {
				out = append(out, ev.Kind)
			}
		}
	}
	return out
}

func (r *recorder) find(kind stream.EventKind) (stream.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return stream.Event{}, false
}

func (r *recorder) all(kind stream.EventKind) []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type staticCreds struct {
	cred credentials.Credential
	err  error
}

func (s staticCreds) Resolve(context.Context) (credentials.Credential, error) {
	return s.cred, s.err
}

type harness struct {
	ctrl    *Controller
	rt      *fakeRuntime
	q       *queue.Queue
	rec     *recorder
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, rt *fakeRuntime, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	h := &harness{rt: rt, q: queue.New(queue.Options{}), rec: &recorder{}, metrics: metrics.New()}
	deps := Deps{
		Runtime:     rt,
		Credentials: staticCreds{cred: credentials.Credential{Kind: credentials.KindAPIKey, Value: "sk-test"}},
		Queue:       h.q,
		Gate:        permission.NewGate(nil),
		Resolver:    policy.NewResolver("", zerolog.Nop()),
		Workspace:   workspace.New("/work"),
		Emitter:     h.rec,
		Metrics:     h.metrics,
		Logger:      zerolog.Nop(),
	}
	opts := Options{EscalationTimeout: time.Second}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.ctrl = New(deps, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.ctrl.Close(ctx)
	})
	return h
}

func answerHi(s *fakeSession, _ queue.Message) bool {
	s.send(
		stream.SystemInit{SessionID: "sess-1"},
		stream.BlockDelta{Index: 0, Delta: stream.Delta{Type: "text_delta", Text: "hi"}},
		stream.Result{Subtype: "success", SessionID: "sess-1", Result: "hi"},
	)
	return true
}

// hangs streams a partial answer with an open tool block and then waits
// until the session is closed.
func hangs(s *fakeSession, _ queue.Message) bool {
	s.send(
		stream.SystemInit{SessionID: "sess-hang"},
		stream.BlockStart{Index: 1, Block: stream.ContentBlock{Type: "tool_use", ID: "toolu_old", Name: "Read"}},
		stream.BlockDelta{Index: 0, Delta: stream.Delta{Type: "text_delta", Text: "partial"}},
	)
	<-s.ctx.Done()
	return false
}

func TestSendStreamsAndCompletes(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: answerHi}, nil)

	r, err := h.ctrl.Send(context.Background(), "w1", "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !h.ctrl.IsActive() && h.ctrl.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []stream.EventKind{stream.KindTextDelta, stream.KindMessageComplete},
		h.rec.kinds(stream.KindTextDelta, stream.KindMessageComplete))

	ev, ok := h.rec.find(stream.KindTextDelta)
	require.True(t, ok)
	assert.Equal(t, "hi", ev.Text)

	outcome, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Delivered, outcome)

	opts := h.rt.options(0)
	assert.Equal(t, "/work", opts.Cwd)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk-test"}, opts.Env)
	assert.Equal(t, policy.ModelFor(policy.PreferenceBalanced), opts.Model)
	assert.Empty(t, opts.Resume)

	assert.Equal(t, "sess-1", h.ctrl.Status().Resume, "finished session becomes the resume target")
	_, ok = h.rec.find(stream.KindUsageUpdated)
	assert.True(t, ok)
}

func TestNextSessionResumesPrevious(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: answerHi}, nil)

	_, err := h.ctrl.Send(context.Background(), "w1", "one", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateIdle && h.rt.connects() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.ctrl.Send(context.Background(), "w1", "two", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.rt.connects() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "sess-1", h.rt.options(1).Resume)
}

func TestConcurrentStartsShareOneSession(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: hangs}, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.ctrl.Start(context.Background(), "w1"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.rt.connects())
	assert.True(t, h.ctrl.IsActive())
}

func TestResetWaitsForTerminationAndSetsResume(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: hangs}, nil)

	_, err := h.ctrl.Send(context.Background(), "w1", "first", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := h.rec.find(stream.KindTextDelta)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, map[int]string{1: "toolu_old"}, h.ctrl.Correlations())
	assert.Equal(t, 1, h.ctrl.Status().OpenToolBlocks)

	// Queued behind the hanging turn; reset must drop it.
	pending, err := h.ctrl.Send(context.Background(), "w1", "second", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.q.Len())

	require.NoError(t, h.ctrl.Reset(context.Background(), "resume-123"))

	h.rt.mu.Lock()
	first := h.rt.sessions[0]
	h.rt.mu.Unlock()
	assert.True(t, first.closed.Load(), "session closed before reset returned")
	assert.Equal(t, int32(1), first.interrupts.Load(), "open turn is interrupted before close")
	assert.Len(t, h.rec.all(stream.KindMessageStopped), 1)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Empty(t, h.ctrl.Correlations())
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, queue.Dropped, pending.Outcome())
	assert.Equal(t, "resume-123", h.ctrl.Status().Resume)

	updated := h.rec.all(stream.KindSessionUpdated)
	require.NotEmpty(t, updated)
	last := updated[len(updated)-1]
	assert.Equal(t, "resume-123", last.SessionID)
	assert.True(t, last.Resumed)

	h.rt.script = answerHi
	_, err = h.ctrl.Send(context.Background(), "w1", "again", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.rt.connects() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "resume-123", h.rt.options(1).Resume)
}

func TestResetWhileIdleOnlySetsResume(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: answerHi}, nil)
	require.NoError(t, h.ctrl.Reset(context.Background(), "resume-9"))
	assert.Equal(t, "resume-9", h.ctrl.Status().Resume)
	assert.Equal(t, 0, h.rt.connects())
}

func TestMissingCredentialFailsStart(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: answerHi}, func(d *Deps, _ *Options) {
		d.Credentials = staticCreds{err: credentials.ErrNotConfigured}
	})

	r, err := h.ctrl.Send(context.Background(), "w1", "hello", nil)
	require.Error(t, err)
	assert.Equal(t, KindCredentialMissing, KindOf(err))
	assert.ErrorIs(t, err, credentials.ErrNotConfigured)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.True(t, serr.IsFatal())

	assert.Equal(t, 0, h.rt.connects())
	assert.False(t, h.ctrl.IsActive())
	assert.Equal(t, queue.Dropped, r.Outcome())
	ev, ok := h.rec.find(stream.KindMessageError)
	require.True(t, ok)
	assert.Contains(t, ev.Text, "credential_missing")
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, &fakeRuntime{connectErr: errors.New("exec: claude not found")}, nil)

	_, err := h.ctrl.Send(context.Background(), "w1", "hello", nil)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 0, h.q.Len())
}

func TestRuntimeCrashReportsError(t *testing.T) {
	rt := &fakeRuntime{script: func(s *fakeSession, _ queue.Message) bool {
		s.send(stream.BlockDelta{Index: 0, Delta: stream.Delta{Type: "text_delta", Text: "par"}})
		s.err = errors.New("agent runtime exited: signal: killed")
		return false
	}}
	h := newHarness(t, rt, nil)

	_, err := h.ctrl.Send(context.Background(), "w1", "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.rec.find(stream.KindMessageError)
		return ok && h.ctrl.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	ev, _ := h.rec.find(stream.KindMessageError)
	assert.Contains(t, ev.Text, "signal: killed")
	assert.Contains(t, h.ctrl.Status().LastError, "connection_error")
}

func TestEarlyExitWithOpenTurnIsAnError(t *testing.T) {
	rt := &fakeRuntime{script: func(*fakeSession, queue.Message) bool { return false }}
	h := newHarness(t, rt, nil)

	_, err := h.ctrl.Send(context.Background(), "w1", "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := h.rec.find(stream.KindMessageError)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInterrupt(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: hangs}, nil)

	ok, err := h.ctrl.Interrupt(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, ok, "nothing to interrupt")

	_, err = h.ctrl.Send(context.Background(), "w1", "go", nil)
	require.NoError(t, err)

	ok, err = h.ctrl.Interrupt(context.Background(), "other-window")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.ctrl.Interrupt(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	h.rt.mu.Lock()
	s := h.rt.sessions[0]
	h.rt.mu.Unlock()
	assert.Equal(t, int32(1), s.interrupts.Load())
	_, found := h.rec.find(stream.KindMessageStopped)
	assert.True(t, found)
	assert.Equal(t, StateStreaming, h.ctrl.State())
}

func TestToolInputDeltasAreCorrelated(t *testing.T) {
	rt := &fakeRuntime{script: func(s *fakeSession, _ queue.Message) bool {
		s.send(
			stream.BlockStart{Index: 1, Block: stream.ContentBlock{Type: "tool_use", ID: "T", Name: "Read"}},
			stream.BlockDelta{Index: 1, Delta: stream.Delta{Type: "input_json_delta", PartialJSON: `{"a":`}},
			stream.BlockDelta{Index: 1, Delta: stream.Delta{Type: "input_json_delta", PartialJSON: `1}`}},
			stream.BlockStop{Index: 1},
			stream.Result{Subtype: "success"},
		)
		return true
	}}
	h := newHarness(t, rt, nil)

	_, err := h.ctrl.Send(context.Background(), "w1", "read it", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)

	deltas := h.rec.all(stream.KindToolInputDelta)
	require.Len(t, deltas, 2)
	for _, d := range deltas {
		assert.Equal(t, "T", d.ToolID)
	}
	assert.Empty(t, h.ctrl.Correlations(), "table cleared at teardown")
	assert.Zero(t, h.ctrl.Status().OpenToolBlocks)
}

func TestWorkingDirectoryChangeResetsActiveSession(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: hangs}, nil)

	_, err := h.ctrl.Send(context.Background(), "w1", "go", nil)
	require.NoError(t, err)
	require.True(t, h.ctrl.IsActive())

	require.NoError(t, h.ctrl.SetWorkingDirectory(context.Background(), "w2", "/elsewhere"))
	assert.True(t, h.ctrl.IsActive(), "other window does not reset")

	require.NoError(t, h.ctrl.SetWorkingDirectory(context.Background(), "w1", "/new"))
	assert.Equal(t, StateIdle, h.ctrl.State())

	h.rt.script = answerHi
	_, err = h.ctrl.Send(context.Background(), "w1", "again", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.rt.connects() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "/new", h.rt.options(1).Cwd)
	assert.Empty(t, h.rt.options(1).Resume)
}

func TestModelAndReasoningPreferences(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: hangs}, nil)

	h.ctrl.SetReasoningLevel(policy.ReasoningMedium)
	_, err := h.ctrl.Send(context.Background(), "w1", "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 10000, h.rt.options(0).ThinkingBudget)

	require.NoError(t, h.ctrl.SetModelPreference(context.Background(), policy.PreferenceDeep))
	h.rt.mu.Lock()
	s := h.rt.sessions[0]
	h.rt.mu.Unlock()
	s.mu.Lock()
	assert.Equal(t, []string{policy.ModelFor(policy.PreferenceDeep)}, s.models)
	s.mu.Unlock()
	assert.Equal(t, policy.ModelFor(policy.PreferenceDeep), h.ctrl.Status().Model)
}

func TestCanUseTool(t *testing.T) {
	table := permission.NewTable(map[string]permission.ApprovalState{
		"github:create_issue": permission.StateAlwaysAllowed,
		"github:delete_repo":  permission.StateDisabled,
	})

	t.Run("always allowed", func(t *testing.T) {
		h := newHarness(t, &fakeRuntime{}, func(d *Deps, _ *Options) {
			d.Gate = permission.NewGate(permission.StaticTable(table))
		})
		res, err := h.ctrl.canUseTool(context.Background(), stream.ControlRequest{
			ToolName: "mcp__github__create_issue",
			Input:    map[string]any{"title": "x"},
		})
		require.NoError(t, err)
		assert.True(t, res.Allow)
		assert.Equal(t, map[string]any{"title": "x"}, res.UpdatedInput)
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, &fakeRuntime{}, func(d *Deps, _ *Options) {
			d.Gate = permission.NewGate(permission.StaticTable(table))
		})
		res, err := h.ctrl.canUseTool(context.Background(), stream.ControlRequest{ToolName: "mcp__github__delete_repo"})
		require.NoError(t, err)
		assert.False(t, res.Allow)
		assert.Contains(t, res.Message, "disabled")
	})

	t.Run("unapproved deny policy", func(t *testing.T) {
		h := newHarness(t, &fakeRuntime{}, func(_ *Deps, o *Options) {
			o.UnapprovedPolicy = permission.UnapprovedDeny
		})
		res, err := h.ctrl.canUseTool(context.Background(), stream.ControlRequest{ToolName: "mcp__slack__post"})
		require.NoError(t, err)
		assert.False(t, res.Allow)
	})

	t.Run("escalates to the user", func(t *testing.T) {
		h := newHarness(t, &fakeRuntime{}, nil)
		done := make(chan agent.PermissionResult, 1)
		go func() {
			res, _ := h.ctrl.canUseTool(context.Background(), stream.ControlRequest{
				ToolName:  "mcp__slack__post",
				ToolUseID: "toolu_9",
				Input:     map[string]any{"text": "hi"},
			})
			done <- res
		}()

		var req stream.Event
		require.Eventually(t, func() bool {
			var ok bool
			req, ok = h.rec.find(stream.KindPermissionRequest)
			return ok
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, "toolu_9", req.ToolID)
		esc := req.Data.(permission.Escalation)
		assert.Equal(t, "slack:post", esc.Key)

		require.True(t, h.ctrl.Broker().Deliver(esc.ID, permission.Decision{Behavior: permission.BehaviorAllow}))
		select {
		case res := <-done:
			assert.True(t, res.Allow)
			assert.Equal(t, map[string]any{"text": "hi"}, res.UpdatedInput)
		case <-time.After(2 * time.Second):
			t.Fatal("no decision")
		}
	})
}

func TestClosedControllerRejectsSend(t *testing.T) {
	h := newHarness(t, &fakeRuntime{script: answerHi}, nil)
	require.NoError(t, h.ctrl.Close(context.Background()))
	_, err := h.ctrl.Send(context.Background(), "w1", "hello", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
