// Package session owns the single active agent session: it starts it on
// demand, feeds it queued user input, turns its output into application
// events and tears it down on interrupt, reset or failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jasonkneen/claudesky-sub000/internal/agent"
	"github.com/jasonkneen/claudesky-sub000/internal/credentials"
	"github.com/jasonkneen/claudesky-sub000/internal/eventlog"
	"github.com/jasonkneen/claudesky-sub000/internal/metrics"
	"github.com/jasonkneen/claudesky-sub000/internal/permission"
	"github.com/jasonkneen/claudesky-sub000/internal/policy"
	"github.com/jasonkneen/claudesky-sub000/internal/queue"
	"github.com/jasonkneen/claudesky-sub000/internal/stream"
	"github.com/jasonkneen/claudesky-sub000/internal/usage"
	"github.com/jasonkneen/claudesky-sub000/internal/workspace"
)

type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateStreaming    State = "streaming"
	StateInterrupting State = "interrupting"
	StateTerminating  State = "terminating"
)

// Emitter receives application events. Emit must not block for long.
type Emitter interface {
	Emit(ev stream.Event)
}

type EmitterFunc func(stream.Event)

func (f EmitterFunc) Emit(ev stream.Event) { f(ev) }

type CredentialSource interface {
	Resolve(ctx context.Context) (credentials.Credential, error)
}

type Deps struct {
	Runtime     agent.Runtime
	Credentials CredentialSource
	Queue       *queue.Queue
	Gate        *permission.Gate
	Resolver    *policy.Resolver
	Workspace   *workspace.Bindings
	Emitter     Emitter

	// Optional.
	Sink    eventlog.Sink
	Usage   *usage.Tracker
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type Options struct {
	Preference        policy.ModelPreference
	Reasoning         policy.ReasoningLevel
	PermissionMode    string
	ExtraArgs         []string
	UnapprovedPolicy  permission.UnapprovedPolicy
	EscalationTimeout time.Duration
	InterruptTimeout  time.Duration
	Debug             bool
}

type Controller struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	demux  *stream.Demux
	broker *permission.Broker

	// turns counts user turns handed to the runtime that have not seen a
	// result yet. Only touched under the queue lock.
	turns atomic.Int32

	mu            sync.Mutex
	state         State
	handle        agent.Session
	src           *queue.Source
	abort         chan struct{}
	done          chan struct{}
	window        string
	sessionKey    string
	sessionID     string
	resume        string
	startedResume string
	pendingResume *string
	model         string
	budget        int
	cwd           string
	pref          policy.ModelPreference
	level         policy.ReasoningLevel
	lastErr       string
	closed        bool
}

func New(deps Deps, opts Options) *Controller {
	if deps.Sink == nil {
		deps.Sink = eventlog.NopSink{}
	}
	if deps.Usage == nil {
		deps.Usage = usage.NewTracker()
	}
	if deps.Gate == nil {
		deps.Gate = permission.NewGate(nil)
	}
	if deps.Emitter == nil {
		deps.Emitter = EmitterFunc(func(stream.Event) {})
	}
	if opts.Preference == "" {
		opts.Preference = policy.PreferenceBalanced
	}
	if opts.Reasoning == "" {
		opts.Reasoning = policy.ReasoningOff
	}
	if opts.UnapprovedPolicy == "" {
		opts.UnapprovedPolicy = permission.UnapprovedAsk
	}
	if opts.InterruptTimeout <= 0 {
		opts.InterruptTimeout = 5 * time.Second
	}

	c := &Controller{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With().Str("component", "session").Logger(),
		state:  StateIdle,
		pref:   opts.Preference,
		level:  opts.Reasoning,
	}
	c.demux = stream.NewDemux(c.logger)
	c.broker = permission.NewBroker(opts.EscalationTimeout, c.publishEscalation)
	return c
}

// Broker holds tool requests waiting for a human decision.
func (c *Controller) Broker() *permission.Broker {
	return c.broker
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether a session is starting or streaming.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return isActive(c.state)
}

func isActive(s State) bool {
	return s == StateStarting || s == StateStreaming || s == StateInterrupting
}

// Correlations returns a copy of the current stream correlation table.
func (c *Controller) Correlations() map[int]string {
	return c.demux.Table().Snapshot()
}

// Send enqueues a user message and starts a session if none is running.
// The receipt resolves when the message reaches the session, or as
// Dropped when it is cleared.
func (c *Controller) Send(ctx context.Context, window, text string, attachments []string) (*queue.Receipt, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	r, err := c.deps.Queue.Enqueue(queue.Message{Text: text, Attachments: attachments, WindowID: window})
	if err != nil {
		return nil, err
	}
	if m := c.deps.Metrics; m != nil {
		m.MessagesEnqueued.Inc()
	}
	if err := c.Start(ctx, window); err != nil {
		return r, err
	}
	return r, nil
}

// Start launches a session for window unless one is already starting or
// streaming. It waits for an in-flight termination to finish first.
func (c *Controller) Start(ctx context.Context, window string) error {
	c.mu.Lock()
	for c.state == StateTerminating {
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if isActive(c.state) {
		c.mu.Unlock()
		return nil
	}

	abort := make(chan struct{})
	done := make(chan struct{})
	key := uuid.NewString()
	c.state = StateStarting
	c.abort, c.done = abort, done
	c.sessionKey = key
	c.sessionID = ""
	c.window = window
	c.lastErr = ""
	resume := c.resume
	c.startedResume = resume
	pref, level := c.pref, c.level
	c.mu.Unlock()

	cwd := ""
	if c.deps.Workspace != nil {
		cwd = c.deps.Workspace.Get(window)
	}

	cred, err := c.deps.Credentials.Resolve(ctx)
	if err != nil {
		serr := &Error{Kind: KindCredentialMissing, Err: err}
		c.failStart(serr, "credential_missing")
		return serr
	}

	res := c.deps.Resolver.Resolve(pref, level)
	if res.Downgraded {
		c.debug((&Error{Kind: KindModelIncompatible, Err: fmt.Errorf("%s does not support reasoning level %s", res.Model, level)}).Error())
	}

	c.demux.Reset()
	c.turns.Store(0)

	src, err := c.deps.Queue.Source(nil, c.onHandoff(key))
	if err != nil {
		serr := &Error{Kind: KindConnection, Err: err}
		c.failStart(serr, "connect_failed")
		return serr
	}

	select {
	case <-abort:
		src.Close()
		c.finish(key, "aborted")
		return nil
	default:
	}

	handle, err := c.deps.Runtime.Connect(ctx, src, agent.Options{
		Model:          res.Model,
		ThinkingBudget: res.Budget,
		Resume:         resume,
		Cwd:            cwd,
		PermissionMode: c.opts.PermissionMode,
		Env:            cred.Env(),
		ExtraArgs:      c.opts.ExtraArgs,
		CanUseTool:     c.canUseTool,
	})
	if err != nil {
		src.Close()
		serr := &Error{Kind: KindConnection, Err: err}
		c.failStart(serr, "connect_failed")
		return serr
	}

	c.mu.Lock()
	c.handle = handle
	c.src = src
	c.model = res.Model
	c.budget = res.Budget
	c.cwd = cwd
	if c.state == StateStarting {
		c.state = StateStreaming
	}
	c.mu.Unlock()

	c.deps.Usage.SetModel(key, res.Model)
	if m := c.deps.Metrics; m != nil {
		m.SessionsStarted.Inc()
		m.SessionsActive.Set(1)
	}
	c.deps.Sink.Record(eventlog.Record{SessionKey: key, Type: eventlog.TypeSessionStart, Data: map[string]any{
		"window":          window,
		"cwd":             cwd,
		"model":           res.Model,
		"thinking_budget": res.Budget,
		"resume":          resume,
		"credential":      string(cred.Kind),
	}})
	c.logger.Info().
		Str("session_key", key).
		Str("model", res.Model).
		Int("thinking_budget", res.Budget).
		Str("cwd", cwd).
		Str("resume", resume).
		Msg("session started")
	c.debug(fmt.Sprintf("session started: model=%s budget=%d resume=%q", res.Model, res.Budget, resume))

	go c.run(key, window, handle, src, abort)
	return nil
}

// failStart reports a start failure, drops queued input so no caller is
// left waiting, and returns to idle.
func (c *Controller) failStart(err *Error, reason string) {
	c.logger.Error().Err(err).Msg("session start failed")
	dropped := c.deps.Queue.Clear()
	c.emit("", stream.Event{Kind: stream.KindMessageError, Text: err.Error()})
	c.mu.Lock()
	key := c.sessionKey
	c.lastErr = err.Error()
	c.mu.Unlock()
	if dropped > 0 {
		c.logger.Warn().Int("dropped", dropped).Msg("dropped queued messages after failed start")
	}
	c.finish(key, reason)
}

func (c *Controller) onHandoff(key string) queue.HandoffFunc {
	return func(m queue.Message) {
		c.turns.Add(1)
		c.deps.Sink.Record(eventlog.Record{SessionKey: key, Type: eventlog.TypeUserMessage, Data: m})
	}
}

func (c *Controller) run(key, window string, handle agent.Session, src *queue.Source, abort <-chan struct{}) {
	reason := "completed"
	var runErr error

loop:
	for {
		select {
		case <-abort:
			reason = "aborted"
			break loop
		case ev, ok := <-handle.Events():
			if !ok {
				if err := handle.Err(); err != nil {
					runErr = err
				} else if c.turns.Load() > 0 {
					runErr = errors.New("agent runtime ended before the turn completed")
				}
				break loop
			}
			c.handleRemote(key, src, ev)
		}
	}

	c.mu.Lock()
	c.state = StateTerminating
	c.mu.Unlock()

	// The source is only held during reset, so stdin is still open here.
	if reason == "aborted" && c.turns.Load() > 0 {
		c.interruptRuntime(handle)
		c.emit(key, stream.Event{Kind: stream.KindMessageStopped})
	}
	src.Close()
	if err := handle.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("closing agent session")
	}

	if runErr != nil {
		reason = "error"
		serr := &Error{Kind: KindConnection, Err: runErr}
		c.logger.Error().Err(serr).Str("session_key", key).Msg("session failed")
		c.emit(key, stream.Event{Kind: stream.KindMessageError, Text: serr.Error()})
		c.deps.Queue.Clear()
		c.mu.Lock()
		c.lastErr = serr.Error()
		c.mu.Unlock()
	}

	restart := c.finish(key, reason)
	if restart {
		go func() {
			if err := c.Start(context.Background(), window); err != nil {
				c.logger.Error().Err(err).Msg("supervised restart failed")
			}
		}()
	}
}

// interruptRuntime asks the runtime to stop the open turn and discards its
// output until the request is answered.
func (c *Controller) interruptRuntime(handle agent.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.InterruptTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- handle.Interrupt(ctx) }()

	events := handle.Events()
	for {
		select {
		case err := <-errc:
			if err != nil {
				c.logger.Debug().Err(err).Msg("interrupt before close failed")
			}
			return
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// finish completes teardown: correlation state is dropped, the handle is
// released and the termination signal fires. It reports whether queued
// input needs a new session.
func (c *Controller) finish(key, reason string) bool {
	c.demux.Reset()
	c.deps.Sink.Record(eventlog.Record{SessionKey: key, Type: eventlog.TypeSessionEnd, Data: map[string]any{"reason": reason}})
	c.deps.Sink.CloseSession(key)
	c.deps.Usage.Remove(key)
	if m := c.deps.Metrics; m != nil {
		m.SessionsActive.Set(0)
		m.SessionTerminations.WithLabelValues(reason).Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = nil
	c.src = nil
	c.state = StateIdle
	switch {
	case c.pendingResume != nil:
		c.resume = *c.pendingResume
		c.pendingResume = nil
	case c.sessionID != "":
		c.resume = c.sessionID
	}
	c.sessionID = ""
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.logger.Info().Str("session_key", key).Str("reason", reason).Str("resume", c.resume).Msg("session ended")
	return reason == "completed" && !c.closed && c.deps.Queue.Len() > 0
}

func (c *Controller) handleRemote(key string, src *queue.Source, ev stream.RemoteEvent) {
	out := c.demux.Handle(ev)
	for _, e := range out {
		c.emit(key, e)
		if e.Kind == stream.KindSessionIDAssigned {
			c.mu.Lock()
			c.sessionID = e.SessionID
			resumed := c.startedResume != ""
			c.mu.Unlock()
			c.emit(key, stream.Event{Kind: stream.KindSessionUpdated, SessionID: e.SessionID, Resumed: resumed})
		}
		if e.Kind == stream.KindToolResultComplete && e.IsError {
			c.debug((&Error{Kind: KindToolExecution, Err: fmt.Errorf("tool %s: %s", e.ToolID, e.Content)}).Error())
		}
	}

	res, ok := ev.(stream.Result)
	if !ok {
		return
	}
	if res.IsError {
		text := res.Result
		if text == "" {
			text = res.Subtype
		}
		c.emit(key, stream.Event{Kind: stream.KindMessageError, Text: text, SessionID: res.SessionID})
	}
	if u, changed := c.deps.Usage.Add(key, res); changed {
		c.emit(key, stream.Event{Kind: stream.KindUsageUpdated, SessionID: res.SessionID, Data: u})
	}
	// The runtime exits once stdin closes, ending the session naturally.
	if src.CloseIfDrained(func() bool {
		if c.turns.Load() > 0 {
			c.turns.Add(-1)
		}
		return c.turns.Load() == 0
	}) {
		c.logger.Debug().Str("session_key", key).Msg("all turns complete, closing prompt stream")
	}
}

// Interrupt asks the runtime to stop generating. It returns false when no
// session is streaming for window. A call made while another interrupt
// is in flight returns true immediately.
func (c *Controller) Interrupt(ctx context.Context, window string) (bool, error) {
	c.mu.Lock()
	switch c.state {
	case StateInterrupting:
		c.mu.Unlock()
		return true, nil
	case StateStreaming:
	default:
		c.mu.Unlock()
		return false, nil
	}
	if window != "" && c.window != "" && window != c.window {
		c.mu.Unlock()
		return false, nil
	}
	c.state = StateInterrupting
	handle := c.handle
	key := c.sessionKey
	c.mu.Unlock()

	ictx, cancel := context.WithTimeout(ctx, c.opts.InterruptTimeout)
	err := handle.Interrupt(ictx)
	cancel()

	c.mu.Lock()
	if c.state == StateInterrupting {
		c.state = StateStreaming
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("interrupt failed")
		return true, fmt.Errorf("interrupt: %w", err)
	}
	c.emit(key, stream.Event{Kind: stream.KindMessageStopped})
	return true, nil
}

// Reset aborts the current session, drops queued input and waits for the
// session to terminate. resumeID becomes the resume target of the next
// start; empty starts a fresh conversation.
func (c *Controller) Reset(ctx context.Context, resumeID string) error {
	c.mu.Lock()
	done := c.done
	waiting := c.state != StateIdle && done != nil
	if waiting {
		c.deps.Queue.Hold()
		select {
		case <-c.abort:
		default:
			close(c.abort)
		}
		if c.state != StateTerminating {
			c.state = StateTerminating
		}
		c.pendingResume = &resumeID
	} else {
		c.resume = resumeID
	}
	c.mu.Unlock()

	if n := c.deps.Queue.Clear(); n > 0 {
		c.logger.Info().Int("dropped", n).Msg("reset dropped queued messages")
	}

	if waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if resumeID != "" {
		c.emit("", stream.Event{Kind: stream.KindSessionUpdated, SessionID: resumeID, Resumed: true})
	}
	return nil
}

// SetWorkingDirectory binds window to dir. Changing the directory of the
// window that owns the active session resets it.
func (c *Controller) SetWorkingDirectory(ctx context.Context, window, dir string) error {
	if c.deps.Workspace == nil {
		return errors.New("no workspace bindings configured")
	}
	if !c.deps.Workspace.Set(window, dir) {
		return nil
	}
	c.mu.Lock()
	affected := c.state != StateIdle && c.window == window
	c.mu.Unlock()
	if !affected {
		return nil
	}
	c.logger.Info().Str("window", window).Str("cwd", dir).Msg("working directory changed, resetting session")
	return c.Reset(ctx, "")
}

// SetModelPreference switches the model. A streaming session is switched
// in place; the reasoning budget applies from the next start.
func (c *Controller) SetModelPreference(ctx context.Context, pref policy.ModelPreference) error {
	c.mu.Lock()
	c.pref = pref
	handle := c.handle
	streaming := c.state == StateStreaming
	level := c.level
	c.mu.Unlock()

	if !streaming || handle == nil {
		return nil
	}
	res := c.deps.Resolver.Resolve(pref, level)
	if err := handle.SetModel(ctx, res.Model); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	c.mu.Lock()
	c.model = res.Model
	c.mu.Unlock()
	return nil
}

// SetReasoningLevel takes effect from the next session start.
func (c *Controller) SetReasoningLevel(level policy.ReasoningLevel) {
	c.mu.Lock()
	c.level = level
	c.mu.Unlock()
}

type Status struct {
	State            State                  `json:"state"`
	Active           bool                   `json:"active"`
	SessionKey       string                 `json:"session_key,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
	Resume           string                 `json:"resume,omitempty"`
	Window           string                 `json:"window,omitempty"`
	Cwd              string                 `json:"cwd,omitempty"`
	Model            string                 `json:"model,omitempty"`
	ThinkingBudget   int                    `json:"thinking_budget"`
	Preference       policy.ModelPreference `json:"model_preference"`
	Reasoning        policy.ReasoningLevel  `json:"reasoning"`
	QueueDepth       int                    `json:"queue_depth"`
	PendingApprovals int                    `json:"pending_approvals"`
	OpenToolBlocks   int                    `json:"open_tool_blocks"`
	Usage            *usage.SessionUsage    `json:"usage,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:      c.state,
		Active:     isActive(c.state),
		Resume:     c.resume,
		Preference: c.pref,
		Reasoning:  c.level,
		LastError:  c.lastErr,
	}
	if c.state != StateIdle {
		st.SessionKey = c.sessionKey
		st.SessionID = c.sessionID
		st.Window = c.window
		st.Cwd = c.cwd
		st.Model = c.model
		st.ThinkingBudget = c.budget
	}
	key := st.SessionKey
	c.mu.Unlock()

	st.QueueDepth = c.deps.Queue.Len()
	st.PendingApprovals = len(c.broker.Pending())
	st.OpenToolBlocks = c.demux.Table().Len()
	if key != "" {
		if u, ok := c.deps.Usage.Get(key); ok {
			st.Usage = &u
		}
	}
	return st
}

// Close resets the controller and refuses further work.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Reset(ctx, "")
}

func (c *Controller) emit(key string, ev stream.Event) {
	if m := c.deps.Metrics; m != nil {
		m.StreamEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	if key == "" {
		c.mu.Lock()
		if c.state != StateIdle {
			key = c.sessionKey
		}
		c.mu.Unlock()
	}
	if key != "" && ev.Kind != stream.KindDebugMessage {
		c.deps.Sink.Record(eventlog.Record{SessionKey: key, Type: eventlog.TypeEvent, SessionID: ev.SessionID, Data: ev})
	}
	c.deps.Emitter.Emit(ev)
}

func (c *Controller) debug(text string) {
	if !c.opts.Debug {
		return
	}
	c.emit("", stream.Event{Kind: stream.KindDebugMessage, Text: text})
}
