package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jasonkneen/claudesky-sub000/internal/queue"
	"github.com/jasonkneen/claudesky-sub000/internal/stream"
)

type CLIConfig struct {
	Path           string
	ControlTimeout time.Duration
	CloseGrace     time.Duration
	// Start launches the process; ExecStart when nil.
	Start StartFunc
}

// CLIRuntime runs one Claude CLI process per session.
type CLIRuntime struct {
	cfg    CLIConfig
	logger zerolog.Logger
}

func NewCLIRuntime(cfg CLIConfig, logger zerolog.Logger) *CLIRuntime {
	if cfg.Path == "" {
		cfg.Path = "claude"
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 10 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 5 * time.Second
	}
	if cfg.Start == nil {
		cfg.Start = ExecStart
	}
	return &CLIRuntime{cfg: cfg, logger: logger}
}

func (r *CLIRuntime) Connect(ctx context.Context, src PromptSource, opts Options) (Session, error) {
	spec := ProcessSpec{
		Path: r.cfg.Path,
		Args: BuildArgs(opts),
		Dir:  opts.Cwd,
		Env:  opts.Env,
	}
	r.logger.Debug().Strs("args", spec.Args).Str("cwd", spec.Dir).Msg("starting agent runtime")

	proc, err := r.cfg.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("connect agent runtime: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &cliSession{
		proc:    proc,
		src:     src,
		opts:    opts,
		cfg:     r.cfg,
		logger:  r.logger,
		ctx:     sctx,
		cancel:  cancel,
		events:  make(chan stream.RemoteEvent, 64),
		done:    make(chan struct{}),
		pending: make(map[string]chan stream.ControlResponse),
	}
	s.run()
	return s, nil
}

type cliSession struct {
	proc   Process
	src    PromptSource
	opts   Options
	cfg    CLIConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan stream.RemoteEvent
	done   chan struct{}
	err    error

	writeMu     sync.Mutex
	stdinClosed bool

	pendingMu sync.Mutex
	pending   map[string]chan stream.ControlResponse

	stderrMu   sync.Mutex
	stderrTail []string

	closing   atomic.Bool
	closeOnce sync.Once
}

func (s *cliSession) run() {
	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.writePrompts(gctx) })
	g.Go(s.readEvents)
	g.Go(s.drainStderr)

	go func() {
		err := g.Wait()
		waitErr := s.proc.Wait()
		if err == nil && waitErr != nil && !s.closing.Load() {
			err = fmt.Errorf("agent runtime exited: %w%s", waitErr, s.stderrSummary())
		}
		s.err = err
		close(s.events)
		close(s.done)
	}()
}

func (s *cliSession) Events() <-chan stream.RemoteEvent { return s.events }

func (s *cliSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *cliSession) writePrompts(ctx context.Context) error {
	defer s.closeStdin()
	for {
		msg, ok := s.src.Next(ctx)
		if !ok {
			return nil
		}
		if err := s.writeJSON(userTurn(msg)); err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to write user turn")
			return nil
		}
	}
}

// readEvents drains stdout until EOF. After Close the events are dropped
// but reading continues so the process can exit.
func (s *cliSession) readEvents() error {
	defer s.cancel()

	sc := bufio.NewScanner(s.proc.Stdout())
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		ev, err := stream.ParseLine(sc.Bytes())
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed runtime output")
			continue
		}
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case stream.ControlRequest:
			go s.answer(e)
		case stream.ControlResponse:
			s.resolve(e)
		default:
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read agent output: %w", err)
	}
	return nil
}

// drainStderr keeps the tail of stderr for error reports. It reads until
// EOF so the runtime never blocks on a full stderr pipe.
func (s *cliSession) drainStderr() error {
	sc := bufio.NewScanner(s.proc.Stderr())
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.logger.Debug().Str("stderr", line).Msg("agent runtime")
		s.stderrMu.Lock()
		s.stderrTail = append(s.stderrTail, line)
		if len(s.stderrTail) > 20 {
			s.stderrTail = s.stderrTail[len(s.stderrTail)-20:]
		}
		s.stderrMu.Unlock()
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("agent runtime stderr unreadable, discarding the rest")
		_, _ = io.Copy(io.Discard, s.proc.Stderr())
	}
	return nil
}

func (s *cliSession) stderrSummary() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	if len(s.stderrTail) == 0 {
		return ""
	}
	return ": " + strings.Join(s.stderrTail, "\n")
}

func (s *cliSession) answer(req stream.ControlRequest) {
	if req.Subtype != "can_use_tool" {
		s.logger.Warn().Str("subtype", req.Subtype).Msg("unsupported control request")
		s.reply(controlError(req.RequestID, "unsupported control request: "+req.Subtype))
		return
	}

	result := PermissionResult{Allow: true}
	if s.opts.CanUseTool != nil {
		var err error
		result, err = s.opts.CanUseTool(s.ctx, req)
		if err != nil {
			s.logger.Warn().Err(err).Str("tool", req.ToolName).Msg("permission callback failed, denying")
			result = PermissionResult{Message: err.Error()}
		}
	}

	var body map[string]any
	if result.Allow {
		input := result.UpdatedInput
		if input == nil {
			input = req.Input
		}
		if input == nil {
			input = map[string]any{}
		}
		body = map[string]any{"behavior": "allow", "updatedInput": input}
	} else {
		msg := result.Message
		if msg == "" {
			msg = "permission denied"
		}
		body = map[string]any{"behavior": "deny", "message": msg}
	}
	s.reply(controlSuccess(req.RequestID, body))
}

func (s *cliSession) reply(v any) {
	if err := s.writeJSON(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to answer control request")
	}
}

func (s *cliSession) resolve(resp stream.ControlResponse) {
	s.pendingMu.Lock()
	ch, ok := s.pending[resp.RequestID]
	delete(s.pending, resp.RequestID)
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug().Str("request_id", resp.RequestID).Msg("control response for unknown request")
		return
	}
	ch <- resp
}

func (s *cliSession) request(ctx context.Context, subtype string, fields map[string]any) error {
	id := "req_" + uuid.NewString()
	ch := make(chan stream.ControlResponse, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	body := map[string]any{"subtype": subtype}
	maps.Copy(body, fields)
	if err := s.writeJSON(map[string]any{"type": "control_request", "request_id": id, "request": body}); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.ControlTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Subtype == "error" {
			return fmt.Errorf("%s rejected: %s", subtype, resp.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: no response after %s", subtype, s.cfg.ControlTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *cliSession) Interrupt(ctx context.Context) error {
	return s.request(ctx, "interrupt", nil)
}

func (s *cliSession) SetModel(ctx context.Context, model string) error {
	return s.request(ctx, "set_model", map[string]any{"model": model})
}

// Close stops pulling prompts, closes stdin and waits for the process to
// exit. After the grace period the process is killed.
func (s *cliSession) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		go s.closeStdin()

		timer := time.NewTimer(s.cfg.CloseGrace)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn().Dur("grace", s.cfg.CloseGrace).Msg("agent runtime did not exit, killing")
			_ = s.proc.Kill()
			<-s.done
		}
	})
	return nil
}

func (s *cliSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode agent input: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return ErrClosed
	}
	if _, err := s.proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("write agent input: %w", err)
	}
	return nil
}

func (s *cliSession) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return
	}
	s.stdinClosed = true
	_ = s.proc.Stdin().Close()
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type userLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string      `json:"role"`
		Content []textBlock `json:"content"`
	} `json:"message"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
	SessionID       string  `json:"session_id"`
}

// Attachments are passed as @path references the runtime resolves itself.
func userTurn(msg queue.Message) userLine {
	line := userLine{Type: "user"}
	line.Message.Role = "user"
	line.Message.Content = []textBlock{{Type: "text", Text: msg.Text}}
	if len(msg.Attachments) > 0 {
		refs := make([]string, 0, len(msg.Attachments))
		for _, path := range msg.Attachments {
			refs = append(refs, "@"+path)
		}
		line.Message.Content = append(line.Message.Content, textBlock{Type: "text", Text: strings.Join(refs, "\n")})
	}
	return line
}

func controlSuccess(requestID string, body map[string]any) map[string]any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   body,
		},
	}
}

func controlError(requestID, msg string) map[string]any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      msg,
		},
	}
}
