// Package daemon wires configuration to components and runs the session
// daemon until its context is cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jasonkneen/claudesky-sub000/internal/agent"
	"github.com/jasonkneen/claudesky-sub000/internal/config"
	"github.com/jasonkneen/claudesky-sub000/internal/credentials"
	"github.com/jasonkneen/claudesky-sub000/internal/eventlog"
	"github.com/jasonkneen/claudesky-sub000/internal/httpapi"
	"github.com/jasonkneen/claudesky-sub000/internal/logging"
	"github.com/jasonkneen/claudesky-sub000/internal/metrics"
	"github.com/jasonkneen/claudesky-sub000/internal/outbox"
	"github.com/jasonkneen/claudesky-sub000/internal/permission"
	"github.com/jasonkneen/claudesky-sub000/internal/policy"
	"github.com/jasonkneen/claudesky-sub000/internal/queue"
	"github.com/jasonkneen/claudesky-sub000/internal/session"
	"github.com/jasonkneen/claudesky-sub000/internal/stream"
	"github.com/jasonkneen/claudesky-sub000/internal/usage"
	"github.com/jasonkneen/claudesky-sub000/internal/workspace"
	"github.com/jasonkneen/claudesky-sub000/internal/ws"
)

const Version = "0.1.0"

// SendFunc delivers an outbound message to the interface process.
type SendFunc func(msgType string, payload any) error

type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	metrics    *metrics.Metrics
	queue      *queue.Queue
	approvals  *permission.Store
	workspace  *workspace.Bindings
	controller *session.Controller
	sink       *eventlog.FileSink
	outbox     *outbox.Outbox
	ws         *ws.Client
	http       *httpapi.Server

	runtime   agent.Runtime
	creds     session.CredentialSource
	send      SendFunc
	listeners []func(stream.Event)
}

type Option func(*Daemon)

// WithRuntime replaces the Claude CLI runtime.
func WithRuntime(rt agent.Runtime) Option {
	return func(d *Daemon) { d.runtime = rt }
}

func WithCredentials(src session.CredentialSource) Option {
	return func(d *Daemon) { d.creds = src }
}

// WithSend replaces the event channel as the outbound path.
func WithSend(fn SendFunc) Option {
	return func(d *Daemon) { d.send = fn }
}

// WithListener registers an extra observer for application events.
func WithListener(fn func(stream.Event)) Option {
	return func(d *Daemon) { d.listeners = append(d.listeners, fn) }
}

func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  logging.Component(logger, "daemon"),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(d)
	}

	pref, ok := policy.ParseModelPreference(cfg.Agent.ModelPreference)
	if !ok {
		return nil, fmt.Errorf("unknown model preference %q", cfg.Agent.ModelPreference)
	}
	level, ok := policy.ParseReasoningLevel(cfg.Agent.Reasoning)
	if !ok {
		return nil, fmt.Errorf("unknown reasoning level %q", cfg.Agent.Reasoning)
	}
	unapproved, err := permission.ParseUnapprovedPolicy(cfg.Approvals.UnapprovedPolicy)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	d.queue = queue.New(queue.Options{
		MaxPending: cfg.Queue.MaxPending,
		OnDepth:    func(n int) { d.metrics.QueueDepth.Set(float64(n)) },
	})

	d.approvals = permission.NewStore(cfg.Approvals.Path, logger)
	if err := d.approvals.Reload(); err != nil {
		// Namespaced tools ask until the file is fixed.
		d.logger.Warn().Err(err).Str("path", cfg.Approvals.Path).Msg("approval table not loaded")
	}

	d.sink, err = eventlog.NewFileSink(cfg.Storage.SessionLogDir, logger)
	if err != nil {
		return nil, fmt.Errorf("session log: %w", err)
	}

	if d.runtime == nil {
		d.runtime = agent.NewCLIRuntime(agent.CLIConfig{
			Path:           cfg.Agent.CLIPath,
			ControlTimeout: time.Duration(cfg.Agent.ControlTimeout) * time.Millisecond,
			CloseGrace:     time.Duration(cfg.Agent.CloseGraceMs) * time.Millisecond,
		}, logging.Component(logger, "agent"))
	}
	if d.creds == nil {
		d.creds = credentials.NewProvider(credentials.Config{
			APIKey:         cfg.Credentials.APIKey,
			OAuthToken:     cfg.Credentials.OAuthToken,
			TokenFile:      cfg.Credentials.TokenFile,
			KeyringService: cfg.Credentials.KeyringService,
			KeyringAccount: cfg.Credentials.KeyringAccount,
			DisableKeyring: cfg.Credentials.DisableKeyring,
		}, logging.Component(logger, "credentials"))
	}

	if d.send == nil && cfg.Interface.WSURL != "" {
		d.outbox, err = outbox.Open(cfg.Storage.StateDir, cfg.Storage.OutboxMax)
		if err != nil {
			return nil, fmt.Errorf("outbox: %w", err)
		}
		d.ws = ws.NewClient(ws.Config{
			URL:      cfg.Interface.WSURL,
			Token:    cfg.Interface.Token,
			ClientID: cfg.Client.ID,
			Backoff:  cfg.Interface.ReconnectBackoffMs,
			OnEvict:  d.metrics.OutboxDropped.Inc,
		}, d.outbox, logger)
		d.ws.SetHandler(d.handleMessage)
		d.ws.SetOnConnect(func() {
			if err := d.sendHello(); err != nil {
				d.logger.Warn().Err(err).Msg("send hello failed")
			}
		})
		d.send = d.ws.Send
	}

	d.workspace = workspace.New(cfg.Agent.DefaultCwd)
	d.controller = session.New(session.Deps{
		Runtime:     d.runtime,
		Credentials: d.creds,
		Queue:       d.queue,
		Gate:        permission.NewGate(d.approvals),
		Resolver:    policy.NewResolver(cfg.Agent.Model, logging.Component(logger, "policy")),
		Workspace:   d.workspace,
		Emitter:     session.EmitterFunc(d.emit),
		Sink:        d.sink,
		Usage:       usage.NewTracker(),
		Metrics:     d.metrics,
		Logger:      logger,
	}, session.Options{
		Preference:        pref,
		Reasoning:         level,
		PermissionMode:    cfg.Agent.PermissionMode,
		ExtraArgs:         cfg.Agent.ExtraArgs,
		UnapprovedPolicy:  unapproved,
		EscalationTimeout: time.Duration(cfg.Approvals.EscalationTimeoutMs) * time.Millisecond,
		Debug:             cfg.Agent.Debug,
	})

	d.http = httpapi.New(cfg.HTTP.Listen, httpapi.Deps{
		Controller: d.controller,
		Approvals:  d.controller.Broker(),
		Status:     func() any { return d.Status() },
		Metrics:    d.metrics.Handler(),
		Logger:     logger,
	})
	return d, nil
}

func (d *Daemon) Controller() *session.Controller {
	return d.controller
}

// Run serves until ctx is cancelled, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().
		Str("version", Version).
		Str("client_id", d.cfg.Client.ID).
		Str("interface", d.cfg.Interface.WSURL).
		Msg("starting")

	if err := d.http.Start(); err != nil {
		return fmt.Errorf("start http api: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.Approvals.Watch {
		if err := d.approvals.Watch(gctx); err != nil {
			d.logger.Warn().Err(err).Msg("approval table watch disabled")
		}
	}
	if d.ws != nil {
		g.Go(func() error {
			if err := d.ws.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	d.logger.Info().Msg("shutting down")
	return errors.Join(runErr, d.shutdown())
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := d.controller.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	if err := d.http.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop http api: %w", err))
	}
	if d.ws != nil {
		d.ws.Close()
	}
	if d.outbox != nil {
		if err := d.outbox.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Daemon) emit(ev stream.Event) {
	for _, fn := range d.listeners {
		fn(ev)
	}
	if d.send == nil {
		return
	}
	if err := d.send(string(ev.Kind), ev); err != nil {
		d.logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("event not delivered")
	}
}

func (d *Daemon) sendHello() error {
	var acked int64
	if d.ws != nil {
		acked = d.ws.LastAckedSeq()
	}
	st := d.controller.Status()
	return d.send("agent.hello", map[string]any{
		"client": map[string]any{
			"id":            d.cfg.Client.ID,
			"name":          d.cfg.Client.Name,
			"agent_version": Version,
		},
		"session": st,
		"resume": map[string]any{
			"last_acked_seq": acked,
		},
	})
}

type EventChannelStatus struct {
	URL          string `json:"url,omitempty"`
	Connected    bool   `json:"connected"`
	LastAckedSeq int64  `json:"last_acked_seq"`
	Unacked      int    `json:"unacked"`
	Dropped      int    `json:"dropped"`
}

type Status struct {
	Version      string             `json:"version"`
	ClientID     string             `json:"client_id"`
	Session      session.Status     `json:"session"`
	EventChannel EventChannelStatus `json:"event_channel"`
	Approvals    int                `json:"approval_records"`
	Windows      map[string]string  `json:"windows,omitempty"`
}

func (d *Daemon) Status() Status {
	st := Status{
		Version:   Version,
		ClientID:  d.cfg.Client.ID,
		Session:   d.controller.Status(),
		Approvals: d.approvals.Snapshot().Len(),
		Windows:   d.workspace.Snapshot(),
	}
	st.EventChannel.URL = d.cfg.Interface.WSURL
	if d.ws != nil {
		st.EventChannel.Connected = d.ws.Connected()
		st.EventChannel.LastAckedSeq = d.ws.LastAckedSeq()
	}
	if d.outbox != nil {
		st.EventChannel.Unacked = d.outbox.Len()
		st.EventChannel.Dropped = d.outbox.Dropped()
	}
	return st
}
