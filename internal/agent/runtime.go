// Package agent connects to the remote agent runtime. The runtime is the
// Claude CLI speaking stream-json on stdin/stdout; callers only see the
// Runtime and Session interfaces.
package agent

import (
	"context"
	"errors"
	"strconv"

	"github.com/jasonkneen/claudesky-sub000/internal/queue"
	"github.com/jasonkneen/claudesky-sub000/internal/stream"
)

var ErrClosed = errors.New("agent session closed")

// PromptSource is pulled for user turns until it reports end of sequence.
type PromptSource interface {
	Next(ctx context.Context) (queue.Message, bool)
}

type PermissionResult struct {
	Allow        bool
	UpdatedInput map[string]any
	Message      string
}

// PermissionFunc answers a can_use_tool request. Returned errors are
// treated as a deny.
type PermissionFunc func(ctx context.Context, req stream.ControlRequest) (PermissionResult, error)

type Options struct {
	Model          string
	ThinkingBudget int
	Resume         string
	Cwd            string
	PermissionMode string
	// Env entries are appended to the inherited environment.
	Env        []string
	ExtraArgs  []string
	CanUseTool PermissionFunc
}

type Runtime interface {
	Connect(ctx context.Context, src PromptSource, opts Options) (Session, error)
}

// Session is one live runtime connection.
type Session interface {
	// Events is closed when the runtime exits.
	Events() <-chan stream.RemoteEvent
	// Err reports why Events closed; nil for a clean exit or Close.
	Err() error
	Interrupt(ctx context.Context) error
	SetModel(ctx context.Context, model string) error
	Close() error
}

// BuildArgs returns the CLI arguments for opts.
func BuildArgs(opts Options) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ThinkingBudget > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(opts.ThinkingBudget))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return append(args, opts.ExtraArgs...)
}
