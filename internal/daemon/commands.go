package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jasonkneen/claudesky-sub000/internal/permission"
	"github.com/jasonkneen/claudesky-sub000/internal/policy"
	"github.com/jasonkneen/claudesky-sub000/internal/session"
)

// command is the payload of every inbound command. Each type reads the
// fields it needs.
type command struct {
	CmdID       string   `json:"cmd_id"`
	Window      string   `json:"window"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	ResumeID    string   `json:"resume_id"`
	Cwd         string   `json:"cwd"`
	Model       string   `json:"model"`
	Reasoning   string   `json:"reasoning"`

	ApprovalID   string         `json:"approval_id"`
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message"`
	UpdatedInput map[string]any `json:"updated_input"`
}

type commandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type commandResult struct {
	CmdID  string         `json:"cmd_id,omitempty"`
	Type   string         `json:"type"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  *commandError  `json:"error,omitempty"`
}

var errUnknownCommand = errors.New("unknown command type")

func (d *Daemon) handleMessage(ctx context.Context, msgType string, payload json.RawMessage) {
	var cmd command
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			d.logger.Warn().Err(err).Str("type", msgType).Msg("malformed command")
			d.reply(commandResult{Type: msgType, Error: &commandError{Code: "INVALID_PAYLOAD", Message: err.Error()}})
			return
		}
	}

	result, err := d.dispatch(ctx, msgType, cmd)
	if errors.Is(err, errUnknownCommand) {
		d.logger.Debug().Str("type", msgType).Msg("ignoring unknown message")
		return
	}

	res := commandResult{CmdID: cmd.CmdID, Type: msgType}
	if err != nil {
		code := "COMMAND_FAILED"
		if kind := session.KindOf(err); kind != "" {
			code = string(kind)
		}
		res.Error = &commandError{Code: code, Message: err.Error()}
		d.logger.Warn().Err(err).Str("type", msgType).Str("cmd_id", cmd.CmdID).Msg("command failed")
	} else {
		res.OK = true
		res.Result = result
	}
	d.reply(res)
}

func (d *Daemon) dispatch(ctx context.Context, msgType string, cmd command) (map[string]any, error) {
	switch msgType {
	case "chat.send":
		r, err := d.controller.Send(ctx, cmd.Window, cmd.Text, cmd.Attachments)
		if r == nil {
			return nil, err
		}
		return map[string]any{"message_id": r.ID}, err

	case "chat.interrupt":
		ok, err := d.controller.Interrupt(ctx, cmd.Window)
		return map[string]any{"interrupted": ok}, err

	case "chat.reset":
		return nil, d.controller.Reset(ctx, cmd.ResumeID)

	case "workspace.set_cwd":
		if cmd.Window == "" || cmd.Cwd == "" {
			return nil, errors.New("window and cwd are required")
		}
		return nil, d.controller.SetWorkingDirectory(ctx, cmd.Window, cmd.Cwd)

	case "model.set":
		pref, ok := policy.ParseModelPreference(cmd.Model)
		if !ok {
			return nil, fmt.Errorf("unknown model preference %q", cmd.Model)
		}
		return map[string]any{"model_preference": pref}, d.controller.SetModelPreference(ctx, pref)

	case "reasoning.set":
		level, ok := policy.ParseReasoningLevel(cmd.Reasoning)
		if !ok {
			return nil, fmt.Errorf("unknown reasoning level %q", cmd.Reasoning)
		}
		d.controller.SetReasoningLevel(level)
		return map[string]any{"reasoning": level, "budget": policy.BudgetFor(level)}, nil

	case "permission.decision":
		behavior := permission.Behavior(cmd.Behavior)
		if behavior != permission.BehaviorAllow && behavior != permission.BehaviorDeny {
			return nil, fmt.Errorf("invalid behavior %q", cmd.Behavior)
		}
		ok := d.controller.Broker().Deliver(cmd.ApprovalID, permission.Decision{
			Behavior:     behavior,
			UpdatedInput: cmd.UpdatedInput,
			Message:      cmd.Message,
		})
		if !ok {
			return nil, fmt.Errorf("%w: %s", permission.ErrUnknownRequest, cmd.ApprovalID)
		}
		return nil, nil

	case "status.get":
		st := d.Status()
		return map[string]any{"status": st}, nil
	}
	return nil, errUnknownCommand
}

func (d *Daemon) reply(res commandResult) {
	if d.send == nil {
		return
	}
	if err := d.send("commands.result", res); err != nil {
		d.logger.Debug().Err(err).Msg("command result not delivered")
	}
}
