package session

import (
	"context"
	"fmt"

	"github.com/jasonkneen/claudesky-sub000/internal/agent"
	"github.com/jasonkneen/claudesky-sub000/internal/permission"
	"github.com/jasonkneen/claudesky-sub000/internal/stream"
)

// canUseTool answers the runtime's tool permission requests. The gate
// decides first; requests it cannot decide follow the unapproved policy,
// which by default escalates to the user through the broker.
func (c *Controller) canUseTool(ctx context.Context, req stream.ControlRequest) (agent.PermissionResult, error) {
	v := c.deps.Gate.Decide(req.ToolName, req.Input)

	var res agent.PermissionResult
	switch v.Behavior {
	case permission.BehaviorAllow:
		res = agent.PermissionResult{Allow: true, UpdatedInput: v.Input}
	case permission.BehaviorDeny:
		res = agent.PermissionResult{Message: v.Reason}
	default:
		res = c.unapproved(ctx, req, v)
	}

	behavior := permission.BehaviorDeny
	if res.Allow {
		behavior = permission.BehaviorAllow
	}
	if m := c.deps.Metrics; m != nil {
		m.ToolDecisions.WithLabelValues(string(behavior)).Inc()
	}
	c.logger.Debug().
		Str("tool", req.ToolName).
		Str("key", v.Key).
		Str("behavior", string(behavior)).
		Str("reason", v.Reason).
		Msg("tool permission")
	c.debug(fmt.Sprintf("tool %s: %s (%s)", req.ToolName, behavior, v.Reason))
	return res, nil
}

func (c *Controller) unapproved(ctx context.Context, req stream.ControlRequest, v permission.Verdict) agent.PermissionResult {
	switch c.opts.UnapprovedPolicy {
	case permission.UnapprovedAllow:
		return agent.PermissionResult{Allow: true, UpdatedInput: v.Input}
	case permission.UnapprovedDeny:
		return agent.PermissionResult{Message: v.Reason}
	}

	d := c.broker.Request(ctx, permission.Escalation{
		ToolName:  req.ToolName,
		ToolUseID: req.ToolUseID,
		Key:       v.Key,
		Input:     req.Input,
		Reason:    v.Reason,
	})
	if d.Behavior != permission.BehaviorAllow {
		return agent.PermissionResult{Message: d.Message}
	}
	input := d.UpdatedInput
	if input == nil {
		input = req.Input
	}
	return agent.PermissionResult{Allow: true, UpdatedInput: input}
}

func (c *Controller) publishEscalation(esc permission.Escalation) {
	c.emit("", stream.Event{
		Kind:     stream.KindPermissionRequest,
		ToolID:   esc.ToolUseID,
		ToolName: esc.ToolName,
		Text:     esc.Reason,
		Data:     esc,
	})
}
