// Package stream decodes the agent runtime's stream-json output into a
// closed set of remote events and demultiplexes them into application
// events.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RemoteEvent is one decoded line of runtime output. The concrete type is
// one of the variants below; Demux switches over them exhaustively.
type RemoteEvent interface {
	EventType() string
	remoteEvent()
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContentBlock covers every block shape the runtime emits. Which fields
// are set depends on Type.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   any             `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// IsToolUse reports whether the block requests a tool, including
// server-side tools such as web search.
func (b ContentBlock) IsToolUse() bool {
	return b.Type == "tool_use" || b.Type == "server_tool_use" || b.Type == "mcp_tool_use"
}

// IsToolResult matches tool_result and the server-side *_tool_result kinds.
func (b ContentBlock) IsToolResult() bool {
	return b.Type == "tool_result" || strings.HasSuffix(b.Type, "_tool_result")
}

type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

type AssistantPayload struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type SystemInit struct {
	SessionID      string   `json:"session_id"`
	Model          string   `json:"model"`
	Cwd            string   `json:"cwd"`
	PermissionMode string   `json:"permissionMode"`
	Tools          []string `json:"tools"`
}

type MessageStart struct {
	MessageID string
	Model     string
}

type BlockStart struct {
	Index int
	Block ContentBlock
}

type BlockDelta struct {
	Index int
	Delta Delta
}

type BlockStop struct {
	Index int
}

type MessageDelta struct {
	StopReason string
	Usage      *Usage
}

type MessageStop struct{}

type AssistantMessage struct {
	SessionID       string
	ParentToolUseID string
	Message         AssistantPayload
}

type UserMessage struct {
	SessionID       string
	ParentToolUseID string
	Content         []ContentBlock
}

type Result struct {
	Subtype       string  `json:"subtype"`
	IsError       bool    `json:"is_error"`
	Result        string  `json:"result"`
	SessionID     string  `json:"session_id"`
	DurationMs    int64   `json:"duration_ms"`
	DurationAPIMs int64   `json:"duration_api_ms"`
	NumTurns      int     `json:"num_turns"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	Usage         Usage   `json:"usage"`
}

// ControlRequest is a runtime-initiated request, e.g. can_use_tool.
type ControlRequest struct {
	RequestID string
	Subtype   string
	ToolName  string
	ToolUseID string
	Input     map[string]any
	Raw       json.RawMessage
}

type ControlResponse struct {
	RequestID string
	Subtype   string
	Error     string
	Response  json.RawMessage
}

// Unknown is any event kind this package does not model yet.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SystemInit) EventType() string       { return "system/init" }
func (MessageStart) EventType() string     { return "message_start" }
func (BlockStart) EventType() string       { return "content_block_start" }
func (BlockDelta) EventType() string       { return "content_block_delta" }
func (BlockStop) EventType() string        { return "content_block_stop" }
func (MessageDelta) EventType() string     { return "message_delta" }
func (MessageStop) EventType() string      { return "message_stop" }
func (AssistantMessage) EventType() string { return "assistant" }
func (UserMessage) EventType() string      { return "user" }
func (Result) EventType() string           { return "result" }
func (ControlRequest) EventType() string   { return "control_request" }
func (ControlResponse) EventType() string  { return "control_response" }
func (u Unknown) EventType() string        { return u.Type }

func (SystemInit) remoteEvent()       {}
func (MessageStart) remoteEvent()     {}
func (BlockStart) remoteEvent()       {}
func (BlockDelta) remoteEvent()       {}
func (BlockStop) remoteEvent()        {}
func (MessageDelta) remoteEvent()     {}
func (MessageStop) remoteEvent()      {}
func (AssistantMessage) remoteEvent() {}
func (UserMessage) remoteEvent()      {}
func (Result) remoteEvent()           {}
func (ControlRequest) remoteEvent()   {}
func (ControlResponse) remoteEvent()  {}
func (Unknown) remoteEvent()          {}

// MalformedEventError is returned for lines that are not decodable events.
// It is never fatal to the stream.
type MalformedEventError struct {
	Line string
	Err  error
}

func (e *MalformedEventError) Error() string {
	line := e.Line
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return fmt.Sprintf("malformed event %q: %v", line, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

type envelope struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Event           json.RawMessage `json:"event"`
	Message         json.RawMessage `json:"message"`
	RequestID       string          `json:"request_id"`
	Request         json.RawMessage `json:"request"`
	Response        json.RawMessage `json:"response"`
}

// ParseLine decodes one line of stream-json. Blank lines return (nil, nil).
func ParseLine(line []byte) (RemoteEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, malformed(line, err)
	}
	parent := ""
	if env.ParentToolUseID != nil {
		parent = *env.ParentToolUseID
	}

	switch env.Type {
	case "":
		return nil, malformed(line, errors.New("missing type"))
	case "system":
		if env.Subtype != "init" {
			return Unknown{Type: "system/" + env.Subtype, Raw: clone(line)}, nil
		}
		var ev SystemInit
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, malformed(line, err)
		}
		return ev, nil
	case "stream_event":
		if len(env.Event) == 0 {
			return nil, malformed(line, errors.New("stream_event without event"))
		}
		return parseStreamEvent(env.Event)
	case "message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop":
		return parseStreamEvent(line)
	case "assistant":
		var msg AssistantPayload
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, malformed(line, err)
		}
		return AssistantMessage{SessionID: env.SessionID, ParentToolUseID: parent, Message: msg}, nil
	case "user":
		content, err := parseUserContent(env.Message)
		if err != nil {
			return nil, malformed(line, err)
		}
		return UserMessage{SessionID: env.SessionID, ParentToolUseID: parent, Content: content}, nil
	case "result":
		var res Result
		if err := json.Unmarshal(line, &res); err != nil {
			return nil, malformed(line, err)
		}
		return res, nil
	case "control_request":
		var req struct {
			Subtype   string         `json:"subtype"`
			ToolName  string         `json:"tool_name"`
			ToolUseID string         `json:"tool_use_id"`
			Input     map[string]any `json:"input"`
		}
		if err := json.Unmarshal(env.Request, &req); err != nil {
			return nil, malformed(line, err)
		}
		return ControlRequest{
			RequestID: env.RequestID,
			Subtype:   req.Subtype,
			ToolName:  req.ToolName,
			ToolUseID: req.ToolUseID,
			Input:     req.Input,
			Raw:       clone(env.Request),
		}, nil
	case "control_response":
		var resp struct {
			Subtype   string          `json:"subtype"`
			RequestID string          `json:"request_id"`
			Error     string          `json:"error"`
			Response  json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(env.Response, &resp); err != nil {
			return nil, malformed(line, err)
		}
		return ControlResponse{
			RequestID: resp.RequestID,
			Subtype:   resp.Subtype,
			Error:     resp.Error,
			Response:  resp.Response,
		}, nil
	default:
		return Unknown{Type: env.Type, Raw: clone(line)}, nil
	}
}

func parseStreamEvent(raw json.RawMessage) (RemoteEvent, error) {
	var ev struct {
		Type    string `json:"type"`
		Index   int    `json:"index"`
		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"message"`
		ContentBlock ContentBlock    `json:"content_block"`
		Delta        json.RawMessage `json:"delta"`
		Usage        *Usage          `json:"usage"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed(raw, err)
	}

	switch ev.Type {
	case "message_start":
		return MessageStart{MessageID: ev.Message.ID, Model: ev.Message.Model}, nil
	case "content_block_start":
		return BlockStart{Index: ev.Index, Block: ev.ContentBlock}, nil
	case "content_block_delta":
		var d Delta
		if err := json.Unmarshal(ev.Delta, &d); err != nil {
			return nil, malformed(raw, err)
		}
		return BlockDelta{Index: ev.Index, Delta: d}, nil
	case "content_block_stop":
		return BlockStop{Index: ev.Index}, nil
	case "message_delta":
		var d struct {
			StopReason string `json:"stop_reason"`
		}
		if len(ev.Delta) > 0 {
			_ = json.Unmarshal(ev.Delta, &d)
		}
		return MessageDelta{StopReason: d.StopReason, Usage: ev.Usage}, nil
	case "message_stop":
		return MessageStop{}, nil
	default:
		return Unknown{Type: "stream_event/" + ev.Type, Raw: clone(raw)}, nil
	}
}

// User messages carry either a plain string or a block array.
func parseUserContent(raw json.RawMessage) ([]ContentBlock, error) {
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if len(msg.Content) == 0 {
		return nil, nil
	}
	var text string
	if json.Unmarshal(msg.Content, &text) == nil {
		return []ContentBlock{{Type: "text", Text: text}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func malformed(line []byte, err error) error {
	return &MalformedEventError{Line: string(line), Err: err}
}

func clone(b []byte) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
