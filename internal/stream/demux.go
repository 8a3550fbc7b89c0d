package stream

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/rs/zerolog"
)

type EventKind string

const (
	KindTextDelta          EventKind = "text-delta"
	KindThinkingDelta      EventKind = "thinking-delta"
	KindToolUseStart       EventKind = "tool-use-start"
	KindToolInputDelta     EventKind = "tool-input-delta"
	KindToolResultStart    EventKind = "tool-result-start"
	KindToolResultComplete EventKind = "tool-result-complete"
	KindBlockStop          EventKind = "content-block-stop"
	KindSessionIDAssigned  EventKind = "session-id-assigned"
	KindMessageComplete    EventKind = "message-complete"

	// Emitted by the session controller rather than the demultiplexer.
	KindMessageStopped    EventKind = "message-stopped"
	KindMessageError      EventKind = "message-error"
	KindSessionUpdated    EventKind = "session-updated"
	KindDebugMessage      EventKind = "debug-message"
	KindPermissionRequest EventKind = "permission-request"
	KindUsageUpdated      EventKind = "usage-updated"
)

// Event is an application-level event pushed to the interface process.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Index     *int            `json:"index,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Resumed   bool            `json:"resumed,omitempty"`
	Data      any             `json:"data,omitempty"`
}

func indexPtr(i int) *int { return &i }

// CorrelationTable maps the index of an open tool_use block to its tool
// invocation id. An entry lives until the block stops.
type CorrelationTable struct {
	mu      sync.RWMutex
	entries map[int]string
}

func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{entries: make(map[int]string)}
}

func (t *CorrelationTable) Record(index int, toolID string) {
	t.mu.Lock()
	t.entries[index] = toolID
	t.mu.Unlock()
}

func (t *CorrelationTable) Lookup(index int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.entries[index]
	return id, ok
}

func (t *CorrelationTable) Delete(index int) {
	t.mu.Lock()
	delete(t.entries, index)
	t.mu.Unlock()
}

func (t *CorrelationTable) Clear() {
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
}

func (t *CorrelationTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *CorrelationTable) Snapshot() map[int]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.entries)
}

// Demux turns remote events into application events. It owns the
// correlation table and must be driven by a single goroutine.
type Demux struct {
	table  *CorrelationTable
	logger zerolog.Logger

	resultStarted map[string]bool
	sawDelta      bool
}

func NewDemux(logger zerolog.Logger) *Demux {
	return &Demux{
		table:         NewCorrelationTable(),
		logger:        logger,
		resultStarted: make(map[string]bool),
	}
}

// Table exposes the correlation table for reading.
func (d *Demux) Table() *CorrelationTable {
	return d.table
}

// Reset drops all per-session state.
func (d *Demux) Reset() {
	d.table.Clear()
	clear(d.resultStarted)
	d.sawDelta = false
}

func (d *Demux) Handle(ev RemoteEvent) []Event {
	switch e := ev.(type) {
	case SystemInit:
		if e.SessionID == "" {
			return nil
		}
		return []Event{{Kind: KindSessionIDAssigned, SessionID: e.SessionID}}

	case MessageStart:
		// Block indices restart with every message.
		d.table.Clear()
		d.sawDelta = false
		return nil

	case BlockStart:
		return d.blockStart(e)

	case BlockDelta:
		return d.blockDelta(e)

	case BlockStop:
		toolID, _ := d.table.Lookup(e.Index)
		d.table.Delete(e.Index)
		return []Event{{Kind: KindBlockStop, Index: indexPtr(e.Index), ToolID: toolID}}

	case MessageDelta, MessageStop:
		return nil

	case AssistantMessage:
		return d.assistant(e)

	case UserMessage:
		var out []Event
		for _, block := range e.Content {
			if block.IsToolResult() {
				out = append(out, d.toolResult(block)...)
			}
		}
		return out

	case Result:
		return []Event{{
			Kind:      KindMessageComplete,
			SessionID: e.SessionID,
			Text:      e.Result,
			IsError:   e.IsError,
		}}

	case ControlRequest, ControlResponse:
		// handled by the runtime transport
		return nil

	case Unknown:
		d.logger.Warn().Str("type", e.Type).Msg("ignoring unknown remote event")
		return nil

	default:
		d.logger.Warn().Str("type", ev.EventType()).Msg("unhandled remote event")
		return nil
	}
}

func (d *Demux) blockStart(e BlockStart) []Event {
	block := e.Block
	switch {
	case block.IsToolUse():
		d.table.Record(e.Index, block.ID)
		ev := Event{Kind: KindToolUseStart, Index: indexPtr(e.Index), ToolID: block.ID, ToolName: block.Name}
		if len(block.Input) > 0 && string(block.Input) != "{}" {
			ev.Input = block.Input
		}
		return []Event{ev}
	case block.IsToolResult():
		d.resultStarted[block.ToolUseID] = true
		return []Event{{Kind: KindToolResultStart, Index: indexPtr(e.Index), ToolID: block.ToolUseID}}
	case block.Type == "text" && block.Text != "":
		d.sawDelta = true
		return []Event{{Kind: KindTextDelta, Index: indexPtr(e.Index), Text: block.Text}}
	default:
		return nil
	}
}

func (d *Demux) blockDelta(e BlockDelta) []Event {
	switch e.Delta.Type {
	case "text_delta":
		d.sawDelta = true
		return []Event{{Kind: KindTextDelta, Index: indexPtr(e.Index), Text: e.Delta.Text}}
	case "thinking_delta":
		d.sawDelta = true
		return []Event{{Kind: KindThinkingDelta, Index: indexPtr(e.Index), Text: e.Delta.Thinking}}
	case "input_json_delta":
		toolID, ok := d.table.Lookup(e.Index)
		if !ok {
			d.logger.Debug().Int("index", e.Index).Msg("tool input delta without recorded tool id")
		}
		return []Event{{Kind: KindToolInputDelta, Index: indexPtr(e.Index), ToolID: toolID, Text: e.Delta.PartialJSON}}
	case "signature_delta", "citations_delta":
		return nil
	default:
		d.logger.Warn().Str("delta", e.Delta.Type).Msg("ignoring unknown delta type")
		return nil
	}
}

// assistant handles the full message that follows the streamed blocks.
// Text is only replayed when no partial deltas were seen for it.
func (d *Demux) assistant(e AssistantMessage) []Event {
	var out []Event
	for _, block := range e.Message.Content {
		switch {
		case block.IsToolResult():
			out = append(out, d.toolResult(block)...)
		case d.sawDelta:
		case block.Type == "text" && block.Text != "":
			out = append(out, Event{Kind: KindTextDelta, Text: block.Text})
		case block.Type == "thinking" && block.Thinking != "":
			out = append(out, Event{Kind: KindThinkingDelta, Text: block.Thinking})
		}
	}
	d.sawDelta = false
	return out
}

func (d *Demux) toolResult(block ContentBlock) []Event {
	var out []Event
	if !d.resultStarted[block.ToolUseID] {
		d.resultStarted[block.ToolUseID] = true
		out = append(out, Event{Kind: KindToolResultStart, ToolID: block.ToolUseID})
	}
	return append(out, Event{
		Kind:    KindToolResultComplete,
		ToolID:  block.ToolUseID,
		Content: NormalizeToolContent(block.Content),
		IsError: block.IsError,
	})
}
