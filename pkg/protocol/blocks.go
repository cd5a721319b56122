package protocol

import "encoding/json"

// Content block types. Blocks are ordered within a message; identity is the
// block id. One flat struct covers the whole union, discriminated by Type,
// with unused fields omitted on the wire.
const (
	BlockText          = "text"
	BlockCode          = "code"
	BlockToolCall      = "tool_call"
	BlockThinking      = "thinking"
	BlockStatus        = "status"
	BlockError         = "error"
	BlockCancel        = "cancel"
	BlockVoiceInput    = "voice_input"
	BlockVoiceOutput   = "voice_output"
	BlockActionButtons = "action_buttons"
)

// Tool call statuses.
const (
	ToolStatusRunning = "running"
	ToolStatusDone    = "done"
	ToolStatusError   = "error"
)

// ContentBlock is one structured element of a message.
//
// Field usage by Type: text/thinking/status/error use Text; code uses Text
// plus Language; tool_call uses ToolName, ToolInput, ToolOutput and Status;
// voice_input/voice_output use MessageID and DurationMS; action_buttons
// uses Buttons. cancel carries no extra fields.
type ContentBlock struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	Language   string          `json:"language,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	Status     string          `json:"status,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Buttons    []ActionButton  `json:"buttons,omitempty"`
}

// ActionButton is one entry of an action_buttons block.
type ActionButton struct {
	ID     string `json:"id,omitempty"`
	Label  string `json:"label"`
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

// CloneBlocks returns a deep enough copy of blocks for handing to another
// goroutine: the slice and each ToolInput buffer are duplicated, everything
// else is value-copied.
func CloneBlocks(blocks []ContentBlock) []ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]ContentBlock, len(blocks))
	copy(out, blocks)
	for i := range out {
		if out[i].ToolInput != nil {
			in := make(json.RawMessage, len(out[i].ToolInput))
			copy(in, out[i].ToolInput)
			out[i].ToolInput = in
		}
		if out[i].Buttons != nil {
			btns := make([]ActionButton, len(out[i].Buttons))
			copy(btns, out[i].Buttons)
			out[i].Buttons = btns
		}
	}
	return out
}
