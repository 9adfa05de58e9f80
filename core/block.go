package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// BlockType discriminates the kind of conversation content a Block carries.
type BlockType string

const (
	// BlockUserText is a message authored by the user.
	BlockUserText BlockType = "user_text"
	// BlockAssistantText is model-produced prose.
	BlockAssistantText BlockType = "assistant_text"
	// BlockToolCall is a structured tool invocation proposed by the model.
	BlockToolCall BlockType = "tool_call"
	// BlockToolResult is the outcome of a tool call, linked via ParentID.
	BlockToolResult BlockType = "tool_result"
	// BlockSystem is operator-injected content (instructions, notices).
	BlockSystem BlockType = "system"
)

// Author identifies who produced a block.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
	AuthorTool      Author = "tool"
	AuthorSystem    Author = "system"
)

// CallStatus tracks the lifecycle of an in-flight tool call.
type CallStatus string

const (
	// CallStreamingArgs means argument text is still arriving from the model.
	CallStreamingArgs CallStatus = "streaming_args"
	// CallExecuting means the arguments parsed and the tool is running.
	CallExecuting CallStatus = "executing"
	// CallComplete means execution finished (successfully or not).
	CallComplete CallStatus = "complete"
)

// Payload is the type-dependent content of a Block. Concrete payload types
// implement the unexported isPayload marker enabling a closed set.
type Payload interface{ isPayload() }

// TextPayload is the content of user_text, assistant_text and system blocks.
type TextPayload struct {
	Text string `json:"text"`
}

func (TextPayload) isPayload() {}

// ToolCallPayload is the content of a tool_call block. CallID is the
// provider-assigned call identifier, preserved so history rendered back to
// the provider correlates calls with their results.
type ToolCallPayload struct {
	CallID    string     `json:"call_id"`
	ToolName  string     `json:"tool_name"`
	Arguments string     `json:"arguments"`
	Status    CallStatus `json:"status"`
}

func (ToolCallPayload) isPayload() {}

// ToolResultPayload is the content of a tool_result block. Exactly one of
// Result / Error is meaningful depending on Success.
type ToolResultPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Success  bool   `json:"success"`
}

func (ToolResultPayload) isPayload() {}

// Block is the unit of persisted conversation state. Sequence is assigned by
// the block store at append time and is the sole ordering key within a
// session; it is never reused or renumbered. While Finalized is false the
// payload may still grow, and only the generation task that created the block
// may touch it. Once Finalized is true the block is immutable.
type Block struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  int64     `json:"sequence_number"`
	Type      BlockType `json:"block_type"`
	Author    Author    `json:"author"`
	Content   Payload   `json:"content"`
	// ParentID is set only on tool_result blocks and references the
	// originating tool_call, which always has a smaller sequence number.
	ParentID  string    `json:"parent_block_id,omitempty"`
	Finalized bool      `json:"finalized"`
	Created   time.Time `json:"created_at"`
}

// NewBlock constructs a block with a fresh ID and creation timestamp. The
// sequence number stays zero until the store assigns one.
func NewBlock(sessionID string, typ BlockType, author Author, content Payload) Block {
	return Block{
		ID:        NewID(),
		SessionID: sessionID,
		Type:      typ,
		Author:    author,
		Content:   content,
		Created:   time.Now().UTC(),
	}
}

// Text returns the text of a text-carrying block, or "" for other kinds.
func (b Block) Text() string {
	if p, ok := b.Content.(TextPayload); ok {
		return p.Text
	}
	return ""
}

type blockJSON struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence_number"`
	Type      BlockType       `json:"block_type"`
	Author    Author          `json:"author"`
	Content   json.RawMessage `json:"content"`
	ParentID  string          `json:"parent_block_id,omitempty"`
	Finalized bool            `json:"finalized"`
	Created   time.Time       `json:"created_at"`
}

// MarshalJSON encodes the payload inline; the block_type field disambiguates.
func (b Block) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blockJSON{
		ID:        b.ID,
		SessionID: b.SessionID,
		Sequence:  b.Sequence,
		Type:      b.Type,
		Author:    b.Author,
		Content:   content,
		ParentID:  b.ParentID,
		Finalized: b.Finalized,
		Created:   b.Created,
	})
}

// UnmarshalJSON decodes the payload according to block_type.
func (b *Block) UnmarshalJSON(data []byte) error {
	var raw blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := DecodePayload(raw.Type, raw.Content)
	if err != nil {
		return err
	}
	*b = Block{
		ID:        raw.ID,
		SessionID: raw.SessionID,
		Sequence:  raw.Sequence,
		Type:      raw.Type,
		Author:    raw.Author,
		Content:   content,
		ParentID:  raw.ParentID,
		Finalized: raw.Finalized,
		Created:   raw.Created,
	}
	return nil
}

// DecodePayload decodes a serialized payload for the given block type.
func DecodePayload(typ BlockType, data []byte) (Payload, error) {
	switch typ {
	case BlockUserText, BlockAssistantText, BlockSystem:
		var p TextPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case BlockToolCall:
		var p ToolCallPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case BlockToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown block type %q", typ)
	}
}
