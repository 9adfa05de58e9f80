package core

// StreamEvent is implemented by all wire events a session observer can
// receive. The unexported marker keeps the set closed so transports can
// switch exhaustively.
type StreamEvent interface{ isStreamEvent() }

// UserTextBlockEvent announces a finalized user message, echoed back so all
// observers of the session see it in order.
type UserTextBlockEvent struct {
	Block Block
}

// AssistantTextStartEvent opens a streamed assistant text block. The block
// already exists in the store (non-finalized) so its sequence number is
// known and stable.
type AssistantTextStartEvent struct {
	BlockID  string
	Sequence int64
}

// TextDeltaEvent carries an incremental fragment of assistant text. Applying
// deltas in delivery order reconstructs the block text byte for byte.
type TextDeltaEvent struct {
	BlockID string
	Content string
}

// AssistantTextEndEvent closes a streamed assistant text block.
type AssistantTextEndEvent struct {
	BlockID string
}

// ToolPreparingEvent signals that the model started emitting a tool call.
// Step is the 1-based index of the call within the current generation.
type ToolPreparingEvent struct {
	ToolName string
	Step     int
}

// ToolArgsDeltaEvent carries a fragment of tool-call argument text. Args is
// a best-effort parse of the arguments accumulated so far and may be nil.
type ToolArgsDeltaEvent struct {
	ToolName    string
	PartialArgs string
	Step        int
	Args        map[string]any
}

// ToolCallBlockEvent announces a finalized tool_call block.
type ToolCallBlockEvent struct {
	Block Block
}

// ToolResultBlockEvent announces a finalized tool_result block.
type ToolResultBlockEvent struct {
	Block Block
}

// ToolCallSnapshot is the in-flight tool-call portion of a resync snapshot.
type ToolCallSnapshot struct {
	ToolName       string
	ArgumentsSoFar string
	Status         CallStatus
	Step           int
}

// ResyncSnapshotEvent replaces, not appends, any partial client state for
// the in-progress assistant text block. A client that applies the snapshot
// and then every subsequent delta holds exactly the bytes the model emitted.
type ResyncSnapshotEvent struct {
	BlockID         string
	Sequence        int64
	AccumulatedText string
	ActiveToolCall  *ToolCallSnapshot
}

// CancelledEvent is the terminal event of a cancelled generation.
type CancelledEvent struct {
	SessionID string
}

// ErrorEvent is the terminal event of a failed generation. Message is safe
// to show to end users; internals stay in the server log.
type ErrorEvent struct {
	Message string
}

func (UserTextBlockEvent) isStreamEvent()      {}
func (AssistantTextStartEvent) isStreamEvent() {}
func (TextDeltaEvent) isStreamEvent()          {}
func (AssistantTextEndEvent) isStreamEvent()   {}
func (ToolPreparingEvent) isStreamEvent()      {}
func (ToolArgsDeltaEvent) isStreamEvent()      {}
func (ToolCallBlockEvent) isStreamEvent()      {}
func (ToolResultBlockEvent) isStreamEvent()    {}
func (ResyncSnapshotEvent) isStreamEvent()     {}
func (CancelledEvent) isStreamEvent()          {}
func (ErrorEvent) isStreamEvent()              {}
