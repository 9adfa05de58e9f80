// Package task tracks live generation state. A Generation exists only while
// the loop for one user message is running; durable conversation state lives
// in the block store. The Registry enforces at most one live generation per
// session.
package task

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentstream/core"
)

// TerminalReason records how a generation ended.
type TerminalReason string

const (
	ReasonCompleted      TerminalReason = "completed"
	ReasonCancelled      TerminalReason = "cancelled"
	ReasonError          TerminalReason = "error"
	ReasonIterationLimit TerminalReason = "iteration_limit"
)

// liveCall is the in-flight tool call, if any.
type liveCall struct {
	id     string
	name   string
	args   strings.Builder
	status core.CallStatus
	step   int
}

// TextSnapshot captures the streamed-so-far state of the open assistant
// text block.
type TextSnapshot struct {
	BlockID  string
	Sequence int64
	Text     string
}

// Generation is the ephemeral state of one run of the loop. All buffer
// mutations go through its mutex; the stream multiplexer reads snapshots
// through the same lock so resync sees a consistent cut.
type Generation struct {
	ID        string
	SessionID string
	Started   time.Time

	mu          sync.Mutex
	textBlockID string
	textSeq     int64
	text        strings.Builder
	call        *liveCall
	iteration   int
	steps       int

	cancelled  atomic.Bool
	cancelFunc context.CancelFunc

	finishOnce sync.Once
	done       chan struct{}
	reason     TerminalReason
}

// New creates a generation bound to the cancel function of its loop
// context.
func New(sessionID string, cancel context.CancelFunc) *Generation {
	return &Generation{
		ID:         core.NewID(),
		SessionID:  sessionID,
		Started:    time.Now(),
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}
}

// BeginText opens a new streamed assistant text block.
func (g *Generation) BeginText(blockID string, seq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.textBlockID = blockID
	g.textSeq = seq
	g.text.Reset()
}

// AppendText accumulates a text delta into the open block buffer.
func (g *Generation) AppendText(delta string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.text.WriteString(delta)
}

// EndText closes the open text block and returns its accumulated content.
func (g *Generation) EndText() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	content := g.text.String()
	g.textBlockID = ""
	g.text.Reset()
	return content
}

// HasOpenText reports whether a streamed text block is in progress.
func (g *Generation) HasOpenText() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.textBlockID != ""
}

// BeginCall records the start of a streaming tool call and returns its
// 1-based step number within this generation.
func (g *Generation) BeginCall(callID, name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps++
	g.call = &liveCall{id: callID, name: name, status: core.CallStreamingArgs, step: g.steps}
	return g.steps
}

// AppendCallArgs accumulates an argument fragment of the in-flight call.
func (g *Generation) AppendCallArgs(delta string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.call != nil {
		g.call.args.WriteString(delta)
	}
}

// CallArgs returns the argument text accumulated so far.
func (g *Generation) CallArgs() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.call == nil {
		return ""
	}
	return g.call.args.String()
}

// MarkCallExecuting transitions the in-flight call to the executing state.
func (g *Generation) MarkCallExecuting() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.call != nil {
		g.call.status = core.CallExecuting
	}
}

// CompleteCall clears the in-flight call.
func (g *Generation) CompleteCall() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.call = nil
}

// Snapshot returns a consistent cut of the live buffers for resync. The
// second value is nil when no tool call is in flight.
func (g *Generation) Snapshot() (TextSnapshot, *core.ToolCallSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	text := TextSnapshot{BlockID: g.textBlockID, Sequence: g.textSeq, Text: g.text.String()}
	if g.call == nil {
		return text, nil
	}
	return text, &core.ToolCallSnapshot{
		ToolName:       g.call.name,
		ArgumentsSoFar: g.call.args.String(),
		Status:         g.call.status,
		Step:           g.call.step,
	}
}

// NextIteration increments and returns the iteration counter.
func (g *Generation) NextIteration() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.iteration++
	return g.iteration
}

// Cancel requests cooperative cancellation. Safe to call multiple times and
// after the generation finished.
func (g *Generation) Cancel() {
	g.cancelled.Store(true)
	if g.cancelFunc != nil {
		g.cancelFunc()
	}
}

// Cancelled reports whether cancellation was requested.
func (g *Generation) Cancelled() bool { return g.cancelled.Load() }

// Finish records the terminal reason and closes Done. Only the first call
// wins.
func (g *Generation) Finish(reason TerminalReason) {
	g.finishOnce.Do(func() {
		g.mu.Lock()
		g.reason = reason
		g.mu.Unlock()
		close(g.done)
	})
}

// Done is closed when the generation reaches a terminal state.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Reason returns the terminal reason, or "" while still running.
func (g *Generation) Reason() TerminalReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}
