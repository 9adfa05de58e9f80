// Package gateway exposes sessions over WebSocket. Each connection attaches
// to one session's event stream: on connect the client receives the
// persisted history and, when a generation is mid-stream, a resync snapshot;
// afterwards it receives live events in order. Client frames submit
// messages and request cancellation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentstream/core"
	"github.com/hupe1980/agentstream/logging"
	"github.com/hupe1980/agentstream/orchestrator"
	"github.com/hupe1980/agentstream/store"
	"github.com/hupe1980/agentstream/stream"
	"github.com/hupe1980/agentstream/task"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Handler upgrades HTTP requests to session WebSocket connections. The
// session is selected with the session_id query parameter.
type Handler struct {
	orch     *orchestrator.Orchestrator
	blocks   store.BlockStore
	mux      *stream.Multiplexer
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the WebSocket handler.
func NewHandler(orch *orchestrator.Orchestrator, blocks store.BlockStore, mux *stream.Multiplexer, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Handler{
		orch:   orch,
		blocks: blocks,
		mux:    mux,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// clientFrame is a command sent by the client.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverFrame mirrors the wire events plus gateway-level frames (history,
// command errors). Only the fields matching Type are populated.
type serverFrame struct {
	Type string `json:"type"`

	Block    *core.Block  `json:"block,omitempty"`
	History  []core.Block `json:"history,omitempty"`
	BlockID  string       `json:"block_id,omitempty"`
	Sequence *int64       `json:"sequence_number,omitempty"`
	Content  string       `json:"content,omitempty"`

	ToolName    string         `json:"tool_name,omitempty"`
	Step        int            `json:"step,omitempty"`
	PartialArgs string         `json:"partial_args,omitempty"`
	Args        map[string]any `json:"args,omitempty"`

	AccumulatedText *string           `json:"accumulated_text,omitempty"`
	ActiveToolCall  *toolCallSnapshot `json:"active_tool_call,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type toolCallSnapshot struct {
	ToolName       string `json:"tool_name"`
	ArgumentsSoFar string `json:"arguments_so_far"`
	Status         string `json:"status"`
	Step           int    `json:"step"`
}

type wsConn struct {
	handler   *Handler
	conn      *websocket.Conn
	send      chan serverFrame
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		handler:   h,
		conn:      conn,
		send:      make(chan serverFrame, 64),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.logger.Info("gateway.connect", "session_id", sessionID)
	c.run()
	h.logger.Info("gateway.disconnect", "session_id", sessionID)
}

func (c *wsConn) run() {
	defer c.cancel()
	go c.writePump()

	// Attach before sending history so no event published between the
	// history read and the attach can be missed. Extra overlap is fine;
	// the client dedupes by block ID and the snapshot replaces state.
	sub, snapshot := c.handler.mux.Attach(c.sessionID)
	defer c.handler.mux.Detach(c.sessionID, sub)

	history, err := c.handler.blocks.List(c.ctx, c.sessionID, -1)
	if err != nil {
		c.enqueue(serverFrame{Type: "error", Code: "history_failed", Message: "failed to load session history"})
		return
	}
	c.enqueue(serverFrame{Type: "history", History: history, SessionID: c.sessionID})
	if snapshot != nil {
		c.enqueue(encodeEvent(*snapshot))
	}

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for ev := range sub.Events() {
			c.enqueue(encodeEvent(ev))
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop()
	}()

	// The subscription closing without a client disconnect means the
	// multiplexer evicted us as a slow observer; drop the connection so
	// the client reconnects and resynchronizes.
	select {
	case <-readDone:
	case <-forwardDone:
		_ = c.conn.Close()
		<-readDone
	}
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(serverFrame{Type: "error", Code: "invalid_frame", Message: "malformed client frame"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *wsConn) handleFrame(frame clientFrame) {
	switch frame.Type {
	case "submit_message":
		if frame.Text == "" {
			c.enqueue(serverFrame{Type: "error", Code: "empty_message", Message: "message text must not be empty"})
			return
		}
		_, err := c.handler.orch.SubmitMessage(c.ctx, c.sessionID, frame.Text)
		if errors.Is(err, task.ErrAlreadyRunning) {
			c.enqueue(serverFrame{Type: "error", Code: "already_running", Message: "a generation is already running for this session"})
			return
		}
		if err != nil {
			c.handler.logger.Error("gateway.submit_failed", "session_id", c.sessionID, "error", err.Error())
			c.enqueue(serverFrame{Type: "error", Code: "submit_failed", Message: "failed to submit message"})
		}

	case "cancel":
		if !c.handler.orch.Cancel(c.sessionID) {
			c.enqueue(serverFrame{Type: "error", Code: "not_running", Message: "no generation is running for this session"})
		}

	default:
		c.enqueue(serverFrame{Type: "error", Code: "unknown_type", Message: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

func (c *wsConn) enqueue(frame serverFrame) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// encodeEvent renders a stream event into its wire frame. The switch is
// exhaustive over the closed event set.
func encodeEvent(ev core.StreamEvent) serverFrame {
	switch e := ev.(type) {
	case core.UserTextBlockEvent:
		b := e.Block
		return serverFrame{Type: "user_text_block", Block: &b}
	case core.AssistantTextStartEvent:
		seq := e.Sequence
		return serverFrame{Type: "assistant_text_start", BlockID: e.BlockID, Sequence: &seq}
	case core.TextDeltaEvent:
		return serverFrame{Type: "text_delta", BlockID: e.BlockID, Content: e.Content}
	case core.AssistantTextEndEvent:
		return serverFrame{Type: "assistant_text_end", BlockID: e.BlockID}
	case core.ToolPreparingEvent:
		return serverFrame{Type: "tool_preparing", ToolName: e.ToolName, Step: e.Step}
	case core.ToolArgsDeltaEvent:
		return serverFrame{Type: "tool_args_delta", ToolName: e.ToolName, PartialArgs: e.PartialArgs, Step: e.Step, Args: e.Args}
	case core.ToolCallBlockEvent:
		b := e.Block
		return serverFrame{Type: "tool_call_block", Block: &b}
	case core.ToolResultBlockEvent:
		b := e.Block
		return serverFrame{Type: "tool_result_block", Block: &b}
	case core.ResyncSnapshotEvent:
		seq := e.Sequence
		text := e.AccumulatedText
		frame := serverFrame{Type: "resync_snapshot", BlockID: e.BlockID, Sequence: &seq, AccumulatedText: &text}
		if e.ActiveToolCall != nil {
			frame.ActiveToolCall = &toolCallSnapshot{
				ToolName:       e.ActiveToolCall.ToolName,
				ArgumentsSoFar: e.ActiveToolCall.ArgumentsSoFar,
				Status:         string(e.ActiveToolCall.Status),
				Step:           e.ActiveToolCall.Step,
			}
		}
		return frame
	case core.CancelledEvent:
		return serverFrame{Type: "cancelled", SessionID: e.SessionID}
	case core.ErrorEvent:
		return serverFrame{Type: "error", Code: "generation_error", Message: e.Message}
	default:
		return serverFrame{Type: "error", Code: "internal", Message: "unknown event"}
	}
}
