// Package agentstream provides a high-level façade over the orchestrator and
// its collaborators (block store, tool registry, stream multiplexer, task
// registry) for building streaming agent backends. Most applications interact
// with this package by:
//  1. Creating an AgentStream via New() with a model provider (optionally
//     overriding the default in-memory block store)
//  2. Registering tools
//  3. Submitting messages and observing the session event stream, either
//     directly via Attach or over WebSocket via Handler()
//
// The façade delegates the reasoning loop to orchestrator.Orchestrator while
// keeping setup concise. All defaults are safe for local development; durable
// deployments supply the SQLite block store and a structured logger.
package agentstream

import (
	"context"
	"net/http"
	"time"

	"github.com/hupe1980/agentstream/core"
	"github.com/hupe1980/agentstream/gateway"
	"github.com/hupe1980/agentstream/logging"
	"github.com/hupe1980/agentstream/model"
	"github.com/hupe1980/agentstream/orchestrator"
	"github.com/hupe1980/agentstream/store"
	"github.com/hupe1980/agentstream/stream"
	"github.com/hupe1980/agentstream/task"
	"github.com/hupe1980/agentstream/tool"
)

// Options configures the AgentStream instance.
type Options struct {
	// Store holds the session content blocks. Defaults to in-memory.
	Store store.BlockStore

	// Instructions is the system prompt sent with every model request.
	Instructions string

	// MaxIterations caps model round-trips per generation.
	MaxIterations int

	// MaxTokens caps tokens per model response; 0 uses the provider default.
	MaxTokens int64

	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration

	// CoalesceInterval is the delta batching window of the multiplexer.
	CoalesceInterval time.Duration

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// AgentStream is the high-level façade aggregating the orchestrator and its
// services.
type AgentStream struct {
	opts   Options
	blocks store.BlockStore
	tools  *tool.Registry
	mux    *stream.Multiplexer
	orch   *orchestrator.Orchestrator
}

// New creates an AgentStream around the given model provider with optional
// overrides. Any unset service is initialized with an in-memory
// implementation.
func New(provider model.Provider, optFns ...func(o *Options)) *AgentStream {
	opts := Options{
		Store:            store.NewMemory(),
		MaxIterations:    orchestrator.DefaultMaxIterations,
		ToolTimeout:      tool.DefaultTimeout,
		CoalesceInterval: stream.DefaultCoalesceInterval,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	tools := tool.NewRegistry()
	executor := tool.NewExecutor(tools, func(o *tool.ExecutorOptions) {
		o.Timeout = opts.ToolTimeout
		o.Logger = opts.Logger
	})
	mux := stream.NewMultiplexer(func(o *stream.Options) {
		o.CoalesceInterval = opts.CoalesceInterval
		o.Logger = opts.Logger
	})
	tasks := task.NewRegistry()
	orch := orchestrator.New(opts.Store, provider, tools, executor, mux, tasks, func(o *orchestrator.Options) {
		o.MaxIterations = opts.MaxIterations
		o.Instructions = opts.Instructions
		o.MaxTokens = opts.MaxTokens
		o.Logger = opts.Logger
	})

	return &AgentStream{
		opts:   opts,
		blocks: opts.Store,
		tools:  tools,
		mux:    mux,
		orch:   orch,
	}
}

// RegisterTool adds a tool to the registry.
func (a *AgentStream) RegisterTool(t tool.Tool) error { return a.tools.Register(t) }

// SubmitMessage persists the user message and starts a generation. It returns
// task.ErrAlreadyRunning while a previous generation for the session is live.
func (a *AgentStream) SubmitMessage(ctx context.Context, sessionID, text string) (*task.Generation, error) {
	return a.orch.SubmitMessage(ctx, sessionID, text)
}

// Cancel requests cancellation of the session's live generation.
func (a *AgentStream) Cancel(sessionID string) bool { return a.orch.Cancel(sessionID) }

// History returns the session's blocks after the given sequence number, in
// order. Pass -1 for the full session.
func (a *AgentStream) History(ctx context.Context, sessionID string, since int64) ([]core.Block, error) {
	return a.orch.History(ctx, sessionID, since)
}

// Attach subscribes to the session's live event stream. When a generation is
// mid-stream the returned snapshot restores the in-flight state.
func (a *AgentStream) Attach(sessionID string) (*stream.Subscription, *core.ResyncSnapshotEvent) {
	return a.mux.Attach(sessionID)
}

// Detach removes a subscription obtained from Attach.
func (a *AgentStream) Detach(sessionID string, sub *stream.Subscription) {
	a.mux.Detach(sessionID, sub)
}

// Handler returns the WebSocket gateway over this instance.
func (a *AgentStream) Handler() http.Handler {
	return gateway.NewHandler(a.orch, a.blocks, a.mux, a.opts.Logger)
}
