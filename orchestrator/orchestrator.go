// Package orchestrator drives the reasoning loop for a session: it streams
// model output into content blocks, executes tool calls sequentially, and
// feeds the wire protocol through the stream multiplexer. One goroutine per
// generation; durable state lives in the block store, live state in the
// task registry.
package orchestrator

import (
	"context"

	"github.com/hupe1980/agentstream/core"
	"github.com/hupe1980/agentstream/logging"
	"github.com/hupe1980/agentstream/model"
	"github.com/hupe1980/agentstream/store"
	"github.com/hupe1980/agentstream/stream"
	"github.com/hupe1980/agentstream/task"
	"github.com/hupe1980/agentstream/tool"
)

// DefaultMaxIterations bounds the reasoning loop per user message.
const DefaultMaxIterations = 20

// Options configure an Orchestrator.
type Options struct {
	// MaxIterations caps model round-trips per generation.
	MaxIterations int
	// Instructions is the system prompt sent on every request.
	Instructions string
	// MaxTokens caps tokens per model response; 0 uses the provider default.
	MaxTokens int64
	Logger    logging.Logger
}

// Orchestrator coordinates the block store, model provider, tool executor
// and stream multiplexer for all sessions.
type Orchestrator struct {
	store    store.BlockStore
	provider model.Provider
	tools    *tool.Registry
	executor *tool.Executor
	mux      *stream.Multiplexer
	tasks    *task.Registry
	logger   logging.Logger

	maxIterations int
	instructions  string
	maxTokens     int64
}

// New wires an orchestrator from its collaborators.
func New(
	blocks store.BlockStore,
	provider model.Provider,
	tools *tool.Registry,
	executor *tool.Executor,
	mux *stream.Multiplexer,
	tasks *task.Registry,
	optFns ...func(o *Options),
) *Orchestrator {
	opts := Options{
		MaxIterations: DefaultMaxIterations,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{
		store:         blocks,
		provider:      provider,
		tools:         tools,
		executor:      executor,
		mux:           mux,
		tasks:         tasks,
		logger:        opts.Logger,
		maxIterations: opts.MaxIterations,
		instructions:  opts.Instructions,
		maxTokens:     opts.MaxTokens,
	}
}

// SubmitMessage persists the user message and starts a generation for the
// session. It returns task.ErrAlreadyRunning while a previous generation is
// still live. The returned generation's Done channel closes when the loop
// reaches a terminal state.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID, text string) (*task.Generation, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	gen, err := o.tasks.Start(sessionID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	userBlock := core.NewBlock(sessionID, core.BlockUserText, core.AuthorUser, core.TextPayload{Text: text})
	userBlock.Finalized = true
	stored, err := o.store.Append(ctx, userBlock)
	if err != nil {
		cancel()
		o.tasks.Release(gen)
		return nil, err
	}

	o.mux.Bind(sessionID, gen)
	o.mux.Publish(sessionID, core.UserTextBlockEvent{Block: stored})

	o.logger.Info("generation.start", "session_id", sessionID, "generation_id", gen.ID)
	go o.run(loopCtx, gen)
	return gen, nil
}

// Cancel requests cooperative cancellation of the session's live
// generation. It reports whether one was running.
func (o *Orchestrator) Cancel(sessionID string) bool {
	return o.tasks.Cancel(sessionID)
}

// History returns the session's blocks with sequence numbers greater than
// since, in order. Pass -1 for the full session.
func (o *Orchestrator) History(ctx context.Context, sessionID string, since int64) ([]core.Block, error) {
	return o.store.List(ctx, sessionID, since)
}
