package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstream/core"
	"github.com/hupe1980/agentstream/model"
	"github.com/hupe1980/agentstream/store"
	"github.com/hupe1980/agentstream/stream"
	"github.com/hupe1980/agentstream/task"
	"github.com/hupe1980/agentstream/tool"
)

type fixture struct {
	orch  *Orchestrator
	store store.BlockStore
	mux   *stream.Multiplexer
	tools *tool.Registry
}

func newFixture(t *testing.T, provider model.Provider, optFns ...func(o *Options)) *fixture {
	t.Helper()

	blocks := store.NewMemory()
	tools := tool.NewRegistry()
	executor := tool.NewExecutor(tools, func(o *tool.ExecutorOptions) {
		o.Timeout = 2 * time.Second
	})
	mux := stream.NewMultiplexer(func(o *stream.Options) {
		o.CoalesceInterval = time.Millisecond
	})
	tasks := task.NewRegistry()

	orch := New(blocks, provider, tools, executor, mux, tasks, optFns...)
	return &fixture{orch: orch, store: blocks, mux: mux, tools: tools}
}

func waitDone(t *testing.T, gen *task.Generation) {
	t.Helper()
	select {
	case <-gen.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("generation did not finish")
	}
}

func registerSearchTool(t *testing.T, f *fixture) *[]map[string]any {
	t.Helper()
	var mu sync.Mutex
	var seen []map[string]any
	searchTool := tool.NewFunctionTool(
		"web_search",
		"Search the web",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			mu.Lock()
			seen = append(seen, args)
			mu.Unlock()
			return "Sunny, 22C", nil
		},
	)
	require.NoError(t, f.tools.Register(searchTool))
	return &seen
}

func TestPlainTextGeneration(t *testing.T) {
	f := newFixture(t, model.NewScripted(model.Step{Text: []string{"Hello", " there"}}))
	sub, _ := f.mux.Attach("sess")

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "hi")
	require.NoError(t, err)
	waitDone(t, gen)
	assert.Equal(t, task.ReasonCompleted, gen.Reason())

	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, core.BlockUserText, blocks[0].Type)
	assert.Equal(t, int64(0), blocks[0].Sequence)
	assert.True(t, blocks[0].Finalized)

	assert.Equal(t, core.BlockAssistantText, blocks[1].Type)
	assert.Equal(t, int64(1), blocks[1].Sequence)
	assert.True(t, blocks[1].Finalized)
	assert.Equal(t, "Hello there", blocks[1].Text())

	// First events on the wire: the echoed user block, then the open of the
	// assistant block carrying its pinned sequence number.
	ev := <-sub.Events()
	user, ok := ev.(core.UserTextBlockEvent)
	require.True(t, ok)
	assert.Equal(t, "hi", user.Block.Text())

	ev = <-sub.Events()
	start, ok := ev.(core.AssistantTextStartEvent)
	require.True(t, ok)
	assert.Equal(t, blocks[1].ID, start.BlockID)
	assert.Equal(t, int64(1), start.Sequence)
}

func TestToolCallScenario(t *testing.T) {
	provider := model.NewScripted(
		model.Step{Calls: []model.StepCall{
			{ID: "call-1", Name: "web_search", Args: []string{`{"query":`, `"weather in Paris"}`}},
		}},
		model.Step{Text: []string{"It is sunny", " in Paris."}},
	)
	f := newFixture(t, provider)
	seen := registerSearchTool(t, f)
	sub, _ := f.mux.Attach("sess")

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "weather in Paris?")
	require.NoError(t, err)
	waitDone(t, gen)
	assert.Equal(t, task.ReasonCompleted, gen.Reason())

	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	assert.Equal(t, core.BlockUserText, blocks[0].Type)
	assert.Equal(t, core.BlockToolCall, blocks[1].Type)
	assert.Equal(t, core.BlockToolResult, blocks[2].Type)
	assert.Equal(t, core.BlockAssistantText, blocks[3].Type)
	for i, b := range blocks {
		assert.Equal(t, int64(i), b.Sequence)
		assert.True(t, b.Finalized)
	}

	call := blocks[1].Content.(core.ToolCallPayload)
	assert.Equal(t, "call-1", call.CallID)
	assert.Equal(t, "web_search", call.ToolName)
	assert.Equal(t, `{"query":"weather in Paris"}`, call.Arguments)
	assert.Equal(t, core.CallComplete, call.Status)

	result := blocks[2].Content.(core.ToolResultPayload)
	assert.Equal(t, blocks[1].ID, blocks[2].ParentID)
	assert.Equal(t, "call-1", result.CallID)
	assert.True(t, result.Success)
	assert.Equal(t, "Sunny, 22C", result.Result)

	assert.Equal(t, "It is sunny in Paris.", blocks[3].Text())

	require.Len(t, *seen, 1)
	assert.Equal(t, map[string]any{"query": "weather in Paris"}, (*seen)[0])

	// Wire order: user block, preparing, args deltas, call block, result
	// block, then the final text block events.
	var kinds []string
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-sub.Events():
			switch ev.(type) {
			case core.UserTextBlockEvent:
				kinds = append(kinds, "user")
			case core.ToolPreparingEvent:
				kinds = append(kinds, "preparing")
			case core.ToolArgsDeltaEvent:
				kinds = append(kinds, "args")
			case core.ToolCallBlockEvent:
				kinds = append(kinds, "call")
			case core.ToolResultBlockEvent:
				kinds = append(kinds, "result")
			case core.AssistantTextStartEvent:
				kinds = append(kinds, "start")
			case core.TextDeltaEvent:
				kinds = append(kinds, "delta")
			case core.AssistantTextEndEvent:
				kinds = append(kinds, "end")
				break collect
			}
		case <-timeout:
			t.Fatalf("incomplete event sequence: %v", kinds)
		}
	}

	require.GreaterOrEqual(t, len(kinds), 6)
	assert.Equal(t, "user", kinds[0])
	assert.Equal(t, "preparing", kinds[1])
	assert.Equal(t, "args", kinds[2])
	assert.Equal(t, "end", kinds[len(kinds)-1])
	assert.Contains(t, kinds, "call")
	assert.Contains(t, kinds, "result")
}

func TestToolPreparingCarriesStepAndPreview(t *testing.T) {
	provider := model.NewScripted(
		model.Step{Calls: []model.StepCall{
			{ID: "call-1", Name: "web_search", Args: []string{`{"query":"wea`}},
		}},
		model.Step{Text: []string{"done"}},
	)
	f := newFixture(t, provider)
	registerSearchTool(t, f)
	sub, _ := f.mux.Attach("sess")

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "q")
	require.NoError(t, err)
	waitDone(t, gen)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if args, ok := ev.(core.ToolArgsDeltaEvent); ok {
				assert.Equal(t, "web_search", args.ToolName)
				assert.Equal(t, 1, args.Step)
				assert.Equal(t, map[string]any{"query": "wea"}, args.Args)
				return
			}
		case <-timeout:
			t.Fatal("no args delta event observed")
		}
	}
}

func TestSubmitWhileRunningIsRejected(t *testing.T) {
	release := make(chan struct{})
	provider := &blockingProvider{release: release}
	f := newFixture(t, provider)

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "first")
	require.NoError(t, err)

	_, err = f.orch.SubmitMessage(context.Background(), "sess", "second")
	assert.ErrorIs(t, err, task.ErrAlreadyRunning)

	// Other sessions are unaffected.
	other, err := f.orch.SubmitMessage(context.Background(), "other", "hello")
	require.NoError(t, err)

	close(release)
	waitDone(t, gen)
	waitDone(t, other)

	// The slot frees up once the generation finishes.
	again, err := f.orch.SubmitMessage(context.Background(), "sess", "third")
	require.NoError(t, err)
	waitDone(t, again)
}

func TestCancelMidTextFinalizesPartialBlock(t *testing.T) {
	provider := &blockingProvider{prefix: "Partial answer"}
	f := newFixture(t, provider)
	sub, _ := f.mux.Attach("sess")

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "go")
	require.NoError(t, err)

	// Wait until the partial text is on the wire, then cancel.
	deadline := time.After(2 * time.Second)
	for streamed := false; !streamed; {
		select {
		case ev := <-sub.Events():
			if _, ok := ev.(core.TextDeltaEvent); ok {
				streamed = true
			}
		case <-deadline:
			t.Fatal("no text delta observed")
		}
	}
	require.True(t, f.orch.Cancel("sess"))
	waitDone(t, gen)
	assert.Equal(t, task.ReasonCancelled, gen.Reason())

	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.True(t, blocks[1].Finalized)
	assert.Equal(t, "Partial answer", blocks[1].Text())

	// Cancelling an idle session reports false.
	assert.False(t, f.orch.Cancel("sess"))
}

func TestCancelMidToolArgsDiscardsCall(t *testing.T) {
	f := newFixture(t, &stalledCallProvider{})
	registerSearchTool(t, f)
	sub, _ := f.mux.Attach("sess")

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "go")
	require.NoError(t, err)

	// Wait until argument text is on the wire, then cancel.
	deadline := time.After(2 * time.Second)
	for streamed := false; !streamed; {
		select {
		case ev := <-sub.Events():
			if _, ok := ev.(core.ToolArgsDeltaEvent); ok {
				streamed = true
			}
		case <-deadline:
			t.Fatal("no args delta observed")
		}
	}
	require.True(t, f.orch.Cancel("sess"))
	waitDone(t, gen)
	assert.Equal(t, task.ReasonCancelled, gen.Reason())

	// The unexecuted call vanishes without blocks; the preceding text
	// survives finalized.
	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, core.BlockUserText, blocks[0].Type)
	assert.Equal(t, core.BlockAssistantText, blocks[1].Type)
	assert.True(t, blocks[1].Finalized)
	assert.Equal(t, "Thinking.", blocks[1].Text())
	for _, b := range blocks {
		assert.NotEqual(t, core.BlockToolCall, b.Type)
		assert.NotEqual(t, core.BlockToolResult, b.Type)
	}

	// The slot frees immediately for resubmission.
	again, err := f.orch.SubmitMessage(context.Background(), "sess", "retry")
	require.NoError(t, err)
	require.True(t, f.orch.Cancel("sess"))
	waitDone(t, again)
}

func TestIterationLimitSynthesizesNotice(t *testing.T) {
	provider := model.NewScripted(
		model.Step{Calls: []model.StepCall{{ID: "c1", Name: "web_search", Args: []string{`{"query":"a"}`}}}},
		model.Step{Calls: []model.StepCall{{ID: "c2", Name: "web_search", Args: []string{`{"query":"b"}`}}}},
		model.Step{Calls: []model.StepCall{{ID: "c3", Name: "web_search", Args: []string{`{"query":"c"}`}}}},
	)
	f := newFixture(t, provider, func(o *Options) { o.MaxIterations = 2 })
	registerSearchTool(t, f)

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "loop forever")
	require.NoError(t, err)
	waitDone(t, gen)
	assert.Equal(t, task.ReasonIterationLimit, gen.Reason())

	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	// user + 2 * (call, result) + synthesized notice.
	require.Len(t, blocks, 6)

	last := blocks[len(blocks)-1]
	assert.Equal(t, core.BlockAssistantText, last.Type)
	assert.True(t, last.Finalized)
	assert.Contains(t, last.Text(), "Task incomplete")
}

func TestMalformedArgumentsYieldFailedResult(t *testing.T) {
	provider := model.NewScripted(
		model.Step{Calls: []model.StepCall{
			{ID: "call-1", Name: "web_search", Args: []string{`{"query":`}},
		}},
		model.Step{Text: []string{"I could not search."}},
	)
	f := newFixture(t, provider)
	seen := registerSearchTool(t, f)

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "q")
	require.NoError(t, err)
	waitDone(t, gen)
	assert.Equal(t, task.ReasonCompleted, gen.Reason())

	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	result := blocks[2].Content.(core.ToolResultPayload)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid arguments")
	assert.Empty(t, *seen)
}

func TestMultipleCallsExecuteSequentially(t *testing.T) {
	provider := model.NewScripted(
		model.Step{Calls: []model.StepCall{
			{ID: "c1", Name: "web_search", Args: []string{`{"query":"first"}`}},
			{ID: "c2", Name: "web_search", Args: []string{`{"query":"second"}`}},
		}},
		model.Step{Text: []string{"both done"}},
	)
	f := newFixture(t, provider)
	seen := registerSearchTool(t, f)

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "q")
	require.NoError(t, err)
	waitDone(t, gen)

	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	require.Len(t, blocks, 6)

	assert.Equal(t, core.BlockToolCall, blocks[1].Type)
	assert.Equal(t, core.BlockToolResult, blocks[2].Type)
	assert.Equal(t, core.BlockToolCall, blocks[3].Type)
	assert.Equal(t, core.BlockToolResult, blocks[4].Type)
	assert.Equal(t, "c1", blocks[1].Content.(core.ToolCallPayload).CallID)
	assert.Equal(t, "c2", blocks[3].Content.(core.ToolCallPayload).CallID)

	require.Len(t, *seen, 2)
	assert.Equal(t, "first", (*seen)[0]["query"])
	assert.Equal(t, "second", (*seen)[1]["query"])
}

func TestEmptyResponseIsTerminalError(t *testing.T) {
	// An exhausted script completes immediately with no content.
	f := newFixture(t, model.NewScripted())
	sub, _ := f.mux.Attach("sess")

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "hello")
	require.NoError(t, err)
	waitDone(t, gen)
	assert.Equal(t, task.ReasonError, gen.Reason())

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if errEv, ok := ev.(core.ErrorEvent); ok {
				assert.Contains(t, errEv.Message, "empty response")
				return
			}
		case <-timeout:
			t.Fatal("no error event observed")
		}
	}
}

func TestTextBeforeToolCallGetsOwnBlock(t *testing.T) {
	provider := model.NewScripted(
		model.Step{
			Text:  []string{"Let me check."},
			Calls: []model.StepCall{{ID: "c1", Name: "web_search", Args: []string{`{"query":"x"}`}}},
		},
		model.Step{Text: []string{"Done."}},
	)
	f := newFixture(t, provider)
	registerSearchTool(t, f)

	gen, err := f.orch.SubmitMessage(context.Background(), "sess", "q")
	require.NoError(t, err)
	waitDone(t, gen)

	blocks, err := f.store.List(context.Background(), "sess", -1)
	require.NoError(t, err)
	require.Len(t, blocks, 5)

	assert.Equal(t, core.BlockAssistantText, blocks[1].Type)
	assert.Equal(t, "Let me check.", blocks[1].Text())
	assert.Equal(t, core.BlockToolCall, blocks[2].Type)
	assert.Equal(t, core.BlockToolResult, blocks[3].Type)
	assert.Equal(t, "Done.", blocks[4].Text())
}

// blockingProvider emits an optional text prefix, then holds the stream
// open until its context is cancelled or release is closed.
type blockingProvider struct {
	prefix  string
	release chan struct{}
}

func (p *blockingProvider) Stream(ctx context.Context, _ model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 8)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if p.prefix != "" {
			out <- model.Chunk{TextDelta: p.prefix}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case <-p.release:
			out <- model.Chunk{TextDelta: " finished"}
			out <- model.Chunk{Done: true, FinishReason: model.FinishStop}
		}
	}()
	return out, errCh
}

func (p *blockingProvider) Info() model.Info {
	return model.Info{Name: "blocking", Provider: "test", SupportsTools: true}
}

// stalledCallProvider streams a text prefix and the opening of a tool call
// with a partial argument fragment, then holds the stream open until its
// context is cancelled.
type stalledCallProvider struct{}

func (p *stalledCallProvider) Stream(ctx context.Context, _ model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 8)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		out <- model.Chunk{TextDelta: "Thinking."}
		out <- model.Chunk{Call: &model.CallDelta{Index: 0, ID: "call-1", Name: "web_search"}}
		out <- model.Chunk{Call: &model.CallDelta{Index: 0, ArgsDelta: `{"query":"unfin`}}
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return out, errCh
}

func (p *stalledCallProvider) Info() model.Info {
	return model.Info{Name: "stalled-call", Provider: "test", SupportsTools: true}
}
