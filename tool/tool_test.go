package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstream/logging"
)

func sumTool() *FunctionTool {
	return NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)
}

func TestFunctionToolCall(t *testing.T) {
	result, err := sumTool().Call(context.Background(), map[string]any{"a": float64(2), "b": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(5), result)
}

func TestFunctionToolValidation(t *testing.T) {
	_, err := sumTool().Call(context.Background(), map[string]any{"a": float64(2)})
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
}

func TestFunctionToolWrapsExecutionError(t *testing.T) {
	failing := NewFunctionTool("boom", "always fails", map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("kaput")
		})

	_, err := failing.Call(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Equal(t, "kaput", toolErr.Message)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sumTool()))

	assert.Error(t, r.Register(sumTool()))

	got, ok := r.Get("calculate_sum")
	require.True(t, ok)
	assert.Equal(t, "calculate_sum", got.Name())

	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "calculate_sum", defs[0].Name)
	assert.Equal(t, "Calculate the sum of two numbers", defs[0].Description)

	r.Unregister("calculate_sum")
	_, ok = r.Get("calculate_sum")
	assert.False(t, ok)
	assert.Empty(t, r.Names())
}

func TestExecutorSuccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sumTool()))
	e := NewExecutor(r)

	res := e.Execute(context.Background(), "calculate_sum", `{"a": 2, "b": 3}`)
	assert.True(t, res.Success)
	assert.Equal(t, "5", res.Output)
	assert.Empty(t, res.Error)
}

func TestExecutorUnknownTool(t *testing.T) {
	e := NewExecutor(NewRegistry())

	res := e.Execute(context.Background(), "missing", `{}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not registered")
}

func TestExecutorInvalidArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sumTool()))
	e := NewExecutor(r)

	res := e.Execute(context.Background(), "calculate_sum", `{"a": `)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
}

func TestExecutorEmptyArguments(t *testing.T) {
	r := NewRegistry()
	echo := NewFunctionTool("echo", "echo args", map[string]any{"type": "object"},
		func(_ context.Context, args map[string]any) (any, error) {
			return len(args), nil
		})
	require.NoError(t, r.Register(echo))
	e := NewExecutor(r)

	res := e.Execute(context.Background(), "echo", "")
	assert.True(t, res.Success)
	assert.Equal(t, "0", res.Output)
}

func TestExecutorTimeout(t *testing.T) {
	r := NewRegistry()
	slow := NewFunctionTool("slow", "sleeps", map[string]any{"type": "object"},
		func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		})
	require.NoError(t, r.Register(slow))

	e := NewExecutor(r, func(o *ExecutorOptions) {
		o.Timeout = 20 * time.Millisecond
		o.Logger = logging.NoOpLogger{}
	})

	res := e.Execute(context.Background(), "slow", `{}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
}

func TestExecutorSurvivesUnregisterMidFlight(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})

	blocking := NewFunctionTool("blocking", "waits for release", map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) {
			close(started)
			<-release
			return "ok", nil
		})
	require.NoError(t, r.Register(blocking))
	e := NewExecutor(r)

	resCh := make(chan Result, 1)
	go func() { resCh <- e.Execute(context.Background(), "blocking", `{}`) }()

	<-started
	r.Unregister("blocking")
	close(release)

	res := <-resCh
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)
}
