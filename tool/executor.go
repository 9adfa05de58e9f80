package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/agentstream/logging"
)

// DefaultTimeout bounds a single tool call unless overridden.
const DefaultTimeout = 60 * time.Second

// Executor runs tool calls against a registry. Every failure mode (unknown
// tool, bad arguments, execution error, timeout) is absorbed into a failed
// Result; Execute itself never returns an error, so the generation loop
// always has a tool_result to persist.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   logging.Logger
}

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	Timeout time.Duration
	Logger  logging.Logger
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		Timeout: DefaultTimeout,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{registry: registry, timeout: opts.Timeout, logger: opts.Logger}
}

// Execute looks up the tool, parses and validates the argument JSON, and
// runs the call under the per-call timeout. The tool reference is captured
// before execution, so unregistering mid-flight does not abort the call.
func (e *Executor) Execute(ctx context.Context, name, argsJSON string) Result {
	t, ok := e.registry.Get(name)
	if !ok {
		e.logger.Warn("tool.execute.unknown", "tool", name)
		return Result{
			ToolName: name,
			Success:  false,
			Error:    fmt.Sprintf("tool %q is not registered", name),
		}
	}

	args, err := parseArgs(argsJSON)
	if err != nil {
		e.logger.Warn("tool.execute.bad_args", "tool", name, "error", err.Error())
		return Result{
			ToolName: name,
			Success:  false,
			Error:    fmt.Sprintf("invalid arguments: %v", err),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	value, err := e.run(callCtx, t, args)
	elapsed := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			e.logger.Error("tool.execute.timeout", "tool", name, "timeout", e.timeout)
			return Result{
				ToolName: name,
				Success:  false,
				Error:    fmt.Sprintf("tool execution timed out after %s", e.timeout),
			}
		}
		e.logger.Error("tool.execute.error", "tool", name, "error", err.Error())
		return Result{ToolName: name, Success: false, Error: err.Error()}
	}

	e.logger.Info("tool.execute.success", "tool", name, "duration_ms", elapsed.Milliseconds())
	return Result{ToolName: name, Success: true, Output: renderOutput(value)}
}

// run invokes the tool in its own goroutine so a call that ignores its
// context cannot wedge the generation loop past the timeout.
func (e *Executor) run(ctx context.Context, t Tool, args map[string]any) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		value, err := t.Call(ctx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.value, o.err
	}
}

func parseArgs(argsJSON string) (map[string]any, error) {
	if argsJSON == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func renderOutput(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
