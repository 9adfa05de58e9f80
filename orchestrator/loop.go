package orchestrator

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentstream/core"
	"github.com/hupe1980/agentstream/internal/partialjson"
	"github.com/hupe1980/agentstream/model"
	"github.com/hupe1980/agentstream/task"
)

// callAgg accumulates the streamed fragments of one tool call. The first
// non-empty ID and name win; argument fragments concatenate in order.
type callAgg struct {
	id   string
	name string
	args string
	step int
}

// run is the loop state machine. Persistence uses a background context so
// that cancelling the generation never loses blocks that must survive it.
// The registry slot is released before Done closes so a caller observing
// the terminal state can resubmit immediately.
func (o *Orchestrator) run(ctx context.Context, gen *task.Generation) {
	sessionID := gen.SessionID
	reason := task.ReasonError
	defer func() {
		o.mux.Unbind(sessionID)
		o.tasks.Release(gen)
		gen.Finish(reason)
		o.logger.Info("generation.end",
			"session_id", sessionID,
			"generation_id", gen.ID,
			"reason", string(reason),
		)
	}()
	persistCtx := context.Background()

	for {
		iteration := gen.NextIteration()
		if iteration > o.maxIterations {
			reason = o.finishIterationLimit(persistCtx, gen)
			return
		}

		calls, textID, err := o.step(ctx, gen)

		if gen.Cancelled() {
			// An in-flight tool call vanishes without a block; streamed
			// text survives as a finalized partial block.
			o.finalizeText(persistCtx, gen, textID)
			o.mux.Publish(sessionID, core.CancelledEvent{SessionID: sessionID})
			reason = task.ReasonCancelled
			return
		}
		if err != nil {
			o.logger.Error("generation.model_error", "session_id", sessionID, "error", err.Error())
			o.finalizeText(persistCtx, gen, textID)
			o.mux.Publish(sessionID, core.ErrorEvent{Message: "generation failed"})
			reason = task.ReasonError
			return
		}

		if len(calls) == 0 {
			if textID == "" {
				o.logger.Error("generation.empty_response", "session_id", sessionID)
				o.mux.Publish(sessionID, core.ErrorEvent{Message: "model returned an empty response"})
				reason = task.ReasonError
				return
			}
			if ferr := o.finalizeText(persistCtx, gen, textID); ferr != nil {
				reason = o.failPersist(gen, ferr)
				return
			}
			reason = task.ReasonCompleted
			return
		}

		// Text preceding the tool phase is already closed at call start;
		// this covers providers that emit text after the last call.
		if ferr := o.finalizeText(persistCtx, gen, textID); ferr != nil {
			reason = o.failPersist(gen, ferr)
			return
		}

		for _, call := range calls {
			if gen.Cancelled() {
				o.mux.Publish(sessionID, core.CancelledEvent{SessionID: sessionID})
				reason = task.ReasonCancelled
				return
			}
			if perr := o.executeCall(ctx, persistCtx, gen, call); perr != nil {
				reason = o.failPersist(gen, perr)
				return
			}
		}

		if gen.Cancelled() {
			o.mux.Publish(sessionID, core.CancelledEvent{SessionID: sessionID})
			reason = task.ReasonCancelled
			return
		}
	}
}

// step performs one model round-trip: it streams text into a fresh block
// and gathers tool-call fragments. It returns the aggregated calls and the
// ID of the still-open text block, "" if none remains open.
func (o *Orchestrator) step(ctx context.Context, gen *task.Generation) ([]*callAgg, string, error) {
	sessionID := gen.SessionID

	req, err := o.renderRequest(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	chunks, errCh := o.provider.Stream(ctx, req)

	var (
		calls   []*callAgg
		byIndex = map[int]*callAgg{}
		textID  string
	)

	for chunk := range chunks {
		switch {
		case chunk.TextDelta != "":
			if textID == "" {
				block, berr := o.openTextBlock(gen)
				if berr != nil {
					return calls, "", berr
				}
				textID = block.ID
			}
			o.mux.PublishTextDelta(sessionID, textID, chunk.TextDelta)

		case chunk.Call != nil:
			c := chunk.Call
			agg, seen := byIndex[c.Index]
			if !seen {
				// The tool phase begins; close the open text block so its
				// sequence number precedes the call's.
				if ferr := o.finalizeText(context.Background(), gen, textID); ferr != nil {
					return calls, "", ferr
				}
				textID = ""

				agg = &callAgg{id: c.ID, name: c.Name}
				agg.step = gen.BeginCall(c.ID, c.Name)
				byIndex[c.Index] = agg
				calls = append(calls, agg)
				o.mux.Publish(sessionID, core.ToolPreparingEvent{ToolName: agg.name, Step: agg.step})
			}
			if agg.id == "" && c.ID != "" {
				agg.id = c.ID
			}
			if agg.name == "" && c.Name != "" {
				agg.name = c.Name
			}
			if c.ArgsDelta != "" {
				agg.args += c.ArgsDelta
				preview, _ := partialjson.TryParse(agg.args)
				o.mux.PublishArgsDelta(sessionID, core.ToolArgsDeltaEvent{
					ToolName:    agg.name,
					PartialArgs: c.ArgsDelta,
					Step:        agg.step,
					Args:        preview,
				})
			}
		}
	}

	return calls, textID, <-errCh
}

// openTextBlock appends a non-finalized assistant text block, which pins
// its sequence number, and announces it.
func (o *Orchestrator) openTextBlock(gen *task.Generation) (core.Block, error) {
	block := core.NewBlock(gen.SessionID, core.BlockAssistantText, core.AuthorAssistant, core.TextPayload{})
	stored, err := o.store.Append(context.Background(), block)
	if err != nil {
		return core.Block{}, fmt.Errorf("append assistant text block: %w", err)
	}
	gen.BeginText(stored.ID, stored.Sequence)
	o.mux.Publish(gen.SessionID, core.AssistantTextStartEvent{BlockID: stored.ID, Sequence: stored.Sequence})
	return stored, nil
}

// finalizeText closes the open text block, persisting the accumulated
// content, and announces the boundary. No-op when blockID is empty.
func (o *Orchestrator) finalizeText(ctx context.Context, gen *task.Generation, blockID string) error {
	if blockID == "" {
		return nil
	}
	content := gen.EndText()
	if err := o.store.Finalize(ctx, gen.SessionID, blockID, core.TextPayload{Text: content}); err != nil {
		return fmt.Errorf("finalize assistant text block: %w", err)
	}
	o.mux.Publish(gen.SessionID, core.AssistantTextEndEvent{BlockID: blockID})
	return nil
}

// executeCall persists the completed tool call, runs it, and persists the
// result. Tool failures become failed result blocks; only store failures
// propagate as errors.
func (o *Orchestrator) executeCall(ctx, persistCtx context.Context, gen *task.Generation, call *callAgg) error {
	sessionID := gen.SessionID
	if call.id == "" {
		call.id = core.NewID()
	}

	callBlock := core.NewBlock(sessionID, core.BlockToolCall, core.AuthorAssistant, core.ToolCallPayload{
		CallID:    call.id,
		ToolName:  call.name,
		Arguments: call.args,
		Status:    core.CallComplete,
	})
	callBlock.Finalized = true
	storedCall, err := o.store.Append(persistCtx, callBlock)
	if err != nil {
		return fmt.Errorf("append tool call block: %w", err)
	}
	o.mux.Publish(sessionID, core.ToolCallBlockEvent{Block: storedCall})

	gen.MarkCallExecuting()
	res := o.executor.Execute(ctx, call.name, call.args)

	resultBlock := core.NewBlock(sessionID, core.BlockToolResult, core.AuthorTool, core.ToolResultPayload{
		CallID:   call.id,
		ToolName: call.name,
		Result:   res.Output,
		Error:    res.Error,
		Success:  res.Success,
	})
	resultBlock.ParentID = storedCall.ID
	resultBlock.Finalized = true
	storedResult, err := o.store.Append(persistCtx, resultBlock)
	if err != nil {
		return fmt.Errorf("append tool result block: %w", err)
	}
	o.mux.Publish(sessionID, core.ToolResultBlockEvent{Block: storedResult})
	gen.CompleteCall()
	return nil
}

// finishIterationLimit synthesizes a closing assistant message so the
// conversation ends with an explanation rather than silence.
func (o *Orchestrator) finishIterationLimit(persistCtx context.Context, gen *task.Generation) task.TerminalReason {
	sessionID := gen.SessionID
	o.logger.Warn("generation.iteration_limit", "session_id", sessionID, "max_iterations", o.maxIterations)

	msg := fmt.Sprintf("Task incomplete: reached the maximum of %d iterations.", o.maxIterations)
	block, err := o.openTextBlock(gen)
	if err != nil {
		return o.failPersist(gen, err)
	}
	o.mux.PublishTextDelta(sessionID, block.ID, msg)
	if err := o.finalizeText(persistCtx, gen, block.ID); err != nil {
		return o.failPersist(gen, err)
	}
	return task.ReasonIterationLimit
}

func (o *Orchestrator) failPersist(gen *task.Generation, err error) task.TerminalReason {
	o.logger.Error("generation.persist_error", "session_id", gen.SessionID, "error", err.Error())
	o.mux.Publish(gen.SessionID, core.ErrorEvent{Message: "generation failed"})
	return task.ReasonError
}

// renderRequest rebuilds the model request from persisted history plus the
// current tool definitions.
func (o *Orchestrator) renderRequest(ctx context.Context, sessionID string) (model.Request, error) {
	blocks, err := o.store.List(ctx, sessionID, -1)
	if err != nil {
		return model.Request{}, fmt.Errorf("list session blocks: %w", err)
	}
	return model.Request{
		Instructions: o.instructions,
		Turns:        renderTurns(blocks),
		Tools:        o.tools.Definitions(),
		MaxTokens:    o.maxTokens,
	}, nil
}

// renderTurns maps finalized blocks onto provider-neutral turns. Blocks
// still being streamed are excluded; the provider must only ever see
// settled history.
func renderTurns(blocks []core.Block) []model.Turn {
	var turns []model.Turn
	for _, b := range blocks {
		if !b.Finalized {
			continue
		}
		switch b.Type {
		case core.BlockUserText:
			turns = append(turns, model.Turn{Role: model.RoleUser, Text: b.Text()})
		case core.BlockAssistantText:
			turns = append(turns, model.Turn{Role: model.RoleAssistant, Text: b.Text()})
		case core.BlockSystem:
			turns = append(turns, model.Turn{Role: model.RoleSystem, Text: b.Text()})
		case core.BlockToolCall:
			p, ok := b.Content.(core.ToolCallPayload)
			if !ok {
				continue
			}
			turns = append(turns, model.Turn{
				Role: model.RoleAssistant,
				Calls: []model.Call{{
					ID:        p.CallID,
					Name:      p.ToolName,
					Arguments: p.Arguments,
				}},
			})
		case core.BlockToolResult:
			p, ok := b.Content.(core.ToolResultPayload)
			if !ok {
				continue
			}
			content := p.Result
			if !p.Success {
				content = p.Error
			}
			turns = append(turns, model.Turn{
				Role: model.RoleTool,
				Results: []model.CallResult{{
					CallID:  p.CallID,
					Name:    p.ToolName,
					Content: content,
					IsError: !p.Success,
				}},
			})
		}
	}
	return turns
}
