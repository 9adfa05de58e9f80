// Package anthropic adapts the Anthropic Messages API (streaming, with tool
// use) to the generic model.Provider interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentstream/model"
)

// Options configure the Anthropic provider.
type Options struct {
	Model     string
	MaxTokens int64
	APIKey    string
	BaseURL   string
}

// Provider wraps the Anthropic Messages API behind model.Provider.
type Provider struct {
	client anthropic.Client
	opts   Options
}

var _ model.Provider = (*Provider)(nil)

// New creates a provider. Without an explicit APIKey option the SDK reads
// ANTHROPIC_API_KEY from the environment.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:     string(anthropic.ModelClaudeSonnet4_20250514),
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Provider{client: anthropic.NewClient(clientOpts...), opts: opts}
}

// Stream implements model.Provider. Tool-use blocks are forwarded as
// fragments: the opening event carries the call ID and name, then each
// input_json_delta carries a slice of argument text.
func (p *Provider) Stream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params, err := p.buildParams(req)
		if err != nil {
			errCh <- err
			return
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		callIndex := -1
		finish := model.FinishStop

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				start := event.AsContentBlockStart()
				if start.ContentBlock.Type != "tool_use" {
					continue
				}
				toolUse := start.ContentBlock.AsToolUse()
				callIndex++
				out <- model.Chunk{Call: &model.CallDelta{
					Index: callIndex,
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						out <- model.Chunk{TextDelta: delta.Text}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" && callIndex >= 0 {
						out <- model.Chunk{Call: &model.CallDelta{
							Index:     callIndex,
							ArgsDelta: delta.PartialJSON,
						}}
					}
				}

			case "message_delta":
				switch event.AsMessageDelta().Delta.StopReason {
				case "tool_use":
					finish = model.FinishToolCalls
				case "max_tokens":
					finish = model.FinishLength
				}

			case "message_stop":
				out <- model.Chunk{Done: true, FinishReason: finish}
				return

			case "error":
				errCh <- errors.New("anthropic stream error")
				return
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		}
	}()

	return out, errCh
}

// Info implements model.Provider.
func (p *Provider) Info() model.Info {
	return model.Info{Name: p.opts.Model, Provider: "anthropic", SupportsTools: true}
}

func (p *Provider) buildParams(req model.Request) (anthropic.MessageNewParams, error) {
	messages := convertTurns(req.Turns)

	maxTokens := p.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.opts.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.Instructions}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertTurns(turns []model.Turn) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, turn := range turns {
		// System content travels via params.System, not as a message.
		if turn.Role == model.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion

		if turn.Text != "" {
			content = append(content, anthropic.NewTextBlock(turn.Text))
		}
		for _, res := range turn.Results {
			content = append(content, anthropic.NewToolResultBlock(res.CallID, res.Content, res.IsError))
		}
		for _, call := range turn.Calls {
			content = append(content, anthropic.NewToolUseBlock(call.ID, convertCallInput(call.Arguments), call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if turn.Role == model.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results travel as user messages in the Messages API.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

// convertCallInput parses persisted tool call arguments for replay. History
// may legitimately hold arguments that never parsed (they became a failed
// tool result and the loop went on), so an unparseable string is wrapped
// rather than rejected; erroring here would poison every later request for
// the session.
func convertCallInput(arguments string) map[string]any {
	if arguments == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
		return map[string]any{"_raw": arguments}
	}
	return input
}

func convertTools(defs []model.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, def := range defs {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		toolParam.OfTool.Description = anthropic.String(def.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
