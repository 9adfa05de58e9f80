package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstream/model"
)

func TestBuildParamsReplaysUnparseableCallArguments(t *testing.T) {
	p := New(func(o *Options) { o.APIKey = "test-key" })

	// History as persisted after a malformed emission: the truncated call
	// and its failed result are both legitimate finalized blocks.
	req := model.Request{
		Turns: []model.Turn{
			{Role: model.RoleUser, Text: "weather in Paris?"},
			{Role: model.RoleAssistant, Calls: []model.Call{
				{ID: "call-1", Name: "web_search", Arguments: `{"query":`},
			}},
			{Role: model.RoleTool, Results: []model.CallResult{
				{CallID: "call-1", Name: "web_search", Content: "invalid arguments", IsError: true},
			}},
		},
	}

	params, err := p.buildParams(req)
	require.NoError(t, err)
	require.Len(t, params.Messages, 3)

	toolUse := params.Messages[1].Content[0].OfToolUse
	require.NotNil(t, toolUse)
	assert.Equal(t, "call-1", toolUse.ID)
	input, ok := toolUse.Input.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, `{"query":`, input["_raw"])
}

func TestConvertCallInput(t *testing.T) {
	tests := []struct {
		name      string
		arguments string
		want      map[string]any
	}{
		{
			name:      "well formed",
			arguments: `{"query":"paris"}`,
			want:      map[string]any{"query": "paris"},
		},
		{
			name:      "empty",
			arguments: "",
			want:      map[string]any{},
		},
		{
			name:      "truncated",
			arguments: `{"query":"par`,
			want:      map[string]any{"_raw": `{"query":"par`},
		},
		{
			name:      "null literal",
			arguments: "null",
			want:      map[string]any{"_raw": "null"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertCallInput(tt.arguments))
		})
	}
}
