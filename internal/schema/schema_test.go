package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query      string `json:"query" description:"Search query"`
	MaxResults int    `json:"max_results,omitempty"`
	internal   string `json:"-"`
}

func TestFromStruct(t *testing.T) {
	s := FromStruct(searchArgs{})

	assert.Equal(t, "object", s["type"])

	props, ok := s["properties"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, props, "query")
	require.Contains(t, props, "max_results")
	assert.NotContains(t, props, "internal")

	query := props["query"].(map[string]any)
	assert.Equal(t, "string", query["type"])
	assert.Equal(t, "Search query", query["description"])

	assert.Equal(t, []string{"query"}, s["required"])
}

func TestValidate(t *testing.T) {
	s := FromStruct(searchArgs{})

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{
			name: "valid",
			args: map[string]any{"query": "weather", "max_results": float64(3)},
		},
		{
			name:    "missing required",
			args:    map[string]any{"max_results": float64(3)},
			wantErr: "required field is missing",
		},
		{
			name:    "wrong type",
			args:    map[string]any{"query": 42},
			wantErr: "expected type string",
		},
		{
			name:    "non-integer number",
			args:    map[string]any{"query": "x", "max_results": 1.5},
			wantErr: "expected type integer",
		},
		{
			name: "extra fields pass",
			args: map[string]any{"query": "x", "unknown": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.args, s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
