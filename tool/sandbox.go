package tool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Sandbox runs shell commands on behalf of tools. Implementations decide
// the isolation level; the executor only sees command text in and combined
// output out.
type Sandbox interface {
	Run(ctx context.Context, command string) (string, error)
}

// LocalSandbox runs commands directly on the host via the shell. No
// isolation; intended for development and trusted environments only.
type LocalSandbox struct {
	// Dir is the working directory for commands; empty means inherit.
	Dir string
}

var _ Sandbox = (*LocalSandbox)(nil)

// Run executes command with `sh -c` and returns combined stdout/stderr.
func (s *LocalSandbox) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.Dir

	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), "\n")
	if err != nil {
		if output != "" {
			return "", fmt.Errorf("%s: %w", output, err)
		}
		return "", err
	}
	return output, nil
}

// NewBashTool exposes a sandbox as a callable tool. The per-call timeout of
// the executor bounds runaway commands.
func NewBashTool(sandbox Sandbox) *FunctionTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required": []string{"command"},
	}
	return NewFunctionTool(
		"bash",
		"Execute a shell command and return its output",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			command, _ := args["command"].(string)
			if strings.TrimSpace(command) == "" {
				return nil, NewToolError("bash", "command must not be empty", CodeValidation)
			}
			return sandbox.Run(ctx, command)
		},
	)
}
