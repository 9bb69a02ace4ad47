package tools

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/agentdesk/internal/providers"
)

// CodeSandbox executes Python in the thread's sandbox container.
type CodeSandbox struct{}

func (CodeSandbox) Name() string { return "code_sandbox" }

func (CodeSandbox) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name: "code_sandbox",
		Description: "Execute Python code in a sandboxed Docker environment. " +
			"The environment persists across calls within the same conversation. " +
			"Use this to run calculations, data analysis, create visualizations, etc. " +
			"Files created in /session/artifacts/ will be available for download. " +
			"Always use print() to show results to the user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source to execute",
				},
			},
			"required": []string{"code"},
		},
	}
}

func (CodeSandbox) Execute(ctx context.Context, ec ExecContext, args map[string]any) *Result {
	code := stringArg(args, "code")
	if code == "" {
		return ErrorResult("code_sandbox: missing code argument")
	}
	if ec.Sandbox == nil {
		return ErrorResult("code_sandbox: sandbox unavailable")
	}

	// Zero timeout means the manager's configured default.
	res, err := ec.Sandbox.Exec(ctx, ec.SessionKey, code, 0, ec.ThreadID, ec.RunID, ec.ToolCallID)
	if err != nil {
		return ErrorResult("code_sandbox: %v", err)
	}

	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(res.Stderr)
	}
	if b.Len() == 0 {
		b.WriteString("(no output)")
	}
	if len(res.Artifacts) > 0 {
		b.WriteString("\n\nArtifacts created:")
		for _, a := range res.Artifacts {
			if a.Error != "" {
				b.WriteString("\n- " + a.Name + " (skipped: " + a.Error + ")")
				continue
			}
			b.WriteString("\n- " + a.Name)
		}
	}

	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "execution failed"
		}
		return &Result{ForLLM: msg + "\n\n" + b.String(), IsError: true, Artifacts: res.Artifacts}
	}
	return &Result{ForLLM: b.String(), Artifacts: res.Artifacts}
}
