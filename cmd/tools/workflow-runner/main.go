package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/sessionflow/internal/client"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

// maxWait bounds how long workflow_run blocks before handing back the run id.
const maxWait = 5 * time.Minute

var api = client.New(os.Getenv("SESSIONFLOW_SERVER"))

func main() {
	s := server.NewMCPServer("sessionflow-workflow-runner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "workflow_run",
		Description: "Run a Python workflow in a sandbox session. The code must define run(payload) returning a JSON-serialisable value.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source defining run(payload)",
				},
				"input": map[string]any{
					"type":        "object",
					"description": "JSON payload passed to run (optional)",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Existing sandbox session to reuse (optional)",
				},
				"wait": map[string]any{
					"type":        "boolean",
					"description": "Wait for the run to finish (default true)",
				},
			},
			Required: []string{"code"},
		},
	}, handleWorkflowRun)

	s.AddTool(mcp.Tool{
		Name:        "workflow_status",
		Description: "Get the status and output of a workflow run.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Run id returned by workflow_run",
				},
			},
			Required: []string{"run_id"},
		},
	}, handleWorkflowStatus)

	s.AddTool(mcp.Tool{
		Name:        "workflow_cancel",
		Description: "Cancel a pending or running workflow run.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Run id to cancel",
				},
			},
			Required: []string{"run_id"},
		},
	}, handleWorkflowCancel)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func handleWorkflowRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	code, _ := args["code"].(string)
	sessionID, _ := args["session_id"].(string)
	wait := true
	if w, ok := args["wait"].(bool); ok {
		wait = w
	}

	sub := workflow.Submission{SessionID: sessionID, WorkflowCode: code}
	if in, ok := args["input"]; ok && in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errResult(fmt.Sprintf("error: input: %v", err)), nil
		}
		sub.Input = raw
	}
	if err := sub.Validate(); err != nil {
		return errResult("error: " + err.Error()), nil
	}

	started, err := api.Submit(ctx, sub)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if !wait {
		return textResult(fmt.Sprintf("started run %s", started.InstanceID), false), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	st, err := api.Wait(waitCtx, started.InstanceID, 2*time.Second)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return textResult(fmt.Sprintf("run %s still in progress; check it with workflow_status", started.InstanceID), false), nil
		}
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return statusResult(st), nil
}

func handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	runID, _ := args["run_id"].(string)
	if runID == "" {
		return errResult("error: 'run_id' is required"), nil
	}

	st, err := api.Status(ctx, runID)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return statusResult(st), nil
}

func handleWorkflowCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	runID, _ := args["run_id"].(string)
	if runID == "" {
		return errResult("error: 'run_id' is required"), nil
	}

	if err := api.Cancel(ctx, runID); err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return textResult(fmt.Sprintf("cancellation requested for %s", runID), false), nil
}

func statusResult(st *client.Status) *mcp.CallToolResult {
	text := fmt.Sprintf("run %s: %s (phase %s, %d polls)", st.InstanceID, st.RuntimeStatus, st.Phase, st.PollCount)
	if st.Error != nil {
		text += fmt.Sprintf("\n%s: %s", st.Error.Kind, st.Error.Message)
	}
	if st.Output != nil {
		out := st.Output.OutputJSON
		if len(out) > 4000 {
			out = out[:4000] + "\n... (output truncated)"
		}
		text += fmt.Sprintf("\nsession: %s\noutput:\n%s", st.Output.SessionID, out)
	}
	return textResult(text, st.Error != nil)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}

func errResult(text string) *mcp.CallToolResult {
	return textResult(text, true)
}
