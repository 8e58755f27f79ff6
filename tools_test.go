package mcpstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nowex35/mcpstream"
)

func echoTool() mcpstream.ToolDefinition {
	return mcpstream.ToolDefinition{
		Name:        "echo",
		Description: "echoes the given message",
		ParameterSchema: map[string]mcpstream.ParamSchema{
			"message": {Type: "string", Description: "message to echo"},
		},
		RequiredParams: []string{"message"},
		Executor: func(ctx context.Context, args mcpstream.ToolArguments) (mcpstream.CallToolResult, error) {
			msg, _ := args.GetString("message")
			return mcpstream.CallToolResult{
				Content: []mcpstream.Content{{Type: mcpstream.ContentText, Text: "Echo: " + msg}},
			}, nil
		},
	}
}

func TestRegisterToolRejectsDuplicate(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{})
	if err := r.RegisterTool(echoTool()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterTool(echoTool()); err == nil {
		t.Fatal("expected error registering duplicate tool name")
	}
}

func TestRegisterToolRejectsUnknownRequiredParam(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{})
	def := mcpstream.ToolDefinition{
		Name:            "broken",
		ParameterSchema: map[string]mcpstream.ParamSchema{},
		RequiredParams:  []string{"missing"},
		Executor:        func(ctx context.Context, args mcpstream.ToolArguments) (mcpstream.CallToolResult, error) { return mcpstream.CallToolResult{}, nil },
	}
	if err := r.RegisterTool(def); err == nil {
		t.Fatal("expected error for required param absent from schema")
	}
}

func TestExecuteToolHappyPath(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{})
	if err := r.RegisterTool(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := r.ExecuteTool(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Echo: hi" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
}

func TestExecuteToolMissingRequiredParam(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{})
	if err := r.RegisterTool(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := r.ExecuteTool(context.Background(), "echo", json.RawMessage(`{}`))
	if !result.IsError {
		t.Fatal("expected validation failure for missing required param")
	}
}

func TestExecuteToolUnknownName(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{})
	result := r.ExecuteTool(context.Background(), "nope", json.RawMessage(`{}`))
	if !result.IsError {
		t.Fatal("expected error for unknown tool")
	}
}

func TestExecuteToolRegistryDisabled(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{})
	if err := r.RegisterTool(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.SetEnabled(false)

	result := r.ExecuteTool(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	if !result.IsError {
		t.Fatal("expected error when registry disabled")
	}
}

func TestExecuteToolConcurrencyCap(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{MaxConcurrentExecutions: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	def := mcpstream.ToolDefinition{
		Name:            "slow",
		ParameterSchema: map[string]mcpstream.ParamSchema{},
		Executor: func(ctx context.Context, args mcpstream.ToolArguments) (mcpstream.CallToolResult, error) {
			close(started)
			<-release
			return mcpstream.CallToolResult{Content: []mcpstream.Content{{Type: mcpstream.ContentText, Text: "done"}}}, nil
		},
	}
	if err := r.RegisterTool(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	resultCh := make(chan mcpstream.CallToolResult, 1)
	go func() {
		resultCh <- r.ExecuteTool(context.Background(), "slow", nil)
	}()
	<-started

	second := r.ExecuteTool(context.Background(), "slow", nil)
	if !second.IsError {
		t.Fatal("expected concurrency cap to reject the second execution")
	}

	close(release)
	first := <-resultCh
	if first.IsError {
		t.Fatalf("expected first execution to succeed, got %+v", first)
	}
}

func TestExecuteToolInlineTimeout(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{MaxExecutionTime: 20 * time.Millisecond})
	def := mcpstream.ToolDefinition{
		Name:            "sleeper",
		ParameterSchema: map[string]mcpstream.ParamSchema{},
		Executor: func(ctx context.Context, args mcpstream.ToolArguments) (mcpstream.CallToolResult, error) {
			select {
			case <-ctx.Done():
				return mcpstream.CallToolResult{}, ctx.Err()
			case <-time.After(time.Second):
				return mcpstream.CallToolResult{Content: []mcpstream.Content{{Type: mcpstream.ContentText, Text: "too late"}}}, nil
			}
		},
	}
	if err := r.RegisterTool(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := r.ExecuteTool(context.Background(), "sleeper", nil)
	if !result.IsError {
		t.Fatal("expected timeout error")
	}
}

func TestListToolsOmitsDisabled(t *testing.T) {
	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{})
	if err := r.RegisterTool(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetToolEnabled("echo", false); err != nil {
		t.Fatalf("SetToolEnabled: %v", err)
	}
	if tools := r.ListTools(); len(tools) != 0 {
		t.Fatalf("expected disabled tool to be omitted, got %+v", tools)
	}
}

// TestMain doubles as the fork-mode tool's external process body, following
// the standard library's own exec-test pattern (cmd/go's TestHelperProcess
// idiom): when invoked with MCP_FORKTEST_HELPER=1 it reads its args from
// MCP_TOOL_ARGS, writes a result to MCP_TOOL_RESULT_PATH, and exits instead
// of running the test suite.
func TestMain(m *testing.M) {
	if os.Getenv("MCP_FORKTEST_HELPER") == "1" {
		runForkTestHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runForkTestHelper() {
	delay := os.Getenv("MCP_FORKTEST_DELAY_MS")
	if delay != "" {
		var ms int
		fmt.Sscanf(delay, "%d", &ms)
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	result := mcpstream.CallToolResult{
		Content: []mcpstream.Content{{Type: mcpstream.ContentText, Text: "forked ok"}},
	}
	data, _ := json.Marshal(result)
	os.WriteFile(os.Getenv("MCP_TOOL_RESULT_PATH"), data, 0o600)
}

func TestExecuteToolForkModeHappyPath(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Skipf("cannot resolve test binary path: %v", err)
	}

	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{UseForkTimeout: true, MaxExecutionTime: 2 * time.Second})
	def := mcpstream.ToolDefinition{
		Name:            "forked",
		ParameterSchema: map[string]mcpstream.ParamSchema{},
		ExternalCommand: []string{self, "-test.run=^$"},
	}
	if err := r.RegisterTool(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	oldEnv := os.Getenv("MCP_FORKTEST_HELPER")
	os.Setenv("MCP_FORKTEST_HELPER", "1")
	defer os.Setenv("MCP_FORKTEST_HELPER", oldEnv)

	result := r.ExecuteTool(context.Background(), "forked", nil)
	if result.IsError {
		t.Fatalf("expected forked execution to succeed, got %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "forked ok" {
		t.Fatalf("unexpected forked result: %+v", result.Content)
	}
}

func TestExecuteToolForkModeTimeout(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Skipf("cannot resolve test binary path: %v", err)
	}

	r := mcpstream.NewToolRegistry(mcpstream.ToolRegistryConfig{UseForkTimeout: true, MaxExecutionTime: 100 * time.Millisecond})
	def := mcpstream.ToolDefinition{
		Name:            "forked-slow",
		ParameterSchema: map[string]mcpstream.ParamSchema{},
		ExternalCommand: []string{self, "-test.run=^$"},
	}
	if err := r.RegisterTool(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	os.Setenv("MCP_FORKTEST_HELPER", "1")
	os.Setenv("MCP_FORKTEST_DELAY_MS", "5000")
	defer os.Unsetenv("MCP_FORKTEST_HELPER")
	defer os.Unsetenv("MCP_FORKTEST_DELAY_MS")

	start := time.Now()
	result := r.ExecuteTool(context.Background(), "forked-slow", nil)
	elapsed := time.Since(start)

	if !result.IsError {
		t.Fatalf("expected timeout error, got %+v", result)
	}
	if elapsed > time.Second {
		t.Fatalf("expected SIGKILL to cut the wait short, took %s", elapsed)
	}
}
