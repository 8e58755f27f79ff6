package mcpstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nowex35/mcpstream/internal/transport"
)

// ToolArguments is the flat argument mapping produced by parsing a tool
// call's JSON arguments, with typed accessors for common value types.
type ToolArguments map[string]any

// GetString returns args[name] as a string, if present and a string.
func (a ToolArguments) GetString(name string) (string, bool) {
	v, ok := a[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetNumber returns args[name] as a float64, if present and numeric.
func (a ToolArguments) GetNumber(name string) (float64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetInt returns args[name] truncated to int, if present and numeric.
func (a ToolArguments) GetInt(name string) (int, bool) {
	n, ok := a.GetNumber(name)
	if !ok {
		return 0, false
	}
	return int(n), true
}

// GetBool returns args[name] as a bool, if present and boolean.
func (a ToolArguments) GetBool(name string) (bool, bool) {
	v, ok := a[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

type toolExecution struct {
	executionID string
	toolName    string
	startTime   time.Time
	timeout     time.Duration
}

// ExecuteTool runs admission control, argument validation, argument
// parsing, execution (inline or fork-mode), and bookkeeping for one tool
// call. It never returns a Go error: every failure mode is an in-band
// CallToolResult with IsError set, so tool errors never surface as
// JSON-RPC errors unless parsing or dispatch itself failed.
func (r *ToolRegistry) ExecuteTool(ctx context.Context, name string, argsJSON json.RawMessage) CallToolResult {
	r.mu.Lock()
	rt, ok := r.tools[name]
	registryDisabled := !r.enabled
	r.mu.Unlock()

	if registryDisabled {
		return errorResult("tool registry is disabled")
	}
	if !ok {
		return errorResult(fmt.Sprintf("tool not found: %s", name))
	}
	if !rt.def.Enabled {
		return errorResult(fmt.Sprintf("tool disabled: %s", name))
	}

	r.execMu.Lock()
	if r.execCount >= r.cfg.MaxConcurrentExecutions {
		r.execMu.Unlock()
		return errorResult("concurrency cap reached")
	}
	r.execCount++
	r.execMu.Unlock()
	defer func() {
		r.execMu.Lock()
		r.execCount--
		r.execMu.Unlock()
	}()

	if msg, ok := r.validateArgs(rt, argsJSON); !ok {
		return errorResult(msg)
	}

	args, err := parseToolArguments(argsJSON)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %s", err))
	}

	execution := &toolExecution{
		executionID: uuid.New().String(),
		toolName:    name,
		startTime:   time.Now(),
		timeout:     r.cfg.MaxExecutionTime,
	}

	if r.cfg.UseForkTimeout && rt.def.ExternalCommand != nil {
		return r.executeForked(execution, rt, args)
	}
	return r.executeInline(ctx, execution, rt, args)
}

// executeInline runs the tool's Executor in-process with a context
// deadline. Cancellation is cooperative: if the executor does not observe
// ctx.Done(), this still reports a timeout to the caller, flagging the
// overrun post-hoc, but the goroutine itself is left to finish or block.
// Only fork-mode guarantees true preemption.
func (r *ToolRegistry) executeInline(ctx context.Context, execution *toolExecution, rt *registeredTool, args ToolArguments) CallToolResult {
	cctx, cancel := context.WithTimeout(ctx, execution.timeout)
	defer cancel()

	type outcome struct {
		result CallToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := rt.def.Executor(cctx, args)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return errorResult(fmt.Sprintf("tool execution failed: %s", o.err))
		}
		return o.result
	case <-cctx.Done():
		return errorResult(fmt.Sprintf("Tool execution timed out after %dms", execution.timeout.Milliseconds()))
	}
}

// executeForked runs the tool's ExternalCommand as a real child process,
// killed with SIGKILL on timeout, with the result handed back via a temp
// file named after the execution ID. The parent polls every 100ms and
// always removes the temp file, even on error paths.
func (r *ToolRegistry) executeForked(execution *toolExecution, rt *registeredTool, args ToolArguments) CallToolResult {
	resultPath := filepath.Join(os.TempDir(), fmt.Sprintf("mcpstream-tool-%s.json", execution.executionID))
	defer os.Remove(resultPath)

	argv := append([]string{}, rt.def.ExternalCommand...)
	cmd := exec.Command(argv[0], argv[1:]...)
	argsJSON, _ := json.Marshal(args)
	cmd.Env = append(os.Environ(),
		"MCP_TOOL_ARGS="+string(argsJSON),
		"MCP_TOOL_RESULT_PATH="+resultPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return errorResult(fmt.Sprintf("tool execution failed: %s", err))
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	reaped := make(chan struct{})
	transport.RegisterChild(cmd.Process.Pid, reaped)
	defer close(reaped)

	deadline := time.NewTimer(execution.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case err := <-waitDone:
			if err != nil {
				return errorResult(fmt.Sprintf("tool execution failed: %s (stderr: %s)", err, stderr.String()))
			}
			return readForkResult(resultPath)
		case <-deadline.C:
			_ = cmd.Process.Signal(syscall.SIGKILL)
			<-waitDone
			return errorResult(fmt.Sprintf("Tool execution timed out after %dms", execution.timeout.Milliseconds()))
		case <-poll.C:
			// Keeps the loop alive between ticks; the actual wakeups come
			// from waitDone/deadline above.
		}
	}
}

func readForkResult(path string) CallToolResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult(fmt.Sprintf("tool execution failed: could not read result: %s", err))
	}
	var result CallToolResult
	if err := json.Unmarshal(data, &result); err != nil {
		return errorResult(fmt.Sprintf("tool execution failed: malformed result: %s", err))
	}
	return result
}

func parseToolArguments(argsJSON json.RawMessage) (ToolArguments, error) {
	if len(argsJSON) == 0 {
		return ToolArguments{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(argsJSON, &m); err != nil {
		return nil, err
	}
	return ToolArguments(m), nil
}

func errorResult(message string) CallToolResult {
	return CallToolResult{
		IsError: true,
		Content: []Content{{Type: ContentText, Text: message}},
	}
}
