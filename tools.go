package mcpstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qri-io/jsonschema"
)

// ParamSchema describes one tool parameter: {type, description, default,
// enum_values}. Whether a parameter is required is listed separately in
// ToolDefinition.RequiredParams.
type ParamSchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Default     any      `json:"default,omitempty"`
	EnumValues  []string `json:"enum,omitempty"`
}

// ToolExecutor runs a tool's registered behavior against parsed arguments.
// ctx is cancelled when the Tool Registry's timeout expires; cooperative
// executors should observe it and return promptly.
type ToolExecutor func(ctx context.Context, args ToolArguments) (CallToolResult, error)

// ToolDefinition is a registered tool: {name, description, parameter
// schema, required params, version, enabled, executor}. Invariant: every
// name in RequiredParams must appear in ParameterSchema.
type ToolDefinition struct {
	Name            string
	Description     string
	ParameterSchema map[string]ParamSchema
	RequiredParams  []string
	Version         string
	Enabled         bool
	Executor        ToolExecutor

	// ExternalCommand, when set, is the argv used for fork-mode execution
	// (UseForkTimeout) instead of running Executor in-process. The command
	// receives its arguments as JSON in MCP_TOOL_ARGS and must write a
	// CallToolResult JSON document to the path named by
	// MCP_TOOL_RESULT_PATH.
	ExternalCommand []string
}

type registeredTool struct {
	def    ToolDefinition
	schema *jsonschema.Schema
}

// ToolRegistryConfig tunes execution limits and the fork-mode switch.
type ToolRegistryConfig struct {
	MaxExecutionTime        time.Duration `env:"MCP_TOOL_MAX_EXECUTION_TIME,default=30s"`
	MaxConcurrentExecutions int           `env:"MCP_TOOL_MAX_CONCURRENT,default=10"`
	SafetyChecksEnabled     bool          `env:"MCP_TOOL_SAFETY_CHECKS,default=true"`
	UseForkTimeout          bool          `env:"MCP_TOOL_USE_FORK_TIMEOUT,default=false"`
}

func (c ToolRegistryConfig) withDefaults() ToolRegistryConfig {
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = 30 * time.Second
	}
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = 10
	}
	return c
}

// ToolRegistry owns Tool Definitions and enforces registration, argument
// validation, and concurrency caps around execution.
type ToolRegistry struct {
	cfg ToolRegistryConfig

	mu      sync.Mutex
	tools   map[string]*registeredTool
	enabled bool

	execMu    sync.Mutex
	execCount int
}

// NewToolRegistry constructs an enabled ToolRegistry from cfg, applying
// defaults for a zero MaxExecutionTime or MaxConcurrentExecutions. The
// boolean fields are taken as given; their env-tag defaults apply only when
// the config is decoded from the environment.
func NewToolRegistry(cfg ToolRegistryConfig) *ToolRegistry {
	return &ToolRegistry{
		cfg:     cfg.withDefaults(),
		tools:   make(map[string]*registeredTool),
		enabled: true,
	}
}

// SetEnabled toggles the registry as a whole; when disabled, ExecuteTool
// rejects every call in-band.
func (r *ToolRegistry) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// RegisterTool adds def to the registry. Fails if the name already exists
// or if a required param is missing from the parameter schema.
func (r *ToolRegistry) RegisterTool(def ToolDefinition) error {
	for _, name := range def.RequiredParams {
		if _, ok := def.ParameterSchema[name]; !ok {
			return fmt.Errorf("mcpstream: required param %q not present in parameter schema for tool %q", name, def.Name)
		}
	}
	schema, err := buildToolSchema(def)
	if err != nil {
		return fmt.Errorf("mcpstream: build schema for tool %q: %w", def.Name, err)
	}
	if def.Version == "" {
		def.Version = "1.0.0"
	}
	def.Enabled = true

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("mcpstream: tool %q already registered", def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, schema: schema}
	return nil
}

// SetToolEnabled enables or disables one registered tool without removing
// it, so a disabled tool still appears in lookups for diagnostics but
// ExecuteTool rejects calls to it.
func (r *ToolRegistry) SetToolEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("mcpstream: tool %q not registered", name)
	}
	rt.def.Enabled = enabled
	return nil
}

// ListTools enumerates enabled tools as {name, description, inputSchema}.
func (r *ToolRegistry) ListTools() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		if !rt.def.Enabled {
			continue
		}
		out = append(out, Tool{
			Name:        rt.def.Name,
			Description: rt.def.Description,
			InputSchema: inputSchemaJSON(rt.def),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func schemaJSONType(t string) string {
	switch t {
	case "string", "number", "boolean", "object", "array":
		return t
	default:
		return "string"
	}
}

// buildToolSchema compiles a tool's parameter schema into a qri-io/jsonschema
// document once, at registration time, so ExecuteTool only pays for
// validation, not compilation, on every call.
func buildToolSchema(def ToolDefinition) (*jsonschema.Schema, error) {
	raw := inputSchemaJSON(def)
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// inputSchemaJSON renders a tool's parameter schema as the
// {type:"object",properties:{...},required:[...]} document the protocol
// expects in both tools/list and jsonschema validation.
func inputSchemaJSON(def ToolDefinition) json.RawMessage {
	properties := make(map[string]any, len(def.ParameterSchema))
	for name, p := range def.ParameterSchema {
		prop := map[string]any{"type": schemaJSONType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.EnumValues) > 0 {
			prop["enum"] = p.EnumValues
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[name] = prop
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(def.RequiredParams) > 0 {
		required := make([]string, len(def.RequiredParams))
		copy(required, def.RequiredParams)
		sort.Strings(required)
		doc["required"] = required
	}
	raw, _ := json.Marshal(doc)
	return raw
}

// validateArgs checks argsJSON against rt's compiled schema (required
// params present, types match, enum constraints satisfied) and separately
// warns, without failing, about unknown parameters not present in the
// schema at all.
func (r *ToolRegistry) validateArgs(rt *registeredTool, argsJSON json.RawMessage) (message string, ok bool) {
	if len(argsJSON) == 0 {
		argsJSON = json.RawMessage("{}")
	}
	ctx := context.Background()
	keyErrs, err := rt.schema.ValidateBytes(ctx, argsJSON)
	if err != nil {
		return fmt.Sprintf("argument validation failed: %s", err), false
	}
	if len(keyErrs) > 0 {
		msgs := make([]string, 0, len(keyErrs))
		for _, ke := range keyErrs {
			msgs = append(msgs, ke.Message)
		}
		return "argument validation failed: " + strings.Join(msgs, "; "), false
	}
	var supplied map[string]json.RawMessage
	if err := json.Unmarshal(argsJSON, &supplied); err == nil {
		for name := range supplied {
			if _, known := rt.def.ParameterSchema[name]; !known {
				slog.Warn("unknown tool parameter", slog.String("component", "tools"), slog.String("tool", rt.def.Name), slog.String("param", name))
			}
		}
	}
	return "", true
}
