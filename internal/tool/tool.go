// Package tool provides the tool framework for LLM tool execution.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/invopop/jsonschema"
)

// Tool defines the interface for all tools.
type Tool interface {
	// ID returns the tool identifier.
	ID() string

	// Description returns the tool description.
	Description() string

	// Parameters returns the JSON Schema for tool parameters.
	Parameters() json.RawMessage

	// Execute executes the tool with the given input. If the tool does not
	// recognize the call (e.g. a dispatch-level middleware tool deciding
	// whether a name belongs to it), it calls next to pass the call along
	// the chain rather than failing outright. Leaf tools ignore next.
	Execute(ctx context.Context, input json.RawMessage, toolCtx *Context, next NextFunc) (*Result, error)

	// EinoTool returns an Eino-compatible tool implementation.
	EinoTool() einotool.InvokableTool
}

// NextFunc continues a tool call down a middleware chain. A tool that
// recognizes the call handles it directly and never invokes next; a tool
// acting as middleware (decorating or filtering calls before a delegate)
// calls next to hand off work it does not itself recognize.
type NextFunc func(ctx context.Context, input json.RawMessage) (*Result, error)

// Context provides execution context to tools.
type Context struct {
	SessionID string
	UserID    string
	AgentID   string
	MessageID string
	CallID    string
	Agent     string
	WorkDir   string
	AbortCh   <-chan struct{}
	Extra     map[string]any

	// DelegationDepth is how many nested delegate() calls led to this tool
	// invocation; C10 enforces MAX_DELEGATION_DEPTH against it.
	DelegationDepth int

	// ProviderID/ModelID are the running turn's provider and model, carried
	// through so a tool like delegate can hand the same pair to a child turn.
	ProviderID string
	ModelID    string

	// Metadata callback for real-time updates
	OnMetadata func(title string, meta map[string]any)
}

// SetMetadata updates tool execution metadata.
func (c *Context) SetMetadata(title string, meta map[string]any) {
	if c.OnMetadata != nil {
		c.OnMetadata(title, meta)
	}
}

// IsAborted checks if the tool execution has been aborted.
func (c *Context) IsAborted() bool {
	select {
	case <-c.AbortCh:
		return true
	default:
		return false
	}
}

// Status classifies how a tool execution concluded.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Result represents the output of a tool execution.
type Result struct {
	Status      Status         `json:"status"`
	Title       string         `json:"title"`
	Output      string         `json:"output"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Error       error          `json:"-"`
}

// Completed builds a successful Result.
func Completed(title, output string) *Result {
	return &Result{Status: StatusCompleted, Title: title, Output: output}
}

// Failed builds a failed Result carrying the triggering error.
func Failed(title string, err error) *Result {
	return &Result{Status: StatusFailed, Title: title, Output: err.Error(), Error: err}
}

// Aborted builds a Result for a tool call cancelled mid-flight (context
// cancellation, abort channel closed).
func Aborted(title string) *Result {
	return &Result{Status: StatusAborted, Title: title}
}

// Attachment represents a file attachment.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"` // data: URL or file path
}

// BaseTool provides a base implementation for tools.
type BaseTool struct {
	id          string
	description string
	parameters  json.RawMessage
	execute     func(ctx context.Context, input json.RawMessage, toolCtx *Context, next NextFunc) (*Result, error)
}

// NewBaseTool creates a new base tool.
func NewBaseTool(id, description string, params json.RawMessage, execute func(context.Context, json.RawMessage, *Context, NextFunc) (*Result, error)) *BaseTool {
	return &BaseTool{
		id:          id,
		description: description,
		parameters:  params,
		execute:     execute,
	}
}

func (t *BaseTool) ID() string                  { return t.id }
func (t *BaseTool) Description() string         { return t.description }
func (t *BaseTool) Parameters() json.RawMessage { return t.parameters }

func (t *BaseTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context, next NextFunc) (*Result, error) {
	return t.execute(ctx, input, toolCtx, next)
}

// EinoTool returns an Eino-compatible tool implementation.
func (t *BaseTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}

// einoToolWrapper wraps a Tool to implement Eino's InvokableTool interface.
type einoToolWrapper struct {
	tool Tool
}

// Info returns the tool information.
func (w *einoToolWrapper) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := parseJSONSchemaToParams(w.tool.Parameters())
	return &schema.ToolInfo{
		Name:        w.tool.ID(),
		Desc:        w.tool.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

// InvokableRun executes the tool.
func (w *einoToolWrapper) InvokableRun(ctx context.Context, argsJSON string, opts ...einotool.Option) (string, error) {
	toolCtx := &Context{
		WorkDir: "",
	}

	terminal := func(ctx context.Context, input json.RawMessage) (*Result, error) {
		return nil, fmt.Errorf("tool %s: no next handler in chain", w.tool.ID())
	}
	result, err := w.tool.Execute(ctx, json.RawMessage(argsJSON), toolCtx, terminal)
	if err != nil {
		return "", err
	}

	return result.Output, nil
}

// SchemaFromStruct generates a tool's Parameters document from a Go struct
// describing its arguments, for tools whose schema is naturally expressed
// as typed fields rather than hand-written JSON Schema (the MCP bridge and
// config-driven commands instead supply a schema document directly and go
// through parseJSONSchemaToParams below).
func SchemaFromStruct(args any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		RequiredFromJSONSchemaTags: false,
	}
	doc := reflector.Reflect(args)
	out, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return out
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}
