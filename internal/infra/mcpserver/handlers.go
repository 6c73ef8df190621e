package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/telemetry"
)

func toolFor(entry *domain.RouteEntry) *mcp.Tool {
	tool := &mcp.Tool{
		Name:        entry.Name,
		Description: entry.Description,
		InputSchema: entry.InputSchema,
	}
	if entry.OutputSchema != nil {
		tool.OutputSchema = entry.OutputSchema
	}
	if entry.UIResourceURI != "" {
		tool.Meta = mcp.Meta{"ui": map[string]any{"resourceUri": entry.UIResourceURI}}
	}
	return tool
}

func promptFor(entry *domain.RouteEntry) *mcp.Prompt {
	prompt := &mcp.Prompt{Name: entry.Name, Description: entry.Description}
	for _, field := range entry.Fields {
		prompt.Arguments = append(prompt.Arguments, &mcp.PromptArgument{
			Name:        field.Name,
			Description: field.Description,
			Required:    field.Required && !field.HasDefault,
		})
	}
	return prompt
}

func resourceFor(entry *domain.RouteEntry) *mcp.Resource {
	return &mcp.Resource{
		URI:         entry.ResourceURI,
		Name:        entry.Name,
		Description: entry.Description,
		MIMEType:    entry.MIMEType,
	}
}

// callRequest reads the session and credential from the transport headers.
// Stdio calls carry neither and use the run's session and credential.
func (s *Server) callRequest(ctx context.Context, kind domain.CapabilityKind, name string, args json.RawMessage, extra *mcp.RequestExtra) (context.Context, domain.CallRequest) {
	req := domain.CallRequest{Kind: kind, Name: name, Arguments: args}
	var header http.Header
	if extra != nil {
		header = extra.Header
	}
	if header != nil {
		req.SessionID = header.Get(domain.SessionIDHeader)
		req.Credential = header.Get(domain.AuthorizationHeader)
	} else {
		req.SessionID = s.stdioSession
		req.Credential = s.opts.Credential
	}
	requestID := ""
	if header != nil {
		requestID = header.Get(telemetry.RequestIDHeader)
	}
	ctx, _ = telemetry.EnsureRequestMeta(ctx, requestID)
	return telemetry.WithSessionID(ctx, req.SessionID), req
}

func (s *Server) toolHandler(entry *domain.RouteEntry) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		ctx, call := s.callRequest(ctx, domain.CapabilityTool, entry.Name, args, req.Extra)
		return toolResult(entry, s.caller.Dispatch(ctx, call)), nil
	}
}

// toolResult renders a call result. Failures stay inside the result so the
// client can tell them apart: the error or challenge is carried in _meta.
func toolResult(entry *domain.RouteEntry, result domain.CallResult) *mcp.CallToolResult {
	switch {
	case result.Challenge != nil:
		return &mcp.CallToolResult{
			Meta:    mcp.Meta{"challenge": result.Challenge},
			Content: []mcp.Content{&mcp.TextContent{Text: result.Challenge.Error()}},
			IsError: true,
		}
	case result.Error != nil:
		return &mcp.CallToolResult{
			Meta:    mcp.Meta{"error": result.Error},
			Content: []mcp.Content{&mcp.TextContent{Text: result.Error.Message}},
			IsError: true,
		}
	}
	out := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: textOf(result.Value)}}}
	if entry.OutputSchema != nil {
		out.StructuredContent = result.Value
	}
	return out
}

func (s *Server) promptHandler(entry *domain.RouteEntry) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var raw map[string]string
		if req.Params != nil {
			raw = req.Params.Arguments
		}
		args, err := promptArguments(entry.Fields, raw)
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
		}
		ctx, call := s.callRequest(ctx, domain.CapabilityPrompt, entry.Name, args, req.Extra)
		result := s.caller.Dispatch(ctx, call)
		if err := rpcError(result); err != nil {
			return nil, err
		}
		if prompt, ok := result.Value.(*mcp.GetPromptResult); ok {
			return prompt, nil
		}
		return &mcp.GetPromptResult{
			Description: entry.Description,
			Messages: []*mcp.PromptMessage{{
				Role:    "user",
				Content: &mcp.TextContent{Text: textOf(result.Value)},
			}},
		}, nil
	}
}

// promptArguments converts string prompt arguments to the JSON types the
// input schema expects.
func promptArguments(fields []domain.FieldConstraint, raw map[string]string) (json.RawMessage, error) {
	typed := make(map[string]any, len(raw))
	kinds := make(map[string]domain.FieldType, len(fields))
	for _, field := range fields {
		kinds[field.Name] = field.Type
	}
	for name, value := range raw {
		switch kinds[name] {
		case domain.FieldInteger:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %s: want integer, got %q", name, value)
			}
			typed[name] = n
		case domain.FieldNumber:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %s: want number, got %q", name, value)
			}
			typed[name] = f
		case domain.FieldBoolean:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("argument %s: want boolean, got %q", name, value)
			}
			typed[name] = b
		default:
			typed[name] = value
		}
	}
	return json.Marshal(typed)
}

func (s *Server) resourceHandler(entry *domain.RouteEntry) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		ctx, call := s.callRequest(ctx, domain.CapabilityResource, entry.ResourceURI, json.RawMessage(`{}`), req.Extra)
		result := s.caller.Dispatch(ctx, call)
		if err := rpcError(result); err != nil {
			return nil, err
		}
		contents := &mcp.ResourceContents{URI: entry.ResourceURI, MIMEType: entry.MIMEType}
		switch value := result.Value.(type) {
		case *mcp.ReadResourceResult:
			return value, nil
		case []byte:
			contents.Blob = value
		default:
			contents.Text = textOf(value)
		}
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{contents}}, nil
	}
}

// rpcError maps a failed prompt or resource call to a JSON-RPC error; those
// methods have no result shape that can carry a failure.
func rpcError(result domain.CallResult) error {
	switch {
	case result.Challenge != nil:
		data, _ := json.Marshal(map[string]any{"challenge": result.Challenge})
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Message: result.Challenge.Error(), Data: data}
	case result.Error != nil:
		data, _ := json.Marshal(result.Error)
		code := int64(jsonrpc.CodeInternalError)
		switch result.Error.Kind {
		case domain.CallErrorInvalidArguments:
			code = jsonrpc.CodeInvalidParams
		case domain.CallErrorNotFound:
			code = mcp.CodeResourceNotFound
		}
		return &jsonrpc.Error{Code: code, Message: result.Error.Message, Data: data}
	}
	return nil
}

func textOf(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(raw)
}
