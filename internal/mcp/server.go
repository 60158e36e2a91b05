// Package mcp registers the authoring and pipeline tools on an MCP server,
// giving the external generation pipeline (and any authoring agent) the same
// operations the gateway uses: store access, chain tracing, story merging
// and choice allocation.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/talegate/internal/llm"
	"github.com/hazyhaar/talegate/internal/narrative"
	"github.com/hazyhaar/talegate/internal/store"
	"github.com/hazyhaar/talegate/pkg/audit"
)

// Deps carries everything the tools close over. Client may be nil, which
// disables propose_choices.
type Deps struct {
	Store  *store.Store
	Client *llm.Client
	Audit  audit.Logger
}

// NewServer creates an MCPServer with all talegate tools registered.
func NewServer(d Deps) *server.MCPServer {
	srv := server.NewMCPServer(
		"talegate",
		"0.1.0",
		server.WithToolCapabilities(true),
	)

	registerGetEntry(srv, d)
	registerPutEntry(srv, d)
	registerTraceChain(srv, d)
	registerMergeStory(srv, d)
	registerAllocateChoice(srv, d)
	registerProposeChoices(srv, d)
	registerSetStatus(srv, d)
	registerSetTitle(srv, d)

	return srv
}

func objSchema(props map[string]any, required ...string) json.RawMessage {
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
	return schema
}

func strProp(desc string) map[string]string {
	return map[string]string{"type": "string", "description": desc}
}

// handle wraps a tool body with audit logging; errors become tool errors,
// not protocol errors.
func handle(d Deps, action string, body func(ctx context.Context, args map[string]any) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		args := req.GetArguments()

		result, err := body(ctx, args)

		if d.Audit != nil {
			entry := &audit.Entry{
				Action:     action,
				Transport:  "mcp",
				DurationMs: time.Since(start).Milliseconds(),
			}
			if ns, ok := args["namespace"].(string); ok {
				entry.Namespace = ns
			}
			if params, e := json.Marshal(args); e == nil {
				entry.Parameters = string(params)
			}
			if err != nil {
				entry.Error = err.Error()
			} else if out, e := json.Marshal(result); e == nil {
				entry.Result = string(out)
			}
			d.Audit.LogAsync(entry)
		}

		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, e := json.Marshal(result)
		if e != nil {
			return mcp.NewToolResultError(e.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// --- get_entry ---

func registerGetEntry(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("get_entry", "Read a store entry by namespace and key",
		objSchema(map[string]any{
			"namespace": strProp("Namespace (title) to read from"),
			"key":       strProp("Entry key, e.g. story/0.json"),
		}, "namespace", "key"))

	srv.AddTool(tool, handle(d, "get_entry", func(ctx context.Context, args map[string]any) (any, error) {
		v, err := d.Store.Get(ctx, stringArg(args, "namespace"), stringArg(args, "key"))
		if err != nil {
			return nil, err
		}
		out := map[string]any{"kind": v.Kind.String()}
		if v.Kind == store.KindJSON {
			out["value"] = json.RawMessage(v.Data)
		} else {
			out["value"] = v.Text()
		}
		return out, nil
	}))
}

// --- put_entry ---

func registerPutEntry(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("put_entry", "Write a store entry, creating the namespace when needed",
		objSchema(map[string]any{
			"namespace": strProp("Namespace (title) to write into"),
			"key":       strProp("Entry key"),
			"text":      strProp("Text payload; mutually exclusive with json"),
			"json":      map[string]any{"description": "Structured payload; mutually exclusive with text"},
		}, "namespace", "key"))

	srv.AddTool(tool, handle(d, "put_entry", func(ctx context.Context, args map[string]any) (any, error) {
		ns, key := stringArg(args, "namespace"), stringArg(args, "key")
		var v store.Value
		if j, ok := args["json"]; ok {
			raw, err := json.Marshal(j)
			if err != nil {
				return nil, err
			}
			v = store.NewJSON(raw)
		} else if t, ok := args["text"].(string); ok {
			v = store.NewText(t)
		} else {
			return nil, fmt.Errorf("either text or json is required")
		}
		if err := d.Store.Put(ctx, ns, key, v, true); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}))
}

// --- trace_chain ---

func registerTraceChain(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("trace_chain", "Trace a scene key's chain back to the root scene",
		objSchema(map[string]any{
			"namespace": strProp("Namespace (title)"),
			"leaf":      strProp("Scene key to trace from"),
		}, "namespace", "leaf"))

	srv.AddTool(tool, handle(d, "trace_chain", func(ctx context.Context, args map[string]any) (any, error) {
		graph := narrative.NewGraph(d.Store, stringArg(args, "namespace"))
		chain, err := graph.TraceIDChain(ctx, stringArg(args, "leaf"))
		if err != nil {
			return nil, err
		}
		if chain == nil {
			chain = []string{}
		}
		return map[string]any{"chain": chain}, nil
	}))
}

// --- merge_story ---

func registerMergeStory(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("merge_story", "Merge every scene along the target's chain into one document and transcript",
		objSchema(map[string]any{
			"namespace": strProp("Namespace (title)"),
			"target":    strProp("Target scene key"),
		}, "namespace", "target"))

	srv.AddTool(tool, handle(d, "merge_story", func(ctx context.Context, args map[string]any) (any, error) {
		graph := narrative.NewGraph(d.Store, stringArg(args, "namespace"))
		outcome, err := graph.MergeStory(ctx, stringArg(args, "target"))
		if err != nil {
			return nil, err
		}
		return map[string]string{"outcome": outcome.String()}, nil
	}))
}

// --- allocate_choice ---

func registerAllocateChoice(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("allocate_choice", "Resolve an option text under a parent scene to its choice id, allocating a new edge on miss",
		objSchema(map[string]any{
			"namespace": strProp("Namespace (title)"),
			"parent":    strProp("Parent scene key"),
			"text":      strProp("Option text"),
		}, "namespace", "parent", "text"))

	srv.AddTool(tool, handle(d, "allocate_choice", func(ctx context.Context, args map[string]any) (any, error) {
		graph := narrative.NewGraph(d.Store, stringArg(args, "namespace"))
		id, err := graph.ResolveOrAllocateChoiceID(ctx, stringArg(args, "parent"), stringArg(args, "text"))
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	}))
}

// --- propose_choices ---

func registerProposeChoices(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("propose_choices", "Ask the text-generation service for three options for a scene and persist them as its edges",
		objSchema(map[string]any{
			"namespace": strProp("Namespace (title)"),
			"target":    strProp("Scene key to propose options for"),
		}, "namespace", "target"))

	srv.AddTool(tool, handle(d, "propose_choices", func(ctx context.Context, args map[string]any) (any, error) {
		if d.Client == nil {
			return nil, fmt.Errorf("no LLM provider configured")
		}
		p := &narrative.Proposer{
			Graph:  narrative.NewGraph(d.Store, stringArg(args, "namespace")),
			Client: d.Client,
		}
		edges, err := p.Propose(ctx, stringArg(args, "target"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"choices": edges}, nil
	}))
}

// --- set_status ---

func registerSetStatus(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("set_status", "Write the generation status marker (start, text_fail, text_success:..., end:{id})",
		objSchema(map[string]any{
			"namespace": strProp("Namespace (title)"),
			"status":    strProp("Literal-prefix status value"),
		}, "namespace", "status"))

	srv.AddTool(tool, handle(d, "set_status", func(ctx context.Context, args map[string]any) (any, error) {
		raw := stringArg(args, "status")
		// Validate through the tagged form; the wire stays literal-prefix.
		if _, err := narrative.ParseStatus(raw); err != nil {
			return nil, err
		}
		if err := d.Store.Put(ctx, stringArg(args, "namespace"), narrative.StatusKey, store.NewText(raw), true); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}))
}

// --- set_title ---

func registerSetTitle(srv *server.MCPServer, d Deps) {
	tool := mcp.NewToolWithRawSchema("set_title", "Set the active title marker the gateway serves from",
		objSchema(map[string]any{
			"title": strProp("Title (namespace) to activate"),
		}, "title"))

	srv.AddTool(tool, handle(d, "set_title", func(ctx context.Context, args map[string]any) (any, error) {
		title := stringArg(args, "title")
		if title == "" {
			return nil, fmt.Errorf("title is required")
		}
		if err := d.Store.Put(ctx, narrative.SystemNamespace, narrative.TitleKey, store.NewText(title), true); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}))
}
