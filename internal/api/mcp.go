package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tutor/internal/ingest"
	"github.com/kalambet/tutor/internal/memory"
	"github.com/kalambet/tutor/internal/orchestrator"
)

const learnerResourcePrefix = "tutor://memory/"

// NewMCPServer creates an MCP server with the tutor tools and the learner
// memory resource registered.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"tutor",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tutor: a study assistant that answers course questions, diagnoses why a student is stuck on an exercise and remembers what each learner has worked on."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send a student message to a conversation thread and return the tutor's answer."),
			mcp.WithString("thread_id", mcp.Description("Conversation thread id"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The student's message"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Learner id used for long-term memory")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_gaps",
			mcp.WithDescription("Diagnose the knowledge gaps behind a student's question about an exercise."),
			mcp.WithString("question", mcp.Description("What the student asked or where they are stuck"), mcp.Required()),
			mcp.WithString("practice_id", mcp.Description("Practice (problem set) id, e.g. 2")),
			mcp.WithString("exercise_id", mcp.Description("Exercise id within the practice, e.g. 1.d")),
			mcp.WithString("subject", mcp.Description("Course subject")),
			mcp.WithString("thread_id", mcp.Description("Thread id for the analysis checkpoints")),
			mcp.WithNumber("max_iterations", mcp.Description("Refinement cap (default from config)")),
		),
		mcpAnalyzeGaps(deps),
	)

	s.AddTool(
		mcp.NewTool("search_memory",
			mcp.WithDescription("Search namespaced learner memory. A namespace ending in /* also covers its children."),
			mcp.WithString("namespace", mcp.Description("Namespace or pattern, e.g. user/alice/*"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Keywords to match in keys or values")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 10)")),
		),
		mcpSearchMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("add_knowledge",
			mcp.WithDescription("Add course material to the knowledge base. It is embedded in the background."),
			mcp.WithString("content", mcp.Description("Text of the material")),
			mcp.WithString("url", mcp.Description("Web page to fetch instead of content")),
			mcp.WithString("title", mcp.Description("Title of the material")),
			mcp.WithString("subject", mcp.Description("Course subject")),
		),
		mcpAddKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("list_checkpoints",
			mcp.WithDescription("List the checkpoints recorded for a thread, oldest first."),
			mcp.WithString("thread_id", mcp.Description("Thread id"), mcp.Required()),
		),
		mcpListCheckpoints(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			learnerResourcePrefix+"{user}",
			"Learner memory",
			mcp.WithTemplateDescription("Topics, recent intents and recurring gaps of a learner"),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		mcpResourceLearner(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil || strings.TrimSpace(message) == "" {
			return mcpError("message is required"), nil
		}

		s, err := deps.Conversations.Run(ctx, orchestrator.Input{
			ThreadID: threadID,
			UserID:   req.GetString("user_id", ""),
			Message:  message,
		}, nil)
		if err != nil {
			return mcpFailure("running turn", err), nil
		}
		if s.Response == nil {
			return mcpError("turn produced no response"), nil
		}
		return mcpText(s.Response.Text), nil
	}
}

func mcpAnalyzeGaps(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		resp, err := analyzeGaps(ctx, deps, GapAnalysisRequest{
			ThreadID:      req.GetString("thread_id", ""),
			Question:      question,
			Subject:       req.GetString("subject", ""),
			PracticeID:    req.GetString("practice_id", ""),
			ExerciseID:    req.GetString("exercise_id", ""),
			MaxIterations: req.GetInt("max_iterations", 0),
		})
		if err != nil {
			return mcpFailure("analyzing gaps", err), nil
		}
		return mcpJSON(resp)
	}
}

func mcpSearchMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pattern, err := req.RequireString("namespace")
		if err != nil {
			return mcpError("namespace is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		records, err := deps.Memory.Search(ctx, pattern, req.GetString("query", ""), limit)
		if err != nil {
			return mcpFailure("searching memory", err), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(records)
	}
}

func mcpAddKnowledge(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content := req.GetString("content", "")
		url := req.GetString("url", "")
		if content == "" && url == "" {
			return mcpError("content or url is required"), nil
		}

		res, err := deps.Ingester.Ingest(ctx, ingest.Request{
			Title:   req.GetString("title", ""),
			Content: content,
			URL:     url,
			Subject: req.GetString("subject", ""),
			Source:  "mcp",
		})
		if err != nil {
			return mcpFailure("adding knowledge", err), nil
		}
		return mcpText(fmt.Sprintf("Stored document %s, embedding queued as job %s", res.DocID, res.JobID)), nil
	}
}

func mcpListCheckpoints(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		list, err := deps.Checkpoints.List(ctx, threadID)
		if err != nil {
			return mcpFailure("listing checkpoints", err), nil
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(list)
	}
}

func mcpResourceLearner(deps Deps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		user := strings.TrimPrefix(req.Params.URI, learnerResourcePrefix)
		if user == "" || user == req.Params.URI {
			return nil, fmt.Errorf("invalid learner resource %q", req.Params.URI)
		}
		l, err := deps.Learners.Load(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("loading learner %s: %w", user, err)
		}
		text := memory.Summary(l)
		if text == "" {
			text = "No learner memory recorded yet."
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     text,
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpFailure(what string, err error) *mcp.CallToolResult {
	if code, _ := failure(err); code >= http.StatusInternalServerError {
		slog.Error(what, "error", err)
	}
	return mcpError(publicMessage(what, err))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
