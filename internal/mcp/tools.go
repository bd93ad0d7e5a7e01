package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/veritas-lab/veritas/internal/model"
	"github.com/veritas-lab/veritas/internal/retrieval"
)

func (s *Server) registerTools() {
	// verify_claim — run the full verification pipeline on a claim.
	s.mcpServer.AddTool(
		mcplib.NewTool("verify_claim",
			mcplib.WithDescription(`Verify a factual claim against the encyclopedic corpus and the open web.

Runs the full nine-stage verification pipeline and returns a structured
verdict: a label (TRUE, FALSE, MIXED, UNVERIFIED, REFUSED), a confidence,
a summary, cited evidence, counter-evidence, and risk flags.

WHEN TO USE: before repeating a factual statement you are not certain
about, or when a user asks whether something is true.

The claim should be a single verifiable statement. Questions, opinions,
and predictions come back REFUSED.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("claim",
				mcplib.Description("The claim to verify, as free text or a URL"),
				mcplib.Required(),
			),
			mcplib.WithString("input_type",
				mcplib.Description("How to interpret the claim: text (default) or url"),
			),
			mcplib.WithString("language",
				mcplib.Description("Claim language code (default ko)"),
			),
		),
		s.handleVerifyClaim,
	)

	// wiki_search — hybrid retrieval over the encyclopedic corpus.
	s.mcpServer.AddTool(
		mcplib.NewTool("wiki_search",
			mcplib.WithDescription(`Search the encyclopedic corpus with hybrid lexical+vector retrieval.

Returns ranked chunks with neighbor-window expansion and a ready-to-use
prompt context block. Descriptive questions are routed to vector search;
short keyword queries to lexical matching.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("question",
				mcplib.Description("The question or keywords to search for"),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum chunks to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithString("mode",
				mcplib.Description("Retrieval mode: auto (default), lexical, fts, or vector"),
			),
		),
		s.handleWikiSearch,
	)
}

func (s *Server) handleVerifyClaim(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claim := request.GetString("claim", "")
	if claim == "" {
		return errorResult("claim is required"), nil
	}

	inputType := model.InputType(request.GetString("input_type", string(model.InputTypeText)))
	req := model.TruthCheckRequest{
		InputType:    inputType,
		InputPayload: claim,
		Language:     request.GetString("language", ""),
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	result, err := s.pipe.Run(ctx, req, nil)
	if err != nil {
		s.logger.Warn("mcp verify_claim failed", "error", err)
		return errorResult(fmt.Sprintf("verification failed: %v", err)), nil
	}

	verdict := result.State.FinalVerdict
	if verdict == nil {
		return errorResult("pipeline produced no verdict"), nil
	}

	resultData, _ := json.MarshalIndent(verdict, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleWikiSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	resp := s.retrieval.Search(ctx, question, retrieval.Options{
		TopK: request.GetInt("top_k", 5),
		Mode: request.GetString("mode", ""),
	})

	resultData, _ := json.MarshalIndent(resp, "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(message string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: message},
		},
	}
}
