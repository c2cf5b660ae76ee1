package middleware

import (
	"context"

	"github.com/runestone-gateway/runestone/llm"
)

// EmptyToolsCleaner clears ToolChoice whenever Tools is empty, since most
// upstream chat APIs reject a tool_choice set without an accompanying
// tools array.
type EmptyToolsCleaner struct{}

// NewEmptyToolsCleaner builds an EmptyToolsCleaner.
func NewEmptyToolsCleaner() *EmptyToolsCleaner {
	return &EmptyToolsCleaner{}
}

func (r *EmptyToolsCleaner) Name() string { return "empty_tools_cleaner" }

func (r *EmptyToolsCleaner) Rewrite(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	if req == nil {
		return req, nil
	}
	if len(req.Tools) == 0 {
		req.ToolChoice = ""
	}
	return req, nil
}
