// Package middleware holds request rewriters that run on a chat request
// before it reaches a provider driver's wire encoding.
package middleware

import (
	"context"
	"fmt"

	"github.com/runestone-gateway/runestone/llm"
)

// RequestRewriter normalizes or transforms a chat request before it is
// handed to a driver. Rewriters run in a fixed order and may reject a
// request outright by returning an error.
type RequestRewriter interface {
	Rewrite(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error)
	Name() string
}

// RewriterChain runs a sequence of RequestRewriters in order, short-circuiting
// on the first error. A nil chain is a no-op, so drivers can embed one
// unconditionally without a nil check at every call site.
type RewriterChain struct {
	rewriters []RequestRewriter
}

// NewRewriterChain builds a chain that runs the given rewriters in order.
func NewRewriterChain(rewriters ...RequestRewriter) *RewriterChain {
	return &RewriterChain{rewriters: rewriters}
}

// Execute runs every rewriter in the chain against req, threading the
// result of each through to the next.
func (c *RewriterChain) Execute(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	if c == nil || len(c.rewriters) == 0 {
		return req, nil
	}

	var err error
	for _, rewriter := range c.rewriters {
		req, err = rewriter.Rewrite(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("rewriter %q: %w", rewriter.Name(), err)
		}
	}
	return req, nil
}

// AddRewriter appends a rewriter to the end of the chain.
func (c *RewriterChain) AddRewriter(rewriter RequestRewriter) {
	c.rewriters = append(c.rewriters, rewriter)
}

// Rewriters returns the chain's rewriters in execution order.
func (c *RewriterChain) Rewriters() []RequestRewriter {
	return c.rewriters
}
