package aisdk

import (
	"context"
)

// Backend is the language model collaborator. Prompting for component
// selection and hydration lives behind it.
type Backend interface {
	// Complete runs a single non-streaming completion
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	// StreamDecisions produces the decision for the next step of a turn
	StreamDecisions(ctx context.Context, req *DecisionRequest) (DecisionStream, error)
}

// BackendFuncs adapts plain functions to Backend
type BackendFuncs struct {
	CompleteFunc        func(ctx context.Context, req *CompletionRequest) (*Completion, error)
	StreamDecisionsFunc func(ctx context.Context, req *DecisionRequest) (DecisionStream, error)
}

func (b BackendFuncs) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	return b.CompleteFunc(ctx, req)
}

func (b BackendFuncs) StreamDecisions(ctx context.Context, req *DecisionRequest) (DecisionStream, error) {
	return b.StreamDecisionsFunc(ctx, req)
}
