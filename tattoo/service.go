package tattoo

import (
	"context"

	"github.com/mrjvadi/tattoo-broker/broker"
)

// Caller is the part of *broker.Client the Service needs.
type Caller interface {
	Call(ctx context.Context, kind broker.TaskKind, params any) (broker.TaskResult, error)
}

// Service submits validated jobs and waits for their result.
type Service struct {
	caller Caller
}

func NewService(c Caller) *Service {
	return &Service{caller: c}
}

// Train validates p and runs model_train on some worker.
func (s *Service) Train(ctx context.Context, p TrainParams) (broker.TaskResult, error) {
	if err := p.Validate(); err != nil {
		return broker.TaskResult{}, err
	}
	return s.caller.Call(ctx, broker.TaskTrain, p)
}

// Infer validates p and runs model_inference on some worker.
func (s *Service) Infer(ctx context.Context, p InferParams) (broker.TaskResult, error) {
	if err := p.Validate(); err != nil {
		return broker.TaskResult{}, err
	}
	return s.caller.Call(ctx, broker.TaskInfer, p)
}
