package session

import (
	"context"

	"go.uber.org/zap"
)

// sagaStep pairs an action with the compensation that undoes it.
// compensate may be nil when the action leaves nothing to undo.
type sagaStep[S any] struct {
	name       string
	action     func(ctx context.Context, state *S) error
	compensate func(ctx context.Context, state *S) error
}

// saga runs steps in order. When a step fails, the compensations of the steps that
// already completed run in reverse order and the step's error is returned.
type saga[S any] struct {
	name   string
	steps  []sagaStep[S]
	logger *zap.Logger
}

func (s saga[S]) run(ctx context.Context, state *S) error {
	completed := make([]sagaStep[S], 0, len(s.steps))
	for _, step := range s.steps {
		if err := step.action(ctx, state); err != nil {
			s.logger.Warn("saga step failed",
				zap.String("saga", s.name),
				zap.String("step", step.name),
				zap.Error(err))
			s.compensate(context.WithoutCancel(ctx), state, completed)
			return err
		}
		completed = append(completed, step)
	}
	return nil
}

func (s saga[S]) compensate(ctx context.Context, state *S, completed []sagaStep[S]) {
	for index := len(completed) - 1; index >= 0; index-- {
		step := completed[index]
		if step.compensate == nil {
			continue
		}
		if err := step.compensate(ctx, state); err != nil {
			s.logger.Error("saga compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.name),
				zap.Error(err))
			continue
		}
		s.logger.Info("saga step compensated",
			zap.String("saga", s.name),
			zap.String("step", step.name))
	}
}
