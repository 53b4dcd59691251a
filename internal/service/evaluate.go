package service

import (
	"context"

	"github.com/matt-riley/flightz/internal/evaluation"
	"github.com/matt-riley/flightz/internal/tracking"
)

// EvaluationResult is the verdict of evaluating one flight against a request
// context.
type EvaluationResult struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Stage   string `json:"stage,omitempty"`
}

// EvaluateFeatureFlight resolves whether a flight is on for the given request
// context. A disabled flight is always off. An enabled flight is on when any
// active stage's filter rules all match; stages are consulted in rank order
// and the first matching stage is reported.
func (s *Service) EvaluateFeatureFlight(ctx context.Context, tenantName, environment, feature string, evalCtx evaluation.Context) (EvaluationResult, error) {
	ids := tracking.FromContext(ctx)

	snapshot, err := s.GetFeatureFlight(ctx, tenantName, environment, feature)
	if err != nil {
		return EvaluationResult{}, err
	}

	result := EvaluationResult{ID: snapshot.ID}
	if !snapshot.Status.Enabled || snapshot.Condition == nil {
		return result, nil
	}

	for _, stage := range snapshot.Condition.Stages {
		if !stage.IsActive {
			continue
		}
		matched, err := s.evaluator.EvaluateStage(stage, evalCtx, ids)
		if err != nil {
			return EvaluationResult{}, err
		}
		if matched {
			result.Enabled = true
			result.Stage = stage.Name
			return result, nil
		}
	}
	return result, nil
}
