package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/executor"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/resilience"
)

// callFunc sends a payload to the inference client and extracts the JSON
// object from the reply text. Token usage is kept even when extraction fails.
// Every request reaches the client; the circuit breaker only guards preflight.
func (p *Pipeline) callFunc() executor.CallFunc {
	return func(ctx context.Context, payload string) (model.Reply, error) {
		resp, err := p.client.Send(ctx, payload)
		if err != nil {
			return model.Reply{}, err
		}
		usage := model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
		value, err := p.extractor.Object(resp.Content)
		if err != nil {
			return model.Reply{Usage: usage}, err
		}
		return model.Reply{Value: value, Usage: usage}, nil
	}
}

// preflight checks the inference service before any request of stage is
// submitted. Transient failures are retried with backoff; a service that
// stays unreachable aborts the stage.
func (p *Pipeline) preflight(ctx context.Context, stage model.Stage) error {
	if p.opts.SkipPreflight {
		return nil
	}
	cb := p.breakers.Get(inferenceService)
	err := resilience.Do(ctx, p.opts.Probe, func(ctx context.Context) error {
		return cb.Execute(ctx, p.client.Ping)
	})
	if err != nil {
		zap.L().Error("pipeline: inference service unreachable",
			zap.String("stage", string(stage)),
			zap.String("model", p.client.Model()),
			zap.Error(err),
		)
		return &FatalError{Stage: stage, Err: err}
	}
	return nil
}
