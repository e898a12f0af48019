package dispatch

import (
	"context"
	"fmt"
	"sync"

	"agentmesh/pkg/proto"
)

// Execute runs an execution request. Exactly one shape must be set: a plan
// type, a list of agents with a mode, or a single agent. Each invocation
// emits execution:start and exactly one of execution:complete or
// execution:error, including on cache hits.
func (d *Dispatcher) Execute(ctx context.Context, req Request) ([]Result, error) {
	switch {
	case req.PlanType != "":
		return d.executePlan(ctx, req.PlanType, req.Input)
	case len(req.AgentIDs) > 0:
		switch req.Mode {
		case ModeParallel:
			return d.executeParallel(ctx, req.AgentIDs, req.Input), nil
		case ModeSequential:
			return d.executeSequential(ctx, req.AgentIDs, req.Input), nil
		default:
			return nil, &TaskError{Kind: ErrKindValidation,
				Msg: fmt.Sprintf("unknown execution mode %q", req.Mode)}
		}
	case req.AgentID != "":
		res := d.executeAgent(ctx, req.AgentID, req.Input)
		return []Result{res}, res.Err
	default:
		return nil, &TaskError{Kind: ErrKindValidation, Msg: "empty execution request"}
	}
}

// executeAgent runs one agent with the default retry policy, consulting the
// cache when enabled.
func (d *Dispatcher) executeAgent(ctx context.Context, agentID string, input proto.ExecutionInput) Result {
	d.publishEvent(proto.MsgTypeExecutionStart, input.ID, map[string]any{
		"agent_id":   agentID,
		"request_id": input.ID,
	})

	run := func(ctx context.Context) (proto.ExecutionOutput, error) {
		return d.runWithRetry(ctx, agentID, input, retrySpec{
			maxRetries: d.cfg.RetryPolicy.MaxRetries,
			policy:     d.cfg.RetryPolicy.Policy(),
			timeout:    d.cfg.TaskTimeout.Std(),
		})
	}

	var out proto.ExecutionOutput
	var hit bool
	var err error
	if d.cache != nil {
		out, hit, err = d.cache.GetOrExecute(ctx, cacheKeyInput(agentID, input), run)
	} else {
		out, err = run(ctx)
	}

	if err != nil {
		d.publishEvent(proto.MsgTypeExecutionError, input.ID, map[string]any{
			"agent_id":   agentID,
			"request_id": input.ID,
			"error":      err.Error(),
		})
		return Result{AgentID: agentID, Err: err}
	}

	d.publishEvent(proto.MsgTypeExecutionComplete, input.ID, map[string]any{
		"agent_id":   agentID,
		"request_id": input.ID,
		"cached":     hit,
	})
	return Result{AgentID: agentID, Output: out}
}

// executeParallel runs all agents concurrently under the global ceiling.
// Result slots correspond to input order; a failing slot does not cancel its
// siblings.
func (d *Dispatcher) executeParallel(ctx context.Context, agentIDs []string, input proto.ExecutionInput) []Result {
	results := make([]Result, len(agentIDs))

	var wg sync.WaitGroup
	for i, id := range agentIDs {
		wg.Add(1)
		go func(slot int, agentID string) {
			defer wg.Done()
			results[slot] = d.executeAgent(ctx, agentID, input)
		}(i, id)
	}
	wg.Wait()
	return results
}

// executeSequential runs agents one at a time in list order, aborting the
// remainder on the first failure.
func (d *Dispatcher) executeSequential(ctx context.Context, agentIDs []string, input proto.ExecutionInput) []Result {
	results := make([]Result, 0, len(agentIDs))
	for _, id := range agentIDs {
		res := d.executeAgent(ctx, id, input)
		results = append(results, res)
		if res.Err != nil {
			break
		}
	}
	return results
}

// cacheKeyInput folds the target agent into the fingerprinted input so two
// requests with equal payloads against different agents never share a key.
func cacheKeyInput(agentID string, input proto.ExecutionInput) proto.ExecutionInput {
	keyed := input
	keyed.Context = make(map[string]any, len(input.Context)+1)
	for k, v := range input.Context {
		keyed.Context[k] = v
	}
	keyed.Context["target"] = agentID
	return keyed
}
