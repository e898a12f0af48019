package dispatch

import (
	"context"
	"fmt"
	"strings"

	"agentmesh/pkg/proto"
)

// Step is one node of an orchestration plan. A step runs only after every
// step it depends on has completed successfully.
type Step struct {
	ID        string
	AgentID   string
	DependsOn []string
	// Payload, when set, replaces the request payload for this step.
	Payload map[string]any
}

// Plan is a named DAG of steps expanded by Execute when a request names its
// type.
type Plan struct {
	Type  string
	Steps []Step
}

// Validate checks structural soundness: unique step ids, known dependencies,
// and an acyclic graph.
func (p *Plan) Validate() error {
	if p.Type == "" {
		return &TaskError{Kind: ErrKindValidation, Msg: "plan type is required"}
	}
	if len(p.Steps) == 0 {
		return &TaskError{Kind: ErrKindValidation, Msg: fmt.Sprintf("plan %s has no steps", p.Type)}
	}

	index := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return &TaskError{Kind: ErrKindValidation, Msg: fmt.Sprintf("plan %s: step %d has no id", p.Type, i)}
		}
		if step.AgentID == "" {
			return &TaskError{Kind: ErrKindValidation, Msg: fmt.Sprintf("plan %s: step %s has no agent", p.Type, step.ID)}
		}
		if _, dup := index[step.ID]; dup {
			return &TaskError{Kind: ErrKindValidation, Msg: fmt.Sprintf("plan %s: duplicate step id %s", p.Type, step.ID)}
		}
		index[step.ID] = step
	}
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return &TaskError{Kind: ErrKindValidation,
					Msg: fmt.Sprintf("plan %s: step %s depends on unknown step %s", p.Type, step.ID, dep)}
			}
		}
	}
	return p.checkAcyclic(index)
}

func (p *Plan) checkAcyclic(index map[string]*Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &TaskError{Kind: ErrKindValidation,
				Msg: fmt.Sprintf("plan %s: dependency cycle %s", p.Type, strings.Join(append(path, id), " -> "))}
		}
		color[id] = gray
		path = append(path, id)
		for _, dep := range index[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, step := range p.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}

// RegisterPlan makes a plan available to Execute under its type and emits
// engine:registered.
func (d *Dispatcher) RegisterPlan(plan *Plan) error {
	if plan == nil {
		return &TaskError{Kind: ErrKindValidation, Msg: "plan is required"}
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if _, exists := d.plans[plan.Type]; exists {
		d.mu.Unlock()
		return &TaskError{Kind: ErrKindValidation, Msg: fmt.Sprintf("plan type %s already registered", plan.Type)}
	}
	d.plans[plan.Type] = plan
	d.mu.Unlock()

	d.logger.Info("Registered plan %s with %d steps", plan.Type, len(plan.Steps))
	d.publishEvent(proto.MsgTypeEngineRegistered, plan.Type, map[string]any{
		"plan_type": plan.Type,
		"steps":     len(plan.Steps),
	})
	return nil
}

type stepState struct {
	done   chan struct{}
	failed bool // written before done closes, read after
}

// executePlan expands a named plan and runs its steps: independent steps run
// concurrently, a step waits for its dependencies, and dependents of a failed
// step are marked failed by propagation rather than silently skipped.
// Results are returned in step declaration order.
func (d *Dispatcher) executePlan(ctx context.Context, planType string, input proto.ExecutionInput) ([]Result, error) {
	d.mu.Lock()
	plan, ok := d.plans[planType]
	d.mu.Unlock()
	if !ok {
		return nil, &TaskError{Kind: ErrKindUnknownPlan, Msg: planType}
	}

	states := make(map[string]*stepState, len(plan.Steps))
	for _, step := range plan.Steps {
		states[step.ID] = &stepState{done: make(chan struct{})}
	}

	results := make([]Result, len(plan.Steps))
	for i := range plan.Steps {
		step := plan.Steps[i]
		state := states[step.ID]

		go func(slot int) {
			defer close(state.done)

			for _, dep := range step.DependsOn {
				depState := states[dep]
				select {
				case <-depState.done:
				case <-ctx.Done():
					state.failed = true
					results[slot] = Result{AgentID: step.AgentID, StepID: step.ID,
						Err: &TaskError{Kind: ErrKindCancelled, Err: context.Cause(ctx)}}
					return
				}
				if depState.failed {
					state.failed = true
					results[slot] = Result{AgentID: step.AgentID, StepID: step.ID,
						Err: fmt.Errorf("step %s: dependency %s failed", step.ID, dep)}
					return
				}
			}

			stepInput := input
			if step.Payload != nil {
				stepInput.Payload = step.Payload
			}
			res := d.executeAgent(ctx, step.AgentID, stepInput)
			res.StepID = step.ID
			if res.Err != nil {
				state.failed = true
			}
			results[slot] = res
		}(i)
	}

	for _, step := range plan.Steps {
		<-states[step.ID].done
	}
	return results, nil
}
