package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentMetrics aggregates recorded execution series for one agent.
type AgentMetrics struct {
	AgentID      string        `json:"agent_id"`
	Executions   int64         `json:"executions"`
	Failures     int64         `json:"failures"`
	Retries      int64         `json:"retries"`
	AvgDuration  time.Duration `json:"avg_duration"`
	SuccessRatio float64       `json:"success_ratio"`
}

// QueryService queries aggregated dispatch metrics back out of a Prometheus
// server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// AgentMetrics retrieves aggregated execution counts, retry counts and mean
// attempt duration for a single agent.
func (q *QueryService) AgentMetrics(ctx context.Context, agentID string) (*AgentMetrics, error) {
	m := &AgentMetrics{AgentID: agentID}

	total, err := q.scalar(ctx, fmt.Sprintf(`sum(agentmesh_executions_total{agent_id=%q})`, agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	m.Executions = int64(total)

	failures, err := q.scalar(ctx, fmt.Sprintf(`sum(agentmesh_executions_total{agent_id=%q, status="error"})`, agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	m.Failures = int64(failures)

	retries, err := q.scalar(ctx, fmt.Sprintf(`sum(agentmesh_retries_total{agent_id=%q})`, agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query retries: %w", err)
	}
	m.Retries = int64(retries)

	avgSeconds, err := q.scalar(ctx, fmt.Sprintf(
		`sum(agentmesh_execution_duration_seconds_sum{agent_id=%q}) / sum(agentmesh_execution_duration_seconds_count{agent_id=%q})`,
		agentID, agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query durations: %w", err)
	}
	m.AvgDuration = time.Duration(avgSeconds * float64(time.Second))

	if m.Executions > 0 {
		m.SuccessRatio = float64(m.Executions-m.Failures) / float64(m.Executions)
	}
	return m, nil
}

// BusyAgents returns agent ids ordered by execution volume over the given
// window, busiest first.
func (q *QueryService) BusyAgents(ctx context.Context, window time.Duration) ([]string, error) {
	query := fmt.Sprintf(`sort_desc(sum by (agent_id) (increase(agentmesh_executions_total[%s])))`, model.Duration(window))
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query busy agents: %w", err)
	}

	var agents []string
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if id, ok := sample.Metric["agent_id"]; ok {
				agents = append(agents, string(id))
			}
		}
	}
	return agents, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
