package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promVector(samples ...string) string {
	return fmt.Sprintf(`{"status":"success","data":{"resultType":"vector","result":[%s]}}`,
		strings.Join(samples, ","))
}

func TestAgentMetricsAggregation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.FormValue("query")

		value := "12" // total executions
		switch {
		case strings.Contains(query, `status="error"`):
			value = "3"
		case strings.Contains(query, "retries_total"):
			value = "2"
		case strings.Contains(query, "duration_seconds_sum"):
			value = "0.25"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, promVector(fmt.Sprintf(`{"metric":{},"value":[1700000000,%q]}`, value)))
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	m, err := qs.AgentMetrics(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Equal(t, "agent-1", m.AgentID)
	assert.Equal(t, int64(12), m.Executions)
	assert.Equal(t, int64(3), m.Failures)
	assert.Equal(t, int64(2), m.Retries)
	assert.Equal(t, 250*time.Millisecond, m.AvgDuration)
	assert.InDelta(t, 0.75, m.SuccessRatio, 1e-9)
}

func TestBusyAgentsOrderedByVolume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, promVector(
			`{"metric":{"agent_id":"agent-2"},"value":[1700000000,"9"]}`,
			`{"metric":{"agent_id":"agent-1"},"value":[1700000000,"4"]}`,
		))
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	agents, err := qs.BusyAgents(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2", "agent-1"}, agents)
}

func TestAgentMetricsSurfacesQueryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "query engine unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	_, err = qs.AgentMetrics(context.Background(), "agent-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query executions")
}
