package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newIdlePool builds a pool that has never connected. pgx connects lazily,
// so Stat() works without a database.
func newIdlePool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), "")
	if err != nil {
		t.Skipf("unable to create pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestRegisterPoolMetricsValues(t *testing.T) {
	pool := newIdlePool(t)

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	expected := fmt.Sprintf(`
# HELP rollout_db_pool_acquired Number of currently acquired database connections.
# TYPE rollout_db_pool_acquired gauge
rollout_db_pool_acquired 0
# HELP rollout_db_pool_idle Number of idle database connections in the pool.
# TYPE rollout_db_pool_idle gauge
rollout_db_pool_idle 0
# HELP rollout_db_pool_max Maximum number of database connections allowed in the pool.
# TYPE rollout_db_pool_max gauge
rollout_db_pool_max %d
# HELP rollout_db_pool_total Total number of database connections in the pool.
# TYPE rollout_db_pool_total gauge
rollout_db_pool_total 0
`, pool.Stat().MaxConns())

	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rollout_db_pool_acquired",
		"rollout_db_pool_idle",
		"rollout_db_pool_total",
		"rollout_db_pool_max",
	)
	if err != nil {
		t.Errorf("pool metrics mismatch:\n%v", err)
	}
}

func TestRegisterPoolMetricsFamilyCount(t *testing.T) {
	pool := newIdlePool(t)

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 4 {
		t.Errorf("metric families = %d, want 4", len(families))
	}
}
