package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolStat names one pgxpool statistic and how to read it.
type poolStat struct {
	desc *prometheus.Desc
	read func(*pgxpool.Stat) float64
}

// poolCollector reads pgxpool statistics at scrape time, so the gauges are
// always current without a sampling goroutine.
type poolCollector struct {
	pool  *pgxpool.Pool
	stats []poolStat
}

// RegisterPoolMetrics exposes the database pool's connection counts as
// Prometheus gauges.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}

	reg.MustRegister(&poolCollector{
		pool: pool,
		stats: []poolStat{
			{
				desc: gauge("rollout_db_pool_acquired", "Number of currently acquired database connections."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) },
			},
			{
				desc: gauge("rollout_db_pool_idle", "Number of idle database connections in the pool."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) },
			},
			{
				desc: gauge("rollout_db_pool_total", "Total number of database connections in the pool."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) },
			},
			{
				desc: gauge("rollout_db_pool_max", "Maximum number of database connections allowed in the pool."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) },
			},
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, stat := range c.stats {
		ch <- stat.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.pool.Stat()
	for _, stat := range c.stats {
		ch <- prometheus.MustNewConstMetric(stat.desc, prometheus.GaugeValue, stat.read(snapshot))
	}
}
