package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolGauge pairs a metric description with the pool statistic backing it.
type poolGauge struct {
	desc *prometheus.Desc
	read func(*pgxpool.Stat) float64
}

type poolCollector struct {
	pool   *pgxpool.Pool
	gauges []poolGauge
}

// RegisterPoolMetrics exposes live pgxpool connection statistics as gauges
// computed at scrape time.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("gradual_db_pool_"+name, help, nil, nil)
	}
	reg.MustRegister(&poolCollector{
		pool: pool,
		gauges: []poolGauge{
			{
				desc: desc("acquired", "Connections currently checked out of the pool."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) },
			},
			{
				desc: desc("idle", "Idle connections held by the pool."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) },
			},
			{
				desc: desc("total", "Total connections, idle and in use."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) },
			},
			{
				desc: desc("max", "Upper bound on pool connections."),
				read: func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) },
			},
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.read(stat))
	}
}
