package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes pgx connection pool statistics as Prometheus gauges.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	gauges := map[string]struct {
		help string
		fn   func(*pgxpool.Stat) float64
	}{
		"pgxpool_acquired_conns": {
			"Number of currently acquired connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) },
		},
		"pgxpool_idle_conns": {
			"Number of idle connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) },
		},
		"pgxpool_total_conns": {
			"Total number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) },
		},
		"pgxpool_max_conns": {
			"Maximum number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) },
		},
	}

	for name, g := range gauges {
		fn := g.fn
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: g.help},
			func() float64 { return fn(pool.Stat()) },
		))
	}
}
