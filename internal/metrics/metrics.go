// Package metrics exposes the broker's Prometheus counters and gauges over
// a plain HTTP surface, served with a gin router the way nabbar-golib's
// prometheus package exposes its registry through gin.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the slave-lifecycle counters/gauges named in the broker's
// external interface contract.
type Metrics struct {
	registry *prometheus.Registry

	SlaveActiveConnections prometheus.Gauge
	SlaveTotalConnections  prometheus.Counter
	SlaveDisconnections    prometheus.Counter
}

// New builds and registers the metrics against a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SlaveActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slave_active_connections",
			Help: "Current number of active slave connections",
		}),
		SlaveTotalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slave_total_connections",
			Help: "Total number of slave connections made",
		}),
		SlaveDisconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slave_disconnections",
			Help: "Total number of slave disconnections",
		}),
	}
	m.registry.MustRegister(m.SlaveActiveConnections, m.SlaveTotalConnections, m.SlaveDisconnections)
	return m
}

// Router builds the gin engine serving the Prometheus text exposition
// format. Every path and method serves the same exposition, matching the
// original metrics server, which ignored the request entirely; "/" and
// "/metrics" are registered explicitly for clarity, and NoRoute covers
// everything else.
func (m *Metrics) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	handler := gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.GET("/", handler)
	r.GET("/metrics", handler)
	// gin's NoRoute path pre-sets the response status to 404 before running
	// these handlers; reset it to 200 before delegating, since the
	// exposition handler itself never calls WriteHeader.
	r.NoRoute(func(c *gin.Context) {
		c.Status(http.StatusOK)
		handler(c)
	})
	return r
}

// Serve runs the metrics HTTP server on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: m.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
