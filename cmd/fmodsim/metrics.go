package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/handle"
)

const metricsNamespace = "fmodsim"

// newMetricsRegistry exposes the simulation counters. Values are read from a
// fresh snapshot at scrape time.
func newMetricsRegistry(s *simulation) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	counter := func(subsystem, name, help string, fn func(snapshot) uint64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(s.snapshot())) }))
	}
	gauge := func(subsystem, name, help string, fn func(snapshot) float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(s.snapshot()) }))
	}

	counter("bridge", "enqueued_total", "Invocations queued on the bridge mailbox.", func(v snapshot) uint64 { return v.Bridge.Enqueued })
	counter("bridge", "executed_total", "Invocations run by the bridge thread.", func(v snapshot) uint64 { return v.Bridge.Executed })
	counter("bridge", "inline_total", "Invocations run in place on the bridge thread.", func(v snapshot) uint64 { return v.Bridge.Inline })
	counter("bridge", "batches_total", "Host lock acquisitions by the bridge thread.", func(v snapshot) uint64 { return v.Bridge.Batches })
	counter("bridge", "panics_total", "Recovered panics in host callbacks.", func(v snapshot) uint64 { return v.Bridge.Panics })
	gauge("bridge", "pending", "Invocations waiting in the mailbox.", func(v snapshot) float64 { return float64(v.Bridge.Pending) })
	gauge("bridge", "max_batch", "Largest batch drained under one lock acquisition.", func(v snapshot) float64 { return float64(v.Bridge.MaxBatch) })

	gauge("registry", "live", "Registered wrappers.", func(v snapshot) float64 { return float64(v.Registry.Live) })
	counter("registry", "inserted_total", "Wrappers created.", func(v snapshot) uint64 { return v.Registry.Inserted })
	counter("registry", "removed_total", "Wrappers removed by explicit release.", func(v snapshot) uint64 { return v.Registry.Removed })
	counter("registry", "swept_total", "Wrappers evicted by liveness sweeps.", func(v snapshot) uint64 { return v.Registry.Swept })
	counter("registry", "destroyed_total", "Wrappers evicted by destroyed notifications.", func(v snapshot) uint64 { return v.Registry.Destroyed })

	kinds := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "live_by_kind",
		Help:      "Registered wrappers per handle kind.",
	}, []string{"kind"})
	reg.MustRegister(&kindCollector{s: s, vec: kinds})

	gauge("engine", "channels", "Channels known to the engine.", func(v snapshot) float64 { return float64(v.Engine.Channels) })
	gauge("engine", "virtual", "Channels currently virtual.", func(v snapshot) float64 { return float64(v.Engine.Virtual) })
	counter("engine", "mixes_total", "Mixer passes.", func(v snapshot) uint64 { return v.Engine.Mixes })
	counter("engine", "sync_points_total", "Sync points reached.", func(v snapshot) uint64 { return v.Engine.SyncFired })

	counter("", "updates_total", "System updates.", func(v snapshot) uint64 { return v.Updates })
	counter("", "channels_spawned_total", "Channels started.", func(v snapshot) uint64 { return v.Spawned })
	counter("guest", "calls_total", "Calls into the guest module.", func(v snapshot) uint64 { return v.GuestCalls })
	counter("guest", "traps_total", "Guest calls that trapped.", func(v snapshot) uint64 { return v.GuestTraps })
	return reg
}

// kindCollector refreshes the per-kind gauge on every scrape.
type kindCollector struct {
	s   *simulation
	vec *prometheus.GaugeVec
}

func (c *kindCollector) Describe(ch chan<- *prometheus.Desc) { c.vec.Describe(ch) }

func (c *kindCollector) Collect(ch chan<- prometheus.Metric) {
	c.vec.Reset()
	for k := handle.KindSystem; k <= handle.KindCommandReplay; k++ {
		c.vec.WithLabelValues(k.String()).Set(0)
	}
	for k, n := range c.s.sys.Registry().Snapshot() {
		c.vec.WithLabelValues(k.String()).Set(float64(n))
	}
	c.vec.Collect(ch)
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
