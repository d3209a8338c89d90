// Package metrics exposes sync cycle outcomes as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prefixsync/internal/reconcile"
	"prefixsync/internal/syncer"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all prefixsync metrics.
type Registry struct {
	gatherer prometheus.Gatherer

	CyclesTotal    *prometheus.CounterVec
	CycleDuration  *prometheus.HistogramVec
	Prefixes       *prometheus.GaugeVec
	Chunks         *prometheus.GaugeVec
	Additions      *prometheus.GaugeVec
	Removals       *prometheus.GaugeVec
	RemovalRatio   *prometheus.GaugeVec
	ApplyFailures  *prometheus.CounterVec
	LastCycle      *prometheus.GaugeVec
	LastSuccessful *prometheus.GaugeVec
	Instances      *prometheus.GaugeVec
}

// Get returns the global registry backed by the default Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

func NewRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	factory := promauto.With(reg)
	r := &Registry{gatherer: gatherer}

	r.CyclesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "prefixsync_cycles_total",
		Help: "Sync cycles by final status",
	}, []string{"base", "status"})

	r.CycleDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prefixsync_cycle_duration_seconds",
		Help:    "Wall time of a sync cycle",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"base"})

	r.Prefixes = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_prefixes",
		Help: "Unique prefixes in the feed (target) and on the controller (current)",
	}, []string{"base", "side"})

	r.Chunks = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_chunks",
		Help: "Lists the target partition occupies",
	}, []string{"base"})

	r.Additions = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_delta_additions",
		Help: "Net prefixes added by the last planned change",
	}, []string{"base"})

	r.Removals = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_delta_removals",
		Help: "Net prefixes removed by the last planned change",
	}, []string{"base"})

	r.RemovalRatio = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_removal_ratio",
		Help: "Removal ratio evaluated by the safety gate",
	}, []string{"base"})

	r.ApplyFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "prefixsync_apply_failures_total",
		Help: "Controller list calls that failed during apply",
	}, []string{"base", "action"})

	r.LastCycle = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_last_cycle_timestamp_seconds",
		Help: "Unix time the last cycle finished",
	}, []string{"base"})

	r.LastSuccessful = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_last_success_timestamp_seconds",
		Help: "Unix time of the last cycle that left the controller in sync",
	}, []string{"base"})

	r.Instances = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prefixsync_instances",
		Help: "Daemons with a live heartbeat for the base list",
	}, []string{"base"})

	return r
}

// Report implements syncer.Reporter.
func (r *Registry) Report(_ context.Context, res *syncer.Result) {
	if res == nil {
		return
	}
	base := res.BaseName

	r.CyclesTotal.WithLabelValues(base, string(res.Status)).Inc()
	if res.Status == syncer.StatusBusy {
		return
	}

	r.CycleDuration.WithLabelValues(base).Observe(res.Duration().Seconds())
	r.LastCycle.WithLabelValues(base).Set(float64(res.FinishedAt.Unix()))

	if res.Plan != nil {
		r.Prefixes.WithLabelValues(base, "target").Set(float64(res.Plan.TargetTotal))
		r.Prefixes.WithLabelValues(base, "current").Set(float64(res.Plan.CurrentTotal))
		r.Chunks.WithLabelValues(base).Set(float64(targetChunks(res.Plan)))
		r.Additions.WithLabelValues(base).Set(float64(res.Additions()))
		r.Removals.WithLabelValues(base).Set(float64(res.Removals()))
	}
	if res.Verdict != nil {
		r.RemovalRatio.WithLabelValues(base).Set(res.Verdict.RemovalRatio)
	}
	for _, f := range res.Failed {
		r.ApplyFailures.WithLabelValues(base, string(f.Action)).Inc()
	}

	switch res.Status {
	case syncer.StatusSuccess, syncer.StatusNoop:
		r.LastSuccessful.WithLabelValues(base).Set(float64(res.FinishedAt.Unix()))
	}
}

// SetInstances records the live daemon count for base.
func (r *Registry) SetInstances(base string, active int) {
	r.Instances.WithLabelValues(base).Set(float64(active))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func targetChunks(plan *reconcile.Plan) int {
	n := 0
	for _, c := range plan.Chunks {
		if c.Action != reconcile.ActionDelete {
			n++
		}
	}
	return n
}
