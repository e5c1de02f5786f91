package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crnwallet/guard/internal/reputation"
)

var (
	gateRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_gate_requests_total",
		Help: "Total number of requests evaluated by the gate, by outcome",
	}, []string{"outcome"})
	blocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_blocks_total",
		Help: "Total number of origins blocked, by kind and source",
	}, []string{"kind", "source"})
	trapHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_trap_hits_total",
		Help: "Total number of requests to decoy paths",
	})
	trapJobsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_trap_jobs_dropped_total",
		Help: "Total number of trap persistence jobs dropped because the queue was full",
	})
	floodsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_floods_total",
		Help: "Total number of global flood detections",
	})
	tokenVerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_token_verifications_total",
		Help: "Total number of bearer token verifications, by result",
	}, []string{"result"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(gateRequestsTotal, blocksTotal, trapHitsTotal, trapJobsDroppedTotal, floodsTotal, tokenVerificationsTotal)
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors plus the guard counters.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	Register(reg)
	return reg
}

// Handler exposes registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncGateRequest increments the gate counter for an outcome
// (allowed, blocked, rate_limited, shed, suspicious, invalid_origin).
func IncGateRequest(outcome string) { gateRequestsTotal.WithLabelValues(outcome).Inc() }

// IncBlock increments the block counter.
func IncBlock(kind, source string) { blocksTotal.WithLabelValues(kind, source).Inc() }

// IncTrapHit increments the decoy hit counter.
func IncTrapHit() { trapHitsTotal.Inc() }

// IncTrapJobDropped increments the dropped trap job counter.
func IncTrapJobDropped() { trapJobsDroppedTotal.Inc() }

// IncFlood increments the flood detection counter.
func IncFlood() { floodsTotal.Inc() }

// IncTokenVerification increments the token verification counter.
func IncTokenVerification(result string) { tokenVerificationsTotal.WithLabelValues(result).Inc() }

// BlockListener counts block events by kind and source.
func BlockListener() reputation.Listener {
	return func(ev reputation.Event) {
		if ev.Action == reputation.ActionBlock {
			IncBlock(string(ev.Kind), string(ev.Source))
		}
	}
}
