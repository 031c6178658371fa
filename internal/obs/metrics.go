package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels          = promauto.NewGauge(prometheus.GaugeOpts{Name: "knrog_active_tunnels", Help: "Currently registered tunnels"})
	PendingRequests        = promauto.NewGauge(prometheus.GaugeOpts{Name: "knrog_pending_requests", Help: "In-flight public requests awaiting a reply"})
	RequestsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "knrog_requests_total", Help: "Public requests forwarded into a tunnel"})
	RequestTimeoutTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "knrog_request_timeout_total", Help: "Requests that hit the gateway deadline"})
	BlockedRequestsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "knrog_blocked_requests_total", Help: "Requests rejected by the security pre-filter"}, []string{"reason"})
	AdmissionRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "knrog_admission_rejected_total", Help: "Tunnel connections rejected at admission"}, []string{"reason"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "knrog_errors_total", Help: "Errors by type"}, []string{"type"})
	RequestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "knrog_request_duration_seconds", Help: "Public request round-trip seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
