// Package metrics exposes the engine's Prometheus instrumentation: fleet
// gauges, enrollment and certificate counters, and reservation accounting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "garrison_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	HeartbeatsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_heartbeats_processed_total",
			Help: "Total number of heartbeats accepted",
		},
	)

	NodesMarkedOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_nodes_marked_offline_total",
			Help: "Total number of nodes marked offline by the staleness sweep",
		},
	)

	// Enrollment metrics
	TokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_enrollment_tokens_issued_total",
			Help: "Total number of enrollment tokens issued",
		},
	)

	TokensConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_enrollment_tokens_consumed_total",
			Help: "Total number of enrollment tokens consumed by node enrollment",
		},
	)

	NodesEnrolled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_nodes_enrolled_total",
			Help: "Total number of nodes enrolled",
		},
	)

	// Certificate metrics
	CertificatesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_certificates_issued_total",
			Help: "Total number of agent certificates issued",
		},
	)

	CertificatesRenewed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_certificates_renewed_total",
			Help: "Total number of agent certificate renewals",
		},
	)

	CertificatesRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_certificates_revoked_total",
			Help: "Total number of agent certificates revoked",
		},
	)

	// Reservation metrics
	ReservationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "garrison_reservations_total",
			Help: "Total number of reservations by status",
		},
		[]string{"status"},
	)

	ReservationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_reservations_expired_total",
			Help: "Total number of reservations expired by the sweep",
		},
	)

	ReservationsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_reservations_rejected_total",
			Help: "Total number of reservations rejected for insufficient capacity",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(HeartbeatsProcessed)
	prometheus.MustRegister(NodesMarkedOffline)
	prometheus.MustRegister(TokensIssued)
	prometheus.MustRegister(TokensConsumed)
	prometheus.MustRegister(NodesEnrolled)
	prometheus.MustRegister(CertificatesIssued)
	prometheus.MustRegister(CertificatesRenewed)
	prometheus.MustRegister(CertificatesRevoked)
	prometheus.MustRegister(ReservationsTotal)
	prometheus.MustRegister(ReservationsExpired)
	prometheus.MustRegister(ReservationsRejected)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
