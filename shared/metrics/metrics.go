// Package metrics holds the client's Prometheus collectors. Every collector
// lives on a private registry so tests and embedders can build independent
// sets.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay directions.
const (
	DirectionToLocal  = "to_local"
	DirectionToServer = "to_server"
)

// Set is one registry and the collectors registered on it.
type Set struct {
	Registry *prometheus.Registry

	SessionsTotal      *prometheus.CounterVec
	SessionActive      prometheus.Gauge
	ControlFrames      *prometheus.CounterVec
	ProxyRegistrations *prometheus.CounterVec
	WorkConnsTotal     *prometheus.CounterVec
	WorkConnsActive    prometheus.Gauge
	RelayBytes         *prometheus.CounterVec
	Heartbeats         *prometheus.CounterVec
}

// New builds a Set with the Go runtime and process collectors attached.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpc_sessions_total",
			Help: "Control sessions by outcome.",
		}, []string{"result"}),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frpc_session_active",
			Help: "1 while a control session is logged in.",
		}),
		ControlFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpc_control_frames_total",
			Help: "Control frames received, by message type.",
		}, []string{"type"}),
		ProxyRegistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpc_proxy_registrations_total",
			Help: "NewProxy responses by result.",
		}, []string{"result"}),
		WorkConnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpc_work_conns_total",
			Help: "Work connections handled, by proxy and result.",
		}, []string{"proxy", "result"}),
		WorkConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frpc_work_conns_active",
			Help: "Work connections currently relaying.",
		}),
		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpc_relay_bytes_total",
			Help: "Bytes relayed between work streams and local services.",
		}, []string{"proxy", "direction"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpc_heartbeats_total",
			Help: "Heartbeat pings sent and pongs received.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.SessionsTotal,
		s.SessionActive,
		s.ControlFrames,
		s.ProxyRegistrations,
		s.WorkConnsTotal,
		s.WorkConnsActive,
		s.RelayBytes,
		s.Heartbeats,
	)
	return s
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}
