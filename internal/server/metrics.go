package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports per-channel packet counts and the number of live connections
type Metrics struct {
	registry *prometheus.Registry

	received    *prometheus.CounterVec
	sent        *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	connections prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmux_packets_received_total",
			Help: "Packets received, by channel.",
		}, []string{"channel"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmux_packets_sent_total",
			Help: "Packets written out or dropped on disconnect, by channel.",
		}, []string{"channel"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanmux_packets_delivered_total",
			Help: "Packets acknowledged by the remote, by channel.",
		}, []string{"channel"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chanmux_connections_active",
			Help: "Connections currently multiplexed.",
		}),
	}
	m.registry.MustRegister(m.received, m.sent, m.delivered, m.connections)
	return m
}

func label(channelID uint32) string { return strconv.FormatUint(uint64(channelID), 10) }

func (m *Metrics) PacketReceived(channelID uint32, size int) {
	m.received.WithLabelValues(label(channelID)).Inc()
}

func (m *Metrics) PacketSent(channelID uint32, size int) {
	m.sent.WithLabelValues(label(channelID)).Inc()
}

func (m *Metrics) PacketDelivered(channelID uint32) {
	m.delivered.WithLabelValues(label(channelID)).Inc()
}

func (m *Metrics) connectionOpened() { m.connections.Inc() }
func (m *Metrics) connectionClosed() { m.connections.Dec() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
