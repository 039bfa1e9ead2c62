package marketdata

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BarsIngested  *prometheus.CounterVec
	ClosedBars    *prometheus.CounterVec
	DroppedEvents *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec
	Heartbeats    *prometheus.CounterVec
	LastBarTs     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_bars_ingested_total",
			Help: "Bar events accepted from venue streams.",
		}, []string{"stream"}),
		ClosedBars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_closed_bars_total",
			Help: "Closed bars emitted downstream.",
		}, []string{"stream"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_dropped_events_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}, []string{"subscriber"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_reconnects_total",
			Help: "Stream reconnect attempts after a transport drop.",
		}, []string{"stream"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_heartbeats_total",
			Help: "Heartbeats emitted for quiet streams.",
		}, []string{"stream"}),
		LastBarTs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketdata_last_bar_timestamp_ms",
			Help: "Timestamp of the newest bar per stream.",
		}, []string{"stream"}),
	}
	reg.MustRegister(m.BarsIngested, m.ClosedBars, m.DroppedEvents, m.Reconnects, m.Heartbeats, m.LastBarTs)
	return m
}
