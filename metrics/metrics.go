// Package metrics exposes node health over Prometheus: connection
// accounting, replication log position, and replica sync progress.
package metrics

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whimbrel"

// ServerStatsProvider allows the collector to get stats from the Server.
type ServerStatsProvider interface {
	ActiveConns() int64
	TotalConns() uint64
	RegisteredReplicas() int
}

// LogStatsProvider reports the primary's replication log position.
type LogStatsProvider interface {
	NextOffset() uint64
	LiveFrames() uint64
}

// ReplicaStatsProvider reports a replica node's sync progress.
type ReplicaStatsProvider interface {
	NextOffset() uint64
	HardResets() uint64
}

type WhimbrelCollector struct {
	serverStats  ServerStatsProvider
	logStats     LogStatsProvider
	replicaStats ReplicaStatsProvider

	activeConns *prometheus.Desc
	totalConns  *prometheus.Desc
	replicas    *prometheus.Desc

	logHead    *prometheus.Desc
	liveFrames *prometheus.Desc

	replicaNext *prometheus.Desc
	hardResets  *prometheus.Desc
}

// NewWhimbrelCollector builds the collector. Any provider may be nil;
// its metrics are simply not reported. Primaries set logStats, replicas
// set replicaStats.
func NewWhimbrelCollector(serverStats ServerStatsProvider, logStats LogStatsProvider, replicaStats ReplicaStatsProvider) *WhimbrelCollector {
	return &WhimbrelCollector{
		serverStats:  serverStats,
		logStats:     logStats,
		replicaStats: replicaStats,
		activeConns:  newDesc("server", "connections_active", "Active connections"),
		totalConns:   newDesc("server", "connections_accepted_total", "Total connections"),
		replicas:     newDesc("server", "replicas_registered", "Replicas registered via hello"),
		logHead:      newDesc("log", "next_offset", "Offset the next appended frame will take"),
		liveFrames:   newDesc("log", "live_frames", "Frames in the live log since the last compaction"),
		replicaNext:  newDesc("replica", "next_offset", "Offset of the next frame the replica will request"),
		hardResets:   newDesc("replica", "hard_resets_total", "Full wipe-and-resync cycles since startup"),
	}
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func (c *WhimbrelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConns
	ch <- c.totalConns
	ch <- c.replicas
	ch <- c.logHead
	ch <- c.liveFrames
	ch <- c.replicaNext
	ch <- c.hardResets
}

func (c *WhimbrelCollector) Collect(ch chan<- prometheus.Metric) {
	if c.serverStats != nil {
		ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(c.serverStats.ActiveConns()))
		ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.CounterValue, float64(c.serverStats.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.replicas, prometheus.GaugeValue, float64(c.serverStats.RegisteredReplicas()))
	}
	if c.logStats != nil {
		ch <- prometheus.MustNewConstMetric(c.logHead, prometheus.GaugeValue, float64(c.logStats.NextOffset()))
		ch <- prometheus.MustNewConstMetric(c.liveFrames, prometheus.GaugeValue, float64(c.logStats.LiveFrames()))
	}
	if c.replicaStats != nil {
		ch <- prometheus.MustNewConstMetric(c.replicaNext, prometheus.GaugeValue, float64(c.replicaStats.NextOffset()))
		ch <- prometheus.MustNewConstMetric(c.hardResets, prometheus.CounterValue, float64(c.replicaStats.HardResets()))
	}
}

// StartMetricsServer serves /metrics on addr. Empty addr disables it.
func StartMetricsServer(addr string, serverStats ServerStatsProvider, logStats LogStatsProvider, replicaStats ReplicaStatsProvider, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewWhimbrelCollector(serverStats, logStats, replicaStats))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	go func() {
		logger.Info("Metrics server starting", "addr", addr)
		http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}()
}
