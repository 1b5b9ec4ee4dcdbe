// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"expvar"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// peerMetrics record connection activity counters.
type peerMetrics struct {
	packetRecv     expvar.Int
	packetSent     expvar.Int
	packetDropped  expvar.Int
	requestOut     expvar.Int // number of outbound requests issued
	requestOutErr  expvar.Int // number of outbound requests resolved with an error
	requestTimeout expvar.Int // number of outbound requests that timed out
	requestPending expvar.Int // outbound, gauge
	requestIn      expvar.Int // number of inbound requests dispatched
	streamsOpen    expvar.Int // gauge
	pingSent       expvar.Int
	handshakeOK    expvar.Int
	handshakeErr   expvar.Int
	reconnects     expvar.Int // number of session handler swaps

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

// gauges lists the metric names that report a current level rather than a
// running total.
var gauges = map[string]bool{"requests_pending": true, "streams_open": true}

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("requests_out", &pm.requestOut)
	pm.emap.Set("requests_out_failed", &pm.requestOutErr)
	pm.emap.Set("requests_timeout", &pm.requestTimeout)
	pm.emap.Set("requests_pending", &pm.requestPending)
	pm.emap.Set("requests_in", &pm.requestIn)
	pm.emap.Set("streams_open", &pm.streamsOpen)
	pm.emap.Set("pings_sent", &pm.pingSent)
	pm.emap.Set("handshakes_ok", &pm.handshakeOK)
	pm.emap.Set("handshakes_failed", &pm.handshakeErr)
	pm.emap.Set("reconnects", &pm.reconnects)
	return pm
}

// Metrics returns the metrics map shared by all connections. It is safe for
// the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return rootMetrics.emap }

// MetricsCollector returns a prometheus.Collector that exports the integer
// entries of the metrics map under the given namespace, for example:
//
//	prometheus.MustRegister(tether.MetricsCollector("tether"))
func MetricsCollector(namespace string) prometheus.Collector {
	return metricsCollector{ns: namespace, emap: rootMetrics.emap}
}

type metricsCollector struct {
	ns   string
	emap *expvar.Map
}

func (c metricsCollector) desc(name string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(c.ns, "", name),
		"tether "+strings.ReplaceAll(name, "_", " "), nil, nil)
}

// Describe implements part of prometheus.Collector.
func (c metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.emap.Do(func(kv expvar.KeyValue) {
		if _, ok := kv.Value.(*expvar.Int); ok {
			ch <- c.desc(kv.Key)
		}
	})
}

// Collect implements part of prometheus.Collector.
func (c metricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.emap.Do(func(kv expvar.KeyValue) {
		v, ok := kv.Value.(*expvar.Int)
		if !ok {
			return
		}
		vt := prometheus.CounterValue
		if gauges[kv.Key] {
			vt = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(c.desc(kv.Key), vt, float64(v.Value()))
	})
}
