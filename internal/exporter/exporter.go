// Package exporter exposes stack and per-connection RDP state as
// prometheus metrics through a custom collector walking the connection
// table on every scrape.
package exporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcarmo/go-csp/internal/csp"
)

var connLabels = []string{"source", "source_port", "destination", "dest_port", "state"}

// StackCollector implements prometheus.Collector over a Stack.
type StackCollector struct {
	stack *csp.Stack

	packetsRouted  *prometheus.Desc
	packetsDropped *prometheus.Desc
	retransmits    *prometheus.Desc
	eacksSent      *prometheus.Desc
	acksSent       *prometheus.Desc
	resets         *prometheus.Desc
	buffersFree    *prometheus.Desc

	connInFlight *prometheus.Desc
	connTxQueue  *prometheus.Desc
	connRxQueue  *prometheus.Desc
	connWindow   *prometheus.Desc
}

// NewStackCollector builds a collector with the given metric prefix.
func NewStackCollector(prefix string, stack *csp.Stack) *StackCollector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, nil, nil)
	}
	perConn := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, connLabels, nil)
	}
	return &StackCollector{
		stack:          stack,
		packetsRouted:  counter("packets_routed_total", "Packets handled by the router."),
		packetsDropped: counter("packets_dropped_total", "Packets dropped by the router or queues."),
		retransmits:    counter("rdp_retransmits_total", "RDP packets retransmitted."),
		eacksSent:      counter("rdp_eacks_sent_total", "Extended acknowledgements emitted."),
		acksSent:       counter("rdp_acks_sent_total", "Packets carrying an acknowledgement emitted."),
		resets:         counter("rdp_resets_total", "RST packets emitted."),
		buffersFree:    counter("buffers_free", "Free buffers in the packet pool."),
		connInFlight:   perConn("rdp_conn_in_flight", "Unacknowledged packets in flight."),
		connTxQueue:    perConn("rdp_conn_tx_queue", "Retransmit queue occupancy."),
		connRxQueue:    perConn("rdp_conn_rx_queue", "Reorder buffer occupancy."),
		connWindow:     perConn("rdp_conn_window", "Negotiated window size."),
	}
}

func (sc *StackCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- sc.packetsRouted
	descs <- sc.packetsDropped
	descs <- sc.retransmits
	descs <- sc.eacksSent
	descs <- sc.acksSent
	descs <- sc.resets
	descs <- sc.buffersFree
	descs <- sc.connInFlight
	descs <- sc.connTxQueue
	descs <- sc.connRxQueue
	descs <- sc.connWindow
}

func (sc *StackCollector) Collect(metrics chan<- prometheus.Metric) {
	stats := sc.stack.Stats()
	metrics <- prometheus.MustNewConstMetric(sc.packetsRouted, prometheus.CounterValue, float64(stats.PacketsRouted))
	metrics <- prometheus.MustNewConstMetric(sc.packetsDropped, prometheus.CounterValue, float64(stats.PacketsDropped))
	metrics <- prometheus.MustNewConstMetric(sc.retransmits, prometheus.CounterValue, float64(stats.Retransmits))
	metrics <- prometheus.MustNewConstMetric(sc.eacksSent, prometheus.CounterValue, float64(stats.EacksSent))
	metrics <- prometheus.MustNewConstMetric(sc.acksSent, prometheus.CounterValue, float64(stats.AcksSent))
	metrics <- prometheus.MustNewConstMetric(sc.resets, prometheus.CounterValue, float64(stats.Resets))
	metrics <- prometheus.MustNewConstMetric(sc.buffersFree, prometheus.GaugeValue, float64(sc.stack.Pool().Remaining()))

	for _, ci := range sc.stack.Connections() {
		labels := []string{
			strconv.Itoa(int(ci.Source)),
			strconv.Itoa(int(ci.SourcePort)),
			strconv.Itoa(int(ci.Destination)),
			strconv.Itoa(int(ci.DestPort)),
			ci.State,
		}
		metrics <- prometheus.MustNewConstMetric(sc.connInFlight, prometheus.GaugeValue, float64(ci.InFlight), labels...)
		metrics <- prometheus.MustNewConstMetric(sc.connTxQueue, prometheus.GaugeValue, float64(ci.TxQueueLen), labels...)
		metrics <- prometheus.MustNewConstMetric(sc.connRxQueue, prometheus.GaugeValue, float64(ci.RxQueueLen), labels...)
		metrics <- prometheus.MustNewConstMetric(sc.connWindow, prometheus.GaugeValue, float64(ci.Window), labels...)
	}
}
