package mapservice

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// nodeMetrics groups the metrics of one node in a private set, so several
// nodes can live in one process.
type nodeMetrics struct {
	set            *metrics.Set
	backupFailures *metrics.Counter
	migrations     *metrics.Counter
}

func newNodeMetrics() *nodeMetrics {
	set := metrics.NewSet()
	return &nodeMetrics{
		set:            set,
		backupFailures: set.NewCounter("dmap_backup_failures_total"),
		migrations:     set.NewCounter("dmap_partition_migrations_total"),
	}
}

func (m *nodeMetrics) op(name string) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`dmap_operations_total{op=%q}`, name)).Inc()
}

func (m *nodeMetrics) txn(result string) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`dmap_txn_total{result=%q}`, result)).Inc()
}

func (m *nodeMetrics) trackMap(name string, entries func() float64) {
	m.set.GetOrCreateGauge(fmt.Sprintf(`dmap_entries{map=%q}`, name), entries)
}

func (m *nodeMetrics) untrackMap(name string) {
	m.set.UnregisterMetric(fmt.Sprintf(`dmap_entries{map=%q}`, name))
}

func (m *nodeMetrics) counter(name string) uint64 {
	return m.set.GetOrCreateCounter(name).Get()
}

// WritePrometheus writes the node metrics in Prometheus text format.
func (n *Node) WritePrometheus(w io.Writer) {
	n.metrics.set.WritePrometheus(w)
}

// BackupFailures returns how many replications failed since start.
func (n *Node) BackupFailures() uint64 {
	return n.metrics.backupFailures.Get()
}
