package bolt

import (
	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var _ prometheus.Collector = (*KVStore)(nil)

var (
	kvWritesDesc = prometheus.NewDesc(
		"boltdb_writes_total",
		"Total number of boltdb writes",
		nil, nil)

	kvReadsDesc = prometheus.NewDesc(
		"boltdb_reads_total",
		"Total number of boltdb reads",
		nil, nil)

	kvSizeDesc = prometheus.NewDesc(
		"boltdb_size_bytes",
		"Size of boltdb data file in bytes",
		nil, nil)
)

// Describe returns all descriptions of the collector.
func (s *KVStore) Describe(ch chan<- *prometheus.Desc) {
	ch <- kvWritesDesc
	ch <- kvReadsDesc
	ch <- kvSizeDesc
}

// Collect returns the current state of all metrics of the collector.
func (s *KVStore) Collect(ch chan<- prometheus.Metric) {
	if s.db == nil {
		return
	}

	stats := s.db.Stats()
	writes := stats.TxStats.Write
	reads := stats.TxN

	ch <- prometheus.MustNewConstMetric(
		kvReadsDesc,
		prometheus.CounterValue,
		float64(reads),
	)

	ch <- prometheus.MustNewConstMetric(
		kvWritesDesc,
		prometheus.CounterValue,
		float64(writes),
	)

	var size int64
	_ = s.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})

	ch <- prometheus.MustNewConstMetric(
		kvSizeDesc,
		prometheus.GaugeValue,
		float64(size),
	)
}
