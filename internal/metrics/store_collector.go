package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/vaportrail/pkg/store"
)

// storeIntrospector is the subset of *store.Store the collector polls.
// Defined as an interface so tests can supply a fake without opening a
// real database.
type storeIntrospector interface {
	DBSizeBytes() (int64, error)
	PageCount() (int64, error)
	PageSize() (int64, error)
	FreelistCount() (int64, error)
	TDigestStats() ([]store.TDigestStat, error)
}

// StoreCollector is a prometheus.Collector that polls the store's own
// introspection pragmas and sketch-byte accounting on every scrape,
// rather than caching them on a ticker.
type StoreCollector struct {
	store storeIntrospector

	dbSizeBytes   *prometheus.Desc
	pageCount     *prometheus.Desc
	pageSize      *prometheus.Desc
	freelistCount *prometheus.Desc
	sketchBytes   *prometheus.Desc
	sketchCount   *prometheus.Desc
}

// NewStoreCollector returns a collector that polls s on every scrape.
func NewStoreCollector(s storeIntrospector) *StoreCollector {
	return &StoreCollector{
		store:         s,
		dbSizeBytes:   prometheus.NewDesc("vaportrail_store_db_size_bytes", "Total database file size in bytes.", nil, nil),
		pageCount:     prometheus.NewDesc("vaportrail_store_page_count", "SQLite page_count pragma value.", nil, nil),
		pageSize:      prometheus.NewDesc("vaportrail_store_page_size_bytes", "SQLite page_size pragma value.", nil, nil),
		freelistCount: prometheus.NewDesc("vaportrail_store_freelist_count", "SQLite freelist_count pragma value.", nil, nil),
		sketchBytes:   prometheus.NewDesc("vaportrail_store_sketch_bytes_total", "Total t-digest sketch bytes stored, by target and window size.", []string{"target", "window_seconds"}, nil),
		sketchCount:   prometheus.NewDesc("vaportrail_store_sketch_rows", "Number of aggregated rows stored, by target and window size.", []string{"target", "window_seconds"}, nil),
	}
}

func (c *StoreCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.dbSizeBytes
	descs <- c.pageCount
	descs <- c.pageSize
	descs <- c.freelistCount
	descs <- c.sketchBytes
	descs <- c.sketchCount
}

func (c *StoreCollector) Collect(metrics chan<- prometheus.Metric) {
	if size, err := c.store.DBSizeBytes(); err == nil {
		metrics <- prometheus.MustNewConstMetric(c.dbSizeBytes, prometheus.GaugeValue, float64(size))
	} else {
		logrus.WithError(err).Warn("metrics: failed to read db size")
	}

	if n, err := c.store.PageCount(); err == nil {
		metrics <- prometheus.MustNewConstMetric(c.pageCount, prometheus.GaugeValue, float64(n))
	}
	if n, err := c.store.PageSize(); err == nil {
		metrics <- prometheus.MustNewConstMetric(c.pageSize, prometheus.GaugeValue, float64(n))
	}
	if n, err := c.store.FreelistCount(); err == nil {
		metrics <- prometheus.MustNewConstMetric(c.freelistCount, prometheus.GaugeValue, float64(n))
	}

	stats, err := c.store.TDigestStats()
	if err != nil {
		logrus.WithError(err).Warn("metrics: failed to read tdigest stats")
		return
	}
	for _, s := range stats {
		windowLabel := strconv.Itoa(int(s.WindowSeconds))
		metrics <- prometheus.MustNewConstMetric(c.sketchBytes, prometheus.GaugeValue, float64(s.TotalBytes), s.TargetName, windowLabel)
		metrics <- prometheus.MustNewConstMetric(c.sketchCount, prometheus.GaugeValue, float64(s.Count), s.TargetName, windowLabel)
	}
}
