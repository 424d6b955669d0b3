// backup/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSkipped  = "skipped"
	resultUploaded = "uploaded"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics counts the work done by shard backups. A nil *Metrics is valid
// and counts nothing.
type Metrics struct {
	files   *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	backups *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg, if it's
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbk",
			Name:      "files_total",
			Help:      "Number of index files backed up, by whether they were uploaded or skipped.",
		}, []string{"shard", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbk",
			Name:      "bytes_total",
			Help:      "Size of index files backed up, by whether they were uploaded or skipped.",
		}, []string{"shard", "result"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbk",
			Name:      "shard_backups_total",
			Help:      "Number of shard backups attempted, by outcome.",
		}, []string{"shard", "outcome"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.files, m.bytes, m.backups} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Annotate(err, "registering metrics")
			}
		}
	}
	return m, nil
}

func (m *Metrics) file(shard, result string, size int64) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(shard, result).Inc()
	m.bytes.WithLabelValues(shard, result).Add(float64(size))
}

func (m *Metrics) shardBackup(shard string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.backups.WithLabelValues(shard, outcome).Inc()
}
