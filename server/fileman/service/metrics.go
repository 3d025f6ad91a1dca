package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"attach_server/server/fileman/domain"
)

type Metrics struct {
	uploads     *prometheus.CounterVec
	downloads   *prometheus.CounterVec
	deletes     *prometheus.CounterVec
	storedBytes prometheus.Counter
}

// NewMetrics registers the fileman collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileman",
			Name:      "uploads_total",
			Help:      "Upload attempts by outcome.",
		}, []string{"outcome"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileman",
			Name:      "downloads_total",
			Help:      "Download attempts by outcome.",
		}, []string{"outcome"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileman",
			Name:      "deletes_total",
			Help:      "Delete attempts by outcome.",
		}, []string{"outcome"}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fileman",
			Name:      "stored_bytes_total",
			Help:      "Payload bytes committed to the chunk store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.uploads, m.downloads, m.deletes, m.storedBytes)
	}
	return m
}

// outcomeLabel maps an error to its taxonomy label; nil means success.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.KindOf(err))
}

func (m *Metrics) observeUpload(err error, size int64) {
	m.uploads.WithLabelValues(outcomeLabel(err)).Inc()
	if err == nil {
		m.storedBytes.Add(float64(size))
	}
}

func (m *Metrics) observeDownload(err error) {
	m.downloads.WithLabelValues(outcomeLabel(err)).Inc()
}

func (m *Metrics) observeDelete(err error) {
	m.deletes.WithLabelValues(outcomeLabel(err)).Inc()
}
