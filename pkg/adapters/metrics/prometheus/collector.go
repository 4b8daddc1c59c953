package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.Metrics using Prometheus.
type Collector struct {
	datasetsDiscovered prometheus.Counter
	datasetsFinished   *prometheus.CounterVec
	datasetCounts      *prometheus.GaugeVec

	stageOutcomes *prometheus.CounterVec
	stageRetries  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	slotsInUse   *prometheus.GaugeVec
	slotCapacity *prometheus.GaugeVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		datasetsDiscovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tomopipe_datasets_discovered_total",
				Help: "Total number of datasets discovered in the raw data directory",
			},
		),
		datasetsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tomopipe_datasets_finished_total",
				Help: "Total number of datasets that reached a terminal status",
			},
			[]string{"status"},
		),
		datasetCounts: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tomopipe_datasets",
				Help: "Current number of datasets by aggregate status",
			},
			[]string{"status"},
		),
		stageOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tomopipe_stage_outcomes_total",
				Help: "Total number of stage executions by stage and outcome",
			},
			[]string{"stage", "status"},
		),
		stageRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tomopipe_stage_retries_total",
				Help: "Total number of stage retries scheduled after transient failures",
			},
			[]string{"stage"},
		),
		stageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tomopipe_stage_duration_seconds",
				Help:    "Stage execution duration in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"stage"},
		),
		slotsInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tomopipe_slots_in_use",
				Help: "Resource slots currently held by running stages",
			},
			[]string{"class"},
		),
		slotCapacity: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tomopipe_slot_capacity",
				Help: "Configured resource slot capacity",
			},
			[]string{"class"},
		),
	}
}

// RecordDatasetDiscovered counts a newly discovered dataset.
func (c *Collector) RecordDatasetDiscovered() {
	c.datasetsDiscovered.Inc()
}

// RecordDatasetFinished counts a dataset reaching a terminal status.
func (c *Collector) RecordDatasetFinished(status string) {
	c.datasetsFinished.WithLabelValues(status).Inc()
}

// RecordStageOutcome counts one stage execution and records its duration.
func (c *Collector) RecordStageOutcome(stage, status string, duration time.Duration) {
	c.stageOutcomes.WithLabelValues(stage, status).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageRetry counts a retry scheduled for a stage.
func (c *Collector) RecordStageRetry(stage string) {
	c.stageRetries.WithLabelValues(stage).Inc()
}

// SetSlotUsage records the occupancy of one resource class.
func (c *Collector) SetSlotUsage(class string, inUse, capacity int) {
	c.slotsInUse.WithLabelValues(class).Set(float64(inUse))
	c.slotCapacity.WithLabelValues(class).Set(float64(capacity))
}

// SetDatasetCounts records the current dataset population by status.
func (c *Collector) SetDatasetCounts(processing, succeeded, failed, cancelled int) {
	c.datasetCounts.WithLabelValues("processing").Set(float64(processing))
	c.datasetCounts.WithLabelValues("succeeded").Set(float64(succeeded))
	c.datasetCounts.WithLabelValues("failed").Set(float64(failed))
	c.datasetCounts.WithLabelValues("cancelled").Set(float64(cancelled))
}
