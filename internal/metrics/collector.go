// Package metrics exports pipeline statistics to prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/will7200/digproc/pipeline"
)

var _ prometheus.Collector = (*Collector)(nil)

type StatsSource interface {
	Statistics() pipeline.Statistics
}

// Collector reads a Statistics snapshot on every scrape, so the exported
// values are never older than the scrape itself.
type Collector struct {
	source StatsSource

	grabbed   *prometheus.Desc
	processed *prometheus.Desc
	errors    *prometheus.Desc
	dropped   *prometheus.Desc
	missed    *prometheus.Desc
	rate      *prometheus.Desc
	elapsed   *prometheus.Desc
	buffers   *prometheus.Desc
	running   *prometheus.Desc
}

func NewCollector(namespace string, source StatsSource) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pipeline", name),
			help,
			[]string{"pipeline"},
			nil,
		)
	}
	return &Collector{
		source:    source,
		grabbed:   desc("frames_grabbed_total", "Frames written into a buffer during the current run"),
		processed: desc("frames_processed_total", "Callback invocations completed during the current run"),
		errors:    desc("processing_errors_total", "Callback invocations that returned an error during the current run"),
		dropped:   desc("frames_dropped_total", "Grabbed frames abandoned by Stop before processing"),
		missed:    desc("frames_missed_total", "Frames discarded because every buffer was busy"),
		rate:      desc("frame_rate", "Processed frames per second over the run"),
		elapsed:   desc("elapsed_seconds", "Duration of the current or last run"),
		buffers:   desc("buffers", "Number of buffers in the slot pool"),
		running:   desc("running", "1 while a run is in progress"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.grabbed
	ch <- c.processed
	ch <- c.errors
	ch <- c.dropped
	ch <- c.missed
	ch <- c.rate
	ch <- c.elapsed
	ch <- c.buffers
	ch <- c.running
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Statistics()
	running := 0.
	if s.State == pipeline.StateRunning || s.State == pipeline.StateStopRequested {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.grabbed, prometheus.CounterValue, float64(s.Grabbed), s.Name)
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(s.Processed), s.Name)
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors), s.Name)
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped), s.Name)
	ch <- prometheus.MustNewConstMetric(c.missed, prometheus.CounterValue, float64(s.Missed), s.Name)
	ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, s.Rate, s.Name)
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, s.Elapsed.Seconds(), s.Name)
	ch <- prometheus.MustNewConstMetric(c.buffers, prometheus.GaugeValue, float64(s.Buffers), s.Name)
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running, s.Name)
}
