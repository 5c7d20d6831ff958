package monstat

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rxmon"

// Collector exports Counters as Prometheus counters.
type Collector struct {
	ctrs  *Counters
	descs [numCounters]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(ctrs *Counters) *Collector {
	c := &Collector{ctrs: ctrs}
	for i := range numCounters {
		c.descs[i] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", i.String()+"_total"),
			"Monitor counter "+i.String()+".",
			nil, nil,
		)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue,
			float64(c.ctrs.Get(Counter(i))))
	}
}
