package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	reg prometheus.Registerer
	gat prometheus.Gatherer

	cycles        *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	notifications prometheus.Counter
	sendFailures  prometheus.Counter
	activePads    prometheus.Gauge
	connections   prometheus.Gauge
	rejected      prometheus.Counter
	feed          *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the service collectors on reg. A nil reg gets a
// fresh registry, which keeps tests isolated from the global default.
func NewPrometheus(reg *prometheus.Registry, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "emailpad"
	}

	p := &Prometheus{
		reg: reg,
		gat: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of pad export fetches.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "signals_total",
			Help:      "Refresh signals queued to subscribers.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "send_failures_total",
			Help:      "Refresh signals that could not be queued to a subscriber.",
		}),
		activePads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pads",
			Name:      "active",
			Help:      "Pads with at least one subscriber and a running or pending poll cycle.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open subscriber connections.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Subscriber connections rejected at the connection limit.",
		}),
		feed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "publishes_total",
			Help:      "Change feed publishes by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		p.cycles, p.fetchDuration, p.notifications, p.sendFailures,
		p.activePads, p.connections, p.rejected, p.feed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gat, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Prometheus) CycleCompleted(result string, fetch time.Duration) {
	p.cycles.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		p.fetchDuration.Observe(fetch.Seconds())
	}
}

func (p *Prometheus) Notified(delivered int) { p.notifications.Add(float64(delivered)) }
func (p *Prometheus) SendFailed()            { p.sendFailures.Inc() }
func (p *Prometheus) PadActivated()          { p.activePads.Inc() }
func (p *Prometheus) PadIdled()              { p.activePads.Dec() }
func (p *Prometheus) ConnectionOpened()      { p.connections.Inc() }
func (p *Prometheus) ConnectionClosed()      { p.connections.Dec() }
func (p *Prometheus) ConnectionRejected()    { p.rejected.Inc() }

func (p *Prometheus) FeedPublished(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	p.feed.WithLabelValues(outcome).Inc()
}
