package mls

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records group activity. A nil *Metrics records nothing.
type Metrics struct {
	commits   *prometheus.CounterVec
	messages  *prometheus.CounterVec
	proposals prometheus.Counter
	epoch     prometheus.Gauge
	treeSize  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mls",
			Name:      "commits_total",
			Help:      "Commits created or processed, by result and error kind",
		}, []string{"result", "kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mls",
			Name:      "messages_total",
			Help:      "Framed messages by wire format and direction",
		}, []string{"wire_format", "direction"}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mls",
			Name:      "proposals_cached_total",
			Help:      "Proposals added to the pending proposal cache",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mls",
			Name:      "epoch",
			Help:      "Current epoch of the most recently updated group",
		}),
		treeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mls",
			Name:      "tree_leaves",
			Help:      "Leaf count of the most recently updated group's tree",
		}),
	}

	for _, c := range []prometheus.Collector{m.commits, m.messages, m.proposals, m.epoch, m.treeSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) commit(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.commits.WithLabelValues("rejected", KindOf(err).String()).Inc()
		return
	}
	m.commits.WithLabelValues("accepted", "").Inc()
}

func (m *Metrics) message(wf WireFormat, direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(wf.String(), direction).Inc()
}

func (m *Metrics) proposalCached() {
	if m == nil {
		return
	}
	m.proposals.Inc()
}

func (m *Metrics) transition(epoch uint64, size LeafCount) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
	m.treeSize.Set(float64(size))
}
