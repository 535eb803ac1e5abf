package raft

import "github.com/prometheus/client_golang/prometheus"

// serverMetrics holds the metrics of a server. Metrics are always updated;
// they are only exposed if a registerer is provided in the configuration.
type serverMetrics struct {
	term        prometheus.Gauge
	commitIndex prometheus.Gauge
	lastApplied prometheus.Gauge
	lastIndex   prometheus.Gauge
	state       *prometheus.GaugeVec

	elections          prometheus.Counter
	snapshotsTaken     prometheus.Counter
	snapshotsInstalled prometheus.Counter
	proposals          *prometheus.CounterVec
}

var serverStates = []ServerState{
	ServerStateFollower,
	ServerStateCandidate,
	ServerStatePreLeader,
	ServerStateLeader,
	ServerStateIsolatedLeader,
}

func newServerMetrics(id ServerId) *serverMetrics {
	const namespace = "raft"

	labels := prometheus.Labels{"server": string(id)}

	return &serverMetrics{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "term",
			Help:        "Current term of the server",
			ConstLabels: labels,
		}),

		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "commit_index",
			Help:        "Index of the last committed entry",
			ConstLabels: labels,
		}),

		lastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_applied_index",
			Help:        "Index of the last entry applied to the state machine",
			ConstLabels: labels,
		}),

		lastIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_log_index",
			Help:        "Index of the last entry of the log",
			ConstLabels: labels,
		}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "Current state of the server (1 for the active state)",
			ConstLabels: labels,
		}, []string{"state"}),

		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "elections_total",
			Help:        "Number of elections started by the server",
			ConstLabels: labels,
		}),

		snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "snapshots_taken_total",
			Help:        "Number of snapshots of the state machine taken",
			ConstLabels: labels,
		}),

		snapshotsInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "snapshots_installed_total",
			Help:        "Number of snapshots received from a leader and installed",
			ConstLabels: labels,
		}),

		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "proposals_total",
			Help:        "Number of proposals by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}
}

func (m *serverMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.term,
		m.commitIndex,
		m.lastApplied,
		m.lastIndex,
		m.state,
		m.elections,
		m.snapshotsTaken,
		m.snapshotsInstalled,
		m.proposals,
	}
}

func (m *serverMetrics) register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func (m *serverMetrics) unregister(r prometheus.Registerer) {
	for _, c := range m.collectors() {
		r.Unregister(c)
	}
}

func (m *serverMetrics) setState(state ServerState) {
	for _, s := range serverStates {
		value := 0.0
		if s == state {
			value = 1.0
		}

		m.state.WithLabelValues(string(s)).Set(value)
	}
}
