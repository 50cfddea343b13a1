package pruner

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("state_pruner")
)

// nodeBuckets covers 1 to ~524k nodes per observation.
var nodeBuckets = prometheus.ExponentialBuckets(1, 2, 20)

type metrics struct {
	reachableScanned prometheus.Histogram
	sweepDeleted     prometheus.Histogram
	failures         prometheus.Counter

	phase        metric.Int64ObservableGauge
	deletedTotal metric.Int64ObservableGauge
	reachableLen metric.Int64ObservableGauge

	reg       prometheus.Registerer
	clientReg metric.Registration
}

// WithMetrics registers the pruner histograms with reg and the state gauges with the global
// otel meter.
func (s *Service) WithMetrics(reg prometheus.Registerer) error {
	factory := promauto.With(reg)
	m := &metrics{
		reachableScanned: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pruner_reachable_nodes_scanned",
			Help:    "Nodes visited by a reachability scan.",
			Buckets: nodeBuckets,
		}),
		sweepDeleted: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pruner_sweep_nodes_deleted",
			Help:    "Nodes moved to the recycle bin by a sweep batch.",
			Buckets: nodeBuckets,
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pruner_failures_total",
			Help: "Failed pruner phase steps.",
		}),
		reg: reg,
	}

	phase, err := meter.Int64ObservableGauge("prnr_phase",
		metric.WithDescription("pruner phase: 0 build reach, 1 sweep expired, 2 incremental"))
	if err != nil {
		return err
	}

	deletedTotal, err := meter.Int64ObservableGauge("prnr_deleted_nodes",
		metric.WithDescription("pruner nodes moved to the recycle bin since the node started pruning"))
	if err != nil {
		return err
	}

	reachableLen, err := meter.Int64ObservableGauge("prnr_reachable_set_size",
		metric.WithDescription("pruner reachable set insertions"))
	if err != nil {
		return err
	}

	callback := func(_ context.Context, observer metric.Observer) error {
		st := s.Status()
		observer.ObserveInt64(phase, phaseOrdinal(st.Phase))
		observer.ObserveInt64(deletedTotal, int64(st.Deleted))
		observer.ObserveInt64(reachableLen, int64(st.ReachableLen))
		return nil
	}

	clientReg, err := meter.RegisterCallback(callback, phase, deletedTotal, reachableLen)
	if err != nil {
		return err
	}

	m.phase, m.deletedTotal, m.reachableLen = phase, deletedTotal, reachableLen
	m.clientReg = clientReg
	s.metrics = m
	s.scanner.metrics = m
	s.sweeper.metrics = m
	return nil
}

func phaseOrdinal(p Phase) int64 {
	switch p {
	case PhaseSweepExpired:
		return 1
	case PhaseIncremental:
		return 2
	default:
		return 0
	}
}

func (m *metrics) close() error {
	if m == nil {
		return nil
	}

	m.reg.Unregister(m.reachableScanned)
	m.reg.Unregister(m.sweepDeleted)
	m.reg.Unregister(m.failures)
	return m.clientReg.Unregister()
}

func (m *metrics) observeScan(_ context.Context, nodes uint64) {
	if m == nil {
		return
	}
	m.reachableScanned.Observe(float64(nodes))
}

func (m *metrics) observeSweep(_ context.Context, deleted int) {
	if m == nil {
		return
	}
	m.sweepDeleted.Observe(float64(deleted))
}

func (m *metrics) observeFailure(_ context.Context) {
	if m == nil {
		return
	}
	m.failures.Inc()
}
