package pruner

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(*Params)

type Params struct {
	// pruneCycle is the frequency at which the pruning Service
	// runs the ticker. If set to 0, the Service will not run.
	pruneCycle time.Duration
	// batchSize is the number of stale index entries handled per sweep batch.
	batchSize int
	// maxBatchesPerCycle bounds the work done on one tick.
	maxBatchesPerCycle int
	// rebuildEvery forces a fresh BuildReach after that many incremental cycles.
	rebuildEvery uint64
	// sweepLockTimeout bounds how long a sweep batch waits for the commit lock.
	sweepLockTimeout time.Duration
	// maxBackoff caps the delay between retries after failed cycles.
	maxBackoff time.Duration

	setKind            SetKind
	bloomFPRate        float64
	bloomExpectedNodes uint64
	scanConcurrency    int

	snapshot SnapshotParams
	clock    clock.Clock
}

func (p *Params) Validate() error {
	if p.pruneCycle == time.Duration(0) {
		return fmt.Errorf("invalid GC cycle given, value should be positive and non-zero")
	}
	if p.batchSize <= 0 {
		return errors.New("sweep batch size must be positive")
	}
	if p.maxBatchesPerCycle <= 0 {
		return errors.New("batches per cycle must be positive")
	}
	if p.rebuildEvery == 0 {
		return errors.New("rebuild interval must be positive")
	}
	if p.sweepLockTimeout <= 0 {
		return errors.New("sweep lock timeout must be positive")
	}
	if err := p.setKind.Validate(); err != nil {
		return err
	}
	if p.setKind == SetBloom && (p.bloomFPRate <= 0 || p.bloomFPRate >= 1) {
		return fmt.Errorf("bloom false positive rate must be in (0, 1), got %f", p.bloomFPRate)
	}
	if p.scanConcurrency <= 0 {
		return errors.New("scan concurrency must be positive")
	}
	return p.snapshot.Validate()
}

func DefaultParams() Params {
	return Params{
		pruneCycle:         time.Minute,
		batchSize:          1000,
		maxBatchesPerCycle: 64,
		rebuildEvery:       64,
		sweepLockTimeout:   10 * time.Second,
		maxBackoff:         30 * time.Minute,
		setKind:            SetBloom,
		bloomFPRate:        0.01,
		bloomExpectedNodes: 1 << 20,
		scanConcurrency:    8,
		snapshot:           DefaultSnapshotParams(),
		clock:              clock.New(),
	}
}

// WithPruneCycle configures how often the pruning Service
// triggers a pruning cycle.
func WithPruneCycle(cycle time.Duration) Option {
	return func(p *Params) {
		p.pruneCycle = cycle
	}
}

// WithBatchSize sets the number of stale entries swept per batch.
func WithBatchSize(size int) Option {
	return func(p *Params) {
		p.batchSize = size
	}
}

// WithMaxBatchesPerCycle bounds the number of sweep batches run on one tick.
func WithMaxBatchesPerCycle(n int) Option {
	return func(p *Params) {
		p.maxBatchesPerCycle = n
	}
}

// WithRebuildEvery sets after how many incremental cycles the reachable set is rebuilt.
func WithRebuildEvery(cycles uint64) Option {
	return func(p *Params) {
		p.rebuildEvery = cycles
	}
}

func WithSweepLockTimeout(timeout time.Duration) Option {
	return func(p *Params) {
		p.sweepLockTimeout = timeout
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(p *Params) {
		p.maxBackoff = d
	}
}

// WithExactSet makes BuildReach keep every reachable hash in memory instead of a bloom filter.
func WithExactSet() Option {
	return func(p *Params) {
		p.setKind = SetExact
	}
}

// WithBloomSet sizes the bloom filter used by BuildReach. expected is the node count estimate used
// before the first scan has measured the live state.
func WithBloomSet(expected uint64, fpRate float64) Option {
	return func(p *Params) {
		p.setKind = SetBloom
		p.bloomExpectedNodes = expected
		p.bloomFPRate = fpRate
	}
}

func WithScanConcurrency(n int) Option {
	return func(p *Params) {
		p.scanConcurrency = n
	}
}

func WithSnapshotParams(sp SnapshotParams) Option {
	return func(p *Params) {
		p.snapshot = sp
	}
}

func WithClock(clk clock.Clock) Option {
	return func(p *Params) {
		p.clock = clk
	}
}

// WithPrunerMetrics is a utility function to turn on pruner metrics and that is
// expected to be "invoked" by the fx lifecycle.
func WithPrunerMetrics(s *Service, reg prometheus.Registerer) error {
	return s.WithMetrics(reg)
}
