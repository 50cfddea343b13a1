package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"

	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/store"
)

var log = logging.Logger("pruner")

var scanSpillPrefix = datastore.NewKey("scan")

// bloomGrowth leaves headroom over the previous scan when sizing the next bloom filter.
const bloomGrowth = 1.2

// Service handles the pruning routine for the node. It runs the phases
// BuildReach -> SweepExpired -> Incremental in the background, persisting
// its progress after every batch so a restart resumes where it stopped.
type Service struct {
	store     *store.Store
	retention RetentionPolicy
	ds        datastore.Batching
	params    Params
	clock     clock.Clock

	snapshots *SnapshotManager
	scanner   *Scanner
	sweeper   *Sweeper
	replayer  *Replayer

	// runLk serializes phase steps.
	runLk sync.Mutex
	// lk guards the fields below for Status readers.
	lk         sync.RWMutex
	checkpoint *checkpoint
	snapshot   *Snapshot
	reach      ReachableSet
	retry      backoff.BackOff
	retryAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	metrics *metrics
}

func NewService(
	s *store.Store,
	retention RetentionPolicy,
	bin *recycle.Bin,
	opts ...Option,
) (*Service, error) {
	params := DefaultParams()
	for _, opt := range opts {
		opt(&params)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ds := namespace.Wrap(s.Datastore(), storePrefix)
	scanner := NewScanner(s, params.scanConcurrency)
	if params.setKind == SetBloom {
		// a bloom set is chosen for states too large to track exactly, so is the visited set
		scanner.WithSpill(namespace.Wrap(ds, scanSpillPrefix))
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = params.pruneCycle
	retry.MaxInterval = params.maxBackoff
	retry.MaxElapsedTime = 0
	retry.Clock = params.clock
	retry.Reset()

	return &Service{
		store:     s,
		retention: retention,
		ds:        ds,
		params:    params,
		clock:     params.clock,
		snapshots: NewSnapshotManager(s, retention, ds, params.clock, params.snapshot),
		scanner:   scanner,
		sweeper:   NewSweeper(s, bin, params.sweepLockTimeout),
		replayer:  NewReplayer(s),
		retry:     retry,
		done:      make(chan struct{}),
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.runLk.Lock()
	err := s.ensureCheckpoint(ctx)
	s.runLk.Unlock()
	if err != nil {
		return fmt.Errorf("pruner: loading checkpoint: %w", err)
	}

	go s.run()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("pruner unable to exit within context deadline: %w", ctx.Err())
	}
	return s.metrics.close()
}

func (s *Service) run() {
	defer close(s.done)

	ticker := s.clock.Ticker(s.params.pruneCycle)
	defer ticker.Stop()

	for {
		s.lk.RLock()
		retryAt := s.retryAt
		s.lk.RUnlock()

		if !s.clock.Now().Before(retryAt) {
			_, err := s.RunOnce(s.ctx)
			if err != nil && s.ctx.Err() == nil {
				log.Errorw("pruning cycle failed", "err", err)
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StepReport describes one executed phase step.
type StepReport struct {
	Phase Phase `json:"phase"`
	Next  Phase `json:"next"`
	// Deferred is set when the commit lock could not be taken in time; no progress was made.
	Deferred bool          `json:"deferred"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
	Scan     *ScanStats    `json:"scan,omitempty"`
	Replay   *ReplayReport `json:"replay,omitempty"`
	Sweep    *SweepResult  `json:"sweep,omitempty"`
}

// RunOnce executes the step of the current phase. A lock timeout defers the step without
// counting as a failure. Any other error is recorded in the checkpoint and delays the next
// background attempt with exponential backoff.
func (s *Service) RunOnce(ctx context.Context) (*StepReport, error) {
	s.runLk.Lock()
	defer s.runLk.Unlock()

	if err := s.ensureCheckpoint(ctx); err != nil {
		return nil, err
	}

	rep, err := s.step(ctx)
	switch {
	case err == nil:
		s.lk.Lock()
		s.retry.Reset()
		s.retryAt = time.Time{}
		s.lk.Unlock()
		if rep.Sweep != nil || rep.Scan != nil {
			log.Infow("pruner step finished", "phase", rep.Phase, "next", rep.Next)
		}
		return rep, s.clearError(ctx)
	case errors.Is(err, store.ErrLockTimeout):
		log.Warnw("commit lock busy, deferring pruner step", "phase", rep.Phase)
		rep.Deferred = true
		return rep, nil
	case ctx.Err() != nil:
		return rep, err
	}

	s.metrics.observeFailure(ctx)
	s.lk.Lock()
	s.checkpoint.Failures++
	s.checkpoint.LastError = err.Error()
	s.retryAt = s.clock.Now().Add(s.retry.NextBackOff())
	retryAt := s.retryAt
	perr := storeCheckpoint(ctx, s.ds, s.checkpoint)
	s.lk.Unlock()

	log.Errorw("pruner step failed", "phase", rep.Phase, "retry_at", retryAt, "err", err)
	return rep, errors.Join(err, perr)
}

func (s *Service) ensureCheckpoint(ctx context.Context) error {
	s.lk.RLock()
	loaded := s.checkpoint != nil
	s.lk.RUnlock()
	if loaded {
		return nil
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	return s.loadCheckpoint(ctx)
}

func (s *Service) clearError(ctx context.Context) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.checkpoint.LastError == "" {
		return nil
	}
	s.checkpoint.LastError = ""
	return storeCheckpoint(ctx, s.ds, s.checkpoint)
}

// update applies fn to the checkpoint and persists it.
func (s *Service) update(ctx context.Context, fn func(cp *checkpoint)) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	fn(s.checkpoint)
	return storeCheckpoint(ctx, s.ds, s.checkpoint)
}

func (s *Service) step(ctx context.Context) (*StepReport, error) {
	s.lk.RLock()
	phase := s.checkpoint.Phase
	ready := s.snapshot != nil && s.reach != nil
	s.lk.RUnlock()

	if phase != PhaseBuildReach && !ready {
		phase = PhaseBuildReach
	}

	rep := &StepReport{Phase: phase}
	var err error
	switch phase {
	case PhaseBuildReach:
		err = s.buildReach(ctx, rep)
	case PhaseSweepExpired:
		err = s.sweepExpired(ctx, rep)
	case PhaseIncremental:
		err = s.incremental(ctx, rep)
	default:
		err = fmt.Errorf("pruner: unknown phase %q", phase)
	}

	s.lk.RLock()
	rep.Next = s.checkpoint.Phase
	s.lk.RUnlock()
	return rep, err
}

// buildReach captures a snapshot, scans everything reachable from its live roots and makes
// the resulting set current.
func (s *Service) buildReach(ctx context.Context, rep *StepReport) error {
	snap, err := s.snapshots.Capture(ctx)
	if err != nil {
		return err
	}
	rep.Snapshot = snap

	set, err := s.newSet()
	if err != nil {
		return err
	}
	stats, err := s.scanner.Scan(ctx, snap.Roots(), set)
	if err != nil {
		return err
	}
	rep.Scan = &stats

	snap.Nodes = stats.Nodes
	snap.Set = s.params.setKind
	if err := s.snapshots.SaveSet(ctx, set); err != nil {
		return err
	}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		return err
	}

	s.lk.Lock()
	s.snapshot, s.reach = snap, set
	s.lk.Unlock()

	err = s.update(ctx, func(cp *checkpoint) {
		cp.Phase = PhaseSweepExpired
		cp.Cursor = ""
		cp.SnapshotID = snap.ID
		cp.ReplayedTo = snap.Version
		cp.IncrementalCycles = 0
	})
	if err != nil {
		return err
	}

	// the set is persisted at the snapshot, older changesets are never replayed again
	truncated, err := s.store.TruncateChangesets(ctx, snap.Version)
	if err != nil {
		return err
	}

	log.Infow("built reachable set",
		"snapshot", snap.ID,
		"nodes", stats.Nodes,
		"set", snap.Set,
		"cutoff", snap.Cutoff,
		"truncated_changesets", truncated,
		"took", stats.Duration,
	)
	return nil
}

func (s *Service) newSet() (ReachableSet, error) {
	if s.params.setKind == SetExact {
		return NewExactSet(), nil
	}

	expected := s.params.bloomExpectedNodes
	s.lk.RLock()
	if s.snapshot != nil {
		if grown := uint64(float64(s.snapshot.Nodes) * bloomGrowth); grown > expected {
			expected = grown
		}
	}
	s.lk.RUnlock()
	return NewBloomSet(expected, s.params.bloomFPRate)
}

// sweepExpired sweeps stale entries up to the lowest version that was live at the snapshot.
func (s *Service) sweepExpired(ctx context.Context, rep *StepReport) error {
	s.lk.RLock()
	cutoff := s.snapshot.Cutoff
	s.lk.RUnlock()

	res, err := s.sweepBatches(ctx, cutoff)
	rep.Sweep = res
	if err != nil {
		return err
	}
	if !res.Done {
		return nil
	}
	return s.update(ctx, func(cp *checkpoint) {
		cp.Phase = PhaseIncremental
	})
}

// incremental brings the set forward to the head by replaying changesets and sweeps what
// became stale since the snapshot. A stale snapshot, a changeset gap or RebuildEvery cycles
// send the pruner back to BuildReach.
func (s *Service) incremental(ctx context.Context, rep *StepReport) error {
	s.lk.RLock()
	snap, set := s.snapshot, s.reach
	replayedTo, cycles := s.checkpoint.ReplayedTo, s.checkpoint.IncrementalCycles
	s.lk.RUnlock()

	if s.snapshots.IsStale(snap) || cycles >= s.params.rebuildEvery {
		log.Infow("rebuilding reachable set",
			"snapshot", snap.ID,
			"age", s.snapshots.Age(snap),
			"cycles", cycles,
		)
		return s.rebuild(ctx, rep)
	}

	head, _, err := s.store.Head(ctx)
	if err != nil {
		return err
	}
	replay, err := s.replayer.ReplayRange(ctx, replayedTo, head, set, false)
	if errors.Is(err, ErrChangesetGap) {
		log.Warnw("changeset stream incomplete, rebuilding reachable set", "err", err)
		return s.rebuild(ctx, rep)
	}
	if err != nil {
		return err
	}
	rep.Replay = replay
	s.lk.Lock()
	s.checkpoint.ReplayedTo = head
	s.lk.Unlock()

	live, err := s.retention.LiveRoots(ctx)
	if err != nil {
		return err
	}
	cutoff := head
	for _, r := range live {
		if r.Version < cutoff {
			cutoff = r.Version
		}
	}

	res, err := s.sweepBatches(ctx, cutoff)
	rep.Sweep = res
	if err != nil {
		return err
	}
	return s.update(ctx, func(cp *checkpoint) {
		cp.IncrementalCycles++
	})
}

func (s *Service) rebuild(ctx context.Context, rep *StepReport) error {
	rep.Phase = PhaseBuildReach
	err := s.update(ctx, func(cp *checkpoint) {
		cp.Phase = PhaseBuildReach
	})
	if err != nil {
		return err
	}
	return s.buildReach(ctx, rep)
}

// sweepBatches runs up to maxBatchesPerCycle sweep batches, persisting the cursor after each.
// Cancellation is only observed between batches.
func (s *Service) sweepBatches(ctx context.Context, cutoff uint64) (*SweepResult, error) {
	s.lk.RLock()
	cursor, set := s.checkpoint.Cursor, s.reach
	s.lk.RUnlock()

	total := &SweepResult{Cursor: cursor}
	for i := 0; i < s.params.maxBatchesPerCycle; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		res, err := s.sweeper.SweepBatch(ctx, cutoff, s.params.batchSize, total.Cursor, set)
		if err != nil {
			return total, err
		}
		total.add(res)

		err = s.update(ctx, func(cp *checkpoint) {
			cp.Cursor = res.Cursor
			cp.Deleted += uint64(res.Deleted)
			cp.DeletedBytes += uint64(res.Bytes)
		})
		if err != nil {
			return total, err
		}
		if res.Done {
			break
		}
	}
	return total, nil
}

// Status is a point in time view of the pruner progress.
type Status struct {
	Phase             Phase     `json:"phase"`
	Cursor            string    `json:"cursor"`
	SnapshotID        string    `json:"snapshot_id"`
	SnapshotVersion   uint64    `json:"snapshot_version"`
	ReplayedTo        uint64    `json:"replayed_to"`
	IncrementalCycles uint64    `json:"incremental_cycles"`
	Failures          uint64    `json:"failures"`
	LastError         string    `json:"last_error,omitempty"`
	Deleted           uint64    `json:"deleted"`
	DeletedBytes      uint64    `json:"deleted_bytes"`
	ReachableLen      uint64    `json:"reachable_len"`
	RetryAt           time.Time `json:"retry_at,omitempty"`
}

func (s *Service) Status() Status {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var st Status
	if cp := s.checkpoint; cp != nil {
		st = Status{
			Phase:             cp.Phase,
			Cursor:            cp.Cursor,
			SnapshotID:        cp.SnapshotID,
			ReplayedTo:        cp.ReplayedTo,
			IncrementalCycles: cp.IncrementalCycles,
			Failures:          cp.Failures,
			LastError:         cp.LastError,
			Deleted:           cp.Deleted,
			DeletedBytes:      cp.DeletedBytes,
		}
	}
	if s.snapshot != nil {
		st.SnapshotVersion = s.snapshot.Version
	}
	if s.reach != nil {
		st.ReachableLen = s.reach.Len()
	}
	st.RetryAt = s.retryAt
	return st
}

// Snapshots exposes the snapshot manager used by the service.
func (s *Service) Snapshots() *SnapshotManager {
	return s.snapshots
}
