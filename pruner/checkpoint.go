package pruner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
)

var (
	storePrefix           = datastore.NewKey("pruner")
	checkpointKey         = datastore.NewKey("checkpoint")
	errCheckpointNotFound = errors.New("checkpoint not found")
)

// Phase is the step of the pruning state machine.
type Phase string

const (
	// PhaseBuildReach captures a snapshot and builds its reachable set.
	PhaseBuildReach Phase = "build_reach"
	// PhaseSweepExpired sweeps the stale index up to the snapshot cutoff.
	PhaseSweepExpired Phase = "sweep_expired"
	// PhaseIncremental replays new changesets into the set and sweeps what became stale since.
	PhaseIncremental Phase = "incremental"
)

// checkpoint contains information related to the state of the
// pruner service that is periodically persisted to disk.
type checkpoint struct {
	Phase Phase `json:"phase"`
	// Cursor is the last consumed stale index key.
	Cursor     string `json:"cursor"`
	SnapshotID string `json:"snapshot_id"`
	// ReplayedTo is the version the reachable set has been brought up to.
	ReplayedTo        uint64 `json:"replayed_to"`
	IncrementalCycles uint64 `json:"incremental_cycles"`
	Failures          uint64 `json:"failures"`
	LastError         string `json:"last_error,omitempty"`
	Deleted           uint64 `json:"deleted"`
	DeletedBytes      uint64 `json:"deleted_bytes"`
}

func newCheckpoint() *checkpoint {
	return &checkpoint{Phase: PhaseBuildReach}
}

// storeCheckpoint persists the checkpoint to disk.
func storeCheckpoint(ctx context.Context, ds datastore.Datastore, c *checkpoint) error {
	bin, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return ds.Put(ctx, checkpointKey, bin)
}

// getCheckpoint loads the last checkpoint from disk.
func getCheckpoint(ctx context.Context, ds datastore.Datastore) (*checkpoint, error) {
	bin, err := ds.Get(ctx, checkpointKey)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, errCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp *checkpoint
	err = json.Unmarshal(bin, &cp)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return cp, nil
}

// loadCheckpoint loads the last checkpoint from disk, initializing it if it does not already exist.
// A checkpoint past BuildReach is only trusted if its snapshot and reachable set can be restored
// and the snapshot is still fresh; otherwise the pruner starts over from BuildReach.
func (s *Service) loadCheckpoint(ctx context.Context) error {
	cp, err := getCheckpoint(ctx, s.ds)
	if errors.Is(err, errCheckpointNotFound) {
		return s.resetCheckpoint(ctx)
	}
	if err != nil {
		return err
	}
	s.checkpoint = cp

	if cp.Phase == PhaseBuildReach {
		return nil
	}
	snap, set, err := s.restoreSnapshot(ctx)
	switch {
	case err != nil:
		log.Warnw("cannot restore snapshot, rebuilding reachable set", "err", err)
	case snap.ID != cp.SnapshotID:
		log.Warnw("persisted snapshot does not match checkpoint, rebuilding reachable set",
			"snapshot", snap.ID, "checkpoint", cp.SnapshotID)
	case s.snapshots.IsStale(snap):
		log.Infow("persisted snapshot is stale, rebuilding reachable set", "snapshot", snap.ID)
	default:
		s.snapshot, s.reach = snap, set
		// additions after the snapshot are not persisted with the set, replay them again
		s.checkpoint.ReplayedTo = snap.Version
		log.Infow("resumed pruner", "phase", cp.Phase, "snapshot", snap.ID, "cursor", cp.Cursor)
		return nil
	}

	s.checkpoint.Phase = PhaseBuildReach
	return storeCheckpoint(ctx, s.ds, s.checkpoint)
}

func (s *Service) resetCheckpoint(ctx context.Context) error {
	s.checkpoint = newCheckpoint()
	return storeCheckpoint(ctx, s.ds, s.checkpoint)
}

func (s *Service) restoreSnapshot(ctx context.Context) (*Snapshot, ReachableSet, error) {
	snap, err := s.snapshots.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	set, err := s.snapshots.LoadSet(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snap, set, nil
}
