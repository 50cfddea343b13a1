package pruner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"

	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/store"
)

var (
	snapshotKey = datastore.NewKey("snapshot")
	setKey      = datastore.NewKey("bloom")

	// ErrSnapshotNotFound is returned when nothing was persisted yet.
	ErrSnapshotNotFound = errors.New("pruner: snapshot not found")
	// ErrSnapshotInvalid is returned when a captured root or one of its children is missing.
	ErrSnapshotInvalid = errors.New("pruner: snapshot validation failed")
)

//go:generate mockgen -destination=mocks/retention.go -package=mocks . RetentionPolicy

// RetentionPolicy supplies the roots that must stay readable.
type RetentionPolicy interface {
	LiveRoots(ctx context.Context) ([]store.VersionedRoot, error)
}

// Snapshot is a consistent capture of the head and the live roots taken under the commit lock.
type Snapshot struct {
	ID         string                `json:"id"`
	Root       smt.Hash              `json:"root"`
	Version    uint64                `json:"version"`
	CapturedAt time.Time             `json:"captured_at"`
	LiveRoots  []store.VersionedRoot `json:"live_roots"`
	// Cutoff is the lowest live version at capture time.
	Cutoff uint64 `json:"cutoff"`
	// Nodes is the size of the reachable set once it has been built.
	Nodes uint64  `json:"nodes"`
	Set   SetKind `json:"set"`
}

// Roots returns the live root hashes.
func (s *Snapshot) Roots() []smt.Hash {
	roots := make([]smt.Hash, 0, len(s.LiveRoots))
	for _, r := range s.LiveRoots {
		roots = append(roots, r.Root)
	}
	return roots
}

// SnapshotParams configures the SnapshotManager.
type SnapshotParams struct {
	LockTimeout       time.Duration
	MaxAge            time.Duration
	EnableValidation  bool
	EnablePersistence bool
}

func DefaultSnapshotParams() SnapshotParams {
	return SnapshotParams{
		LockTimeout:       30 * time.Minute,
		MaxAge:            2 * time.Hour,
		EnableValidation:  true,
		EnablePersistence: true,
	}
}

func (p SnapshotParams) Validate() error {
	if p.LockTimeout <= 0 {
		return errors.New("snapshot lock timeout must be positive")
	}
	if p.MaxAge <= 0 {
		return errors.New("snapshot max age must be positive")
	}
	return nil
}

// SnapshotManager captures, validates and persists snapshots.
type SnapshotManager struct {
	store     *store.Store
	retention RetentionPolicy
	ds        datastore.Datastore
	clock     clock.Clock
	params    SnapshotParams

	lk      sync.RWMutex
	current *Snapshot
}

// NewSnapshotManager keeps its records in ds, which callers namespace per use.
func NewSnapshotManager(
	s *store.Store,
	retention RetentionPolicy,
	ds datastore.Datastore,
	clk clock.Clock,
	params SnapshotParams,
) *SnapshotManager {
	return &SnapshotManager{
		store:     s,
		retention: retention,
		ds:        ds,
		clock:     clk,
		params:    params,
	}
}

// Capture takes the commit lock within LockTimeout, records the head and live roots, releases
// the lock and then validates and persists the snapshot. store.ErrLockTimeout is returned when
// writers hold the lock for too long.
func (m *SnapshotManager) Capture(ctx context.Context) (*Snapshot, error) {
	lock := m.store.CommitLock()
	if err := lock.Acquire(ctx, m.params.LockTimeout); err != nil {
		return nil, err
	}
	version, root, err := m.store.Head(ctx)
	if err != nil {
		lock.Release()
		return nil, err
	}
	live, err := m.retention.LiveRoots(ctx)
	lock.Release()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	snap := &Snapshot{
		ID:         fmt.Sprintf("%d-%s-%d", version, root.Short(), now.UnixNano()),
		Root:       root,
		Version:    version,
		CapturedAt: now,
		LiveRoots:  live,
		Cutoff:     version,
	}
	for _, r := range live {
		if r.Version < snap.Cutoff {
			snap.Cutoff = r.Version
		}
	}

	if m.params.EnableValidation {
		if err := m.validate(ctx, snap); err != nil {
			return nil, err
		}
	}
	if err := m.Save(ctx, snap); err != nil {
		return nil, err
	}

	log.Infow("captured snapshot",
		"id", snap.ID,
		"version", snap.Version,
		"root", snap.Root.Short(),
		"live_roots", len(snap.LiveRoots),
		"cutoff", snap.Cutoff,
	)
	return snap, nil
}

// validate checks that every live root and its direct children are present.
func (m *SnapshotManager) validate(ctx context.Context, snap *Snapshot) error {
	for _, r := range snap.LiveRoots {
		b, err := m.store.GetNode(ctx, r.Root)
		if err != nil {
			return fmt.Errorf("%w: root %s at %d: %w", ErrSnapshotInvalid, r.Root.Short(), r.Version, err)
		}
		children, err := smt.ChildHashes(b)
		if err != nil {
			return fmt.Errorf("%w: root %s: %w", ErrSnapshotInvalid, r.Root.Short(), err)
		}
		for _, c := range children {
			ok, err := m.store.HasNode(ctx, c)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: child %s of root %s is missing", ErrSnapshotInvalid, c.Short(), r.Root.Short())
			}
		}
	}
	return nil
}

// Current returns the last captured or loaded snapshot.
func (m *SnapshotManager) Current() *Snapshot {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return m.current
}

// IsStale reports whether snap is older than MaxAge.
func (m *SnapshotManager) IsStale(snap *Snapshot) bool {
	return snap == nil || m.clock.Since(snap.CapturedAt) > m.params.MaxAge
}

// Age returns how long ago snap was captured.
func (m *SnapshotManager) Age(snap *Snapshot) time.Duration {
	return m.clock.Since(snap.CapturedAt)
}

// Save makes snap current and persists it when persistence is enabled.
func (m *SnapshotManager) Save(ctx context.Context, snap *Snapshot) error {
	m.lk.Lock()
	m.current = snap
	m.lk.Unlock()

	if !m.params.EnablePersistence {
		return nil
	}
	bin, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.ds.Put(ctx, snapshotKey, bin)
}

// Load restores the persisted snapshot.
func (m *SnapshotManager) Load(ctx context.Context) (*Snapshot, error) {
	bin, err := m.ds.Get(ctx, snapshotKey)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap *Snapshot
	if err := json.Unmarshal(bin, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.lk.Lock()
	m.current = snap
	m.lk.Unlock()
	return snap, nil
}

// SaveSet persists the reachable set built for the current snapshot.
func (m *SnapshotManager) SaveSet(ctx context.Context, set ReachableSet) error {
	if !m.params.EnablePersistence {
		return nil
	}
	bin, err := marshalSet(set)
	if err != nil {
		return err
	}
	return m.ds.Put(ctx, setKey, bin)
}

// LoadSet restores the persisted reachable set.
func (m *SnapshotManager) LoadSet(ctx context.Context) (ReachableSet, error) {
	bin, err := m.ds.Get(ctx, setKey)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load reachable set: %w", err)
	}
	return unmarshalSet(bin)
}

// Clear forgets the snapshot and its reachable set.
func (m *SnapshotManager) Clear(ctx context.Context) error {
	m.lk.Lock()
	m.current = nil
	m.lk.Unlock()
	return errors.Join(m.ds.Delete(ctx, snapshotKey), m.ds.Delete(ctx, setKey))
}
