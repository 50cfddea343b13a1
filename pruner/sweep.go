package pruner

import (
	"context"
	"errors"
	"time"

	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/store"
)

// SweepResult reports one sweep batch.
type SweepResult struct {
	// Scanned is the number of stale entries looked at.
	Scanned int `json:"scanned"`
	// Deleted nodes were moved to the recycle bin.
	Deleted int `json:"deleted"`
	// Retained nodes are still reachable; their entries stay for a later cycle.
	Retained int `json:"retained"`
	// Resurrected nodes were written again after becoming stale; their entries are cleared.
	Resurrected int `json:"resurrected"`
	// Missing nodes were already gone; their entries are cleared.
	Missing int   `json:"missing"`
	Bytes   int64 `json:"bytes"`
	// Cursor is the last consumed stale index key.
	Cursor string `json:"cursor"`
	// Done is set once the index holds nothing more up to the cutoff.
	Done bool `json:"done"`
}

func (r *SweepResult) add(o *SweepResult) {
	r.Scanned += o.Scanned
	r.Deleted += o.Deleted
	r.Retained += o.Retained
	r.Resurrected += o.Resurrected
	r.Missing += o.Missing
	r.Bytes += o.Bytes
	r.Cursor = o.Cursor
	r.Done = o.Done
}

// Sweeper removes stale nodes that are neither referenced nor reachable.
type Sweeper struct {
	store       *store.Store
	bin         *recycle.Bin
	lockTimeout time.Duration

	metrics *metrics
}

func NewSweeper(s *store.Store, bin *recycle.Bin, lockTimeout time.Duration) *Sweeper {
	return &Sweeper{store: s, bin: bin, lockTimeout: lockTimeout}
}

// Sweep processes one batch of stale entries up to the version of cutoffRoot.
func (s *Sweeper) Sweep(
	ctx context.Context,
	cutoffRoot smt.Hash,
	batchSize int,
	cursor string,
	reach ReachableSet,
) (*SweepResult, error) {
	version, err := s.store.Version(ctx, cutoffRoot)
	if err != nil {
		return nil, err
	}
	return s.SweepBatch(ctx, version, batchSize, cursor, reach)
}

// SweepBatch processes up to batchSize stale entries with version at most cutoffVersion, after
// cursor. A node is removed only if its refcount is zero and reach does not contain it. Removed
// nodes are written to the recycle bin and deleted from the store together with their index rows
// in one batch; nothing is written if any step fails. The refcount check and the commit happen
// under the commit lock so a concurrent writer cannot resurrect a node in between.
func (s *Sweeper) SweepBatch(
	ctx context.Context,
	cutoffVersion uint64,
	batchSize int,
	cursor string,
	reach ReachableSet,
) (*SweepResult, error) {
	entries, err := s.store.ListBefore(ctx, cutoffVersion, cursor, batchSize)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{
		Scanned: len(entries),
		Cursor:  cursor,
		Done:    len(entries) < batchSize,
	}
	if len(entries) == 0 {
		return res, nil
	}

	type candidate struct {
		entry store.StaleEntry
		bytes []byte
	}
	var (
		candidates []candidate
		cleared    []store.StaleEntry
	)
	for _, e := range entries {
		if reach.MightContain(e.Node) {
			res.Retained++
			continue
		}
		b, err := s.store.GetNode(ctx, e.Node)
		if errors.Is(err, smt.ErrMissingNode) {
			res.Missing++
			cleared = append(cleared, e)
			continue
		}
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{entry: e, bytes: b})
	}

	lock := s.store.CommitLock()
	if err := lock.Acquire(ctx, s.lockTimeout); err != nil {
		return nil, err
	}
	defer lock.Release()

	batch, err := s.store.NewBatch(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range cleared {
		if err := batch.DeleteStale(ctx, e); err != nil {
			return nil, err
		}
	}

	removed := make(map[smt.Hash]struct{}, len(candidates))
	for _, c := range candidates {
		h := c.entry.Node
		if err := batch.DeleteStale(ctx, c.entry); err != nil {
			return nil, err
		}
		if _, ok := removed[h]; ok {
			// another entry of this batch already removed the node
			res.Missing++
			continue
		}

		count, err := s.store.Refcount(ctx, h)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			res.Resurrected++
			continue
		}

		err = s.bin.Stage(ctx, batch, &recycle.Entry{
			Hash:              h,
			Bytes:             c.bytes,
			StaleSinceRoot:    c.entry.Root,
			StaleSinceVersion: c.entry.Version,
		})
		if err != nil {
			return nil, err
		}
		if err := batch.DeleteNode(ctx, h); err != nil {
			return nil, err
		}
		if err := batch.SetRefcount(ctx, h, 0); err != nil {
			return nil, err
		}
		removed[h] = struct{}{}
		res.Deleted++
		res.Bytes += int64(len(c.bytes))
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}

	res.Cursor = entries[len(entries)-1].Key().String()
	s.metrics.observeSweep(ctx, res.Deleted)
	log.Debugw("sweep batch",
		"cutoff", cutoffVersion,
		"scanned", res.Scanned,
		"deleted", res.Deleted,
		"retained", res.Retained,
		"resurrected", res.Resurrected,
		"missing", res.Missing,
	)
	return res, nil
}
