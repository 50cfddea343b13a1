package pruner

import (
	"context"
	"errors"
	"fmt"

	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/store"
)

// ErrChangesetGap is returned when the changeset stream no longer covers the requested range.
var ErrChangesetGap = errors.New("pruner: changeset stream has a gap")

// ReplayReport summarizes a replay.
type ReplayReport struct {
	From       uint64   `json:"from"`
	To         uint64   `json:"to"`
	Changesets int      `json:"changesets"`
	Added      uint64   `json:"added"`
	Removed    uint64   `json:"removed"`
	FinalRoot  smt.Hash `json:"final_root"`
}

// Replayer brings a reachable set built at a snapshot forward by applying committed changesets
// instead of rescanning.
type Replayer struct {
	store *store.Store
}

func NewReplayer(s *store.Store) *Replayer {
	return &Replayer{store: s}
}

// Replay applies the changesets in (base.Version, toVersion] to set.
func (r *Replayer) Replay(
	ctx context.Context,
	base *Snapshot,
	set ReachableSet,
	toVersion uint64,
	removals bool,
) (*ReplayReport, error) {
	return r.ReplayRange(ctx, base.Version, toVersion, set, removals)
}

// ReplayRange applies the changesets in (from, to] to set. Added nodes are always inserted. Every
// child of an added node is either added by the same changeset or part of the previous root, so
// inserting additions keeps the set a superset of the nodes reachable from the new roots.
//
// With removals enabled and a RemovableSet, the nodes each changeset released from the tree are
// removed as well, which keeps an exact set equal to the nodes of the latest root when the set
// started from the nodes of the root at from.
func (r *Replayer) ReplayRange(
	ctx context.Context,
	from, to uint64,
	set ReachableSet,
	removals bool,
) (*ReplayReport, error) {
	report := &ReplayReport{From: from, To: to}
	if to <= from {
		root, err := r.store.RootAt(ctx, from)
		if err != nil && !errors.Is(err, store.ErrUnknownVersion) {
			return nil, err
		}
		report.FinalRoot = root
		return report, nil
	}

	records, err := r.store.Changesets(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if uint64(len(records)) != to-from || records[0].Version != from+1 {
		return nil, fmt.Errorf("%w: want versions %d..%d, have %d records", ErrChangesetGap, from+1, to, len(records))
	}

	removable, canRemove := set.(RemovableSet)
	removals = removals && canRemove

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, h := range record.Added {
			set.Insert(h)
		}
		report.Added += uint64(len(record.Added))

		if removals {
			for _, h := range record.Released {
				removable.Remove(h)
			}
			report.Removed += uint64(len(record.Released))
		}
		report.Changesets++
		report.FinalRoot = record.NewRoot
	}

	log.Debugw("replayed changesets",
		"from", from,
		"to", to,
		"changesets", report.Changesets,
		"added", report.Added,
		"removed", report.Removed,
	)
	return report, nil
}
