package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/sync/errgroup"

	"github.com/smtnode/smtnode/smt"
)

// ErrCorruption is returned when a node reachable from a live root is missing or undecodable.
var ErrCorruption = errors.New("pruner: reachable node missing or corrupt")

// CorruptionError names the node that could not be loaded and the node referencing it.
type CorruptionError struct {
	Node   smt.Hash
	Parent smt.Hash
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Parent.IsZero() {
		return fmt.Sprintf("pruner: root %s: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("pruner: node %s referenced by %s: %v", e.Node, e.Parent, e.Err)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruption, e.Err}
}

// ScanStats summarizes a reachability scan.
type ScanStats struct {
	Roots    int           `json:"roots"`
	Nodes    uint64        `json:"nodes"`
	Internal uint64        `json:"internal"`
	Leaves   uint64        `json:"leaves"`
	Nested   uint64        `json:"nested"`
	Levels   int           `json:"levels"`
	Duration time.Duration `json:"duration"`
}

// Scanner walks the trees below a set of roots level by level. Nested roots embedded in leaves
// are followed like regular children, so shared sub-trees are visited once.
type Scanner struct {
	nodes       smt.NodeReader
	concurrency int
	// spill keeps the visited set in the datastore instead of memory when set.
	spill datastore.Batching

	metrics *metrics
}

func NewScanner(nodes smt.NodeReader, concurrency int) *Scanner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scanner{nodes: nodes, concurrency: concurrency}
}

// WithSpill makes the scanner track visited nodes under the given datastore rather than in
// memory. The namespace is cleared before and after every scan.
func (s *Scanner) WithSpill(ds datastore.Batching) *Scanner {
	s.spill = ds
	return s
}

type scanItem struct {
	node   smt.Hash
	parent smt.Hash
}

// Scan inserts every node reachable from roots into set. The context is checked between levels.
func (s *Scanner) Scan(ctx context.Context, roots []smt.Hash, set ReachableSet) (ScanStats, error) {
	start := time.Now()
	stats := ScanStats{Roots: len(roots)}

	visited, err := s.newVisited(ctx)
	if err != nil {
		return stats, err
	}
	defer func() {
		if err := visited.close(context.Background()); err != nil {
			log.Warnw("clearing scan spill", "err", err)
		}
	}()

	frontier := make([]scanItem, 0, len(roots))
	for _, root := range roots {
		frontier = append(frontier, scanItem{node: root})
	}
	frontier, err = visited.filter(ctx, frontier)
	if err != nil {
		return stats, err
	}

	var internal, leaves, nested atomic.Uint64
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		next := make([][]scanItem, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i, item := range frontier {
			g.Go(func() error {
				b, err := s.nodes.GetNode(gctx, item.node)
				if err != nil {
					if errors.Is(err, smt.ErrMissingNode) {
						return &CorruptionError{Node: item.node, Parent: item.parent, Err: err}
					}
					return err
				}
				n, err := smt.DecodeNode(b)
				if err != nil {
					return &CorruptionError{Node: item.node, Parent: item.parent, Err: err}
				}

				set.Insert(item.node)
				var children []scanItem
				switch n.Kind {
				case smt.KindInternal:
					internal.Add(1)
					children = make([]scanItem, 0, n.ChildCount())
					for _, c := range n.Children {
						if !c.IsZero() {
							children = append(children, scanItem{node: c, parent: item.node})
						}
					}
				case smt.KindLeaf:
					leaves.Add(1)
					if root, ok := smt.NestedRoot(n.Payload); ok {
						nested.Add(1)
						children = append(children, scanItem{node: root, parent: item.node})
					}
				}
				next[i] = children
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}

		stats.Nodes += uint64(len(frontier))
		stats.Levels++

		var flat []scanItem
		for _, children := range next {
			flat = append(flat, children...)
		}
		frontier, err = visited.filter(ctx, flat)
		if err != nil {
			return stats, err
		}
	}

	stats.Internal, stats.Leaves, stats.Nested = internal.Load(), leaves.Load(), nested.Load()
	stats.Duration = time.Since(start)
	s.metrics.observeScan(ctx, stats.Nodes)
	log.Debugw("reachability scan finished",
		"roots", stats.Roots,
		"nodes", stats.Nodes,
		"nested", stats.Nested,
		"levels", stats.Levels,
		"took", stats.Duration,
	)
	return stats, nil
}

// visitedSet deduplicates scan items across levels.
type visitedSet interface {
	// filter drops zero hashes and hashes seen before, and marks the rest as seen.
	filter(ctx context.Context, items []scanItem) ([]scanItem, error)
	close(ctx context.Context) error
}

func (s *Scanner) newVisited(ctx context.Context) (visitedSet, error) {
	if s.spill == nil {
		return &memVisited{seen: mapset.NewThreadUnsafeSet[smt.Hash]()}, nil
	}
	v := &spillVisited{ds: s.spill}
	return v, v.close(ctx)
}

type memVisited struct {
	seen mapset.Set[smt.Hash]
}

func (v *memVisited) filter(_ context.Context, items []scanItem) ([]scanItem, error) {
	out := items[:0]
	for _, item := range items {
		if item.node.IsZero() || !v.seen.Add(item.node) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (v *memVisited) close(context.Context) error {
	v.seen.Clear()
	return nil
}

type spillVisited struct {
	ds datastore.Batching
}

func (v *spillVisited) filter(ctx context.Context, items []scanItem) ([]scanItem, error) {
	batch, err := v.ds.Batch(ctx)
	if err != nil {
		return nil, err
	}
	level := make(map[smt.Hash]struct{}, len(items))
	out := items[:0]
	for _, item := range items {
		if item.node.IsZero() {
			continue
		}
		if _, ok := level[item.node]; ok {
			continue
		}
		key := datastore.NewKey(item.node.String())
		seen, err := v.ds.Has(ctx, key)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}
		level[item.node] = struct{}{}
		if err := batch.Put(ctx, key, nil); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, batch.Commit(ctx)
}

func (v *spillVisited) close(ctx context.Context) error {
	results, err := v.ds.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return err
	}
	entries, err := results.Rest()
	if err != nil {
		return err
	}
	batch, err := v.ds.Batch(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := batch.Delete(ctx, datastore.NewKey(e.Key)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}
