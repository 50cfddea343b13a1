package store

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"

	"github.com/smtnode/smtnode/smt"
)

// StaleEntry records that Node stopped being referenced by the tree when Root was committed at
// Version. Entries are ordered by version first, so a prefix of the index covers every node that
// became stale up to some version.
type StaleEntry struct {
	Version uint64
	Root    smt.Hash
	Node    smt.Hash
}

func (e StaleEntry) Key() datastore.Key {
	return datastore.NewKey(strings.Join([]string{
		stalePrefix, versionSegment(e.Version), e.Root.String(), e.Node.String(),
	}, "/"))
}

// ParseStaleKey decodes a stale index key.
func ParseStaleKey(key string) (StaleEntry, error) {
	parts := strings.Split(strings.TrimPrefix(key, stalePrefix+"/"), "/")
	if !strings.HasPrefix(key, stalePrefix+"/") || len(parts) != 3 {
		return StaleEntry{}, fmt.Errorf("store: malformed stale key %q", key)
	}
	version, err := parseVersionSegment(parts[0])
	if err != nil {
		return StaleEntry{}, err
	}
	root, err := smt.ParseHash(parts[1])
	if err != nil {
		return StaleEntry{}, err
	}
	node, err := smt.ParseHash(parts[2])
	if err != nil {
		return StaleEntry{}, err
	}
	return StaleEntry{Version: version, Root: root, Node: node}, nil
}

// ListBefore returns up to limit stale entries in index order whose version is at most
// cutoffVersion and whose key sorts after the cursor. An empty cursor starts from the beginning.
func (s *Store) ListBefore(ctx context.Context, cutoffVersion uint64, cursor string, limit int) ([]StaleEntry, error) {
	q := query.Query{
		Prefix:   stalePrefix,
		Orders:   []query.Order{query.OrderByKey{}},
		Limit:    limit,
		KeysOnly: true,
	}
	if cutoffVersion < math.MaxUint64 {
		upper := stalePrefix + "/" + versionSegment(cutoffVersion+1)
		q.Filters = append(q.Filters, query.FilterKeyCompare{Op: query.LessThan, Key: upper})
	}
	if cursor != "" {
		q.Filters = append(q.Filters, query.FilterKeyCompare{Op: query.GreaterThan, Key: cursor})
	}

	results, err := s.ds.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying stale index: %w", err)
	}
	defer results.Close()

	var entries []StaleEntry
	for {
		res, ok := results.NextSync()
		if !ok {
			break
		}
		if res.Error != nil {
			return nil, fmt.Errorf("iterating stale index: %w", res.Error)
		}
		e, err := ParseStaleKey(res.Key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountStale returns the number of stale entries with version at most cutoffVersion.
func (s *Store) CountStale(ctx context.Context, cutoffVersion uint64) (int, error) {
	var (
		count  int
		cursor string
	)
	for {
		entries, err := s.ListBefore(ctx, cutoffVersion, cursor, 1024)
		if err != nil {
			return 0, err
		}
		count += len(entries)
		if len(entries) < 1024 {
			return count, nil
		}
		cursor = entries[len(entries)-1].Key().String()
	}
}
