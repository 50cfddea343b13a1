package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/multiformats/go-varint"

	"github.com/smtnode/smtnode/smt"
)

// ChangeRecord is the persisted form of a committed changeset. It keeps node hashes only; the node
// bytes live in the node column.
type ChangeRecord struct {
	Version  uint64
	PrevRoot smt.Hash
	NewRoot  smt.Hash
	// Added lists the nodes written by the commit and the stored nodes it linked back into the tree.
	Added []smt.Hash
	// Superseded lists every node that got a stale entry.
	Superseded []smt.Hash
	// Released lists the nodes no longer reachable from NewRoot that were reachable from PrevRoot.
	Released []smt.Hash
}

// Commit persists a changeset atomically: added nodes, one stale entry per superseded or
// released node, refcount updates, the root/version index, the new head and the changeset
// record. The changeset version must be exactly one above the current head. The caller holds the
// CommitLock.
func (s *Store) Commit(ctx context.Context, cs *smt.ChangeSet) error {
	tNow := time.Now()
	headVersion, headRoot, err := s.Head(ctx)
	if err != nil {
		return err
	}
	if cs.Version != headVersion+1 || cs.PrevRoot != headRoot {
		return fmt.Errorf("%w: head %d/%s, changeset %d on %s",
			ErrVersionMismatch, headVersion, headRoot.Short(), cs.Version, cs.PrevRoot.Short())
	}

	batch, err := s.NewBatch(ctx)
	if err != nil {
		return err
	}

	refs := newRefcounts(s, cs.Added)
	// retain the new tree before releasing the old one so shared nodes never touch zero
	if err := refs.retain(ctx, cs.NewRoot); err != nil {
		return err
	}
	if err := refs.release(ctx, cs.PrevRoot); err != nil {
		return err
	}

	record := &ChangeRecord{
		Version:    cs.Version,
		PrevRoot:   cs.PrevRoot,
		NewRoot:    cs.NewRoot,
		Added:      make([]smt.Hash, 0, len(cs.Added)+len(refs.relinked)),
		Superseded: make([]smt.Hash, 0, len(cs.Superseded)+len(refs.released)),
		Released:   refs.released,
	}
	for _, blob := range cs.Added {
		if err := batch.PutNode(ctx, blob.Hash, blob.Bytes); err != nil {
			return err
		}
		record.Added = append(record.Added, blob.Hash)
	}
	record.Added = append(record.Added, refs.relinked...)

	stale := make(map[smt.Hash]struct{}, len(cs.Superseded)+len(refs.released))
	for _, list := range [][]smt.Hash{cs.Superseded, refs.released} {
		for _, h := range list {
			if _, ok := stale[h]; ok {
				continue
			}
			stale[h] = struct{}{}
			entry := StaleEntry{Version: cs.Version, Root: cs.NewRoot, Node: h}
			if err := batch.PutStale(ctx, entry); err != nil {
				return err
			}
			record.Superseded = append(record.Superseded, h)
		}
	}
	for h, count := range refs.counts {
		if err := batch.SetRefcount(ctx, h, count); err != nil {
			return err
		}
	}

	if !cs.NewRoot.IsZero() {
		if err := batch.Put(ctx, rootKey(cs.NewRoot), encodeUvarint(cs.Version)); err != nil {
			return err
		}
	}
	if err := batch.Put(ctx, versionKey(cs.Version), cs.NewRoot[:]); err != nil {
		return err
	}
	if err := batch.Put(ctx, headKey, encodeHead(cs.Version, cs.NewRoot)); err != nil {
		return err
	}
	if err := batch.Put(ctx, changesetKey(cs.Version), record.marshal()); err != nil {
		return err
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	s.metrics.observeCommit(ctx, time.Since(tNow), len(cs.Added), len(record.Superseded))
	log.Debugw("committed changeset",
		"version", cs.Version,
		"root", cs.NewRoot.Short(),
		"added", len(cs.Added),
		"superseded", len(record.Superseded),
		"released", len(record.Released),
	)
	return nil
}

// Changesets returns the persisted changesets with versions in (from, to], in version order.
func (s *Store) Changesets(ctx context.Context, from, to uint64) ([]*ChangeRecord, error) {
	if to <= from {
		return nil, nil
	}
	q := query.Query{
		Prefix: changesetsPrefix,
		Orders: []query.Order{query.OrderByKey{}},
		Filters: []query.Filter{
			query.FilterKeyCompare{Op: query.GreaterThan, Key: changesetKey(from).String()},
			query.FilterKeyCompare{Op: query.LessThanOrEqual, Key: changesetKey(to).String()},
		},
	}
	results, err := s.ds.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying changesets: %w", err)
	}
	defer results.Close()

	var records []*ChangeRecord
	for {
		res, ok := results.NextSync()
		if !ok {
			break
		}
		if res.Error != nil {
			return nil, fmt.Errorf("iterating changesets: %w", res.Error)
		}
		record, err := unmarshalChangeRecord(res.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding changeset %s: %w", res.Key, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// TruncateChangesets deletes changeset records at or below version and returns how many were
// removed.
func (s *Store) TruncateChangesets(ctx context.Context, version uint64) (int, error) {
	q := query.Query{
		Prefix:   changesetsPrefix,
		KeysOnly: true,
		Filters: []query.Filter{
			query.FilterKeyCompare{Op: query.LessThanOrEqual, Key: changesetKey(version).String()},
		},
	}
	results, err := s.ds.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("querying changesets: %w", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return 0, fmt.Errorf("iterating changesets: %w", err)
	}

	batch, err := s.NewBatch(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := batch.Delete(ctx, datastore.NewKey(e.Key)); err != nil {
			return 0, err
		}
	}
	return len(entries), batch.Commit(ctx)
}

func (r *ChangeRecord) marshal() []byte {
	size := varint.UvarintSize(r.Version) + 2*smt.HashSize +
		varint.UvarintSize(uint64(len(r.Added))) + len(r.Added)*smt.HashSize +
		varint.UvarintSize(uint64(len(r.Superseded))) + len(r.Superseded)*smt.HashSize +
		varint.UvarintSize(uint64(len(r.Released))) + len(r.Released)*smt.HashSize
	out := make([]byte, 0, size)
	out = append(out, varint.ToUvarint(r.Version)...)
	out = append(out, r.PrevRoot[:]...)
	out = append(out, r.NewRoot[:]...)
	for _, list := range [][]smt.Hash{r.Added, r.Superseded, r.Released} {
		out = append(out, varint.ToUvarint(uint64(len(list)))...)
		for _, h := range list {
			out = append(out, h[:]...)
		}
	}
	return out
}

var errShortRecord = errors.New("short changeset record")

func unmarshalChangeRecord(b []byte) (*ChangeRecord, error) {
	r := &ChangeRecord{}
	version, n, err := varint.FromUvarint(b)
	if err != nil {
		return nil, err
	}
	r.Version = version
	b = b[n:]
	if len(b) < 2*smt.HashSize {
		return nil, errShortRecord
	}
	copy(r.PrevRoot[:], b[:smt.HashSize])
	copy(r.NewRoot[:], b[smt.HashSize:2*smt.HashSize])
	b = b[2*smt.HashSize:]

	lists := [3]*[]smt.Hash{&r.Added, &r.Superseded, &r.Released}
	for _, list := range lists {
		count, n, err := varint.FromUvarint(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if count > uint64(len(b)/smt.HashSize) {
			return nil, errShortRecord
		}
		*list = make([]smt.Hash, count)
		for i := range *list {
			copy((*list)[i][:], b[:smt.HashSize])
			b = b[smt.HashSize:]
		}
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes in changeset record", len(b))
	}
	return r, nil
}

func encodeHead(version uint64, root smt.Hash) []byte {
	return append(varint.ToUvarint(version), root[:]...)
}

func decodeHead(b []byte) (uint64, smt.Hash, error) {
	version, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, smt.ZeroHash, fmt.Errorf("decoding head: %w", err)
	}
	root, err := smt.HashFromBytes(b[n:])
	if err != nil {
		return 0, smt.ZeroHash, fmt.Errorf("decoding head: %w", err)
	}
	return version, root, nil
}
