package smt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrMissingNode is returned by a NodeReader when the requested node is absent.
var ErrMissingNode = errors.New("smt: missing node")

// NodeReader resolves encoded nodes by hash.
type NodeReader interface {
	GetNode(ctx context.Context, h Hash) ([]byte, error)
}

// NodeBlob is an encoded node together with its hash.
type NodeBlob struct {
	Hash  Hash
	Bytes []byte
}

// ChangeSet is the outcome of one commit: the nodes it wrote and the previously committed nodes
// it replaced.
type ChangeSet struct {
	Version    uint64
	PrevRoot   Hash
	NewRoot    Hash
	Added      []NodeBlob
	Superseded []Hash
}

// Tree is a copy-on-write 16-ary radix tree keyed by 32 byte keys. Mutations create new nodes in
// memory; Finalize collects them into a ChangeSet. Tree is not safe for concurrent use.
type Tree struct {
	reader NodeReader
	base   Hash
	root   Hash

	pending    map[Hash][]byte
	committed  map[Hash]struct{}
	superseded map[Hash]struct{}
}

// NewTree opens a tree at the given root. ZeroHash opens an empty tree.
func NewTree(r NodeReader, root Hash) *Tree {
	return &Tree{
		reader:     r,
		base:       root,
		root:       root,
		pending:    make(map[Hash][]byte),
		committed:  make(map[Hash]struct{}),
		superseded: make(map[Hash]struct{}),
	}
}

// Nested opens a nested tree sharing this tree's pending writes, so nodes written through it end
// up in this tree's ChangeSet once referenced by a table leaf.
func (t *Tree) Nested(root Hash) *Tree {
	return &Tree{
		reader:     t.reader,
		base:       root,
		root:       root,
		pending:    t.pending,
		committed:  t.committed,
		superseded: t.superseded,
	}
}

func (t *Tree) Root() Hash {
	return t.root
}

// Get returns the payload stored under key.
func (t *Tree) Get(ctx context.Context, key Hash) ([]byte, bool, error) {
	at := t.root
	for depth := 0; depth < 2*HashSize; depth++ {
		if at.IsZero() {
			return nil, false, nil
		}
		n, err := t.load(ctx, at)
		if err != nil {
			return nil, false, err
		}
		if n.Kind == KindLeaf {
			if n.Key != key {
				return nil, false, nil
			}
			return n.Payload, true, nil
		}
		at = n.Children[key.Nibble(depth)]
	}
	return nil, false, fmt.Errorf("%w: path for %s exceeds key length", ErrMalformedNode, key)
}

// Put stores a plain value under key.
func (t *Tree) Put(ctx context.Context, key Hash, value []byte) error {
	if len(value) == TablePayloadSize {
		return ErrReservedValueLength
	}
	return t.putLeaf(ctx, NewLeaf(key, value))
}

// PutTable stores a leaf referencing the nested tree rooted at root.
func (t *Tree) PutTable(ctx context.Context, key, root Hash, count uint32) error {
	return t.putLeaf(ctx, NewLeaf(key, TablePayload(root, count)))
}

func (t *Tree) putLeaf(ctx context.Context, leaf *Node) error {
	root, err := t.insert(ctx, t.root, 0, leaf)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// Delete removes key from the tree, reporting whether it was present.
func (t *Tree) Delete(ctx context.Context, key Hash) (bool, error) {
	root, found, err := t.remove(ctx, t.root, 0, key)
	if err != nil || !found {
		return false, err
	}
	t.root = root
	return true, nil
}

// DropSubtree marks every committed node reachable from root as superseded. It is used when a
// table leaf is deleted together with its nested tree.
func (t *Tree) DropSubtree(ctx context.Context, root Hash) error {
	queue := []Hash{root}
	seen := make(map[Hash]struct{})
	for len(queue) > 0 {
		h := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if h.IsZero() {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		b, ok := t.pending[h]
		if !ok {
			var err error
			b, err = t.reader.GetNode(ctx, h)
			if err != nil {
				return err
			}
			t.superseded[h] = struct{}{}
		}
		children, err := ChildHashes(b)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", h, err)
		}
		queue = append(queue, children...)
	}
	return nil
}

// Finalize collects the nodes written since the tree was opened, or since the previous call, into
// a ChangeSet. Intermediate nodes no longer referenced from the new root are dropped and nodes that
// were both replaced and written again cancel out.
func (t *Tree) Finalize(version uint64) *ChangeSet {
	cs := &ChangeSet{
		Version:  version,
		PrevRoot: t.base,
		NewRoot:  t.root,
	}

	added := make(map[Hash]struct{})
	queue := []Hash{t.root}
	for len(queue) > 0 {
		h := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		b, ok := t.pending[h]
		if !ok {
			continue
		}
		if _, ok := added[h]; ok {
			continue
		}
		added[h] = struct{}{}
		// pending bytes were produced by Encode, so they always decode
		children, _ := ChildHashes(b)
		queue = append(queue, children...)
		if _, ok := t.superseded[h]; ok {
			continue
		}
		cs.Added = append(cs.Added, NodeBlob{Hash: h, Bytes: b})
	}
	for h := range t.superseded {
		if _, ok := added[h]; ok {
			continue
		}
		cs.Superseded = append(cs.Superseded, h)
	}

	slices.SortFunc(cs.Added, func(a, b NodeBlob) int { return bytes.Compare(a.Hash[:], b.Hash[:]) })
	slices.SortFunc(cs.Superseded, func(a, b Hash) int { return bytes.Compare(a[:], b[:]) })

	t.base = t.root
	t.pending = make(map[Hash][]byte)
	t.committed = make(map[Hash]struct{})
	t.superseded = make(map[Hash]struct{})
	return cs
}

func (t *Tree) insert(ctx context.Context, at Hash, depth int, leaf *Node) (Hash, error) {
	if at.IsZero() {
		return t.store(leaf), nil
	}
	n, err := t.load(ctx, at)
	if err != nil {
		return ZeroHash, err
	}

	if n.Kind == KindLeaf {
		if n.Key == leaf.Key {
			t.replace(at)
			return t.store(leaf), nil
		}
		// the existing leaf is kept as is and only moves below new internal nodes
		return t.split(depth, at, n.Key, leaf), nil
	}

	if depth >= 2*HashSize {
		return ZeroHash, fmt.Errorf("%w: internal node %s below maximum depth", ErrMalformedNode, at)
	}
	idx := leaf.Key.Nibble(depth)
	child, err := t.insert(ctx, n.Children[idx], depth+1, leaf)
	if err != nil {
		return ZeroHash, err
	}
	t.replace(at)
	n.Children[idx] = child
	return t.store(n), nil
}

func (t *Tree) split(depth int, existing, existingKey Hash, leaf *Node) Hash {
	n := &Node{Kind: KindInternal}
	a, b := existingKey.Nibble(depth), leaf.Key.Nibble(depth)
	if a == b {
		n.Children[a] = t.split(depth+1, existing, existingKey, leaf)
	} else {
		n.Children[a] = existing
		n.Children[b] = t.store(leaf)
	}
	return t.store(n)
}

func (t *Tree) remove(ctx context.Context, at Hash, depth int, key Hash) (Hash, bool, error) {
	if at.IsZero() {
		return ZeroHash, false, nil
	}
	n, err := t.load(ctx, at)
	if err != nil {
		return ZeroHash, false, err
	}

	if n.Kind == KindLeaf {
		if n.Key != key {
			return at, false, nil
		}
		t.replace(at)
		return ZeroHash, true, nil
	}

	if depth >= 2*HashSize {
		return ZeroHash, false, fmt.Errorf("%w: internal node %s below maximum depth", ErrMalformedNode, at)
	}
	idx := key.Nibble(depth)
	child, found, err := t.remove(ctx, n.Children[idx], depth+1, key)
	if err != nil || !found {
		return at, false, err
	}
	t.replace(at)
	n.Children[idx] = child

	switch n.ChildCount() {
	case 0:
		return ZeroHash, true, nil
	case 1:
		// a lone leaf moves up to keep the tree canonical
		var only Hash
		for _, c := range n.Children {
			if !c.IsZero() {
				only = c
			}
		}
		on, err := t.load(ctx, only)
		if err != nil {
			return ZeroHash, false, err
		}
		if on.Kind == KindLeaf {
			return only, true, nil
		}
	}
	return t.store(n), true, nil
}

func (t *Tree) load(ctx context.Context, h Hash) (*Node, error) {
	b, ok := t.pending[h]
	if !ok {
		var err error
		b, err = t.reader.GetNode(ctx, h)
		if err != nil {
			return nil, err
		}
		t.committed[h] = struct{}{}
	}
	n, err := DecodeNode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", h, err)
	}
	return n, nil
}

func (t *Tree) store(n *Node) Hash {
	b := n.Encode()
	h := HashNode(b)
	t.pending[h] = b
	return h
}

// replace records that a node on the current path is being rewritten. Only nodes read from the
// store are tracked since nodes created by this tree never reached it.
func (t *Tree) replace(h Hash) {
	if _, ok := t.committed[h]; ok {
		t.superseded[h] = struct{}{}
	}
}
