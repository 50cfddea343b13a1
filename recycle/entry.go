package recycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"

	"github.com/smtnode/smtnode/smt"
)

const keyPrefix = "/recycle"

// Entry is a node removed by the pruner, kept so an operator can inspect or restore it.
type Entry struct {
	Hash              smt.Hash  `json:"hash"`
	Bytes             []byte    `json:"bytes"`
	RemovedAt         time.Time `json:"removed_at"`
	StaleSinceRoot    smt.Hash  `json:"stale_since_root"`
	StaleSinceVersion uint64    `json:"stale_since_version"`
	Size              int       `json:"size"`
}

func entryKey(h smt.Hash) datastore.Key {
	return datastore.NewKey(keyPrefix + "/" + h.String())
}

func marshalEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recycle entry: %w", err)
	}
	return &e, nil
}

// Dump is the decoded view of an entry used for operator inspection.
type Dump struct {
	*Entry
	// HashValid reports whether the stored bytes still hash to the entry key.
	HashValid  bool       `json:"hash_valid"`
	Kind       string     `json:"kind"`
	Children   []smt.Hash `json:"children,omitempty"`
	LeafKey    *smt.Hash  `json:"leaf_key,omitempty"`
	NestedRoot *smt.Hash  `json:"nested_root,omitempty"`
	DecodeErr  string     `json:"decode_error,omitempty"`
}

func newDump(e *Entry) *Dump {
	d := &Dump{
		Entry:     e,
		HashValid: smt.HashNode(e.Bytes) == e.Hash,
	}
	n, err := smt.DecodeNode(e.Bytes)
	if err != nil {
		d.Kind = "invalid"
		d.DecodeErr = err.Error()
		return d
	}
	d.Kind = n.Kind.String()
	switch n.Kind {
	case smt.KindInternal:
		for _, c := range n.Children {
			if !c.IsZero() {
				d.Children = append(d.Children, c)
			}
		}
	case smt.KindLeaf:
		leafKey := n.Key
		d.LeafKey = &leafKey
		if root, ok := smt.NestedRoot(n.Payload); ok {
			d.NestedRoot = &root
		}
	}
	return d
}
