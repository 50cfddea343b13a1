package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ipfs/go-datastore"

	"github.com/smtnode/smtnode/smt"
)

// Column prefixes of the node datastore. Every column lives in the same datastore so a single
// batch can span several of them atomically.
const (
	nodesPrefix      = "/nodes"
	stalePrefix      = "/stale"
	refcountPrefix   = "/refcount"
	rootsPrefix      = "/roots"
	versionsPrefix   = "/versions"
	changesetsPrefix = "/changesets"
)

var headKey = datastore.NewKey("/head")

func nodeKey(h smt.Hash) datastore.Key {
	return datastore.NewKey(nodesPrefix + "/" + h.String())
}

func refcountKey(h smt.Hash) datastore.Key {
	return datastore.NewKey(refcountPrefix + "/" + h.String())
}

func rootKey(root smt.Hash) datastore.Key {
	return datastore.NewKey(rootsPrefix + "/" + root.String())
}

// versions are fixed width hex so key order matches numeric order
func versionSegment(version uint64) string {
	return fmt.Sprintf("%016x", version)
}

func versionKey(version uint64) datastore.Key {
	return datastore.NewKey(versionsPrefix + "/" + versionSegment(version))
}

func changesetKey(version uint64) datastore.Key {
	return datastore.NewKey(changesetsPrefix + "/" + versionSegment(version))
}

func parseVersionSegment(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("store: invalid version segment %q", s)
	}
	return strconv.ParseUint(s, 16, 64)
}

// lastSegment returns the part of a key after its final slash.
func lastSegment(key string) string {
	return key[strings.LastIndexByte(key, '/')+1:]
}
