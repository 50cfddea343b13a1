package nodebuilder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/ipfs/go-datastore"
	dsbadger "github.com/ipfs/go-ds-badger4"
	"github.com/mitchellh/go-homedir"
)

var (
	// ErrOpened is thrown on attempt to open already open/in-use Store.
	ErrOpened = errors.New("node: store is in use")
	// ErrNotInited is thrown on attempt to open Store without initialization.
	ErrNotInited = errors.New("node: store is not initialized")
)

// Store encapsulates storage for the Node. Basically, it is the Store of all Stores.
// It provides access for the Node data stored in root directory e.g. '~/.smtnode'.
type Store interface {
	// Path reports the FileSystem path of Store.
	Path() string

	// Datastore provides a Datastore - a KV store holding the state tree, its indexes, the recycle
	// bin and the pruner progress.
	Datastore() (datastore.Batching, error)

	// Config loads the stored Node config.
	Config() (*Config, error)

	// PutConfig alters the stored Node config.
	PutConfig(*Config) error

	// Close closes the Store freeing up acquired resources and locks.
	Close() error
}

// OpenStore creates new FS Store under the given 'path'.
// To be opened the Store must be initialized first, otherwise ErrNotInited is thrown.
// OpenStore takes a file Lock on directory, hence only one Store can be opened at a time under the
// given 'path', otherwise ErrOpened is thrown.
func OpenStore(path string) (Store, error) {
	path, err := storePath(path)
	if err != nil {
		return nil, err
	}

	dirLock := flock.New(lockPath(path))
	ok, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking store: %w", err)
	}
	if !ok {
		return nil, ErrOpened
	}

	if !IsInit(path) {
		dirLock.Unlock() //nolint: errcheck
		return nil, ErrNotInited
	}

	return &fsStore{
		path:    path,
		dirLock: dirLock,
	}, nil
}

func (f *fsStore) Path() string {
	return f.path
}

func (f *fsStore) Config() (*Config, error) {
	cfg, err := LoadConfig(configPath(f.path))
	if err != nil {
		return nil, fmt.Errorf("node: can't load Config: %w", err)
	}

	return cfg, nil
}

func (f *fsStore) PutConfig(cfg *Config) error {
	err := SaveConfig(configPath(f.path), cfg)
	if err != nil {
		return fmt.Errorf("node: can't save Config: %w", err)
	}

	return nil
}

func (f *fsStore) Datastore() (datastore.Batching, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if f.data != nil {
		return f.data, nil
	}

	cfg, err := f.Config()
	if err != nil {
		return nil, err
	}

	opts := badgerOptions(cfg.Store)
	ds, err := dsbadger.NewDatastore(dataPath(f.path), &opts)
	if err != nil {
		return nil, fmt.Errorf("node: can't open Badger Datastore: %w", err)
	}

	f.data = ds
	return ds, nil
}

func badgerOptions(cfg StoreConfig) dsbadger.Options {
	opts := dsbadger.DefaultOptions // this should be copied

	// Tree nodes are small, so most of them stay in the LSM tree next to their keys.
	opts.ValueThreshold = int64(cfg.ValueThreshold.Bytes())
	opts.MemTableSize = int64(cfg.MemTableSize.Bytes())
	opts.BlockCacheSize = int64(cfg.BlockCacheSize.Bytes())
	// Writers are serialized by the commit lock and nodes are content addressed, so there is no
	// need to detect conflicts.
	opts.DetectConflicts = false
	opts.GcInterval = cfg.GCInterval
	opts.GcDiscardRatio = cfg.GCDiscardRatio
	return opts
}

func (f *fsStore) Close() (err error) {
	err = errors.Join(err, f.dirLock.Unlock())
	f.dataMu.Lock()
	if f.data != nil {
		err = errors.Join(err, f.data.Close())
	}
	f.dataMu.Unlock()
	return
}

type fsStore struct {
	path string

	dataMu  sync.Mutex
	data    datastore.Batching
	dirLock *flock.Flock // protects directory
}

// DefaultNodeStorePath returns the store path used when none is given. SMTNODE_HOME overrides it.
func DefaultNodeStorePath() (string, error) {
	if home := os.Getenv("SMTNODE_HOME"); home != "" {
		return storePath(home)
	}
	return storePath("~/.smtnode")
}

func storePath(path string) (string, error) {
	return homedir.Expand(filepath.Clean(path))
}

func configPath(base string) string {
	return filepath.Join(base, "config.toml")
}

func lockPath(base string) string {
	return filepath.Join(base, "lock")
}

func dataPath(base string) string {
	return filepath.Join(base, "data")
}
