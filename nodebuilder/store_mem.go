package nodebuilder

import (
	"sync"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
)

// NewMemStore creates an in-memory Store for testing purposes.
func NewMemStore() Store {
	return &memStore{
		data: ds_sync.MutexWrap(datastore.NewMapDatastore()),
	}
}

type memStore struct {
	data datastore.Batching

	cfgMu sync.Mutex
	cfg   *Config
}

func (m *memStore) Path() string {
	return ""
}

func (m *memStore) Datastore() (datastore.Batching, error) {
	return m.data, nil
}

func (m *memStore) Config() (*Config, error) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if m.cfg == nil {
		return nil, ErrNotInited
	}
	return m.cfg, nil
}

func (m *memStore) PutConfig(cfg *Config) error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = cfg
	return nil
}

func (m *memStore) Close() error {
	return m.data.Close()
}
