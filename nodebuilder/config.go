package nodebuilder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/gofrs/flock"
	"github.com/imdario/mergo"

	"github.com/smtnode/smtnode/nodebuilder/pruner"
	"github.com/smtnode/smtnode/nodebuilder/state"
	"github.com/smtnode/smtnode/nodebuilder/telemetry"
)

// ConfigLoader defines a function that loads a config from any source.
type ConfigLoader func() (*Config, error)

// Config is main configuration structure for a Node.
// It combines configuration units for all Node subsystems.
type Config struct {
	Store   StoreConfig
	State   state.Config
	Pruner  pruner.Config
	Recycle RecycleConfig
	Metrics telemetry.Config
}

// StoreConfig tunes the on-disk datastore.
type StoreConfig struct {
	// ValueThreshold is the size above which values are kept in the value log instead of the LSM
	// tree.
	ValueThreshold datasize.ByteSize
	MemTableSize   datasize.ByteSize
	BlockCacheSize datasize.ByteSize
	// GCInterval is how often the value log is garbage collected. Reclaimed tree nodes only free
	// disk space after a value log GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// RecycleConfig configures the operator view of the recycle bin.
type RecycleConfig struct {
	// ListLimit is the default page size of `recycle list`.
	ListLimit int
}

// DefaultConfig provides a default Config.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			ValueThreshold: 256 * datasize.B,
			MemTableSize:   64 * datasize.MB,
			BlockCacheSize: 256 * datasize.MB,
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.2,
		},
		State:   state.DefaultConfig(),
		Pruner:  pruner.DefaultConfig(),
		Recycle: RecycleConfig{ListLimit: 20},
		Metrics: telemetry.DefaultConfig(),
	}
}

// Validate performs basic validation of every configuration unit.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Store.GCDiscardRatio <= 0 || cfg.Store.GCDiscardRatio >= 1 {
		errs = append(errs, fmt.Errorf("node: store gc discard ratio must be in (0, 1), got %f",
			cfg.Store.GCDiscardRatio))
	}
	if cfg.Recycle.ListLimit <= 0 || cfg.Recycle.ListLimit > 1000 {
		errs = append(errs, fmt.Errorf("node: recycle list limit must be in [1, 1000], got %d", cfg.Recycle.ListLimit))
	}
	errs = append(errs,
		cfg.State.Validate(),
		cfg.Pruner.Validate(),
		cfg.Metrics.Validate(),
	)
	return errors.Join(errs...)
}

// SaveConfig saves Config 'cfg' under the given 'path'.
func SaveConfig(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return cfg.Encode(f)
}

// LoadConfig loads Config from the given 'path'.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	return &cfg, cfg.Decode(f)
}

// RemoveConfig removes the Config from the given store path.
func RemoveConfig(path string) (err error) {
	path, err = storePath(path)
	if err != nil {
		return
	}

	flk := flock.New(lockPath(path))
	ok, err := flk.TryLock()
	if err != nil {
		return fmt.Errorf("locking file: %w", err)
	}
	if !ok {
		return ErrOpened
	}
	defer flk.Unlock() //nolint:errcheck

	return removeConfig(configPath(path))
}

// removeConfig removes Config from the given 'path'.
func removeConfig(path string) error {
	return os.Remove(path)
}

// UpdateConfig loads the node's config and applies new values
// from the default config, saving the newly updated config
// into the node's config path.
func UpdateConfig(path string) (err error) {
	path, err = storePath(path)
	if err != nil {
		return err
	}

	flk := flock.New(lockPath(path))
	ok, err := flk.TryLock()
	if err != nil {
		return fmt.Errorf("locking file: %w", err)
	}
	if !ok {
		return ErrOpened
	}
	defer flk.Unlock() //nolint:errcheck

	newCfg := DefaultConfig()

	cfgPath := configPath(path)
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	cfg, err = updateConfig(cfg, newCfg)
	if err != nil {
		return err
	}

	// save the updated config
	err = removeConfig(cfgPath)
	if err != nil {
		return err
	}
	return SaveConfig(cfgPath, cfg)
}

// updateConfig merges new values from the new config into the old
// config, returning the updated old config.
func updateConfig(oldCfg, newCfg *Config) (*Config, error) {
	fillSections(reflect.ValueOf(oldCfg).Elem(), reflect.ValueOf(newCfg).Elem())
	err := mergo.Merge(oldCfg, newCfg, mergo.WithOverrideEmptySlice, mergo.WithTransformers(keepBools{}))
	return oldCfg, err
}

// fillSections copies whole sections missing from the old config, booleans included.
func fillSections(dst, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		field := dst.Field(i)
		if field.Kind() != reflect.Struct || !field.CanSet() {
			continue
		}
		if field.IsZero() {
			field.Set(src.Field(i))
			continue
		}
		fillSections(field, src.Field(i))
	}
}

// keepBools leaves booleans of the old config untouched, as false is a setting and not a gap.
type keepBools struct{}

func (keepBools) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ.Kind() != reflect.Bool {
		return nil
	}
	return func(reflect.Value, reflect.Value) error {
		return nil
	}
}

// Encode encodes a given Config into w.
func (cfg *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Decode decodes a Config from a given reader r.
func (cfg *Config) Decode(r io.Reader) error {
	_, err := toml.NewDecoder(r).Decode(cfg)
	return err
}
