package pruner

import (
	"errors"
	"fmt"
	"time"

	"github.com/smtnode/smtnode/pruner"
)

type Config struct {
	// EnableService runs the background pruner. Disabled nodes keep every committed node.
	EnableService bool
	PruneCycle    time.Duration
	// BatchSize is the number of stale index entries handled per sweep batch.
	BatchSize          int
	MaxBatchesPerCycle int
	// RebuildEvery forces a full reachability scan after that many incremental cycles.
	RebuildEvery     uint64
	SweepLockTimeout time.Duration
	MaxBackoff       time.Duration
	// ReachableSet is either "bloom" or "exact".
	ReachableSet           string
	BloomExpectedNodes     uint64
	BloomFalsePositiveRate float64
	ScanConcurrency        int

	Snapshot SnapshotConfig
}

// SnapshotConfig configures the snapshots taken at the start of every reachability scan.
type SnapshotConfig struct {
	LockTimeout       time.Duration
	MaxAge            time.Duration
	EnableValidation  bool
	EnablePersistence bool
}

func DefaultConfig() Config {
	snap := pruner.DefaultSnapshotParams()
	return Config{
		EnableService:          true,
		PruneCycle:             time.Minute,
		BatchSize:              1000,
		MaxBatchesPerCycle:     64,
		RebuildEvery:           64,
		SweepLockTimeout:       10 * time.Second,
		MaxBackoff:             30 * time.Minute,
		ReachableSet:           string(pruner.SetBloom),
		BloomExpectedNodes:     1 << 20,
		BloomFalsePositiveRate: 0.01,
		ScanConcurrency:        8,
		Snapshot: SnapshotConfig{
			LockTimeout:       snap.LockTimeout,
			MaxAge:            snap.MaxAge,
			EnableValidation:  snap.EnableValidation,
			EnablePersistence: snap.EnablePersistence,
		},
	}
}

// Validate performs basic validation of the config.
// The remaining parameters are checked when the service is constructed.
func (cfg *Config) Validate() error {
	if err := pruner.SetKind(cfg.ReachableSet).Validate(); err != nil {
		return fmt.Errorf("pruner: %w", err)
	}
	if cfg.PruneCycle <= 0 {
		return errors.New("pruner: prune cycle must be positive")
	}
	if cfg.MaxBackoff < cfg.PruneCycle {
		return fmt.Errorf("pruner: max backoff %s is shorter than the prune cycle %s", cfg.MaxBackoff, cfg.PruneCycle)
	}
	return nil
}

// Options translates the config into pruner service options.
func (cfg *Config) Options() []pruner.Option {
	opts := []pruner.Option{
		pruner.WithPruneCycle(cfg.PruneCycle),
		pruner.WithBatchSize(cfg.BatchSize),
		pruner.WithMaxBatchesPerCycle(cfg.MaxBatchesPerCycle),
		pruner.WithRebuildEvery(cfg.RebuildEvery),
		pruner.WithSweepLockTimeout(cfg.SweepLockTimeout),
		pruner.WithMaxBackoff(cfg.MaxBackoff),
		pruner.WithScanConcurrency(cfg.ScanConcurrency),
		pruner.WithSnapshotParams(pruner.SnapshotParams{
			LockTimeout:       cfg.Snapshot.LockTimeout,
			MaxAge:            cfg.Snapshot.MaxAge,
			EnableValidation:  cfg.Snapshot.EnableValidation,
			EnablePersistence: cfg.Snapshot.EnablePersistence,
		}),
	}

	if pruner.SetKind(cfg.ReachableSet) == pruner.SetExact {
		return append(opts, pruner.WithExactSet())
	}
	return append(opts, pruner.WithBloomSet(cfg.BloomExpectedNodes, cfg.BloomFalsePositiveRate))
}
