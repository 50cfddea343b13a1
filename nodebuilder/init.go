package nodebuilder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Init initializes the Node FileSystem Store in the directory under 'path'.
func Init(cfg Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	path, err := storePath(path)
	if err != nil {
		return err
	}
	log.Infof("Initializing Node Store over '%s'", path)

	err = initRoot(path)
	if err != nil {
		return err
	}

	dirLock := flock.New(lockPath(path))
	ok, err := dirLock.TryLock()
	if err != nil {
		return fmt.Errorf("locking store: %w", err)
	}
	if !ok {
		return ErrOpened
	}
	defer dirLock.Unlock() //nolint: errcheck

	err = initDir(dataPath(path))
	if err != nil {
		return err
	}

	cfgPath := configPath(path)
	err = SaveConfig(cfgPath, &cfg)
	if err != nil {
		return err
	}
	log.Infow("Saving config", "path", cfgPath)
	log.Info("Node Store initialized")
	return nil
}

// Remove removes the config of the Node Store under 'path'. The data is kept.
func Remove(path string) error {
	return RemoveConfig(path)
}

// IsInit checks whether FileSystem Store was setup under given 'path'.
// If any required file/subdirectory does not exist, then false is reported.
func IsInit(path string) bool {
	path, err := storePath(path)
	if err != nil {
		log.Errorw("parsing store path", "path", path, "err", err)
		return false
	}

	_, err = LoadConfig(configPath(path)) // load the Config and implicitly check for its existence
	if err != nil {
		log.Errorw("loading config", "path", path, "err", err)
		return false
	}

	return exists(dataPath(path))
}

const perms = 0755

// initRoot initializes(creates) directory if not created and check if it is writable
func initRoot(path string) error {
	err := initDir(path)
	if err != nil {
		return err
	}

	// check for writing permissions
	f, err := os.Create(filepath.Join(path, ".check"))
	if err != nil {
		return err
	}

	err = f.Close()
	if err != nil {
		return err
	}

	return os.Remove(f.Name())
}

// initDir creates a dir if not exist
func initDir(path string) error {
	if exists(path) {
		return nil
	}
	return os.Mkdir(path, perms)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
