package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fcanalytics/menurecon/internal/utils"
	"github.com/fcanalytics/menurecon/pkg/config"
	"github.com/fcanalytics/menurecon/pkg/overrides"
	"github.com/fcanalytics/menurecon/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// resolveDSN picks --dbpath, then db.dsn (or DATABASE_URL), then the default
// SQLite file.
func resolveDSN(cmd *cobra.Command, cfg *config.Config) (string, error) {
	dsn, _ := cmd.Flags().GetString("dbpath")
	if dsn == "" {
		dsn = cfg.DB.DSN
	}
	return utils.GetAbsDBPath(dsn)
}

func openDB(cmd *cobra.Command, cfg *config.Config) (*storage.DB, string, error) {
	dsn, err := resolveDSN(cmd, cfg)
	if err != nil {
		return nil, "", err
	}
	if !utils.IsPostgresDSN(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, "", err
		}
	}
	db, err := storage.Open(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("opening database %s: %w", dsn, err)
	}
	return db, dsn, nil
}

// openOverrides returns the configured override store and a func releasing
// its backend.
func openOverrides(cfg *config.Config, db *storage.DB, dsn string) (*overrides.Store, func(), error) {
	var (
		backend  overrides.Backend = db
		closer                     = func() {}
		lockBase                   = cfg.Overrides.LockPath
	)
	if cfg.Overrides.Backend == config.BackendBolt {
		bolt, err := overrides.OpenBolt(cfg.Overrides.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		backend = bolt
		closer = func() { bolt.Close() }
		if lockBase == "" {
			lockBase = cfg.Overrides.BoltPath
		}
	}
	if lockBase == "" {
		var err error
		if lockBase, err = utils.DefaultLockPath(dsn); err != nil {
			closer()
			return nil, nil, err
		}
	}
	lock, err := utils.NewWriteLock(lockBase)
	if err != nil {
		closer()
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(lock.Path()), 0o755); err != nil {
		closer()
		return nil, nil, err
	}
	utils.Log.Debugf("Override writes are locked with %s", lock.Path())
	return overrides.NewStore(backend, lock), closer, nil
}
