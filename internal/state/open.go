package state

import (
	"fmt"

	"cislave/internal/config"
)

// Open builds the store selected by the state.backend setting
func Open(cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case config.StateBackendFile, "":
		return NewFileStore(), nil
	case config.StateBackendEtcd:
		return NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, cfg.Etcd.DialTimeout, cfg.Etcd.LockTTL)
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}
