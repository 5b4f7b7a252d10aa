package directory

import (
	"fmt"

	"github.com/paywire/paywire/internal/config"
)

// New creates a Directory based on the configured driver.
func New(cfg config.DirectoryConfig) (Directory, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(cfg.DSN, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported directory driver: %q", cfg.Driver)
	}
}
