package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cufee/botto-gatekeeper/verification"
)

// Store - Everything the bot persists
type Store interface {
	verification.Store
	GetGuildSettings(ctx context.Context, gid string) (GuildSettings, error)
	UpdateGuildSettings(ctx context.Context, gs GuildSettings) error
	Close() error
}

// Drivers accepted by Open
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open - Open a store for the given driver, creating parent directories as needed
func Open(driver, path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	switch driver {
	case DriverBolt, "":
		s, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
