package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/adamavenir/murmur/internal/core"
	_ "modernc.org/sqlite"
)

// Stores holds one connection pool per persisted domain.
type Stores struct {
	Identities *sql.DB
	Channels   *sql.DB
	Spawns     *sql.DB
}

// Close closes every store.
func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, conn := range []*sql.DB{s.Identities, s.Channels, s.Spawns} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenStores opens and migrates the three workspace stores.
func OpenStores(project core.Project) (*Stores, error) {
	core.EnsureGitignore(project.Dir)

	stores := &Stores{}
	var err error
	if stores.Identities, err = OpenStore(project.IdentitiesPath, InitIdentitySchema); err != nil {
		return nil, fmt.Errorf("open identities store: %w", err)
	}
	if stores.Channels, err = OpenStore(project.ChannelsPath, InitChannelSchema); err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("open channels store: %w", err)
	}
	if stores.Spawns, err = OpenStore(project.SpawnsPath, InitSpawnSchema); err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("open spawns store: %w", err)
	}
	return stores, nil
}

// OpenStore opens a SQLite file and applies init. Pragmas are set through
// the DSN so every pooled connection gets them.
func OpenStore(path string, init func(*sql.DB) error) (*sql.DB, error) {
	query := url.Values{}
	query.Add("_pragma", "foreign_keys(1)")
	query.Add("_pragma", "busy_timeout(5000)")
	dsn := path + "?" + query.Encode()

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if init != nil {
		if err := init(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
