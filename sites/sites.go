// Package sites maps request hosts to sites and sites to networks, so one
// backend can hold the cache of many sites.
package sites

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

type Site struct {
	ID        int64
	NetworkID int64
	Host      string
}

// Directory is a read-mostly lookup of sites.
//
// Implementations must be thread-safe!
type Directory interface {
	// Lookup returns the site serving the host, if any.
	Lookup(ctx context.Context, host string) (Site, bool, error)
	// Site returns the site with the given ID, if any.
	Site(ctx context.Context, id int64) (Site, bool, error)
	// SitesInNetwork returns the IDs of all sites in the network.
	SitesInNetwork(ctx context.Context, networkID int64) ([]int64, error)
	// NetworkCount returns the number of distinct networks.
	NetworkCount(ctx context.Context) (int, error)
}

// FlagPrefix returns the prefix put in front of every flag of the site:
// `<networkId>:<siteId>:` when there is more than one network, else `<siteId>:`.
func FlagPrefix(site Site, multiNetwork bool) string {
	if multiNetwork {
		return fmt.Sprintf("%d:%d:", site.NetworkID, site.ID)
	}
	return fmt.Sprintf("%d:", site.ID)
}

// PrefixFor returns the flag prefix of the site in the directory.
func PrefixFor(ctx context.Context, d Directory, site Site) (string, error) {
	networks, err := d.NetworkCount(ctx)
	if err != nil {
		return "", err
	}
	return FlagPrefix(site, networks > 1), nil
}

type SQLiteDirectory struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// Verify interface implementation
var _ Directory = (*SQLiteDirectory)(nil)

// NewSQLiteDirectory opens the directory with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteDirectory(filename string) (*SQLiteDirectory, error) {
	memory := filename == ""
	if memory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, "open site directory")
	}
	if memory {
		// every connection would get its own empty db
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sites (
			id INTEGER PRIMARY KEY,
			network_id INTEGER NOT NULL DEFAULT 1,
			host TEXT NOT NULL UNIQUE
		)`,
		"CREATE INDEX IF NOT EXISTS network_idx ON sites (network_id)",
	}
	if !memory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "prepare site directory")
		}
	}
	return &SQLiteDirectory{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Put adds or replaces a site.
func (d *SQLiteDirectory) Put(ctx context.Context, site Site) error {
	d.writeMutex.Lock()
	defer d.writeMutex.Unlock()
	if site.NetworkID == 0 {
		site.NetworkID = 1
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sites (id, network_id, host) VALUES (?, ?, ?)",
		site.ID, site.NetworkID, normalizeHost(site.Host))
	return errors.Wrapf(err, "put site %d", site.ID)
}

func (d *SQLiteDirectory) Lookup(ctx context.Context, host string) (Site, bool, error) {
	return d.one(ctx, "SELECT id, network_id, host FROM sites WHERE host = ?", normalizeHost(host))
}

func (d *SQLiteDirectory) Site(ctx context.Context, id int64) (Site, bool, error) {
	return d.one(ctx, "SELECT id, network_id, host FROM sites WHERE id = ?", id)
}

func (d *SQLiteDirectory) one(ctx context.Context, query string, arg interface{}) (Site, bool, error) {
	var site Site
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&site.ID, &site.NetworkID, &site.Host)
	if err == sql.ErrNoRows {
		return site, false, nil
	} else if err != nil {
		return site, false, errors.Wrap(err, "lookup site")
	}
	return site, true, nil
}

func (d *SQLiteDirectory) SitesInNetwork(ctx context.Context, networkID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT id FROM sites WHERE network_id = ? ORDER BY id", networkID)
	if err != nil {
		return nil, errors.Wrap(err, "list network sites")
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return ids, errors.Wrap(err, "list network sites")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "list network sites")
}

func (d *SQLiteDirectory) NetworkCount(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT network_id) FROM sites").Scan(&count)
	return count, errors.Wrap(err, "count networks")
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// normalizeHost lowercases and strips the port.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
