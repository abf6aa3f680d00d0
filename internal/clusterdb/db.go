// Package clusterdb implements the controller's membership registry: the
// identification -> {ip, port, role} table a controller consults to answer
// JOIN_CLUSTER/LEAVE_CLUSTER requests and to push cluster status. Grounded
// on db/atlasdb/db.go for the sqlx.Connect + WAL-pragma connection style and
// on db/pdatadb/migrations.go for the numbered-migration bookkeeping.
package clusterdb

import (
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB stores controller membership state in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) a DB at the given sqlite3 filename.
// The name is always treated as a file path: ":memory:" is not special and
// is opened as a file of that name in the working directory.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}
