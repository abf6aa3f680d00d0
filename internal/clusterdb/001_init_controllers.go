package clusterdb

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE controllers (
			identification TEXT PRIMARY KEY NOT NULL,
			ip             TEXT NOT NULL,
			port           INTEGER NOT NULL,
			role           INTEGER NOT NULL,
			joined_at      INTEGER NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `CREATE INDEX controllers_role_idx ON controllers(role)`)
	return err
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX controllers_role_idx`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DROP TABLE controllers`)
	return err
}
