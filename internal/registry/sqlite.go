/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"CraneBmc/internal/types"
)

const serverColumns = `id, name, host, port, username, password`

// SQLite reads server records from a `servers` table maintained by the
// inventory service. It never writes.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens path with every connection set to query-only.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", readOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	return NewSQLite(db), nil
}

// readOnlyDSN applies query_only through the driver so connections
// opened later by database/sql get it too.
func readOnlyDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep + "_pragma=query_only(1)"
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.ServerRecord, error) {
	var (
		r        types.ServerRecord
		name     sql.NullString
		port     sql.NullInt64
		username sql.NullString
		password sql.NullString
	)
	if err := row.Scan(&r.ID, &name, &r.Identity.Host, &port, &username, &password); err != nil {
		return r, err
	}
	r.Name = name.String
	r.Identity.Port = types.DefaultIPMIPort
	if port.Valid && port.Int64 > 0 {
		r.Identity.Port = int(port.Int64)
	}
	r.Identity.Username = username.String
	r.Identity.Secret = password.String
	return r, nil
}

func (s *SQLite) Lookup(ctx context.Context, id string) (types.ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ServerRecord{}, notFound(id)
	}
	if err != nil {
		return types.ServerRecord{}, types.NewError(types.KindInternal, id, "lookup", err)
	}
	return r, nil
}

func (s *SQLite) FindByAddress(ctx context.Context, host string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM servers WHERE host = ? ORDER BY id LIMIT 1`, host).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *SQLite) List(ctx context.Context) ([]types.ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ServerRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
