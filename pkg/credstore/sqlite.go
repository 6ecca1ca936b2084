package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

// SQLiteSource reads credentials from a table owned by another system:
//
//	CREATE TABLE mcp_servers (
//		tenant TEXT NOT NULL,
//		name   TEXT NOT NULL,
//		url    TEXT NOT NULL,
//		token  TEXT,
//		PRIMARY KEY (tenant, name)
//	);
//
// The database is opened read-only.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLite opens the database at path in read-only mode.
func OpenSQLite(path string) (*SQLiteSource, error) {
	dsn := (&url.URL{Scheme: "file", Opaque: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("credstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: open %s: %w", path, err)
	}
	return &SQLiteSource{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

func (s *SQLiteSource) ServerCredentials(ctx context.Context, tenant string) ([]mcpmgr.ServerCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, COALESCE(token, '') FROM mcp_servers WHERE tenant = ? ORDER BY name`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("credstore: query servers for %s: %w", tenant, err)
	}
	defer rows.Close()

	var out []mcpmgr.ServerCredential
	for rows.Next() {
		var cred mcpmgr.ServerCredential
		if err := rows.Scan(&cred.Name, &cred.URL, &cred.Token); err != nil {
			return nil, fmt.Errorf("credstore: scan server row: %w", err)
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// Tenants lists every tenant that owns at least one server.
func (s *SQLiteSource) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant FROM mcp_servers ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("credstore: list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("credstore: scan tenant: %w", err)
		}
		out = append(out, tenant)
	}
	return out, rows.Err()
}

var _ mcpmgr.CredentialSource = (*SQLiteSource)(nil)
