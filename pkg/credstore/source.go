// Package credstore provides read-only mcpmgr.CredentialSource adapters over
// external stores: a hot-reloaded YAML file and a SQLite table.
package credstore

import (
	"context"
	"io"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

// Source is a CredentialSource that can also enumerate its tenants.
type Source interface {
	mcpmgr.CredentialSource
	io.Closer
	Tenants(ctx context.Context) ([]string, error)
}

// Config selects a backing store. Exactly one field should be set.
type Config struct {
	File   string `yaml:"file"`
	SQLite string `yaml:"sqlite"`
}

// Open returns the source described by cfg. A file source is watched for
// changes until the returned Source is closed.
func Open(ctx context.Context, cfg Config, opts ...FileOption) (Source, error) {
	switch {
	case cfg.File != "" && cfg.SQLite != "":
		return nil, ErrUnsupportedSource
	case cfg.File != "":
		src, err := OpenFile(cfg.File, opts...)
		if err != nil {
			return nil, err
		}
		if err := src.Watch(ctx); err != nil {
			return nil, err
		}
		return src, nil
	case cfg.SQLite != "":
		return OpenSQLite(cfg.SQLite)
	default:
		return nil, ErrUnsupportedSource
	}
}
