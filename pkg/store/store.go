// Package store exposes the SQL storage backend while keeping its
// implementation internal.
package store

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/ledger/internal/sqlstore"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// New returns a detached SQL store. Attach selects the dialect from
// Config.Backend.
//
// Example:
//
//	s := store.New(logger)
//	err := s.Attach(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: types.InMemory,
//	})
//	defer s.Detach()
func New(logger zerolog.Logger) types.Store {
	return sqlstore.New(logger)
}

// Open attaches a new store and creates the tables for descs.
func Open(ctx context.Context, logger zerolog.Logger, config types.Config, descs []*types.EntityDescriptor) (types.Store, error) {
	s := sqlstore.New(logger)
	if err := s.Attach(config); err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx, descs); err != nil {
		_ = s.Detach()
		return nil, err
	}
	return s, nil
}
