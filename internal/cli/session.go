package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/internal/logging"
	"github.com/mesh-intelligence/ledger/internal/paths"
	"github.com/mesh-intelligence/ledger/internal/schemafile"
	"github.com/mesh-intelligence/ledger/pkg/registry"
	"github.com/mesh-intelligence/ledger/pkg/store"
	"github.com/mesh-intelligence/ledger/pkg/types"
	"github.com/mesh-intelligence/ledger/pkg/uow"
)

// session is an attached store with a unit of work over it, configured from
// flags, config.yaml and the environment.
type session struct {
	configDir string
	schema    string // "" for the built-in schema
	config    types.Config
	logger    zerolog.Logger
	registry  *registry.Registry
	store     types.Store
	unit      *uow.UnitOfWork
}

// openSession resolves configuration, loads the schema, attaches the store
// and creates any missing tables. The caller must call close.
func openSession(cmd *cobra.Command, flags *rootFlags) (*session, error) {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return nil, sysError("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return nil, sysError("%w", err)
	}

	debug := flags.debug || v.GetBool(cfgKeyDebug)
	level := v.GetString(cfgKeyLogLevel)
	if debug && (level == "" || level == "warn" || level == "error") {
		level = "info"
	}
	logger, err := logging.Setup(level, true, cmd.ErrOrStderr())
	if err != nil {
		return nil, userError("%w", err)
	}

	dataDir, err := paths.ResolveDataDir(flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return nil, sysError("resolve data dir: %w", err)
	}
	schemaPath, err := paths.ResolveSchema(flags.schema, v.GetString(cfgKeySchema), configDir)
	if err != nil {
		return nil, sysError("resolve schema: %w", err)
	}
	reg := schemafile.Demo()
	if schemaPath != "" {
		if reg, err = schemafile.Load(schemaPath); err != nil {
			return nil, userError("load schema: %w", err)
		}
	}

	s := &session{
		configDir: configDir,
		schema:    schemaPath,
		config: types.Config{
			Backend: v.GetString(cfgKeyBackend),
			DataDir: dataDir,
			DSN:     v.GetString(cfgKeyDSN),
			Debug:   debug,
		},
		logger:   logger,
		registry: reg,
	}
	if err := s.attach(cmd.Context()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) attach(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return userError("config: %w", err)
	}
	st, err := store.Open(ctx, s.logger, s.config, s.registry.Descriptors())
	if err != nil {
		return sysError("open store: %w", err)
	}
	unit, err := uow.Open(st, s.registry, uow.WithLogger(s.logger))
	if err != nil {
		_ = st.Detach()
		return sysError("open unit of work: %w", err)
	}
	s.store = st
	s.unit = unit
	return nil
}

func (s *session) close() {
	if s.unit != nil {
		_ = s.unit.Close()
	}
	if s.store != nil {
		if err := s.store.Detach(); err != nil {
			s.logger.Warn().Err(err).Msg("detach store")
		}
	}
}
