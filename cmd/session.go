package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/config"
	"github.com/lockplane/ratchet/internal/connect"
	"github.com/lockplane/ratchet/internal/engine"
	"github.com/lockplane/ratchet/internal/logger"
	"github.com/lockplane/ratchet/internal/sandbox"
	"github.com/lockplane/ratchet/internal/source"
)

// session is everything a command needs to talk to one target database.
type session struct {
	env    *config.ResolvedEnvironment
	db     database.Adapter
	engine *engine.Engine
	leases *sandbox.LeaseStore
	log    *logger.Logger
}

func (s *session) Close() error {
	return s.db.Close()
}

func (o *rootOptions) logger(cmd *cobra.Command) (*logger.Logger, error) {
	level := o.logLevel
	if o.verbose {
		level = "debug"
	}
	return logger.New(logger.Config{Level: level, Output: cmd.ErrOrStderr()})
}

// resolve loads ratchet.toml and resolves the selected environment with
// the persistent flags laid on top.
func (o *rootOptions) resolve() (*config.ResolvedEnvironment, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", config.FileName, err)
	}

	flags := config.Settings{DatabaseURL: o.databaseURL, Dialect: o.dialect}
	if o.migrationsDir != "" {
		if flags.MigrationsDir, err = filepath.Abs(o.migrationsDir); err != nil {
			return nil, err
		}
	}
	return config.Resolve(cfg, o.env, flags)
}

// openSession connects to the target database and wires the engine. The
// caller closes the session.
func (o *rootOptions) openSession(cmd *cobra.Command) (*session, error) {
	log, err := o.logger(cmd)
	if err != nil {
		return nil, err
	}
	env, err := o.resolve()
	if err != nil {
		return nil, err
	}

	dialectCfg := env.DialectConfig()
	db, err := connect.Open(cmd.Context(), dialectCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", connect.Redact(env.DatabaseURL), err)
	}
	log.LogDebug("connected", map[string]interface{}{
		"environment": env.Name,
		"dialect":     env.Dialect,
		"database":    connect.Redact(env.DatabaseURL),
	})

	leases := sandbox.NewLeaseStoreOS(leaseDir(env))
	tester := sandbox.New(dialectCfg, db,
		sandbox.WithCloneOptions(env.CloneOptions()),
		sandbox.WithParallelism(env.Parallelism),
		sandbox.WithLeaseStore(leases),
		sandbox.WithLogger(log),
	)
	eng, err := engine.New(dialectCfg, db,
		engine.WithReader(source.NewOSReader(env.MigrationsDir)),
		engine.WithTester(tester),
		engine.WithLockWait(env.LockTimeout),
		engine.WithApplyTimeout(env.ApplyTimeout),
		engine.WithLogger(log),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &session{env: env, db: db, engine: eng, leases: leases, log: log}, nil
}

// leaseDir keeps sandbox leases next to ratchet.toml, or next to the
// migrations directory when there is no config file.
func leaseDir(env *config.ResolvedEnvironment) string {
	base := env.ResolvedConfigDir
	if base == "" {
		if abs, err := filepath.Abs(env.MigrationsDir); err == nil {
			base = filepath.Dir(abs)
		}
	}
	return filepath.Join(base, sandbox.DefaultLeaseDir)
}
