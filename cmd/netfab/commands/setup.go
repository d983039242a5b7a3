package commands

import (
	"context"
	"fmt"

	"github.com/opennetfab/opennetfab/pkg/audit"
	"github.com/opennetfab/opennetfab/pkg/config"
	"github.com/opennetfab/opennetfab/pkg/drivers"
	"github.com/opennetfab/opennetfab/pkg/engine"
	"github.com/opennetfab/opennetfab/pkg/plugins"
	"github.com/opennetfab/opennetfab/pkg/policy"
	"github.com/opennetfab/opennetfab/pkg/secrets"
	"github.com/opennetfab/opennetfab/pkg/stores"
	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

// app is the assembled process: configuration, telemetry, stores, and the
// job engine with its collaborators. Every command bootstraps through
// newApp so flag handling and wiring stay in one place.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	store     *stores.SQLiteStore
	audit     audit.Sink
	resolver  *secrets.Resolver
	registry  *drivers.Registry
	plugins   *plugins.Manager
	policy    *policy.Engine
	approvals engine.ApprovalStore
	engine    *engine.Engine
}

// newApp loads the config and builds everything up to the engine. The
// store is opened separately by commands that need it (openStore) so a
// pure validation run never touches the database file.
func newApp(ctx context.Context, version string) (*app, error) {
	parser := config.NewCUEParser()
	cfg, problems, err := parser.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("config file invalid: %s", problems[0].Error())
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if mockMode {
		cfg.Drivers.Mock = true
	}

	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel}
	if err := a.wire(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	log := a.tel.Logger.NewComponentLogger("setup")

	// Audit trail. An empty path disables file auditing but the engine
	// still gets a sink so call sites stay unconditional.
	if a.cfg.Audit.Path != "" {
		sink, err := audit.NewFileSink(a.cfg.Audit.Path, a.cfg.Audit.Actor)
		if err != nil {
			return fmt.Errorf("failed to open audit trail: %w", err)
		}
		a.audit = sink
	} else {
		a.audit = audit.NopSink{}
	}

	// Credential resolution: keychain first, encrypted file fallback when
	// one is configured.
	resolverOpts := secrets.ResolverOptions{
		Primary: secrets.NewKeychainStore(a.cfg.Secrets.Service),
		Audit:   a.audit,
	}
	if a.cfg.Secrets.FallbackPath != "" {
		fallback, err := secrets.NewFileStore(secrets.FileStoreOptions{
			Path:            a.cfg.Secrets.FallbackPath,
			KeychainService: a.cfg.Secrets.Service,
		})
		if err != nil {
			return fmt.Errorf("failed to open credential fallback: %w", err)
		}
		resolverOpts.Fallback = fallback
	}
	a.resolver = secrets.NewResolver(resolverOpts)

	// Driver registry, optionally extended by WASM plugins. Built-in
	// drivers always win over plugins for the same device type.
	if a.cfg.Drivers.Mock {
		log.Warn("Mock drivers enabled, no device will be contacted")
		a.registry = drivers.NewMockRegistry()
	} else {
		registry, err := drivers.NewDefaultRegistry(drivers.Options{
			KnownHostsPath:        a.cfg.Drivers.KnownHostsPath,
			StrictHostKeyChecking: a.cfg.Drivers.StrictHostKeys,
		})
		if err != nil {
			return err
		}
		a.registry = registry
	}
	if a.cfg.Plugins.Enabled {
		a.plugins = plugins.NewManager(a.tel.Logger, a.audit)
		if err := a.plugins.LoadDir(ctx, a.cfg.Plugins.Dir); err != nil {
			return fmt.Errorf("failed to load plugins: %w", err)
		}
		registry, err := a.plugins.ExtendRegistry(a.registry)
		if err != nil {
			return err
		}
		a.registry = registry
	}

	// Guardrail policies and the approval store.
	if a.cfg.Policy.Enabled {
		pol, err := policy.NewEngine(a.tel.Logger)
		if err != nil {
			return err
		}
		if len(a.cfg.Policy.Paths) > 0 {
			if err := pol.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return err
			}
		}
		a.policy = pol
	}
	if a.cfg.Policy.ApprovalsPath != "" {
		a.approvals = policy.NewFileApprovalStore(a.cfg.Policy.ApprovalsPath)
	}

	eng, err := engine.New(engine.Options{
		Drivers:     a.registry,
		Credentials: a.resolver,
		Approvals:   a.approvals,
		Audit:       a.audit,
		Logger:      a.tel.Logger,
		Metrics:     a.tel.Metrics,
		Tracer:      a.tel.Tracer,
		LogCap:      a.cfg.Engine.MaxLogLines,
		DiffCap:     a.cfg.Engine.MaxDiffLines,
	})
	if err != nil {
		return err
	}
	a.engine = eng
	return nil
}

// openStore opens, initializes, and migrates the SQLite store.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.store = store
	return store, nil
}

// watchPolicies starts the fsnotify hot-reload loop when configured. The
// loop stops with ctx.
func (a *app) watchPolicies(ctx context.Context) error {
	if a.policy == nil || !a.cfg.Policy.Watch || len(a.cfg.Policy.Paths) == 0 {
		return nil
	}
	loader := policy.NewLoader(a.tel.Logger)
	return loader.Watch(ctx, a.cfg.Policy.Paths, a.policy.ReplaceFilePolicies)
}

// Close releases everything wire acquired, tolerating partial setup.
func (a *app) Close(ctx context.Context) {
	if a.plugins != nil {
		_ = a.plugins.Close(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if closer, ok := a.audit.(*audit.FileSink); ok {
		_ = closer.Close()
	}
	if a.tel != nil {
		_ = a.tel.Shutdown(ctx)
	}
}
