package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/opennetfab/opennetfab/pkg/audit"
	"github.com/opennetfab/opennetfab/pkg/drivers"
	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

const (
	// defaultMemoryPages caps plugin linear memory at 16MB (64KB pages).
	defaultMemoryPages = 256

	// defaultCallTimeout bounds a single plugin call.
	defaultCallTimeout = 30 * time.Second
)

// Manager discovers, verifies, and hosts WASM driver plugins. One manager
// owns one wazero runtime per plugin so a misbehaving module cannot disturb
// its neighbors.
type Manager struct {
	logger  *telemetry.Logger
	audit   audit.Sink
	timeout time.Duration
	drivers []*Driver
}

// NewManager creates a plugin manager. auditSink receives a signature-check
// record per plugin; pass audit.NopSink to discard.
func NewManager(logger *telemetry.Logger, auditSink audit.Sink) *Manager {
	return &Manager{
		logger:  logger.NewComponentLogger("plugins"),
		audit:   auditSink,
		timeout: defaultCallTimeout,
	}
}

// LoadDir scans a directory for plugin manifests (*.yaml, *.yml) and loads
// each one. A broken plugin is skipped with a warning; a checksum mismatch
// is never loaded.
func (m *Manager) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		driver, err := m.Load(ctx, path)
		if err != nil {
			m.logger.WithError(err).WithField("manifest", path).Warn("Skipping plugin")
			continue
		}
		m.drivers = append(m.drivers, driver)
		m.logger.WithFields(map[string]interface{}{
			"plugin":      driver.manifest.Metadata.Name,
			"version":     driver.manifest.Metadata.Version,
			"device_type": driver.deviceType.String(),
		}).Info("Loaded plugin driver")
	}
	return nil
}

// Load verifies and compiles one plugin from its manifest path.
func (m *Manager) Load(ctx context.Context, manifestPath string) (*Driver, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	wasm, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm module: %w", err)
	}

	if err := manifest.VerifyChecksum(wasm); err != nil {
		m.auditSignature(ctx, manifest, false)
		return nil, err
	}
	m.auditSignature(ctx, manifest, true)

	deviceType, err := model.ParseDeviceType(manifest.DeviceType)
	if err != nil {
		deviceType, err = model.RegisterDeviceType(manifest.DeviceType)
		if err != nil {
			return nil, err
		}
	}

	runtime, compiled, err := m.compile(ctx, wasm)
	if err != nil {
		return nil, err
	}

	driver := &Driver{
		manifest:   manifest,
		deviceType: deviceType,
		runtime:    runtime,
		compiled:   compiled,
		timeout:    m.timeout,
	}

	if err := m.checkCapabilities(ctx, driver); err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	return driver, nil
}

func (m *Manager) compile(ctx context.Context, wasm []byte) (wazero.Runtime, wazero.CompiledModule, error) {
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(defaultMemoryPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	// The only host import offered to plugins: a log line routed into the
	// structured logger. Everything else happens over the call ABI.
	logger := m.logger
	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			logger.WithField("origin", "plugin").Debug(string(msg))
		}).
		Export("host_log").
		Instantiate(ctx)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}
	return runtime, compiled, nil
}

// checkCapabilities instantiates the module once and compares its
// driver_capabilities export against the manifest. A driver must never
// advertise flags its implementation does not honor, so a mismatch fails
// the load.
func (m *Manager) checkCapabilities(ctx context.Context, d *Driver) error {
	instance, err := d.runtime.InstantiateModule(ctx, d.compiled, wazero.NewModuleConfig())
	if err != nil {
		return fmt.Errorf("failed to instantiate plugin %s: %w", d.manifest.Metadata.Name, err)
	}
	defer instance.Close(ctx)

	b, err := newBridge(instance, d.timeout)
	if err != nil {
		return err
	}

	caps, err := b.Capabilities(ctx)
	if err != nil {
		return err
	}
	if caps != d.manifest.Capabilities {
		return fmt.Errorf("plugin %s capabilities disagree with manifest", d.manifest.Metadata.Name)
	}
	return nil
}

func (m *Manager) auditSignature(ctx context.Context, manifest *Manifest, ok bool) {
	detail := fmt.Sprintf("plugin %s@%s checksum verified", manifest.Metadata.Name, manifest.Metadata.Version)
	if !ok {
		detail = fmt.Sprintf("plugin %s@%s checksum mismatch, rejected", manifest.Metadata.Name, manifest.Metadata.Version)
	}
	if err := m.audit.Append(ctx, audit.Record{
		EventKind: audit.EventPluginSignatureCheck,
		Detail:    detail,
	}); err != nil {
		m.logger.WithError(err).Warn("Failed to audit plugin signature check")
	}
}

// Drivers returns the loaded plugin drivers sorted by device type.
func (m *Manager) Drivers() []*Driver {
	out := make([]*Driver, len(m.drivers))
	copy(out, m.drivers)
	sort.Slice(out, func(i, j int) bool { return out[i].deviceType < out[j].deviceType })
	return out
}

// ExtendRegistry rebuilds a registry with the base drivers plus the loaded
// plugins. Built-ins win: a plugin claiming an already-registered device
// type is ignored by the first-registration rule.
func (m *Manager) ExtendRegistry(base *drivers.Registry) (*drivers.Registry, error) {
	var all []drivers.Driver
	for _, t := range base.Types() {
		d, err := base.DriverFor(t)
		if err != nil {
			return nil, err
		}
		all = append(all, d)
	}
	for _, p := range m.Drivers() {
		all = append(all, p)
	}
	return drivers.NewRegistry(all...), nil
}

// Close releases every plugin runtime.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	for _, d := range m.drivers {
		if err := d.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.drivers = nil
	return firstErr
}
