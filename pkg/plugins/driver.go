package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"

	"github.com/opennetfab/opennetfab/pkg/drivers"
	"github.com/opennetfab/opennetfab/pkg/model"
)

// Driver is a vendor driver backed by a WASM plugin module. The module is
// compiled once at load; every Connect instantiates a fresh instance, so
// sessions never share plugin state and the single-owner session contract
// holds without locking.
type Driver struct {
	manifest   *Manifest
	deviceType model.DeviceType
	runtime    wazero.Runtime
	compiled   wazero.CompiledModule
	timeout    time.Duration
}

// DeviceType returns the tag the plugin registered.
func (d *Driver) DeviceType() model.DeviceType {
	return d.deviceType
}

// Name returns the plugin name for logs.
func (d *Driver) Name() string {
	return fmt.Sprintf("plugin:%s@%s", d.manifest.Metadata.Name, d.manifest.Metadata.Version)
}

// Capabilities returns the manifest capability flags.
func (d *Driver) Capabilities() model.CapabilitySet {
	return d.manifest.Capabilities
}

// Connect instantiates the module and builds a session. The credential is
// copied into the session; HTTP-style plugins need auth per request.
func (d *Driver) Connect(ctx context.Context, device *model.Device, cred *model.Credential) (drivers.Session, error) {
	instance, err := d.runtime.InstantiateModule(ctx, d.compiled,
		wazero.NewModuleConfig().WithName(uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", d.manifest.Metadata.Name, err)
	}

	b, err := newBridge(instance, d.timeout)
	if err != nil {
		_ = instance.Close(ctx)
		return nil, err
	}

	return &session{
		bridge: b,
		device: deviceInfo{
			ID:          device.ID,
			Name:        device.Name,
			MgmtAddress: device.MgmtAddress,
			Tags:        device.Tags,
		},
		auth: authInfo{
			Kind:     string(cred.Kind()),
			Username: cred.Username(),
			Password: string(cred.Password()),
			Token:    string(cred.Token()),
		},
	}, nil
}

// Close releases the compiled module and its runtime.
func (d *Driver) Close(ctx context.Context) error {
	if err := d.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close plugin runtime: %w", err)
	}
	return nil
}

// Manifest returns the plugin manifest.
func (d *Driver) Manifest() *Manifest {
	return d.manifest
}

// session is one plugin module instance bound to one device task.
type session struct {
	bridge *bridge
	device deviceInfo
	auth   authInfo
	closed bool
}

func (s *session) request(op string) *callRequest {
	return &callRequest{
		Op:     op,
		Device: s.device,
		Auth:   s.auth,
	}
}

func (s *session) Exec(ctx context.Context, command string) (string, error) {
	req := s.request(opExec)
	req.Command = command
	resp, err := s.bridge.Execute(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

func (s *session) GetConfig(ctx context.Context) (string, error) {
	resp, err := s.bridge.Execute(ctx, s.request(opGetConfig))
	if err != nil {
		return "", err
	}
	return resp.Config, nil
}

func (s *session) ApplyConfig(ctx context.Context, snippet string, opts drivers.ApplyOptions) (*drivers.ApplyResult, error) {
	req := s.request(opApplyConfig)
	req.Snippet = snippet
	req.DryRun = opts.DryRun
	req.WriteStartup = opts.WriteStartup
	resp, err := s.bridge.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return &drivers.ApplyResult{
		CommitToken: resp.CommitToken,
		Logs:        resp.Logs,
	}, nil
}

func (s *session) Rollback(ctx context.Context, snapshot string) error {
	req := s.request("rollback")
	req.Snapshot = snapshot
	_, err := s.bridge.Rollback(ctx, req)
	return err
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	// Wipe the copied auth before the instance goes away.
	s.auth = authInfo{}
	return s.bridge.module.Close(context.Background())
}
