package drivers

import (
	"context"
	"fmt"
	"strings"

	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/transports/ssh"
)

// defaultConfigPath receives config pushes when the device carries no
// config_path tag.
const defaultConfigPath = "/tmp/netfab.conf"

// GenericSSHDriver manages plain SSH hosts without vendor semantics.
// Command batches run verbatim. Config pushes stage the snippet over SFTP
// and rename it into place, then run the optional command named by the
// device's apply_hook tag.
type GenericSSHDriver struct {
	opts Options
}

// NewGenericSSHDriver builds the generic driver.
func NewGenericSSHDriver(opts Options) *GenericSSHDriver {
	return &GenericSSHDriver{opts: opts}
}

func (d *GenericSSHDriver) DeviceType() model.DeviceType {
	return model.DeviceTypeGenericSSH
}

func (d *GenericSSHDriver) Name() string {
	return "Generic SSH"
}

// Capabilities: a plain host offers no config capture, dry-run, or
// rollback guarantees.
func (d *GenericSSHDriver) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{}
}

func (d *GenericSSHDriver) Connect(ctx context.Context, device *model.Device, cred *model.Credential) (Session, error) {
	cfg, err := ssh.ConfigForDevice(device, cred, ssh.DefaultPort)
	if err != nil {
		return nil, err
	}
	cfg.KnownHostsPath = d.opts.KnownHostsPath
	cfg.StrictHostKeyChecking = d.opts.StrictHostKeyChecking

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", device.ID, err)
	}
	return &genericSession{client: client, device: device}, nil
}

type genericSession struct {
	client *ssh.Client
	device *model.Device
}

func (s *genericSession) configPath() string {
	if p := s.device.TagValue("config_path"); p != "" {
		return p
	}
	return defaultConfigPath
}

func (s *genericSession) Exec(ctx context.Context, command string) (string, error) {
	stdout, stderr, err := s.client.Run(ctx, command)
	if err != nil {
		if strings.TrimSpace(stderr) != "" {
			return stdout, fmt.Errorf("device %s: %w: %s", s.device.ID, err, summarize(stderr))
		}
		return stdout, fmt.Errorf("device %s: %w", s.device.ID, err)
	}
	return stdout, nil
}

// GetConfig reads the managed config file. Without a config_path tag there
// is nothing to capture.
func (s *genericSession) GetConfig(ctx context.Context) (string, error) {
	p := s.device.TagValue("config_path")
	if p == "" {
		return "", nil
	}
	return s.Exec(ctx, fmt.Sprintf("cat %q", p))
}

func (s *genericSession) ApplyConfig(ctx context.Context, snippet string, opts ApplyOptions) (*ApplyResult, error) {
	if opts.DryRun {
		return nil, fmt.Errorf("device %s: driver does not support dry-run", s.device.ID)
	}

	// Stage then rename so a half-written file never lands on the target
	// path. WriteStartup needs no extra step: the file is the persistent
	// form.
	target := s.configPath()
	staging := target + ".staging"
	if err := s.client.Upload(ctx, staging, []byte(snippet), 0o644); err != nil {
		return nil, fmt.Errorf("device %s: failed to stage config: %w", s.device.ID, err)
	}
	if _, err := s.Exec(ctx, fmt.Sprintf("mv %q %q", staging, target)); err != nil {
		return nil, fmt.Errorf("failed to move staged config into place: %w", err)
	}

	result := &ApplyResult{
		Logs: []string{fmt.Sprintf("staged %d config lines to %s", countSnippetLines(snippet), target)},
	}
	if hook := s.device.TagValue("apply_hook"); hook != "" {
		output, err := s.Exec(ctx, hook)
		if err != nil {
			return nil, fmt.Errorf("apply hook failed: %w", err)
		}
		result.Logs = append(result.Logs, "apply hook => "+summarize(output))
	}
	return result, nil
}

func (s *genericSession) Rollback(ctx context.Context, snapshot string) error {
	return fmt.Errorf("device %s: no rollback support on a plain host", s.device.ID)
}

func (s *genericSession) Close() error {
	return s.client.Close()
}
