package drivers

import (
	"context"
	"fmt"
	"strings"

	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/transports/ssh"
)

// JuniperJunosDriver manages Junos devices over the NETCONF SSH subsystem.
// Config pushes go through the candidate datastore with lock, validate and
// commit; dry-run validates the candidate and discards it without
// committing.
type JuniperJunosDriver struct {
	opts Options
}

// NewJuniperJunosDriver builds the Junos driver.
func NewJuniperJunosDriver(opts Options) *JuniperJunosDriver {
	return &JuniperJunosDriver{opts: opts}
}

func (d *JuniperJunosDriver) DeviceType() model.DeviceType {
	return model.DeviceTypeJuniperNetconf
}

func (d *JuniperJunosDriver) Name() string {
	return "Juniper Junos NETCONF"
}

// Capabilities: the candidate datastore gives Junos the full set, including
// transactional commits and validate-only dry runs.
func (d *JuniperJunosDriver) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{
		SupportsCommit:   true,
		SupportsDryRun:   true,
		SupportsRollback: true,
		SupportsDiff:     true,
		Transactional:    true,
	}
}

func (d *JuniperJunosDriver) Connect(ctx context.Context, device *model.Device, cred *model.Credential) (Session, error) {
	cfg, err := ssh.ConfigForDevice(device, cred, ssh.DefaultNetconfPort)
	if err != nil {
		return nil, err
	}
	cfg.KnownHostsPath = d.opts.KnownHostsPath
	cfg.StrictHostKeyChecking = d.opts.StrictHostKeyChecking

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", device.ID, err)
	}
	stream, err := client.OpenSubsystem(ctx, "netconf")
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("device %s: %w", device.ID, err)
	}
	nc, err := newNetconfSession(ctx, stream)
	if err != nil {
		_ = stream.Close()
		_ = client.Close()
		return nil, fmt.Errorf("device %s: %w", device.ID, err)
	}
	return &junosSession{client: client, stream: stream, nc: nc, device: device}, nil
}

// junosSession drives one NETCONF session end to end. RPCs are sequential;
// the engine never shares a session between goroutines.
type junosSession struct {
	client *ssh.Client
	stream *ssh.Subsystem
	nc     *netconfSession
	device *model.Device
}

// Exec runs an operational command through the Junos <command> RPC and
// returns its text output.
func (s *junosSession) Exec(ctx context.Context, command string) (string, error) {
	rpc := fmt.Sprintf(`<command format="text">%s</command>`, escapeXMLText(command))
	reply, err := s.nc.RPC(ctx, rpc)
	if err != nil {
		return "", fmt.Errorf("device %s: %w", s.device.ID, err)
	}
	return strings.TrimSpace(extractElement(reply, "output")), nil
}

// GetConfig captures the running datastore. The raw reply doubles as the
// rollback snapshot.
func (s *junosSession) GetConfig(ctx context.Context) (string, error) {
	reply, err := s.nc.RPC(ctx, "<get-config><source><running/></source></get-config>")
	if err != nil {
		return "", fmt.Errorf("device %s: %w", s.device.ID, err)
	}
	return reply, nil
}

func (s *junosSession) ApplyConfig(ctx context.Context, snippet string, opts ApplyOptions) (*ApplyResult, error) {
	if _, err := s.nc.RPC(ctx, "<lock><target><candidate/></target></lock>"); err != nil {
		return nil, fmt.Errorf("device %s: failed to lock candidate: %w", s.device.ID, err)
	}
	edit := fmt.Sprintf(
		"<edit-config><target><candidate/></target><default-operation>merge</default-operation>"+
			"<config><configuration-text><![CDATA[%s]]></configuration-text></config></edit-config>",
		snippet,
	)
	if _, err := s.nc.RPC(ctx, edit); err != nil {
		s.unlock(ctx)
		return nil, fmt.Errorf("device %s: failed to load candidate: %w", s.device.ID, err)
	}
	result := &ApplyResult{
		Logs: []string{fmt.Sprintf("loaded %d config lines into candidate", countSnippetLines(snippet))},
	}

	if _, err := s.nc.RPC(ctx, "<validate><source><candidate/></source></validate>"); err != nil {
		s.unlock(ctx)
		return nil, fmt.Errorf("device %s: commit check failed: %w", s.device.ID, err)
	}
	result.Logs = append(result.Logs, "commit check passed")

	if opts.DryRun {
		if _, err := s.nc.RPC(ctx, "<discard-changes/>"); err != nil {
			s.unlock(ctx)
			return nil, fmt.Errorf("device %s: failed to discard candidate: %w", s.device.ID, err)
		}
		s.unlock(ctx)
		result.Logs = append(result.Logs, "candidate discarded, nothing committed")
		return result, nil
	}

	// Junos commits are already persistent; WriteStartup needs no extra
	// step here.
	if _, err := s.nc.RPC(ctx, "<commit/>"); err != nil {
		s.unlock(ctx)
		return nil, fmt.Errorf("device %s: commit failed: %w", s.device.ID, err)
	}
	result.Logs = append(result.Logs, "commit complete")
	s.unlock(ctx)
	return result, nil
}

// Rollback overrides the candidate with the snapshot and commits it on the
// same session.
func (s *junosSession) Rollback(ctx context.Context, snapshot string) error {
	if strings.TrimSpace(snapshot) == "" {
		return fmt.Errorf("device %s: no snapshot to roll back to", s.device.ID)
	}
	load := fmt.Sprintf(
		`<load-configuration action="override"><configuration-text><![CDATA[%s]]></configuration-text></load-configuration>`,
		snapshot,
	)
	if _, err := s.nc.RPC(ctx, load); err != nil {
		return fmt.Errorf("device %s: rollback load failed: %w", s.device.ID, err)
	}
	if _, err := s.nc.RPC(ctx, "<commit/>"); err != nil {
		return fmt.Errorf("device %s: rollback commit failed: %w", s.device.ID, err)
	}
	return nil
}

// unlock releases the candidate lock. Failures are swallowed: the lock
// dies with the session anyway.
func (s *junosSession) unlock(ctx context.Context) {
	_, _ = s.nc.RPC(ctx, "<unlock><target><candidate/></target></unlock>")
}

func (s *junosSession) Close() error {
	_ = s.stream.Close()
	return s.client.Close()
}
