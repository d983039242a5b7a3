package drivers

import (
	"context"
	"fmt"
	"strings"

	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/transports/ssh"
)

// cliProfile captures what differs between the interactive-shell vendors:
// pager control, config mode framing, the persist command, and the rollback
// payload shape.
type cliProfile struct {
	// pagerOff disables interactive paging, run once after connect. Empty
	// skips the step (plain hosts have no pager).
	pagerOff string

	// configEnter and configExit frame a config push.
	configEnter string
	configExit  string

	// persist writes the running config to startup storage.
	persist string

	// showRunning captures the running configuration.
	showRunning string

	// replacePrefix starts a config-replace rollback; empty means the
	// platform has no replace semantics.
	replacePrefix string

	// replaceSuffix terminates the rollback payload. IOS needs a blank
	// line to confirm the replace prompt.
	replaceSuffix string
}

var iosProfile = cliProfile{
	pagerOff:      "terminal length 0",
	configEnter:   "configure terminal",
	configExit:    "end",
	persist:       "write memory",
	showRunning:   "show running-config",
	replacePrefix: "configure replace terminal force",
	replaceSuffix: "\n\n",
}

var eosProfile = cliProfile{
	pagerOff:      "terminal length 0",
	configEnter:   "configure terminal",
	configExit:    "end",
	persist:       "copy running-config startup-config",
	showRunning:   "show running-config",
	replacePrefix: "configure replace terminal force",
	replaceSuffix: "\n",
}

// cliSession is an interactive-shell session over SSH. The exec channel
// carries multi-line payloads; the device's command interpreter consumes
// the embedded newlines.
type cliSession struct {
	client  *ssh.Client
	device  *model.Device
	profile cliProfile
}

// dialCLI opens the SSH connection and disables paging per the profile.
func dialCLI(ctx context.Context, device *model.Device, cred *model.Credential, opts Options, profile cliProfile) (*cliSession, error) {
	cfg, err := ssh.ConfigForDevice(device, cred, ssh.DefaultPort)
	if err != nil {
		return nil, err
	}
	cfg.KnownHostsPath = opts.KnownHostsPath
	cfg.StrictHostKeyChecking = opts.StrictHostKeyChecking

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", device.ID, err)
	}

	sess := &cliSession{client: client, device: device, profile: profile}
	if profile.pagerOff != "" {
		if _, err := sess.Exec(ctx, profile.pagerOff); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to disable paging on %s: %w", device.ID, err)
		}
	}
	return sess, nil
}

func (s *cliSession) Exec(ctx context.Context, command string) (string, error) {
	stdout, stderr, err := s.client.Run(ctx, command)
	if err != nil {
		if strings.TrimSpace(stderr) != "" {
			return stdout, fmt.Errorf("device %s: %w: %s", s.device.ID, err, summarize(stderr))
		}
		return stdout, fmt.Errorf("device %s: %w", s.device.ID, err)
	}
	return stdout, nil
}

func (s *cliSession) GetConfig(ctx context.Context) (string, error) {
	return s.Exec(ctx, s.profile.showRunning)
}

func (s *cliSession) ApplyConfig(ctx context.Context, snippet string, opts ApplyOptions) (*ApplyResult, error) {
	if opts.DryRun {
		return nil, fmt.Errorf("device %s: driver does not support dry-run", s.device.ID)
	}

	payload := s.profile.configEnter + "\n" + strings.TrimSpace(snippet) + "\n" + s.profile.configExit
	if opts.WriteStartup {
		payload += "\n" + s.profile.persist
	}
	output, err := s.Exec(ctx, payload)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{
		Logs: []string{fmt.Sprintf("applied %d config lines", countSnippetLines(snippet))},
	}
	if opts.WriteStartup {
		result.Logs = append(result.Logs, "running config persisted to startup")
	}
	if out := strings.TrimSpace(output); out != "" {
		result.Logs = append(result.Logs, summarize(out))
	}
	return result, nil
}

func (s *cliSession) Rollback(ctx context.Context, snapshot string) error {
	if s.profile.replacePrefix == "" {
		return fmt.Errorf("device %s: platform has no config replace", s.device.ID)
	}
	if strings.TrimSpace(snapshot) == "" {
		return fmt.Errorf("device %s: no snapshot to roll back to", s.device.ID)
	}
	payload := s.profile.replacePrefix + "\n" + snapshot + s.profile.replaceSuffix
	if _, err := s.Exec(ctx, payload); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

func (s *cliSession) Close() error {
	return s.client.Close()
}

func countSnippetLines(snippet string) int {
	n := 0
	for _, line := range strings.Split(snippet, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
