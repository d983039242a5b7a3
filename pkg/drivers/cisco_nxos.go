package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// CiscoNXOSDriver manages Nexus switches through the NX-API ins endpoint.
// Show commands go through cli_show; config pushes batch their lines into
// one cli_conf call using the NX-API " ;" separator.
type CiscoNXOSDriver struct {
	http *http.Client
}

// NewCiscoNXOSDriver builds the NX-OS driver.
func NewCiscoNXOSDriver(opts Options) *CiscoNXOSDriver {
	return &CiscoNXOSDriver{http: opts.HTTPClient}
}

func (d *CiscoNXOSDriver) DeviceType() model.DeviceType {
	return model.DeviceTypeCiscoNXOS
}

func (d *CiscoNXOSDriver) Name() string {
	return "Cisco NX-OS API"
}

// Capabilities: NX-API exposes the running config for diffing but has no
// candidate datastore, no validate-only mode, and no snapshot restore the
// session could honor.
func (d *CiscoNXOSDriver) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{
		SupportsDiff: true,
	}
}

func (d *CiscoNXOSDriver) Connect(ctx context.Context, device *model.Device, cred *model.Credential) (Session, error) {
	if cred.Kind() != model.CredentialUserPassword {
		return nil, fmt.Errorf("device %s: credential kind %q unsupported for NX-API", device.ID, cred.Kind())
	}
	return &nxosSession{
		http:     d.http,
		device:   device,
		endpoint: nxosEndpoint(device.MgmtAddress),
		auth:     basicAuth(cred.Username(), string(cred.Password())),
	}, nil
}

func nxosEndpoint(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/ins"
	}
	return "https://" + addr + "/ins"
}

// nxosSession speaks the ins_api JSON dialect. Calls are stateless; the
// device keeps no session between requests.
type nxosSession struct {
	http     *http.Client
	device   *model.Device
	endpoint string
	auth     requestAuth
}

// nxosResponse is the ins_api reply envelope. With a single input the
// outputs.output member is an object; batched inputs make it an array.
type nxosResponse struct {
	InsAPI struct {
		Outputs struct {
			Output json.RawMessage `json:"output"`
		} `json:"outputs"`
	} `json:"ins_api"`
}

type nxosOutput struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Body json.RawMessage `json:"body"`
}

// ins posts one ins_api call and returns the per-command outputs, failing
// on any non-200 command code.
func (s *nxosSession) ins(ctx context.Context, insType, input string) ([]nxosOutput, error) {
	payload := map[string]interface{}{
		"ins_api": map[string]interface{}{
			"version":       "1.2",
			"type":          insType,
			"chunk":         "0",
			"sid":           "1",
			"input":         input,
			"output_format": "json",
		},
	}
	body, err := postJSON(ctx, s.http, s.endpoint, s.auth, payload)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", s.device.ID, err)
	}

	var resp nxosResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("device %s: failed to parse NX-API response: %w", s.device.ID, err)
	}

	raw := resp.InsAPI.Outputs.Output
	if len(raw) == 0 {
		return nil, fmt.Errorf("device %s: NX-API response carried no outputs", s.device.ID)
	}
	var outputs []nxosOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		var single nxosOutput
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("device %s: failed to parse NX-API output: %w", s.device.ID, err)
		}
		outputs = []nxosOutput{single}
	}

	for _, out := range outputs {
		if out.Code != "" && out.Code != "200" {
			return nil, fmt.Errorf("device %s: NX-API command failed with code %s: %s", s.device.ID, out.Code, out.Msg)
		}
	}
	return outputs, nil
}

// renderBody flattens a command body for logs: plain strings come through
// as-is, structured bodies stay JSON text.
func renderBody(body json.RawMessage) string {
	if len(body) == 0 || string(body) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(body, &text); err == nil {
		return text
	}
	return string(body)
}

func (s *nxosSession) Exec(ctx context.Context, command string) (string, error) {
	outputs, err := s.ins(ctx, "cli_show", command)
	if err != nil {
		return "", err
	}
	return renderBody(outputs[len(outputs)-1].Body), nil
}

func (s *nxosSession) GetConfig(ctx context.Context) (string, error) {
	outputs, err := s.ins(ctx, "cli_show", "show running-config")
	if err != nil {
		return "", err
	}
	config := renderBody(outputs[len(outputs)-1].Body)
	if strings.TrimSpace(config) == "" {
		return "", fmt.Errorf("device %s: no running-config output", s.device.ID)
	}
	return config, nil
}

func (s *nxosSession) ApplyConfig(ctx context.Context, snippet string, opts ApplyOptions) (*ApplyResult, error) {
	if opts.DryRun {
		return nil, fmt.Errorf("device %s: driver does not support dry-run", s.device.ID)
	}

	var lines []string
	for _, line := range strings.Split(snippet, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("device %s: config snippet is empty", s.device.ID)
	}
	if opts.WriteStartup {
		lines = append(lines, "copy running-config startup-config")
	}

	if _, err := s.ins(ctx, "cli_conf", strings.Join(lines, " ;")); err != nil {
		return nil, err
	}
	result := &ApplyResult{
		Logs: []string{fmt.Sprintf("applied %d config lines", countSnippetLines(snippet))},
	}
	if opts.WriteStartup {
		result.Logs = append(result.Logs, "running config persisted to startup")
	}
	return result, nil
}

func (s *nxosSession) Rollback(ctx context.Context, snapshot string) error {
	return fmt.Errorf("device %s: rollback not supported over NX-API", s.device.ID)
}

func (s *nxosSession) Close() error {
	return nil
}
