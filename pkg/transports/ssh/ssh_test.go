package ssh

import (
	"errors"
	"testing"
	"time"

	"github.com/opennetfab/opennetfab/pkg/model"
)

func TestTimeoutEnvOverride(t *testing.T) {
	t.Setenv("SSH_TIMEOUT_SECS", "")
	if got := Timeout(); got != DefaultTimeout {
		t.Errorf("Timeout = %s, want default %s", got, DefaultTimeout)
	}

	t.Setenv("SSH_TIMEOUT_SECS", "7")
	if got := Timeout(); got != 7*time.Second {
		t.Errorf("Timeout = %s, want 7s", got)
	}

	// Garbage and non-positive values fall back to the default.
	t.Setenv("SSH_TIMEOUT_SECS", "soon")
	if got := Timeout(); got != DefaultTimeout {
		t.Errorf("Timeout = %s, want default for junk value", got)
	}
	t.Setenv("SSH_TIMEOUT_SECS", "0")
	if got := Timeout(); got != DefaultTimeout {
		t.Errorf("Timeout = %s, want default for zero", got)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"10.0.0.1", "10.0.0.1", 22, false},
		{"10.0.0.1:2222", "10.0.0.1", 2222, false},
		{"edge-01.lab", "edge-01.lab", 22, false},
		{"[fd00::1]:830", "fd00::1", 830, false},
		{"10.0.0.1:notaport", "", 0, true},
		{"10.0.0.1:0", "", 0, true},
		{"", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := splitAddress(tt.addr, 22)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitAddress(%q) expected error", tt.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitAddress(%q) failed: %v", tt.addr, err)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("splitAddress(%q) = %s:%d, want %s:%d", tt.addr, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

func TestConfigForDevice(t *testing.T) {
	device := &model.Device{
		ID:          "edge-01",
		Name:        "Edge Router 1",
		MgmtAddress: "10.0.0.1",
		DeviceType:  model.DeviceTypeCiscoIOS,
	}

	cred := model.NewUserPassword("admin", []byte("secret"))
	defer cred.Zero()

	cfg, err := ConfigForDevice(device, cred, DefaultPort)
	if err != nil {
		t.Fatalf("ConfigForDevice failed: %v", err)
	}
	if cfg.Host != "10.0.0.1" || cfg.Port != 22 {
		t.Errorf("Address = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.User != "admin" || string(cfg.Password) != "secret" {
		t.Error("Credential not carried into config")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	// NETCONF callers pass their own default port.
	cfg, err = ConfigForDevice(device, cred, DefaultNetconfPort)
	if err != nil {
		t.Fatalf("ConfigForDevice failed: %v", err)
	}
	if cfg.Port != 830 {
		t.Errorf("Port = %d, want 830", cfg.Port)
	}
}

func TestConfigForDeviceRejectsToken(t *testing.T) {
	device := &model.Device{ID: "api-01", MgmtAddress: "10.0.0.9"}
	cred := model.NewAPIToken([]byte("tok"))
	defer cred.Zero()

	if _, err := ConfigForDevice(device, cred, DefaultPort); err == nil {
		t.Error("Expected error for token credential over SSH")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Host:           "10.0.0.1",
			Port:           22,
			User:           "admin",
			Password:       []byte("pw"),
			ConnectTimeout: time.Second,
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("Base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Host = "" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"missing user", func(c *Config) { c.User = "" }},
		{"no auth material", func(c *Config) { c.Password = nil }},
		{"zero timeout", func(c *Config) { c.ConnectTimeout = 0 }},
	}
	for _, tt := range tests {
		cfg := base()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestClassifyDialError(t *testing.T) {
	authErr := errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")
	te := classifyDialError(authErr)
	if !te.AuthFailure() || te.Temporary() {
		t.Errorf("Auth failure misclassified: temporary=%t auth=%t", te.Temporary(), te.AuthFailure())
	}

	hostKeyErr := errors.New("ssh: handshake failed: knownhosts: key is unknown")
	te = classifyDialError(hostKeyErr)
	if !te.AuthFailure() {
		t.Error("Host key rejection should be terminal")
	}

	netErr := errors.New("dial tcp 10.0.0.1:22: connect: connection refused")
	te = classifyDialError(netErr)
	if !te.Temporary() || te.AuthFailure() {
		t.Errorf("Network failure misclassified: temporary=%t auth=%t", te.Temporary(), te.AuthFailure())
	}
	if !errors.Is(te, netErr) {
		t.Error("TransportError must unwrap to the dial error")
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	te := &TransportError{Op: "run", Err: inner, IsTemporary: true}
	if te.Error() != "run: boom" {
		t.Errorf("Error() = %q", te.Error())
	}
	if !errors.Is(te, inner) {
		t.Error("Unwrap broken")
	}
}
