package ssh

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// Config holds one device connection's parameters. Secret fields alias the
// resolved credential's backing memory and become invalid once the
// credential is zeroed; a Config must not outlive the device task it was
// built for.
type Config struct {
	// Host is the device management host or IP.
	Host string

	// Port is the SSH port.
	Port int

	// User is the login name.
	User string

	// Password enables password and keyboard-interactive authentication
	// when non-empty.
	Password []byte

	// PrivateKey is PEM-encoded private key material for public key
	// authentication.
	PrivateKey []byte

	// Passphrase decrypts PrivateKey when the key is protected.
	Passphrase []byte

	// KnownHostsPath points at an OpenSSH known_hosts file. Verification
	// applies only when StrictHostKeyChecking is set.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts absent from known_hosts. Lab
	// inventories commonly disable it; the worker config decides.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds the TCP dial and SSH handshake.
	ConnectTimeout time.Duration

	// CommandTimeout bounds one Run call when the caller's context has no
	// earlier deadline.
	CommandTimeout time.Duration
}

// ConfigForDevice builds a connection config from a device and its
// resolved credential. The management address may be "host" or
// "host:port"; a bare host gets defaultPort. Token credentials cannot
// authenticate SSH and are rejected.
func ConfigForDevice(device *model.Device, cred *model.Credential, defaultPort int) (*Config, error) {
	host, port, err := splitAddress(device.MgmtAddress, defaultPort)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", device.ID, err)
	}

	cfg := &Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: Timeout(),
		CommandTimeout: Timeout(),
	}

	switch cred.Kind() {
	case model.CredentialUserPassword:
		cfg.User = cred.Username()
		cfg.Password = cred.Password()
	case model.CredentialSSHKey:
		cfg.User = cred.Username()
		cfg.PrivateKey = cred.KeyBytes()
		cfg.Passphrase = cred.Passphrase()
	default:
		return nil, fmt.Errorf("device %s: credential kind %q cannot authenticate SSH", device.ID, cred.Kind())
	}
	return cfg, nil
}

// splitAddress separates host and port, defaulting the port when the
// address carries none. IPv6 literals must be bracketed to carry a port.
func splitAddress(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("empty management address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port component; treat the whole string as the host.
		return addr, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q in address %q", portStr, addr)
	}
	return host, port, nil
}

// Validate checks the configuration is complete enough to dial.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if len(c.Password) == 0 && len(c.PrivateKey) == 0 {
		return fmt.Errorf("no authentication material")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// buildClientConfig assembles the x/crypto/ssh client configuration.
func (c *Config) buildClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if len(c.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if len(c.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, c.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(c.Password) > 0 {
		password := string(c.Password)
		authMethods = append(authMethods, ssh.Password(password))

		// Many network OS SSH servers only offer keyboard-interactive and
		// answer every prompt with the same password.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// Address returns the dial address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
