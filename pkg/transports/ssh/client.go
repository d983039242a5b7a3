package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is one live SSH connection to a device. Clients are built per
// device task and closed when the task finishes; there is no pooling.
type Client struct {
	cfg  *Config
	conn *ssh.Client

	mu     sync.Mutex
	closed bool
}

// Dial establishes the connection. The context bounds the whole attempt;
// classification of the returned error (temporary vs authentication)
// drives the engine's single-reconnect rule.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := cfg.buildClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-ctx.Done():
			_ = conn.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return nil, classifyDialError(err)
	case conn := <-connChan:
		log.Debug().Str("address", address).Msg("SSH connection established")
		return &Client{cfg: cfg, conn: conn}, nil
	}
}

// classifyDialError separates retryable network failures from terminal
// authentication and host key rejections. x/crypto/ssh reports client-side
// auth failures only through the handshake error text.
func classifyDialError(err error) *TransportError {
	te := &TransportError{Op: "connect", Err: err}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no supported methods remain"):
		te.IsAuthError = true
	case strings.Contains(msg, "knownhosts:"),
		strings.Contains(msg, "key is unknown"),
		strings.Contains(msg, "host key mismatch"):
		te.IsAuthError = true
	default:
		te.IsTemporary = true
	}
	return te
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Run executes one command over a fresh exec channel and returns its
// stdout and stderr. Vendor CLIs accept multi-line payloads here; the
// embedded newlines drive the device's command interpreter. The command
// text is never logged: config payloads can carry secrets.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	if deadline := c.cfg.CommandTimeout; deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "run", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	started := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-doneChan:
	}

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()
	log.Debug().
		Str("host", c.cfg.Host).
		Int("command_len", len(cmd)).
		Int("stdout_len", len(stdout)).
		Dur("duration", time.Since(started)).
		Msg("command completed")

	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return stdout, stderr, &TransportError{
				Op:  "run",
				Err: fmt.Errorf("command exited with code %d", exitErr.ExitStatus()),
			}
		}
		return stdout, stderr, &TransportError{Op: "run", Err: runErr, IsTemporary: true}
	}
	return stdout, stderr, nil
}

// Subsystem is a bidirectional stream over an SSH subsystem channel.
// NETCONF sessions read and write RPC framing through it.
type Subsystem struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *Subsystem) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *Subsystem) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close tears the channel down. The write side closes first so the peer
// sees EOF before the session goes away.
func (s *Subsystem) Close() error {
	_ = s.stdin.Close()
	return s.session.Close()
}

// OpenSubsystem starts a named SSH subsystem ("netconf") and returns the
// stream. The caller owns the returned Subsystem and must Close it.
func (c *Client) OpenSubsystem(ctx context.Context, name string) (*Subsystem, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "subsystem", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "subsystem", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "subsystem", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- session.RequestSubsystem(name)
	}()
	select {
	case <-ctx.Done():
		session.Close()
		return nil, &TransportError{Op: "subsystem", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		if err != nil {
			session.Close()
			return nil, &TransportError{Op: "subsystem", Err: fmt.Errorf("subsystem %s rejected: %w", name, err)}
		}
	}

	log.Debug().Str("host", c.cfg.Host).Str("subsystem", name).Msg("subsystem channel opened")
	return &Subsystem{session: session, stdin: stdin, stdout: stdout}, nil
}

// Upload writes data to a remote path over SFTP, creating parent
// directories as needed. Drivers that stage scripts or config artifacts on
// the device use this.
func (c *Client) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	sftpClient, err := sftp.NewClient(c.conn)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory %s: %w", dir, err)}
		}
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file %s: %w", remotePath, err)}
	}

	written := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			file.Close()
			return &TransportError{Op: "upload", Err: err, IsTemporary: true}
		}
		chunk := data[written:]
		if len(chunk) > 32*1024 {
			chunk = chunk[:32*1024]
		}
		n, err := file.Write(chunk)
		if err != nil {
			file.Close()
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to write remote file %s: %w", remotePath, err), IsTemporary: true}
		}
		written += n
	}
	if err := file.Close(); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to close remote file %s: %w", remotePath, err)}
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)}
	}

	log.Debug().Str("host", c.cfg.Host).Str("path", remotePath).Int("bytes", written).Msg("file uploaded")
	return nil
}
