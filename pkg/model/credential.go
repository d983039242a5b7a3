package model

import "fmt"

// CredentialKind discriminates the credential variants.
type CredentialKind string

const (
	// CredentialUserPassword is a username plus password pair.
	CredentialUserPassword CredentialKind = "user-password"

	// CredentialSSHKey is a username plus private key, optionally
	// passphrase-protected.
	CredentialSSHKey CredentialKind = "ssh-key"

	// CredentialAPIToken is a bearer token for HTTP transports.
	CredentialAPIToken CredentialKind = "api-token"
)

const redacted = "******"

// Credential is an owned secret value returned by the resolver. The secret
// fields are unexported and reachable only through accessors so that the
// engine cannot serialize or log them by accident; String and MarshalJSON
// redact. Callers must Zero the credential once the driver connection
// attempt it was resolved for has finished.
type Credential struct {
	kind       CredentialKind
	username   string
	password   []byte
	keyBytes   []byte
	passphrase []byte
	token      []byte
}

// NewUserPassword builds a user/password credential. The byte slice is
// owned by the credential afterwards.
func NewUserPassword(username string, password []byte) *Credential {
	return &Credential{kind: CredentialUserPassword, username: username, password: password}
}

// NewSSHKey builds an SSH key credential. passphrase may be nil for
// unencrypted keys. Both slices are owned by the credential afterwards.
func NewSSHKey(username string, keyBytes, passphrase []byte) *Credential {
	return &Credential{kind: CredentialSSHKey, username: username, keyBytes: keyBytes, passphrase: passphrase}
}

// NewAPIToken builds a bearer-token credential. The slice is owned by the
// credential afterwards.
func NewAPIToken(token []byte) *Credential {
	return &Credential{kind: CredentialAPIToken, token: token}
}

// Kind returns the credential variant.
func (c *Credential) Kind() CredentialKind { return c.kind }

// Username returns the login name for user/password and SSH key variants.
func (c *Credential) Username() string { return c.username }

// Password returns the password bytes. The slice aliases the credential's
// backing memory: do not retain it past Zero.
func (c *Credential) Password() []byte { return c.password }

// KeyBytes returns the private key material. Same aliasing caveat as
// Password.
func (c *Credential) KeyBytes() []byte { return c.keyBytes }

// Passphrase returns the key passphrase, nil when the key is unencrypted.
func (c *Credential) Passphrase() []byte { return c.passphrase }

// Token returns the API token bytes. Same aliasing caveat as Password.
func (c *Credential) Token() []byte { return c.token }

// Zero scrubs all secret material in place. The credential is unusable
// afterwards. Zero on a nil credential is a no-op.
func (c *Credential) Zero() {
	if c == nil {
		return
	}
	wipe(c.password)
	wipe(c.keyBytes)
	wipe(c.passphrase)
	wipe(c.token)
	c.password = nil
	c.keyBytes = nil
	c.passphrase = nil
	c.token = nil
	c.username = ""
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// String renders the credential with every secret field redacted.
func (c *Credential) String() string {
	switch c.kind {
	case CredentialUserPassword:
		return fmt.Sprintf("user-password{username:%s password:%s}", c.username, redacted)
	case CredentialSSHKey:
		return fmt.Sprintf("ssh-key{username:%s key:%s}", c.username, redacted)
	case CredentialAPIToken:
		return fmt.Sprintf("api-token{token:%s}", redacted)
	}
	return "credential{unknown}"
}

// MarshalJSON redacts secret material. Persisting real credential bytes is
// the secret store's job, through its own wire type; anything that reaches
// the engine's serialization paths must come out masked.
func (c *Credential) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"kind":%q,"username":%q,"secret":%q}`, c.kind, c.username, redacted)), nil
}
