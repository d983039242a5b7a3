package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opennetfab/opennetfab/pkg/audit"
	"github.com/opennetfab/opennetfab/pkg/model"
)

// credentialRecord is the wire form a credential takes inside the secret
// store. It exists so that model.Credential itself never needs a
// serializable representation: only this package can round-trip secret
// bytes, and only to and from the store.
type credentialRecord struct {
	Kind       model.CredentialKind `json:"kind"`
	Username   string               `json:"username,omitempty"`
	Password   []byte               `json:"password,omitempty"`
	KeyBytes   []byte               `json:"key_bytes,omitempty"`
	Passphrase []byte               `json:"passphrase,omitempty"`
	Token      []byte               `json:"token,omitempty"`
}

func encodeCredential(cred *model.Credential) ([]byte, error) {
	rec := credentialRecord{
		Kind:       cred.Kind(),
		Username:   cred.Username(),
		Password:   cred.Password(),
		KeyBytes:   cred.KeyBytes(),
		Passphrase: cred.Passphrase(),
		Token:      cred.Token(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	return data, nil
}

func decodeCredential(data []byte) (*model.Credential, error) {
	var rec credentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse credential payload: %v: %w", err, ErrDecode)
	}
	switch rec.Kind {
	case model.CredentialUserPassword:
		return model.NewUserPassword(rec.Username, rec.Password), nil
	case model.CredentialSSHKey:
		return model.NewSSHKey(rec.Username, rec.KeyBytes, rec.Passphrase), nil
	case model.CredentialAPIToken:
		return model.NewAPIToken(rec.Token), nil
	default:
		return nil, fmt.Errorf("credential kind %q: %w", rec.Kind, ErrDecode)
	}
}

// defaultRetryDelay is the backoff before the single retry the resolver
// performs when the store chain reports unavailable.
const defaultRetryDelay = 250 * time.Millisecond

// ResolverOptions configures NewResolver.
type ResolverOptions struct {
	// Primary is the first store consulted. Nil uses the OS keychain.
	Primary Store

	// Fallback is consulted when the primary reports unavailable. Nil
	// disables the fallback.
	Fallback Store

	// Audit receives a CredentialAccess record per successful resolution.
	// Nil disables auditing.
	Audit audit.Sink

	// RetryDelay overrides the backoff before the single unavailable
	// retry. Zero uses the default.
	RetryDelay time.Duration
}

// Resolver turns credential references into owned credentials. Resolution
// consults the primary store first and the encrypted fallback only when
// the primary is unavailable; a store-unavailable result is retried exactly
// once after a short backoff. Decode failures and missing entries are never
// retried.
type Resolver struct {
	primary    Store
	fallback   Store
	audit      audit.Sink
	retryDelay time.Duration
}

// NewResolver builds a resolver from options.
func NewResolver(opts ResolverOptions) *Resolver {
	r := &Resolver{
		primary:    opts.Primary,
		fallback:   opts.Fallback,
		audit:      opts.Audit,
		retryDelay: opts.RetryDelay,
	}
	if r.primary == nil {
		r.primary = NewKeychainStore("")
	}
	if r.audit == nil {
		r.audit = audit.NopSink{}
	}
	if r.retryDelay == 0 {
		r.retryDelay = defaultRetryDelay
	}
	return r
}

// Resolve fetches the named credential. On success an audit record is
// appended before the credential is returned; the caller owns the value
// and must Zero it after the connection attempt it was resolved for.
func (r *Resolver) Resolve(ctx context.Context, ref model.CredentialRef) (*model.Credential, error) {
	cred, err := r.resolveOnce(ref)
	if err != nil && IsUnavailable(err) {
		select {
		case <-time.After(r.retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		cred, err = r.resolveOnce(ref)
	}
	if err != nil {
		return nil, err
	}

	if ref.Kind != "" && cred.Kind() != ref.Kind {
		cred.Zero()
		return nil, fmt.Errorf("credential %q is %s, expected %s: %w", ref.Name, cred.Kind(), ref.Kind, ErrDecode)
	}

	rec := audit.Record{
		EventKind:      audit.EventCredentialAccess,
		CredentialName: ref.Name,
		Detail:         string(cred.Kind()),
	}
	if auditErr := r.audit.Append(ctx, rec); auditErr != nil {
		cred.Zero()
		return nil, fmt.Errorf("audit credential access: %w", auditErr)
	}
	return cred, nil
}

func (r *Resolver) resolveOnce(ref model.CredentialRef) (*model.Credential, error) {
	data, err := r.primary.Read(ref.Name)
	if err != nil && IsUnavailable(err) && r.fallback != nil {
		data, err = r.fallback.Read(ref.Name)
	}
	if err != nil {
		return nil, err
	}
	return decodeCredential(data)
}

// Put stores a credential under the reference name, writing through to the
// primary store and mirroring to the fallback when one is configured, so a
// later headless resolution can still succeed.
func (r *Resolver) Put(_ context.Context, ref model.CredentialRef, cred *model.Credential) error {
	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	primaryErr := r.primary.Write(ref.Name, data)
	if r.fallback != nil {
		if err := r.fallback.Write(ref.Name, data); err != nil {
			if primaryErr != nil {
				return fmt.Errorf("primary: %v; fallback: %w", primaryErr, err)
			}
			return fmt.Errorf("mirror to fallback: %w", err)
		}
		// The fallback copy suffices on a headless host.
		if primaryErr != nil && IsUnavailable(primaryErr) {
			return nil
		}
	}
	return primaryErr
}

// Delete removes the credential from every configured store. A name absent
// everywhere returns ErrNotFound.
func (r *Resolver) Delete(_ context.Context, ref model.CredentialRef) error {
	primaryErr := r.primary.Remove(ref.Name)
	var fallbackErr error
	if r.fallback != nil {
		fallbackErr = r.fallback.Remove(ref.Name)
	}
	if primaryErr == nil || fallbackErr == nil {
		return nil
	}
	if r.fallback == nil {
		return primaryErr
	}
	return fmt.Errorf("primary: %v; fallback: %w", primaryErr, fallbackErr)
}
