package secrets

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/zalando/go-keyring"

	"github.com/opennetfab/opennetfab/pkg/audit"
	"github.com/opennetfab/opennetfab/pkg/model"
)

func TestKeychainStoreRoundTrip(t *testing.T) {
	keyring.MockInit()
	store := NewKeychainStore("netfab-test")

	if err := store.Write("lab-admin", []byte("payload")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := store.Read("lab-admin")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Read = %q, want payload", data)
	}

	if err := store.Remove("lab-admin"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Read("lab-admin"); !IsNotFound(err) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
}

func TestFileStoreRoundTripWithIdentityFile(t *testing.T) {
	dir := t.TempDir()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity failed: %v", err)
	}
	identityPath := filepath.Join(dir, "identity.txt")
	content := "# created for tests\n" + id.String() + "\n"
	if err := os.WriteFile(identityPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}

	store, err := NewFileStore(FileStoreOptions{
		Path:         filepath.Join(dir, "secrets.age"),
		IdentityFile: identityPath,
	})
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if _, err := store.Read("missing"); !IsNotFound(err) {
		t.Errorf("Read before any write should be ErrNotFound, got %v", err)
	}

	if err := store.Write("lab-admin", []byte(`{"kind":"api-token"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Write("backup", []byte("other")); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	data, err := store.Read("lab-admin")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != `{"kind":"api-token"}` {
		t.Errorf("Read = %q", data)
	}

	// The on-disk form must be ciphertext, not the payload.
	raw, err := os.ReadFile(filepath.Join(dir, "secrets.age"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if bytes.Contains(raw, []byte("api-token")) {
		t.Error("Fallback file stored cleartext")
	}

	if err := store.Remove("lab-admin"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Read("lab-admin"); !IsNotFound(err) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
	if _, err := store.Read("backup"); err != nil {
		t.Errorf("Sibling entry lost by remove: %v", err)
	}
}

func TestFileStoreGeneratesMasterKeyInKeychain(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	store, err := NewFileStore(FileStoreOptions{
		Path:            filepath.Join(dir, "secrets.age"),
		KeychainService: "netfab-test-master",
	})
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := store.Write("name", []byte("data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := store.Read("name")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("Read = %q, want data", got)
	}

	// The generated identity must have landed in the keychain.
	if _, err := keyring.Get("netfab-test-master", masterKeyName); err != nil {
		t.Errorf("Master key not stored in keychain: %v", err)
	}
}

// fakeStore scripts per-call errors so resolver retry behavior can be
// pinned down without a real keychain.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	errs    []error // consumed per Read call; nil entries mean success
	reads   int
	writes  int
	removes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}}
}

func (f *fakeStore) Read(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	data, ok := f.data[name]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) Write(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.data[name] = data
	return nil
}

func (f *fakeStore) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	if _, ok := f.data[name]; !ok {
		return ErrNotFound
	}
	delete(f.data, name)
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingAudit) Append(_ context.Context, rec audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func mustEncode(t *testing.T, cred *model.Credential) []byte {
	t.Helper()
	data, err := encodeCredential(cred)
	if err != nil {
		t.Fatalf("encodeCredential failed: %v", err)
	}
	return data
}

func TestResolverSuccessEmitsOneAuditRecord(t *testing.T) {
	primary := newFakeStore()
	primary.data["lab-admin"] = mustEncode(t, model.NewUserPassword("admin", []byte("pw")))
	trail := &recordingAudit{}
	r := NewResolver(ResolverOptions{Primary: primary, Audit: trail, RetryDelay: time.Millisecond})

	cred, err := r.Resolve(context.Background(), model.CredentialRef{Name: "lab-admin"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	defer cred.Zero()

	if cred.Kind() != model.CredentialUserPassword || cred.Username() != "admin" {
		t.Errorf("Unexpected credential: %s", cred)
	}
	if string(cred.Password()) != "pw" {
		t.Error("Password did not round-trip")
	}
	if len(trail.records) != 1 {
		t.Fatalf("Expected exactly one audit record, got %d", len(trail.records))
	}
	rec := trail.records[0]
	if rec.EventKind != audit.EventCredentialAccess || rec.CredentialName != "lab-admin" {
		t.Errorf("Unexpected audit record: %+v", rec)
	}
}

func TestResolverRetriesOnceOnUnavailable(t *testing.T) {
	primary := newFakeStore()
	primary.data["lab-admin"] = mustEncode(t, model.NewAPIToken([]byte("tok")))
	primary.errs = []error{ErrUnavailable}
	r := NewResolver(ResolverOptions{Primary: primary, RetryDelay: time.Millisecond})

	cred, err := r.Resolve(context.Background(), model.CredentialRef{Name: "lab-admin"})
	if err != nil {
		t.Fatalf("Resolve should succeed on retry: %v", err)
	}
	cred.Zero()
	if primary.reads != 2 {
		t.Errorf("Expected 2 reads (initial + one retry), got %d", primary.reads)
	}

	// A second consecutive outage exhausts the single retry.
	primary.errs = []error{ErrUnavailable, ErrUnavailable}
	if _, err := r.Resolve(context.Background(), model.CredentialRef{Name: "lab-admin"}); !IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable after retry exhaustion, got %v", err)
	}
	if primary.reads != 4 {
		t.Errorf("Expected 2 more reads, got %d total", primary.reads)
	}
}

func TestResolverNeverRetriesNotFoundOrDecode(t *testing.T) {
	primary := newFakeStore()
	r := NewResolver(ResolverOptions{Primary: primary, RetryDelay: time.Millisecond})

	if _, err := r.Resolve(context.Background(), model.CredentialRef{Name: "absent"}); !IsNotFound(err) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if primary.reads != 1 {
		t.Errorf("NotFound must not be retried, got %d reads", primary.reads)
	}

	primary.data["garbled"] = []byte("not json")
	if _, err := r.Resolve(context.Background(), model.CredentialRef{Name: "garbled"}); !IsDecode(err) {
		t.Fatalf("Expected ErrDecode, got %v", err)
	}
	if primary.reads != 2 {
		t.Errorf("Decode failure must not be retried, got %d reads", primary.reads)
	}
}

func TestResolverFallsBackWhenPrimaryUnavailable(t *testing.T) {
	primary := newFakeStore()
	primary.errs = []error{ErrUnavailable}
	fallback := newFakeStore()
	fallback.data["lab-admin"] = mustEncode(t, model.NewSSHKey("ops", []byte("KEY"), nil))

	r := NewResolver(ResolverOptions{Primary: primary, Fallback: fallback, RetryDelay: time.Millisecond})
	cred, err := r.Resolve(context.Background(), model.CredentialRef{Name: "lab-admin"})
	if err != nil {
		t.Fatalf("Resolve via fallback failed: %v", err)
	}
	defer cred.Zero()
	if cred.Kind() != model.CredentialSSHKey || string(cred.KeyBytes()) != "KEY" {
		t.Errorf("Unexpected credential from fallback: %s", cred)
	}
	if fallback.reads != 1 {
		t.Errorf("Expected one fallback read, got %d", fallback.reads)
	}
}

func TestResolverRejectsKindMismatch(t *testing.T) {
	primary := newFakeStore()
	primary.data["lab-admin"] = mustEncode(t, model.NewAPIToken([]byte("tok")))
	r := NewResolver(ResolverOptions{Primary: primary, RetryDelay: time.Millisecond})

	ref := model.CredentialRef{Name: "lab-admin", Kind: model.CredentialUserPassword}
	if _, err := r.Resolve(context.Background(), ref); !IsDecode(err) {
		t.Errorf("Expected decode-class error on kind mismatch, got %v", err)
	}
}

func TestResolverPutMirrorsToFallback(t *testing.T) {
	primary := newFakeStore()
	fallback := newFakeStore()
	r := NewResolver(ResolverOptions{Primary: primary, Fallback: fallback, RetryDelay: time.Millisecond})

	cred := model.NewUserPassword("admin", []byte("pw"))
	if err := r.Put(context.Background(), model.CredentialRef{Name: "lab-admin"}, cred); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if primary.writes != 1 || fallback.writes != 1 {
		t.Errorf("Expected write-through to both stores, got primary=%d fallback=%d", primary.writes, fallback.writes)
	}

	if err := r.Delete(context.Background(), model.CredentialRef{Name: "lab-admin"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(primary.data) != 0 || len(fallback.data) != 0 {
		t.Error("Delete left entries behind")
	}
}
