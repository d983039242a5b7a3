package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

// masterKeyName is the keychain entry holding the age identity that seals
// the fallback file.
const masterKeyName = "master-key"

// FileStore backs Store with a single age-encrypted file holding a map of
// name to payload. The file's X25519 identity lives in the OS keychain; a
// headless host can instead point IdentityFile at an age identity file.
// Neither the identity nor the cleartext map ever touches a log.
type FileStore struct {
	mu           sync.Mutex
	path         string
	identityFile string
	keychain     *KeychainStore

	identity age.Identity
	recip    age.Recipient
}

// FileStoreOptions configures NewFileStore.
type FileStoreOptions struct {
	// Path is the encrypted file location. Required.
	Path string

	// IdentityFile optionally points at an age identity file used instead
	// of the keychain-held master key.
	IdentityFile string

	// KeychainService scopes the master-key keychain entry. Empty uses
	// DefaultService.
	KeychainService string
}

// NewFileStore builds the file-backed store. The encrypted file itself is
// created lazily on first Write.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	return &FileStore{
		path:         opts.Path,
		identityFile: opts.IdentityFile,
		keychain:     NewKeychainStore(opts.KeychainService),
	}, nil
}

func (s *FileStore) Read(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	data, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("fallback entry %q: %w", name, ErrNotFound)
	}
	return data, nil
}

func (s *FileStore) Write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil && !IsNotFound(err) {
		return err
	}
	if entries == nil {
		entries = map[string][]byte{}
	}
	entries[name] = data
	return s.save(entries)
}

func (s *FileStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		return fmt.Errorf("fallback entry %q: %w", name, ErrNotFound)
	}
	delete(entries, name)
	return s.save(entries)
}

// load decrypts the file into the name->payload map. A missing file reads
// as an empty map wrapped in ErrNotFound so Write can distinguish it from
// a decode failure.
func (s *FileStore) load() (map[string][]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fallback file %s: %w", s.path, ErrNotFound)
		}
		return nil, fmt.Errorf("fallback file %s: %v: %w", s.path, err, ErrUnavailable)
	}
	defer f.Close()

	identity, _, err := s.masterKey(false)
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt fallback file: %v: %w", err, ErrDecode)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read fallback file: %v: %w", err, ErrDecode)
	}
	entries := map[string][]byte{}
	if err := yaml.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("parse fallback file: %v: %w", err, ErrDecode)
	}
	return entries, nil
}

func (s *FileStore) save(entries map[string][]byte) error {
	_, recip, err := s.masterKey(true)
	if err != nil {
		return err
	}
	payload, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode fallback entries: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create fallback directory: %w", err)
		}
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recip)
	if err != nil {
		return fmt.Errorf("encrypt fallback file: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("encrypt fallback file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encrypt fallback file: %w", err)
	}

	// Write-then-rename keeps a crashed save from truncating the store.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write fallback file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace fallback file: %w", err)
	}
	return nil
}

// masterKey loads (or on first Write creates) the age identity sealing the
// file. Precedence: explicit identity file, then the keychain master key.
func (s *FileStore) masterKey(createIfMissing bool) (age.Identity, age.Recipient, error) {
	if s.identity != nil {
		return s.identity, s.recip, nil
	}

	if s.identityFile != "" {
		id, err := identityFromFile(s.identityFile)
		if err != nil {
			return nil, nil, err
		}
		s.identity = id
		s.recip = id.Recipient()
		return s.identity, s.recip, nil
	}

	raw, err := s.keychain.Read(masterKeyName)
	switch {
	case err == nil:
		id, parseErr := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return nil, nil, fmt.Errorf("parse master key: %v: %w", parseErr, ErrDecode)
		}
		s.identity = id
		s.recip = id.Recipient()
		return s.identity, s.recip, nil
	case IsNotFound(err) && createIfMissing:
		id, genErr := age.GenerateX25519Identity()
		if genErr != nil {
			return nil, nil, fmt.Errorf("generate master key: %w", genErr)
		}
		if writeErr := s.keychain.Write(masterKeyName, []byte(id.String())); writeErr != nil {
			return nil, nil, fmt.Errorf("store master key: %w", writeErr)
		}
		s.identity = id
		s.recip = id.Recipient()
		return s.identity, s.recip, nil
	default:
		return nil, nil, fmt.Errorf("load master key: %w", err)
	}
}

func identityFromFile(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file %s: %v: %w", path, err, ErrUnavailable)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %v: %w", path, err, ErrDecode)
		}
		return id, nil
	}
	return nil, fmt.Errorf("identity file %s holds no age identity: %w", path, ErrDecode)
}
