package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ApprovalEntry is one granted approval in the on-disk approvals document.
type ApprovalEntry struct {
	// Token is the opaque value a job's approval_token must match.
	Token string `yaml:"token" json:"token"`

	// ExpiresAt invalidates the approval after the given instant. Zero
	// means the approval does not expire.
	ExpiresAt time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`

	// GrantedBy records who granted the approval, for the audit trail.
	GrantedBy string `yaml:"granted_by,omitempty" json:"granted_by,omitempty"`

	// Note is a freeform description of what was approved.
	Note string `yaml:"note,omitempty" json:"note,omitempty"`
}

// approvalsDocument is the on-disk shape of the approvals file.
type approvalsDocument struct {
	Approvals []ApprovalEntry `yaml:"approvals" json:"approvals"`
}

// FileApprovalStore answers approval checks from a YAML document of granted
// tokens. The file is re-read per check: approvals are consulted exactly
// once per job at intake, so the read cost is irrelevant and a revoked
// token takes effect without a process restart.
type FileApprovalStore struct {
	path string
}

// NewFileApprovalStore builds a store over the approvals file at path. The
// file may not exist yet; checks against a missing file reject every token.
func NewFileApprovalStore(path string) *FileApprovalStore {
	return &FileApprovalStore{path: path}
}

// IsApproved reports whether the token matches an unexpired approval.
func (s *FileApprovalStore) IsApproved(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read approvals file: %w", err)
	}
	var doc approvalsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to parse approvals file %s: %w", s.path, err)
	}
	now := time.Now()
	for _, entry := range doc.Approvals {
		if entry.Token != token {
			continue
		}
		if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(now) {
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

// Grant appends an approval to the file, creating it when absent.
func (s *FileApprovalStore) Grant(_ context.Context, entry ApprovalEntry) error {
	if entry.Token == "" {
		return fmt.Errorf("approval token must not be empty")
	}
	var doc approvalsDocument
	data, err := os.ReadFile(s.path)
	if err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse approvals file %s: %w", s.path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read approvals file: %w", err)
	}

	doc.Approvals = append(doc.Approvals, entry)
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode approvals: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o640); err != nil {
		return fmt.Errorf("failed to write approvals file: %w", err)
	}
	return nil
}

// StaticApprovals is an in-memory approval store for tests and embedded use.
type StaticApprovals struct {
	mu     sync.RWMutex
	tokens map[string]bool
}

// NewStaticApprovals builds a store granting exactly the given tokens.
func NewStaticApprovals(tokens ...string) *StaticApprovals {
	m := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		m[t] = true
	}
	return &StaticApprovals{tokens: m}
}

// IsApproved reports whether the token was granted.
func (s *StaticApprovals) IsApproved(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[token], nil
}

// Grant adds a token.
func (s *StaticApprovals) Grant(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = true
}

// Revoke removes a token.
func (s *StaticApprovals) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}
