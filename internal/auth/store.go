// Package auth persists provider credentials and resolves the secret handed
// to each provider adapter. Credentials live in a single JSON file keyed by
// provider name:
//
//	~/.pi/agent/oauth.json
//
// The file is mode 0600 inside a 0700 directory. Mutations re-read the file
// under a sibling lock file and write back atomically, so concurrent agents
// never interleave partial writes; the store is otherwise last-writer-wins.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/pi/internal/lockfile"
)

const (
	credentialsFilename = "oauth.json"

	credentialsFileMode = 0o600
	credentialsDirMode  = 0o700
)

// CredentialType identifies the kind of credential stored for a provider.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
)

// Credential is one provider entry in oauth.json.
type Credential struct {
	Type CredentialType `json:"type"`
	// For api_key entries.
	Key string `json:"key,omitempty"`
	// For oauth entries. Expires is the access token expiry in Unix
	// epoch milliseconds.
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	// Optional metadata recorded at login time.
	EnterpriseURL string `json:"enterpriseUrl,omitempty"`
	ProjectID     string `json:"projectId,omitempty"`
	Email         string `json:"email,omitempty"`
}

// expiryLeeway keeps an access token from being handed out moments before
// it dies mid-request.
const expiryLeeway = 30 * time.Second

// Expired reports whether an oauth access token needs a refresh before use.
func (c Credential) Expired(now time.Time) bool {
	if c.Type != CredentialOAuth || c.Expires == 0 {
		return false
	}
	return now.Add(expiryLeeway).UnixMilli() >= c.Expires
}

// Secret returns the string a provider adapter authenticates with.
func (c Credential) Secret() string {
	if c.Type == CredentialOAuth {
		return c.Access
	}
	return c.Key
}

// Store reads and writes one oauth.json file. Safe for concurrent use from
// multiple goroutines and, via the file lock, multiple processes.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultDir returns the agent state directory, ~/.pi/agent.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pi", "agent"), nil
}

// DefaultStore opens the credential store at its default location.
func DefaultStore() (*Store, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return NewStore(filepath.Join(dir, credentialsFilename)), nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns all stored credentials. A missing file is an empty store.
func (s *Store) Load() (map[string]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Get returns the credential stored for a provider.
func (s *Store) Get(provider string) (Credential, bool, error) {
	creds, err := s.Load()
	if err != nil {
		return Credential{}, false, err
	}
	cred, ok := creds[provider]
	return cred, ok, nil
}

// Set stores or replaces the credential for a provider.
func (s *Store) Set(provider string, cred Credential) error {
	return s.update(func(creds map[string]Credential) {
		creds[provider] = cred
	})
}

// Delete removes a provider's credential. Deleting an absent entry is a
// no-op.
func (s *Store) Delete(provider string) error {
	return s.update(func(creds map[string]Credential) {
		delete(creds, provider)
	})
}

// Providers lists providers with stored credentials, sorted.
func (s *Store) Providers() ([]string, error) {
	creds, err := s.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) read() (map[string]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, err
	}
	creds := map[string]Credential{}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return creds, nil
}

// update runs one locked read-modify-write cycle. The file lock spans the
// whole cycle so two processes never interleave reads and writes.
func (s *Store) update(mutate func(map[string]Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), credentialsDirMode); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	lock, err := lockfile.Acquire(s.path+".lock", lockfile.DefaultTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	creds, err := s.read()
	if err != nil {
		return err
	}
	mutate(creds)

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, credentialsFileMode)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
