// Package state persists enrolled credentials in credentials.json with
// atomic replace-on-write and cross-process locking.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/latch-dev/latch/internal/domain/credential"
)

// CredentialsFileName is the credential file inside the data directory.
const CredentialsFileName = "credentials.json"

// CredentialStore implements credential.Store on a JSON array file.
// Every mutation is a locked read-modify-write: in-process mutex, then
// flock on path+".lock", then tmp write, fsync and rename.
type CredentialStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

var _ credential.Store = (*CredentialStore)(nil)

// NewCredentialStore returns a store for dir/credentials.json.
func NewCredentialStore(dir string, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		path:   filepath.Join(dir, CredentialsFileName),
		logger: logger,
	}
}

// Path returns the credentials file location.
func (s *CredentialStore) Path() string {
	return s.path
}

// List reads all credentials. A missing file is an empty list.
func (s *CredentialStore) List(_ context.Context) ([]credential.StoredCredential, error) {
	return s.load()
}

// Add appends cred, replacing an entry with the same id.
func (s *CredentialStore) Add(_ context.Context, cred credential.StoredCredential) error {
	if cred.CredentialID == "" {
		return errors.New("credential id is required")
	}
	return s.update(func(creds []credential.StoredCredential) ([]credential.StoredCredential, error) {
		out := make([]credential.StoredCredential, 0, len(creds)+1)
		for _, c := range creds {
			if c.CredentialID != cred.CredentialID {
				out = append(out, c)
			}
		}
		return append(out, cred), nil
	})
}

// Delete removes the credential with the given id.
func (s *CredentialStore) Delete(_ context.Context, credentialID string) error {
	return s.update(func(creds []credential.StoredCredential) ([]credential.StoredCredential, error) {
		out := make([]credential.StoredCredential, 0, len(creds))
		for _, c := range creds {
			if c.CredentialID != credentialID {
				out = append(out, c)
			}
		}
		if len(out) == len(creds) {
			return nil, fmt.Errorf("%w: %s", credential.ErrNotFound, credentialID)
		}
		return out, nil
	})
}

// UpdateCounter persists a new sign counter for credentialID. The counter
// is compared against the on-disk value under the lock, so a stale or
// concurrent caller can never move it backwards.
func (s *CredentialStore) UpdateCounter(_ context.Context, credentialID string, counter uint32) error {
	return s.update(func(creds []credential.StoredCredential) ([]credential.StoredCredential, error) {
		for i := range creds {
			if creds[i].CredentialID == credentialID {
				if err := creds[i].CheckCounter(counter); err != nil {
					return nil, fmt.Errorf("%w: %s", err, credentialID)
				}
				creds[i].Counter = counter
				return creds, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", credential.ErrNotFound, credentialID)
	})
}

func (s *CredentialStore) load() ([]credential.StoredCredential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []credential.StoredCredential{}, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	// Unix permission bits are meaningless on Windows.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("credentials.json has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var creds []credential.StoredCredential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if creds == nil {
		creds = []credential.StoredCredential{}
	}
	return creds, nil
}

// update applies fn to the current contents under both locks and writes
// the result atomically. Nothing is written when fn fails.
func (s *CredentialStore) update(fn func([]credential.StoredCredential) ([]credential.StoredCredential, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	lock, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lock.Close() }()

	if err := lockFile(lock.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer unlockFile(lock.Fd()) //nolint:errcheck

	creds, err := s.load()
	if err != nil {
		return err
	}
	next, err := fn(creds)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on credentials file", "error", err)
	}
	s.logger.Debug("credentials saved", "path", s.path, "count", len(next))
	return nil
}

func (s *CredentialStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to credentials: %w", err)
	}
	return nil
}
