package fsutil

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// OwnerConfig holds parsed UID/GID for file ownership.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	parts := strings.Split(owner, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", parts[0], err)
	}

	gid, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", parts[1], err)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates directory and sets ownership.
func MkdirAll(path string, perm os.FileMode, owner *OwnerConfig) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// WriteFile writes file and sets ownership.
func WriteFile(path string, data []byte, perm os.FileMode, owner *OwnerConfig) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// Create creates file and sets ownership.
func Create(path string, owner *OwnerConfig) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	Chown(path, owner)

	return f, nil
}

// lockPath returns the sidecar lock file guarding path.
func lockPath(path string) string {
	return path + ".lock"
}

// AppendLocked appends data to path under an exclusive file lock. When the
// file does not exist yet, header is called and its result written first.
// The file is opened and closed per call.
func AppendLocked(path string, header func() []byte, data []byte, owner *OwnerConfig) error {
	lock := flock.New(lockPath(path))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}

	defer func() { _ = lock.Unlock() }()

	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	if statErr != nil && !created {
		return fmt.Errorf("stat %s: %w", path, statErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	if created {
		Chown(path, owner)

		if header != nil {
			if h := header(); len(h) > 0 {
				if _, err := f.Write(h); err != nil {
					return fmt.Errorf("writing header to %s: %w", path, err)
				}
			}
		}
	}

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}

	return nil
}

// ReadLocked reads path while holding a shared lock, so readers never
// observe a half-written append.
func ReadLocked(path string) ([]byte, error) {
	lock := flock.New(lockPath(path))
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	defer func() { _ = lock.Unlock() }()

	return os.ReadFile(path)
}
