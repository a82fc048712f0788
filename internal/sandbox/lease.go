package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/lockplane/ratchet/database"
)

// DefaultLeaseDir holds one lease file per live sandbox.
const DefaultLeaseDir = ".ratchet/sandboxes"

// Lease records a live sandbox so that one left behind by a crashed run can
// be found and dropped later. Lease files hold credentials and are written
// with mode 0600.
type Lease struct {
	ID        string           `json:"id"`
	Dialect   database.Dialect `json:"dialect"`
	Name      string           `json:"name"`
	DSN       string           `json:"dsn"`
	BaseDSN   string           `json:"base_dsn,omitempty"`
	Migration int              `json:"migration"`
	PID       int              `json:"pid"`
	CreatedAt time.Time        `json:"created_at"`
}

// LeaseStore keeps lease files in a directory.
type LeaseStore struct {
	fs  afero.Fs
	dir string
}

// NewLeaseStore stores leases under dir on fsys.
func NewLeaseStore(fsys afero.Fs, dir string) *LeaseStore {
	if dir == "" {
		dir = DefaultLeaseDir
	}
	return &LeaseStore{fs: fsys, dir: dir}
}

// Dir returns the lease directory.
func (s *LeaseStore) Dir() string { return s.dir }

func (s *LeaseStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists the lease, replacing the file atomically.
func (s *LeaseStore) Save(l *Lease) error {
	if l == nil || l.ID == "" {
		return errors.New("lease has no id")
	}
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create lease directory: %w", err)
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	tmpFile := s.path(l.ID) + ".tmp"
	if err := afero.WriteFile(s.fs, tmpFile, data, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmpFile, s.path(l.ID))
}

// Remove deletes the lease file. A missing file is not an error.
func (s *LeaseStore) Remove(id string) error {
	if err := s.fs.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every lease, oldest first. Unreadable files are skipped.
func (s *LeaseStore) List() ([]Lease, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var leases []Lease
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var l Lease
		if err := json.Unmarshal(data, &l); err != nil || l.ID == "" {
			continue
		}
		leases = append(leases, l)
	}
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].CreatedAt.Before(leases[j].CreatedAt)
	})
	return leases, nil
}

// Dropper destroys the database behind a lease.
type Dropper func(ctx context.Context, l Lease) error

// PruneResult reports what Prune did with one lease.
type PruneResult struct {
	Lease Lease `json:"lease"`
	Err   error `json:"-"`
	Error string `json:"error,omitempty"`
}

// Prune drops every sandbox whose lease is older than olderThan and removes
// its lease. A lease is kept when dropping fails so a later prune can retry.
func Prune(ctx context.Context, store *LeaseStore, olderThan time.Duration, drop Dropper) ([]PruneResult, error) {
	leases, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox leases: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var results []PruneResult
	for _, l := range leases {
		if l.CreatedAt.After(cutoff) {
			continue
		}
		res := PruneResult{Lease: l}
		if err := drop(ctx, l); err != nil {
			res.Err = err
			res.Error = err.Error()
		} else if err := store.Remove(l.ID); err != nil {
			res.Err = err
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}
