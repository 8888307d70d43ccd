package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
)

// ledgerDocument is the on-disk representation. allocated_host_ports is
// derived from the environments and written for operator inspection; it is
// recomputed on load.
type ledgerDocument struct {
	SavedAt            time.Time                    `json:"saved_at"`
	Environments       map[string]model.Environment `json:"environments"`
	AllocatedHostPorts []int                        `json:"allocated_host_ports"`
}

// Store keeps the ledger in a single JSON file. Every destructive write
// first copies the current file into the backup directory with a timestamp,
// then replaces the file via a temp-file rename so a crash mid-write never
// yields a half-written ledger.
type Store struct {
	mu         sync.Mutex
	path       string
	backupDir  string
	maxBackups int
	envs       map[string]model.Environment
}

func NewStore(path, backupDir string, maxBackups int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(path), "backups")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	s := &Store{
		path:       path,
		backupDir:  backupDir,
		maxBackups: maxBackups,
		envs:       make(map[string]model.Environment),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ledger file: %w", err)
	}

	var doc ledgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse ledger file %s: %w", s.path, err)
	}
	if doc.Environments != nil {
		s.envs = doc.Environments
	}
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]model.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs := make([]model.Environment, 0, len(s.envs))
	for _, env := range s.envs {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].ID < envs[j].ID })
	return envs, nil
}

func (s *Store) Save(ctx context.Context, env *model.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.envs[env.ID]
	s.envs[env.ID] = *env.Clone()
	if err := s.persist(); err != nil {
		if existed {
			s.envs[env.ID] = previous
		} else {
			delete(s.envs, env.ID)
		}
		return err
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.envs[id]
	if !existed {
		return nil
	}
	delete(s.envs, id)
	if err := s.persist(); err != nil {
		s.envs[id] = previous
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) persist() error {
	if err := s.backup(); err != nil {
		return err
	}

	doc := ledgerDocument{
		SavedAt:      time.Now().UTC(),
		Environments: s.envs,
	}
	ports := make([]int, 0)
	for _, env := range s.envs {
		if !env.HoldsResources() {
			continue
		}
		for _, binding := range env.AllocatedPorts {
			ports = append(ports, binding.HostPort)
		}
	}
	sort.Ints(ports)
	doc.AllocatedHostPorts = ports

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}

// backup preserves the current ledger file before it is overwritten so an
// operator or the reconciler can recover from a bad write.
func (s *Store) backup() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ledger for backup: %w", err)
	}

	name := fmt.Sprintf("ledger-%s.json", time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write ledger backup: %w", err)
	}

	s.pruneBackups()
	return nil
}

func (s *Store) pruneBackups() {
	if s.maxBackups <= 0 {
		return
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) <= s.maxBackups {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-s.maxBackups] {
		_ = os.Remove(filepath.Join(s.backupDir, name))
	}
}
