package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

// AliasStore persists the wallet address to patient identifier map.
// Addresses are normalized to their EIP-55 checksummed form before use
// as keys, so lookups are case-insensitive over the hex digits.
type AliasStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]types.AliasEntry
}

// NewAliasStore creates an alias store persisting to the given path
func NewAliasStore(path string) *AliasStore {
	return &AliasStore{
		path:    path,
		entries: make(map[string]types.AliasEntry),
	}
}

// Load reads the persisted alias map; a missing file is an empty store
func (s *AliasStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read alias store: %w", err)
	}

	entries := make(map[string]types.AliasEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse alias store: %w", err)
	}

	s.entries = entries
	return nil
}

// Get returns the alias entry for a wallet address
func (s *AliasStore) Get(address string) (types.AliasEntry, bool) {
	key, err := normalizeAddress(address)
	if err != nil {
		return types.AliasEntry{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	return entry, ok
}

// Resolve returns the patient identifier for an address, falling back to
// the raw address when no alias is registered
func (s *AliasStore) Resolve(address string) string {
	if entry, ok := s.Get(address); ok {
		return entry.PatientID
	}
	return address
}

// Put creates or replaces the alias for a wallet address
func (s *AliasStore) Put(address, patientID string) (types.AliasEntry, error) {
	key, err := normalizeAddress(address)
	if err != nil {
		return types.AliasEntry{}, err
	}
	if patientID == "" {
		return types.AliasEntry{}, types.NewValidationError(types.ErrCodeInvalidInput, "patient id is required")
	}

	entry := types.AliasEntry{
		Address:   key,
		PatientID: patientID,
		UpdatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry
	if err := s.persistLocked(); err != nil {
		return types.AliasEntry{}, err
	}
	return entry, nil
}

// Delete removes the alias for a wallet address
func (s *AliasStore) Delete(address string) (bool, error) {
	key, err := normalizeAddress(address)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, s.persistLocked()
}

// List returns all alias entries ordered by address
func (s *AliasStore) List() []types.AliasEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]types.AliasEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	return entries
}

// persistLocked writes the map atomically; callers hold the write lock
func (s *AliasStore) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal alias store: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// normalizeAddress validates a hex wallet address and returns its
// checksummed form
func normalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("invalid wallet address: %q", address))
	}
	return common.HexToAddress(address).Hex(), nil
}

// writeFileAtomic writes via a temp file and rename so readers never see
// a torn write
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close store file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}
