package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

// ClinicStore holds clinic endpoint configuration. Bootstrap records come
// from static configuration; admin API writes are persisted separately and
// take precedence on conflict.
type ClinicStore struct {
	mu        sync.RWMutex
	path      string
	bootstrap map[string]types.DicomNodeConfig
	overrides map[string]types.DicomNodeConfig
}

// NewClinicStore creates a clinic store seeded with bootstrap records
func NewClinicStore(path string, bootstrap []types.DicomNodeConfig) *ClinicStore {
	seed := make(map[string]types.DicomNodeConfig, len(bootstrap))
	for _, clinic := range bootstrap {
		seed[clinic.ClinicID] = clinic
	}
	return &ClinicStore{
		path:      path,
		bootstrap: seed,
		overrides: make(map[string]types.DicomNodeConfig),
	}
}

// Load reads persisted admin writes; a missing file means none exist yet
func (s *ClinicStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read clinic store: %w", err)
	}

	overrides := make(map[string]types.DicomNodeConfig)
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse clinic store: %w", err)
	}

	s.overrides = overrides
	return nil
}

// Get returns the effective configuration for a clinic id
func (s *ClinicStore) Get(clinicID string) (types.DicomNodeConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if clinic, ok := s.overrides[clinicID]; ok {
		return clinic, true
	}
	clinic, ok := s.bootstrap[clinicID]
	return clinic, ok
}

// FindByKey returns the clinic whose ledger key hash matches
func (s *ClinicStore) FindByKey(clinicKey [32]byte) (types.DicomNodeConfig, bool) {
	for _, clinic := range s.List() {
		var key [32]byte
		copy(key[:], crypto.Keccak256([]byte(clinic.ClinicID)))
		if key == clinicKey {
			return clinic, true
		}
	}
	return types.DicomNodeConfig{}, false
}

// Put creates or replaces the admin-written configuration for a clinic
func (s *ClinicStore) Put(clinic types.DicomNodeConfig) error {
	if clinic.ClinicID == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "clinic id is required")
	}
	if clinic.TransferMode != "" && clinic.TransferMode != "pull" && clinic.TransferMode != "push" {
		return types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown transfer mode: %q", clinic.TransferMode))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.overrides[clinic.ClinicID] = clinic
	return s.persistLocked()
}

// Delete removes the admin-written record for a clinic; a bootstrap record
// with the same id becomes visible again
func (s *ClinicStore) Delete(clinicID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.overrides[clinicID]; !ok {
		return false, nil
	}
	delete(s.overrides, clinicID)
	return true, s.persistLocked()
}

// List returns the merged view ordered by clinic id
func (s *ClinicStore) List() []types.DicomNodeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[string]types.DicomNodeConfig, len(s.bootstrap)+len(s.overrides))
	for id, clinic := range s.bootstrap {
		merged[id] = clinic
	}
	for id, clinic := range s.overrides {
		merged[id] = clinic
	}

	clinics := make([]types.DicomNodeConfig, 0, len(merged))
	for _, clinic := range merged {
		clinics = append(clinics, clinic)
	}
	sort.Slice(clinics, func(i, j int) bool { return clinics[i].ClinicID < clinics[j].ClinicID })
	return clinics
}

// Operated reports whether this gateway serves the given clinic
func (s *ClinicStore) Operated(clinicID string) bool {
	clinic, ok := s.Get(clinicID)
	return ok && clinic.Operated
}

// persistLocked writes the override map; callers hold the write lock
func (s *ClinicStore) persistLocked() error {
	data, err := json.MarshalIndent(s.overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal clinic store: %w", err)
	}
	return writeFileAtomic(s.path, data)
}
