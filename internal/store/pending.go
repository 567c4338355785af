package store

import (
	"sync"
	"time"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

// PendingPushStore holds push-mode requests awaiting their provider
// envelope. At most one entry exists per request id; entries are removed
// the moment a matching envelope is processed, successfully or not.
type PendingPushStore struct {
	mu      sync.RWMutex
	entries map[uint64]types.PendingPush
}

// NewPendingPushStore creates an empty pending push store
func NewPendingPushStore() *PendingPushStore {
	return &PendingPushStore{
		entries: make(map[uint64]types.PendingPush),
	}
}

// Put parks a request until its push envelope arrives
func (s *PendingPushStore) Put(providerID, patient, patientID string, requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[requestID] = types.PendingPush{
		RequestID:  requestID,
		ProviderID: providerID,
		Patient:    patient,
		PatientID:  patientID,
		CreatedAt:  time.Now().UTC(),
	}
}

// Get returns the pending entry for a request id without consuming it
func (s *PendingPushStore) Get(requestID uint64) (types.PendingPush, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[requestID]
	return entry, ok
}

// Remove deletes the pending entry for a request id
func (s *PendingPushStore) Remove(requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, requestID)
}

// Len returns the number of parked requests
func (s *PendingPushStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}
