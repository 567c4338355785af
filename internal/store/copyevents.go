package store

import (
	"sort"
	"sync"
	"time"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

// maxFailureDetails bounds the failure list kept on one copy event
const maxFailureDetails = 20

// Alerter receives best-effort notifications for failed transfers.
// Delivery failures are the alerter's problem; the store never blocks on it.
type Alerter interface {
	Notify(event types.CopyEvent)
}

// CopyEventStore is the in-memory state machine of per-request transfer
// progress. It retains the most recently started records up to the
// configured retention, evicting the oldest by start order.
type CopyEventStore struct {
	mu        sync.RWMutex
	retention int
	events    map[uint64]*types.CopyEvent
	order     []uint64
	alerter   Alerter
}

// NewCopyEventStore creates a copy event store with the given retention
func NewCopyEventStore(retention int, alerter Alerter) *CopyEventStore {
	if retention <= 0 {
		retention = 50
	}
	return &CopyEventStore{
		retention: retention,
		events:    make(map[uint64]*types.CopyEvent),
		order:     make([]uint64, 0, retention),
		alerter:   alerter,
	}
}

// SetAlerter installs the error notification channel
func (s *CopyEventStore) SetAlerter(alerter Alerter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerter = alerter
}

// Start creates the pending record for a request, evicting the oldest
// record when retention is exceeded. Starting an already tracked request
// resets its record.
func (s *CopyEventStore) Start(requestID uint64) types.CopyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	event := &types.CopyEvent{
		RequestID: requestID,
		Status:    types.CopyStatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}

	if _, tracked := s.events[requestID]; !tracked {
		s.order = append(s.order, requestID)
		for len(s.order) > s.retention {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.events, oldest)
		}
	}
	s.events[requestID] = event
	return *event
}

// SetCopying transitions a request's record to copying
func (s *CopyEventStore) SetCopying(requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[requestID]
	if !ok {
		return
	}
	next := *event
	next.Status = types.CopyStatusCopying
	next.UpdatedAt = time.Now().UTC()
	s.events[requestID] = &next
}

// Complete records the terminal outcome of a finished transfer batch.
// Any failed instance makes the outcome partial rather than completed.
func (s *CopyEventStore) Complete(requestID uint64, succeeded, failed int, failures []types.InstanceFailure, manifestHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[requestID]
	if !ok {
		return
	}

	if len(failures) > maxFailureDetails {
		failures = failures[:maxFailureDetails]
	}

	next := *event
	next.Status = types.CopyStatusCompleted
	if failed > 0 {
		next.Status = types.CopyStatusPartial
	}
	next.Total = succeeded + failed
	next.Succeeded = succeeded
	next.Failed = failed
	next.Failures = failures
	next.ManifestHash = manifestHash
	next.UpdatedAt = time.Now().UTC()
	s.events[requestID] = &next
}

// Fail marks a request's transfer as unrecoverably failed and fires the
// configured alert without waiting for delivery
func (s *CopyEventStore) Fail(requestID uint64, cause error) {
	s.mu.Lock()

	event, ok := s.events[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}

	next := *event
	next.Status = types.CopyStatusError
	if cause != nil {
		next.Error = cause.Error()
	}
	next.UpdatedAt = time.Now().UTC()
	s.events[requestID] = &next

	alerter := s.alerter
	snapshot := next
	s.mu.Unlock()

	if alerter != nil {
		go alerter.Notify(snapshot)
	}
}

// Get returns the record for one request id
func (s *CopyEventStore) Get(requestID uint64) (types.CopyEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[requestID]
	if !ok {
		return types.CopyEvent{}, false
	}
	return *event, true
}

// List returns all retained records, most recently started first
func (s *CopyEventStore) List() []types.CopyEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]types.CopyEvent, 0, len(s.events))
	for _, event := range s.events {
		events = append(events, *event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].StartedAt.After(events[j].StartedAt) })
	return events
}
