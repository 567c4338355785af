package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingPushStore_PutGetRemove(t *testing.T) {
	s := NewPendingPushStore()

	s.Put("clinic-a", "0xdeadbeef", "patient-001", 7)
	require.Equal(t, 1, s.Len())

	entry, ok := s.Get(7)
	require.True(t, ok)
	assert.Equal(t, "clinic-a", entry.ProviderID)
	assert.Equal(t, "patient-001", entry.PatientID)
	assert.False(t, entry.CreatedAt.IsZero())

	// Get does not consume the entry.
	_, ok = s.Get(7)
	assert.True(t, ok)

	s.Remove(7)
	_, ok = s.Get(7)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestPendingPushStore_PutReplacesExisting(t *testing.T) {
	s := NewPendingPushStore()

	s.Put("clinic-a", "0xdeadbeef", "patient-001", 7)
	s.Put("clinic-b", "0xdeadbeef", "patient-001", 7)

	require.Equal(t, 1, s.Len())
	entry, ok := s.Get(7)
	require.True(t, ok)
	assert.Equal(t, "clinic-b", entry.ProviderID)
}
