package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCollisionFirstWriterWins(t *testing.T) {
	byServer := map[string][]CapabilityRecord{
		"first":  {{Name: "send_message", Description: "send a chat message", ServerID: "first"}},
		"second": {{Name: "send_message", Description: "send an email", ServerID: "second"}},
	}

	reg := NewRegistry([]string{"first", "second"}, byServer)

	cap, ok := reg.Lookup("send_message")
	require.True(t, ok)
	assert.Equal(t, "first", cap.ServerID)
	assert.Equal(t, 1, reg.Len())

	// The shadowed record is still visible under its owning server.
	assert.Len(t, reg.Capabilities("second"), 1)
}

func TestRegistryAllSortedByName(t *testing.T) {
	reg := RegistryFromRecords([]CapabilityRecord{
		{Name: "zeta", ServerID: "s"},
		{Name: "alpha", ServerID: "s"},
		{Name: "mid", ServerID: "s"},
	})

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "mid", all[1].Name)
	assert.Equal(t, "zeta", all[2].Name)
}

func TestRegistryFromRecordsPreservesOrderOnCollision(t *testing.T) {
	reg := RegistryFromRecords([]CapabilityRecord{
		{Name: "search", ServerID: "a"},
		{Name: "search", ServerID: "b"},
	})

	cap, ok := reg.Lookup("search")
	require.True(t, ok)
	assert.Equal(t, "a", cap.ServerID)
}

func TestRegistryLookupMiss(t *testing.T) {
	reg := RegistryFromRecords(nil)
	_, ok := reg.Lookup("anything")
	assert.False(t, ok)
	assert.Zero(t, reg.Len())
}

func TestSearchRanksNameHitsAboveDescriptionHits(t *testing.T) {
	reg := RegistryFromRecords([]CapabilityRecord{
		{Name: "calendar_list", Description: "list upcoming events", ServerID: "cal"},
		{Name: "email_search", Description: "search the calendar archive", ServerID: "email"},
	})

	results := reg.Search("calendar", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "calendar_list", results[0].Capability.Name)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchEmptyQuery(t *testing.T) {
	reg := RegistryFromRecords([]CapabilityRecord{{Name: "email_search", ServerID: "email"}})
	assert.Nil(t, reg.Search("   ", 10))
}

func TestSearchHonorsLimit(t *testing.T) {
	reg := RegistryFromRecords([]CapabilityRecord{
		{Name: "email_search", ServerID: "s"},
		{Name: "email_reply", ServerID: "s"},
		{Name: "email_archive", ServerID: "s"},
	})

	results := reg.Search("email", 2)
	assert.Len(t, results, 2)
}
