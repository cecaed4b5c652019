package memregion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := New()
	r := &Region{Addr: 0x1000, Length: 4096, LocationTag: "cpu:0", LKey: []uint32{7}, RKey: []uint32{9}}
	require.True(t, reg.Register(r))

	found := reg.Lookup("cpu:0", 0x1000, 4096)
	require.NotNil(t, found)
	assert.Equal(t, r, found)

	// A sub-range within the region must also resolve.
	found = reg.Lookup("cpu:0", 0x1100, 256)
	require.NotNil(t, found)
	assert.Equal(t, r, found)

	// Out-of-range lookups miss.
	assert.Nil(t, reg.Lookup("cpu:0", 0x5000, 128))
	assert.Nil(t, reg.Lookup("cpu:1", 0x1000, 4096))
}

func TestRegistry_RegisterRejectsOverlap(t *testing.T) {
	reg := New()
	require.True(t, reg.Register(&Region{Addr: 0x1000, Length: 0x1000, LocationTag: "cpu:0"}))

	overlapping := &Region{Addr: 0x1800, Length: 0x1000, LocationTag: "cpu:1"}
	assert.False(t, reg.Register(overlapping))

	adjacent := &Region{Addr: 0x2000, Length: 0x1000, LocationTag: "cpu:1"}
	assert.True(t, reg.Register(adjacent))
}

func TestRegistry_Unregister(t *testing.T) {
	reg := New()
	require.True(t, reg.Register(&Region{Addr: 0x1000, Length: 0x1000, LocationTag: "cpu:0"}))

	assert.True(t, reg.Unregister(0x1000))
	assert.False(t, reg.Unregister(0x1000))
	assert.Nil(t, reg.Lookup("cpu:0", 0x1000, 0x1000))
}

func TestRegistry_LookupAnyIgnoresLocationTag(t *testing.T) {
	reg := New()
	require.True(t, reg.Register(&Region{Addr: 0x1000, Length: 0x1000, LocationTag: "cpu:3"}))

	found := reg.LookupAny(0x1000, 0x100)
	require.NotNil(t, found)
	assert.Equal(t, "cpu:3", found.LocationTag)
}

func TestRegistry_ToBuffersOrderedByAddress(t *testing.T) {
	reg := New()
	require.True(t, reg.Register(&Region{Addr: 0x2000, Length: 0x1000, LocationTag: "cpu:0", LKey: []uint32{2}, RKey: []uint32{2}}))
	require.True(t, reg.Register(&Region{Addr: 0x1000, Length: 0x1000, LocationTag: "cpu:1", LKey: []uint32{1}, RKey: []uint32{1}}))

	buffers := reg.ToBuffers()
	require.Len(t, buffers, 2)
	assert.Equal(t, uintptr(0x1000), buffers[0].Addr)
	assert.Equal(t, uintptr(0x2000), buffers[1].Addr)
}
