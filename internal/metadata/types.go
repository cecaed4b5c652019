// Package metadata is the out-of-band segment/NIC directory client
// (SPEC_FULL.md §2's "Metadata Client", §6's external metadata service
// interface). No teacher analog exists (ublk has no discovery service); the
// interface-plus-swappable-concrete-backend shape instead follows the
// teacher's general preference for small interfaces over concrete types
// (internal/interfaces/backend.go's Backend/DiscardBackend split).
package metadata

import "fmt"

// BufferDescriptor is a registered memory region as published to peers
// (SPEC_FULL.md §3). Invariant: len(LKey) == len(RKey) == len(Segment.Devices).
// LocationTag carries the registering side's location (SPEC_FULL.md §4.3.b:
// "the peer's priority matrix entry for that Buffer's location yields
// candidate device indices") — spec.md's prose requires remote-NIC selection
// to key off a Buffer's location, so the location tag travels with the
// Buffer descriptor itself rather than needing a separate side channel.
type BufferDescriptor struct {
	BaseAddr    uint64   `json:"base_addr"`
	Length      uint64   `json:"length"`
	LocationTag string   `json:"location_tag"`
	LKey        []uint32 `json:"lkey"`
	RKey        []uint32 `json:"rkey"`
}

// Contains reports whether [addr, addr+length) is fully inside this buffer.
func (b BufferDescriptor) Contains(addr, length uint64) bool {
	return addr >= b.BaseAddr && addr+length <= b.BaseAddr+b.Length
}

// DeviceDescriptor identifies one of a segment's NICs.
type DeviceDescriptor struct {
	Name string   `json:"name"`
	LID  uint16   `json:"lid"`
	GID  [16]byte `json:"gid"`
}

// NICPath returns the canonical "server@nic" connection key
// (SPEC_FULL.md §3).
func NICPath(serverName, nicName string) string {
	return fmt.Sprintf("%s@%s", serverName, nicName)
}

// PriorityList is an ordered NIC candidate list for one location tag.
type PriorityList struct {
	Preferred []string `json:"preferred"`
	Fallback  []string `json:"fallback"`
}

// PriorityMatrix maps a location tag (e.g. "cpu:0") to its NIC candidate
// lists (SPEC_FULL.md §3).
type PriorityMatrix map[string]PriorityList

// SegmentDesc is a named remote memory domain (SPEC_FULL.md §3).
type SegmentDesc struct {
	Name           string             `json:"name"`
	Buffers        []BufferDescriptor `json:"buffers"`
	Devices        []DeviceDescriptor `json:"devices"`
	PriorityMatrix PriorityMatrix     `json:"priority_matrix"`
	RPCAddr        string             `json:"rpc_addr"`
}

// FindBuffer returns the index of the first buffer fully containing
// [addr, addr+length), or -1 if none does (BAD_RANGE, SPEC_FULL.md §4.3).
func (s SegmentDesc) FindBuffer(addr, length uint64) int {
	for i, b := range s.Buffers {
		if b.Contains(addr, length) {
			return i
		}
	}
	return -1
}
