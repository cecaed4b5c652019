// Package memregion is the registered-local-memory bookkeeping table
// described in SPEC_FULL.md §3 ("Memory Region (local)") and §5
// ("Registered-memory table: reader-writer lock; registration is write,
// lookup is read"). It is grounded on the teacher's backend/mem.go Memory
// backend: that type shards a byte array behind per-shard sync.RWMutex so
// reads and writes only lock the bytes they touch. This registry repurposes
// the same "lock only what you touch" idiom, with location_tag as the
// partition key instead of a byte-range shard index, since per-location
// registration and per-location lookup are each this domain's hot path
// (SPEC_FULL.md §4.3's local-NIC selection keys off a source address's
// location_tag).
package memregion

import (
	"sort"
	"sync"

	"github.com/mooncakelabs/transfer-engine/internal/xfer"
)

// Region is one registered local memory region. Data is the region's actual
// backing storage: real ibv_reg_mr pins caller-owned process memory, but this
// simulation has no caller-owned buffer to pin, so registration allocates its
// own []byte of Length bytes and every copy path (local memcpy fast path,
// simulated RDMA READ/WRITE, simulated NVMe-oF file I/O) reads and writes
// through it, rather than treating Addr as a token that is never dereferenced.
type Region struct {
	Addr             uintptr
	Length           uint64
	LocationTag      string
	RemoteAccessible bool
	LKey             []uint32 // per local device
	RKey             []uint32 // per local device
	Data             []byte
}

func (r *Region) end() uintptr { return r.Addr + uintptr(r.Length) }

func (r *Region) overlaps(addr uintptr, length uint64) bool {
	end := addr + uintptr(length)
	return addr < r.end() && r.Addr < end
}

func (r *Region) contains(addr uintptr, length uint64) bool {
	return addr >= r.Addr && addr+uintptr(length) <= r.end()
}

// locationShard holds every region registered under one location tag,
// sorted by address for binary-search lookup.
type locationShard struct {
	mu      sync.RWMutex
	regions []*Region
}

// Registry is the process-wide table of locally registered memory regions.
type Registry struct {
	// global guards the full cross-shard overlap check on registration;
	// Locked by Register, RLocked by Unregister and by lookups that must
	// consider all locations (rare). Per-location lookups instead take only the
	// relevant shard's RLock, matching the teacher's "lock only the shards
	// you need" pattern.
	global sync.RWMutex
	shards map[string]*locationShard
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{shards: make(map[string]*locationShard)}
}

func (reg *Registry) shardFor(locationTag string, create bool) *locationShard {
	reg.global.RLock()
	s, ok := reg.shards[locationTag]
	reg.global.RUnlock()
	if ok || !create {
		return s
	}

	reg.global.Lock()
	defer reg.global.Unlock()
	if s, ok = reg.shards[locationTag]; ok {
		return s
	}
	s = &locationShard{}
	reg.shards[locationTag] = s
	return s
}

// Register adds a new region, failing with ok=false if it overlaps any
// existing region anywhere in the registry (invariant 6, SPEC_FULL.md §8).
func (reg *Registry) Register(r *Region) (ok bool) {
	reg.global.Lock()
	defer reg.global.Unlock()

	for _, s := range reg.shards {
		s.mu.RLock()
		for _, other := range s.regions {
			if other.overlaps(r.Addr, r.Length) {
				s.mu.RUnlock()
				return false
			}
		}
		s.mu.RUnlock()
	}

	s, present := reg.shards[r.LocationTag]
	if !present {
		s = &locationShard{}
		reg.shards[r.LocationTag] = s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Addr < s.regions[j].Addr })
	return true
}

// Unregister removes the region starting at addr, returning false if none
// was found at that address.
func (reg *Registry) Unregister(addr uintptr) bool {
	reg.global.RLock()
	shards := make([]*locationShard, 0, len(reg.shards))
	for _, s := range reg.shards {
		shards = append(shards, s)
	}
	reg.global.RUnlock()

	for _, s := range shards {
		s.mu.Lock()
		for i, r := range s.regions {
			if r.Addr == addr {
				s.regions = append(s.regions[:i], s.regions[i+1:]...)
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
	}
	return false
}

// Lookup finds the region fully containing [addr, addr+length), restricted
// to locationTag — the common case, since a slice's source region is known
// by the caller's location.
func (reg *Registry) Lookup(locationTag string, addr uintptr, length uint64) *Region {
	s := reg.shardFor(locationTag, false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookupSorted(s.regions, addr, length)
}

// LookupAny finds the region containing [addr, addr+length) across every
// location tag, for callers (e.g. unregisterLocalMemory) that only have an
// address, not its original location_tag.
func (reg *Registry) LookupAny(addr uintptr, length uint64) *Region {
	reg.global.RLock()
	shards := make([]*locationShard, 0, len(reg.shards))
	for _, s := range reg.shards {
		shards = append(shards, s)
	}
	reg.global.RUnlock()

	for _, s := range shards {
		s.mu.RLock()
		r := lookupSorted(s.regions, addr, length)
		s.mu.RUnlock()
		if r != nil {
			return r
		}
	}
	return nil
}

func lookupSorted(regions []*Region, addr uintptr, length uint64) *Region {
	i := sort.Search(len(regions), func(i int) bool { return regions[i].end() > addr })
	if i < len(regions) && regions[i].contains(addr, length) {
		return regions[i]
	}
	return nil
}

// ToBuffers renders every registered region as a Segment's Buffer
// descriptors (SPEC_FULL.md §3), in address order, for publication to the
// metadata service.
func (reg *Registry) ToBuffers() []xfer.LocalBufferDesc {
	reg.global.RLock()
	defer reg.global.RUnlock()

	var out []xfer.LocalBufferDesc
	for _, s := range reg.shards {
		s.mu.RLock()
		for _, r := range s.regions {
			out = append(out, xfer.LocalBufferDesc{
				Addr:        r.Addr,
				Length:      r.Length,
				LocationTag: r.LocationTag,
				LKey:        append([]uint32(nil), r.LKey...),
				RKey:        append([]uint32(nil), r.RKey...),
			})
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
