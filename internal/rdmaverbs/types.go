// Package rdmaverbs holds the wire-level descriptor types exchanged during
// RDMA QP handshake, grounded on original_source's transfer_metadata.h
// HandShakeDesc and on the teacher's internal/uapi/structs.go in spirit:
// that file hand-rolls kernel-ABI-exact structs with explicit field layout
// rather than reaching for a generated binding; this package does the same
// for the handshake wire format, since JSON-over-length-prefixed-TCP
// (SPEC_FULL.md §6) needs no ABI-exact byte layout, just stable field names.
package rdmaverbs

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DeviceDescriptor identifies one remote NIC (SPEC_FULL.md §3).
type DeviceDescriptor struct {
	Name string `json:"name"`
	LID  uint16 `json:"lid"`
	GID  [16]byte `json:"-"`
}

// GIDString renders GID as colon-separated hex, the wire form SPEC_FULL.md
// §3 specifies for Device descriptor serialization.
func (d DeviceDescriptor) GIDString() string {
	return FormatGID(d.GID)
}

// FormatGID renders gid as 16 colon-separated hex bytes; ParseGID is its
// inverse.
func FormatGID(gid [16]byte) string {
	parts := make([]string, len(gid))
	for i, b := range gid {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// ParseGID parses the colon-separated hex form back into raw bytes.
func ParseGID(s string) ([16]byte, error) {
	var gid [16]byte
	parts := strings.Split(s, ":")
	if len(parts) != 16 {
		return gid, fmt.Errorf("rdmaverbs: malformed gid %q: want 16 colon-separated bytes", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return gid, fmt.Errorf("rdmaverbs: malformed gid byte %q", p)
		}
		gid[i] = b[0]
	}
	return gid, nil
}

// HandShakeDesc is exchanged during active/passive QP setup
// (SPEC_FULL.md §4.5, §6). QPNums carries one entry per QP in the endpoint's
// num_qp_per_ep group, paired positionally between the two sides.
type HandShakeDesc struct {
	LocalNICPath string   `json:"local_nic_path"`
	PeerNICPath  string   `json:"peer_nic_path"`
	QPNums       []uint32 `json:"qp_nums"`
	// CorrelationID tags this round trip for logging/response matching
	// (SPEC_FULL.md §6); it is not part of the original wire format and is
	// never used as a BatchID/SegmentID substitute.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Validate checks the handshake-symmetry invariant from SPEC_FULL.md §4.5:
// the peer's view of (local, peer) must be the mirror of ours.
func (h HandShakeDesc) Validate(ours HandShakeDesc) bool {
	return h.LocalNICPath == ours.PeerNICPath && h.PeerNICPath == ours.LocalNICPath
}

// SplitNICPath parses the "server@nic" form (SPEC_FULL.md §3) back into its
// server name and NIC name, mirroring getServerNameFromNicPath/
// getNicNameFromNicPath from the original source.
func SplitNICPath(path string) (serverName, nicName string, ok bool) {
	i := strings.LastIndex(path, "@")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
