package handshake

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaverbs"
)

// DialTimeout bounds how long SendHandshake waits to establish the TCP
// connection. A dial failure is returned as the wrapped net error; it carries
// no HANDSHAKE_FAILED error code.
const DialTimeout = 5 * time.Second

// SendHandshake dials addr (the peer server's RPC endpoint) and performs one
// synchronous active-side handshake round trip (SPEC_FULL.md §4.5, §6).
func SendHandshake(ctx context.Context, addr string, local rdmaverbs.HandShakeDesc) (rdmaverbs.HandShakeDesc, error) {
	var peer rdmaverbs.HandShakeDesc

	if local.CorrelationID == "" {
		local.CorrelationID = uuid.NewString()
	}

	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return peer, fmt.Errorf("handshake: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	logging.Default().Debug("sending handshake", "addr", addr, "correlation_id", local.CorrelationID, "peer_nic_path", local.PeerNICPath)

	if err := WriteFrame(conn, local); err != nil {
		return peer, fmt.Errorf("handshake: send request: %w", err)
	}
	if err := ReadFrame(conn, &peer); err != nil {
		return peer, fmt.Errorf("handshake: read response: %w", err)
	}

	if !peer.Validate(local) {
		return peer, fmt.Errorf("handshake: descriptor mismatch: local=%+v peer=%+v", local, peer)
	}

	return peer, nil
}
