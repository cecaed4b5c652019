// Package handshake implements the RDMA endpoint handshake RPC:
// JSON-encoded HandShakeDesc values over a length-prefixed TCP stream
// (SPEC_FULL.md §6: "8-byte little-endian length, then UTF-8 body").
// Grounded on the teacher's internal/ctrl/control.go in shape only: that
// file submits a fixed-layout command, then waits for a correlated
// completion via io_uring; here the analogous "submit a command, wait for
// the matching response" pattern runs over a TCP RPC instead of a ring.
package handshake

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// WriteFrame writes v as a length-prefixed JSON frame to w.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("handshake: marshal frame: %w", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("handshake: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("handshake: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r into v.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("handshake: read length prefix: %w", err)
	}
	length := binary.LittleEndian.Uint64(lenBuf[:])
	const maxFrameBytes = 16 << 20
	if length > maxFrameBytes {
		return fmt.Errorf("handshake: frame of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("handshake: read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("handshake: unmarshal frame: %w", err)
	}
	return nil
}
