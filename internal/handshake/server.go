package handshake

import (
	"errors"
	"net"
	"sync"

	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/rdmaverbs"
)

// Handler is invoked for each passive handshake request received; it is the
// engine's onSetupRdmaConnections (SPEC_FULL.md §4.5 passive role).
type Handler func(peerDesc rdmaverbs.HandShakeDesc) (localDesc rdmaverbs.HandShakeDesc, err error)

// Daemon is the handshake-daemon thread described in SPEC_FULL.md §4.5 and
// §9 ("the handshake daemon... touch[es] process-wide state; treat [it] as
// an engine-lifetime subsystem with explicit init/teardown"): one TCP
// listener per process, dispatching each accepted connection to Handler.
type Daemon struct {
	listener net.Listener
	handler  Handler
	logger   *logging.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDaemon starts listening on addr (host:port, empty host for all
// interfaces) without yet accepting connections; call Serve to begin.
func NewDaemon(addr string, handler Handler) (*Daemon, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		listener: ln,
		handler:  handler,
		logger:   logging.Default(),
		stopCh:   make(chan struct{}),
	}, nil
}

// Addr returns the daemon's bound address, useful when addr was ":0".
func (d *Daemon) Addr() net.Addr { return d.listener.Addr() }

// Serve accepts connections until Stop is called. Intended to run in its
// own goroutine.
func (d *Daemon) Serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Warn("handshake daemon accept failed", "error", err)
				continue
			}
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	var peerDesc rdmaverbs.HandShakeDesc
	if err := ReadFrame(conn, &peerDesc); err != nil {
		d.logger.Warn("handshake daemon read failed", "error", err)
		return
	}

	localDesc, err := d.handler(peerDesc)
	if err != nil {
		d.logger.Warn("handshake daemon handler failed", "error", err, "peer_nic_path", peerDesc.PeerNICPath)
		return
	}
	localDesc.CorrelationID = peerDesc.CorrelationID

	if err := WriteFrame(conn, localDesc); err != nil {
		d.logger.Warn("handshake daemon write failed", "error", err)
	}
}

// Stop closes the listener and waits for in-flight connections to finish.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		err = d.listener.Close()
		d.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
