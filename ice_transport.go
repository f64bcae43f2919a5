//////////////////////////////////////////////////////////////////////////////
//
// ICETransport is the narrow view of an ICE agent that the transport layer
// consumes: a state check and demultiplexed endpoints over the nominated
// candidate pair.
//
// Copyright (c) 2020 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package rtckit

import (
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/lanikai/rtckit/internal/mux"
)

// MatchFunc selects packets for an endpoint based on their leading bytes.
type MatchFunc func([]byte) bool

// ICETransport supplies demultiplexed packet endpoints over a nominated
// candidate pair. The ICE agent itself (gathering, checklists, nomination)
// lives outside this package; anything that can report its state and hand
// out per-protocol endpoints satisfies the interface.
type ICETransport interface {
	// State reports the lifecycle state of the transport. DTLS negotiation
	// requires the transport to have left the new state.
	State() ICETransportState

	// NewEndpoint returns a connection carrying exactly the packets matched
	// by f, or nil when no endpoint can be supplied.
	NewEndpoint(f MatchFunc) net.Conn
}

// MuxedTransport adapts an already-nominated connection, as produced by an
// external ICE agent, into an ICETransport by running the packet mux over it.
type MuxedTransport struct {
	mu    sync.Mutex
	state ICETransportState
	mux   *mux.Mux

	receiveMTU    int
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

// MuxedTransportOptions configures a MuxedTransport.
type MuxedTransportOptions struct {
	// ReceiveMTU caps the size of a single inbound packet. Defaults to 8192.
	ReceiveMTU int

	LoggerFactory logging.LoggerFactory
}

// NewMuxedTransport creates a transport in the new state. It carries no
// packets until Start hands it a connection.
func NewMuxedTransport(opts MuxedTransportOptions) *MuxedTransport {
	if opts.ReceiveMTU <= 0 {
		opts.ReceiveMTU = 8192
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &MuxedTransport{
		state:         ICETransportStateNew,
		receiveMTU:    opts.ReceiveMTU,
		loggerFactory: opts.LoggerFactory,
		log:           opts.LoggerFactory.NewLogger("ice"),
	}
}

// Start runs the packet mux over conn, which must be packet-oriented: one
// Read per inbound datagram. The transport takes ownership of conn.
func (t *MuxedTransport) Start(conn net.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != ICETransportStateNew {
		return errICETransportAlreadyStarted
	}

	t.mux = mux.NewMux(conn, t.receiveMTU, t.loggerFactory)
	t.state = ICETransportStateConnected
	t.log.Debugf("started over %s", conn.RemoteAddr())
	return nil
}

// State implements ICETransport.
func (t *MuxedTransport) State() ICETransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// NewEndpoint implements ICETransport.
func (t *MuxedTransport) NewEndpoint(f MatchFunc) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mux == nil || t.state != ICETransportStateConnected {
		return nil
	}
	return t.mux.NewEndpoint(mux.MatchFunc(f))
}

// Stop closes the mux, all endpoints created from it, and the underlying
// connection. Safe to call more than once.
func (t *MuxedTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ICETransportStateClosed {
		return nil
	}
	t.state = ICETransportStateClosed

	if t.mux != nil {
		return t.mux.Close()
	}
	return nil
}
