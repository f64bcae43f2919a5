package rtckit

// DTLSTransportState is the negotiation state of a DTLSTransport.
//
// A transport begins in the new state, enters connecting when Start is
// called, and ends in either connected or failed. There is no recovery from
// the failed state; negotiation happens at most once per transport.
type DTLSTransportState int

const (
	// DTLSTransportStateNew indicates that negotiation has not begun.
	DTLSTransportStateNew DTLSTransportState = iota + 1

	// DTLSTransportStateConnecting indicates that the handshake is in
	// progress.
	DTLSTransportStateConnecting

	// DTLSTransportStateConnected indicates that the handshake completed and
	// key material has been exported.
	DTLSTransportStateConnected

	// DTLSTransportStateFailed indicates that negotiation failed. Terminal.
	DTLSTransportStateFailed
)

func (s DTLSTransportState) String() string {
	switch s {
	case DTLSTransportStateNew:
		return "new"
	case DTLSTransportStateConnecting:
		return "connecting"
	case DTLSTransportStateConnected:
		return "connected"
	case DTLSTransportStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ICETransportState is the lifecycle state of an ICE transport as seen by the
// DTLS layer. A transport still in the new state has no nominated candidate
// pair, so there is nothing to negotiate over yet.
type ICETransportState int

const (
	// ICETransportStateNew indicates the transport has no usable candidate
	// pair yet.
	ICETransportStateNew ICETransportState = iota + 1

	// ICETransportStateConnected indicates a nominated candidate pair is in
	// place and packets flow.
	ICETransportStateConnected

	// ICETransportStateClosed indicates the transport has shut down.
	ICETransportStateClosed
)

func (s ICETransportState) String() string {
	switch s {
	case ICETransportStateNew:
		return "new"
	case ICETransportStateConnected:
		return "connected"
	case ICETransportStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
