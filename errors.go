package rtckit

import "errors"

var (
	// ErrNoCertificate indicates that an operation requiring a local identity
	// was attempted on a transport constructed without certificates.
	ErrNoCertificate = errors.New("no certificate configured")

	// ErrInvalidDTLSStart indicates that Start was called on a transport that
	// has already left the new state. A transport negotiates exactly once.
	ErrInvalidDTLSStart = errors.New("DTLS transport already started")

	// ErrICEConnectionNotStarted indicates that the ICE transport has not been
	// started, so there is no candidate pair to negotiate over.
	ErrICEConnectionNotStarted = errors.New("ICE transport not started")

	// ErrNoEndpoint indicates that the ICE transport could not supply a
	// demultiplexed endpoint for the handshake.
	ErrNoEndpoint = errors.New("ICE transport returned no endpoint")

	// ErrDTLSTransportNotStarted indicates an operation that needs a completed
	// handshake, attempted before the transport reached the connected state.
	ErrDTLSTransportNotStarted = errors.New("DTLS transport not started")

	// ErrNoSRTPProtectionProfile indicates that the DTLS handshake completed
	// without agreeing on an SRTP protection profile.
	ErrNoSRTPProtectionProfile = errors.New("no SRTP protection profile negotiated")

	// ErrNoRemoteCertificate indicates that the remote peer completed the
	// handshake without presenting a certificate.
	ErrNoRemoteCertificate = errors.New("peer presented no certificate")

	// ErrReceiveAlreadyCalled indicates a second Receive on the same receiver.
	ErrReceiveAlreadyCalled = errors.New("receive has already been called")

	// ErrRIDStreamNotFound indicates that no track with the requested RID is
	// bound on this receiver.
	ErrRIDStreamNotFound = errors.New("no stream found for rid")

	// ErrNoTracks indicates a read on a receiver whose Receive call produced
	// no tracks.
	ErrNoTracks = errors.New("receiver has no tracks")

	// ErrInterceptorNotBound indicates a read on a track whose stream has not
	// been bound through the interceptor chain yet.
	ErrInterceptorNotBound = errors.New("interceptor not bound")

	errICETransportAlreadyStarted = errors.New("ICE transport already started")
	errReceiverNilTransport       = errors.New("DTLS transport must not be nil")
	errReceiverNilInterceptor     = errors.New("interceptor chain must not be nil")
)
