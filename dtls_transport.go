//////////////////////////////////////////////////////////////////////////////
//
// DTLSTransport negotiates a secure session over an ICE-supplied endpoint
// and derives the SRTP/SRTCP sessions that carry media.
//
// Copyright (c) 2020 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package rtckit

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/dtls/v2"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/srtp/v2"
	"github.com/pkg/errors"

	"github.com/lanikai/rtckit/internal/mux"
	"github.com/lanikai/rtckit/internal/util"
)

// DTLSTransport drives the DTLS handshake for a session and exposes the
// secured per-SSRC streams derived from it. A transport negotiates at most
// once; after a failure it must be discarded and rebuilt over a fresh ICE
// run.
type DTLSTransport struct {
	lock sync.RWMutex

	iceTransport ICETransport
	certificates []*Certificate

	remoteParameters  DTLSParameters
	remoteCertificate []byte

	// Current DTLSTransportState, accessed atomically so State never blocks
	// behind the transport lock.
	state int32

	handlerMu            sync.Mutex
	onStateChangeHandler func(DTLSTransportState)

	conn *dtls.Conn

	srtpProtectionProfile srtp.ProtectionProfile

	srtpSession, srtcpSession   atomic.Value
	srtpEndpoint, srtcpEndpoint net.Conn

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

// TransportOptions configures a DTLSTransport.
type TransportOptions struct {
	LoggerFactory logging.LoggerFactory
}

// NewDTLSTransport creates a transport over ice in the new state. The given
// certificates are the identities offered during negotiation, in order of
// preference. The slice may be empty, in which case negotiation will refuse
// to start.
func NewDTLSTransport(ice ICETransport, certificates []*Certificate, opts TransportOptions) *DTLSTransport {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	t := &DTLSTransport{
		iceTransport:  ice,
		certificates:  certificates,
		state:         int32(DTLSTransportStateNew),
		loggerFactory: opts.LoggerFactory,
		log:           opts.LoggerFactory.NewLogger("dtls"),
	}
	return t
}

// State returns the current negotiation state.
func (t *DTLSTransport) State() DTLSTransportState {
	return DTLSTransportState(atomic.LoadInt32(&t.state))
}

// OnStateChange replaces the handler fired on every state transition. Only
// one handler is kept; passing nil clears it.
func (t *DTLSTransport) OnStateChange(f func(DTLSTransportState)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onStateChangeHandler = f
}

// setState records the new state without notifying. Callers that hold the
// transport lock use this and fire the handler after releasing it, so a slow
// handler never stalls the transport.
func (t *DTLSTransport) setState(state DTLSTransportState) {
	atomic.StoreInt32(&t.state, int32(state))
	t.log.Debugf("state: %s", state)
}

// fireOnStateChange invokes the registered handler, if any. The handler slot
// lock is held for the duration of the call, so replacement via OnStateChange
// waits for an in-flight notification.
func (t *DTLSTransport) fireOnStateChange(state DTLSTransportState) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	if f := t.onStateChangeHandler; f != nil {
		f(state)
	}
}

func (t *DTLSTransport) stateChange(state DTLSTransportState) {
	t.setState(state)
	t.fireOnStateChange(state)
}

// GetLocalParameters returns the transport's negotiation parameters: the
// automatic role and the fingerprints of every offered certificate, in
// offer order.
func (t *DTLSTransport) GetLocalParameters() (DTLSParameters, error) {
	if len(t.certificates) == 0 {
		return DTLSParameters{}, ErrNoCertificate
	}

	fingerprints := []DTLSFingerprint{}
	for _, c := range t.certificates {
		prints, err := c.GetFingerprints()
		if err != nil {
			return DTLSParameters{}, err
		}
		fingerprints = append(fingerprints, prints...)
	}

	return DTLSParameters{
		Role:         DTLSRoleAuto, // always the automatic role
		Fingerprints: fingerprints,
	}, nil
}

// GetRemoteCertificate returns the DER encoding of the certificate presented
// by the remote peer, or an empty slice before the handshake has completed.
// Verifying it against the signaled fingerprint is the caller's concern.
func (t *DTLSTransport) GetRemoteCertificate() []byte {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.remoteCertificate
}

func (t *DTLSTransport) ensureICEConn() error {
	if t.iceTransport == nil || t.iceTransport.State() == ICETransportStateNew {
		return ErrICEConnectionNotStarted
	}
	return nil
}

// Start negotiates the transport with the remote side's parameters. It
// blocks until the handshake completes or fails, connecting as the
// initiating side. Start may be called once; every later call reports
// ErrInvalidDTLSStart.
func (t *DTLSTransport) Start(remoteParameters DTLSParameters) error {
	// Validate preconditions and assemble the handshake configuration under
	// the lock. The lock must not be held during the handshake itself.
	prepareTransport := func() (*dtls.Config, error) {
		t.lock.Lock()
		defer t.lock.Unlock()

		if err := t.ensureICEConn(); err != nil {
			return nil, err
		}
		if state := t.State(); state != DTLSTransportStateNew {
			return nil, errors.Wrapf(ErrInvalidDTLSStart, "state %s", state)
		}

		t.remoteParameters = remoteParameters

		if len(t.certificates) == 0 {
			return nil, ErrNoCertificate
		}
		cert := t.certificates[0]

		// Claim the transport. A concurrent Start that loses this race is
		// what ErrInvalidDTLSStart reports.
		t.setState(DTLSTransportStateConnecting)

		// Reserve the media endpoints up front so packets arriving during
		// the handshake queue rather than fall on the floor.
		t.srtpEndpoint = t.iceTransport.NewEndpoint(mux.MatchSRTP)
		t.srtcpEndpoint = t.iceTransport.NewEndpoint(mux.MatchSRTCP)

		return &dtls.Config{
			Certificates: []tls.Certificate{cert.tlsCertificate()},
			SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
				dtls.SRTP_AEAD_AES_128_GCM,
				dtls.SRTP_AES128_CM_HMAC_SHA1_80,
			},
			ClientAuth:         dtls.RequireAnyClientCert,
			InsecureSkipVerify: true,
			LoggerFactory:      t.loggerFactory,
		}, nil
	}

	dtlsConfig, err := prepareTransport()
	if err != nil {
		return err
	}
	t.fireOnStateChange(DTLSTransportStateConnecting)

	dtlsEndpoint := t.iceTransport.NewEndpoint(mux.MatchDTLS)
	if dtlsEndpoint == nil {
		t.stateChange(DTLSTransportStateFailed)
		return ErrNoEndpoint
	}

	// Connect as the DTLS client. Blocking; the transport lock is not held.
	dtlsConn, handshakeErr := dtls.Client(dtlsEndpoint, dtlsConfig)

	err = func() error {
		t.lock.Lock()
		defer t.lock.Unlock()

		if handshakeErr != nil {
			return errors.Wrap(handshakeErr, "handshake")
		}

		profile, ok := dtlsConn.SelectedSRTPProtectionProfile()
		if !ok {
			return ErrNoSRTPProtectionProfile
		}
		switch profile {
		case dtls.SRTP_AEAD_AES_128_GCM:
			t.srtpProtectionProfile = srtp.ProtectionProfileAeadAes128Gcm
		case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
			t.srtpProtectionProfile = srtp.ProtectionProfileAes128CmHmacSha1_80
		default:
			return ErrNoSRTPProtectionProfile
		}

		connState := dtlsConn.ConnectionState()
		if len(connState.PeerCertificates) == 0 {
			return ErrNoRemoteCertificate
		}
		t.remoteCertificate = connState.PeerCertificates[0]

		t.conn = dtlsConn
		return nil
	}()
	if err != nil {
		t.stateChange(DTLSTransportStateFailed)
		return err
	}

	t.stateChange(DTLSTransportStateConnected)

	return t.startSRTP()
}

// startSRTP derives the SRTP and SRTCP sessions from the completed
// handshake's exported keying material.
func (t *DTLSTransport) startSRTP() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.srtpEndpoint == nil || t.srtcpEndpoint == nil {
		return ErrNoEndpoint
	}

	srtpConfig := &srtp.Config{
		Profile:       t.srtpProtectionProfile,
		LoggerFactory: t.loggerFactory,
	}

	connState := t.conn.ConnectionState()
	if err := srtpConfig.ExtractSessionKeysFromDTLS(&connState, true); err != nil {
		return errors.Wrap(err, "extract session keys")
	}

	srtpSession, err := srtp.NewSessionSRTP(t.srtpEndpoint, srtpConfig)
	if err != nil {
		return errors.Wrap(err, "start srtp session")
	}

	srtcpSession, err := srtp.NewSessionSRTCP(t.srtcpEndpoint, srtpConfig)
	if err != nil {
		return errors.Wrap(err, "start srtcp session")
	}

	t.srtpSession.Store(srtpSession)
	t.srtcpSession.Store(srtcpSession)
	t.log.Debug("srtp sessions established")
	return nil
}

func (t *DTLSTransport) getSRTPSession() (*srtp.SessionSRTP, error) {
	if value := t.srtpSession.Load(); value != nil {
		return value.(*srtp.SessionSRTP), nil
	}
	return nil, ErrDTLSTransportNotStarted
}

func (t *DTLSTransport) getSRTCPSession() (*srtp.SessionSRTCP, error) {
	if value := t.srtcpSession.Load(); value != nil {
		return value.(*srtp.SessionSRTCP), nil
	}
	return nil, ErrDTLSTransportNotStarted
}

// streamsForSSRC opens the secured read streams for a single SSRC and binds
// them through the interceptor chain. The RTP reader and RTCP reader
// returned already run inside the chain.
func (t *DTLSTransport) streamsForSSRC(ssrc SSRC, info *interceptor.StreamInfo, chain interceptor.Interceptor) (*srtp.ReadStreamSRTP, interceptor.RTPReader, *srtp.ReadStreamSRTCP, interceptor.RTCPReader, error) {
	srtpSession, err := t.getSRTPSession()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	rtpReadStream, err := srtpSession.OpenReadStream(uint32(ssrc))
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "open srtp read stream")
	}

	rtpInterceptor := chain.BindRemoteStream(info, interceptor.RTPReaderFunc(
		func(in []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			n, readErr := rtpReadStream.Read(in)
			return n, a, readErr
		}))

	srtcpSession, err := t.getSRTCPSession()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	rtcpReadStream, err := srtcpSession.OpenReadStream(uint32(ssrc))
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "open srtcp read stream")
	}

	rtcpInterceptor := chain.BindRTCPReader(interceptor.RTCPReaderFunc(
		func(in []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			n, readErr := rtcpReadStream.Read(in)
			return n, a, readErr
		}))

	return rtpReadStream, rtpInterceptor, rtcpReadStream, rtcpInterceptor, nil
}

// WriteRTCP marshals and sends feedback packets over the SRTCP session.
func (t *DTLSTransport) WriteRTCP(pkts []rtcp.Packet) (int, error) {
	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		return 0, err
	}

	srtcpSession, err := t.getSRTCPSession()
	if err != nil {
		return 0, err
	}

	writeStream, err := srtcpSession.OpenWriteStream()
	if err != nil {
		return 0, errors.Wrap(err, "open srtcp write stream")
	}

	return writeStream.Write(raw)
}

// Stop closes the derived SRTP sessions and the DTLS connection. Teardown
// continues past individual failures; all errors are reported combined.
func (t *DTLSTransport) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	var closeErrs []error

	if value := t.srtpSession.Load(); value != nil {
		closeErrs = append(closeErrs, value.(*srtp.SessionSRTP).Close())
	}
	if value := t.srtcpSession.Load(); value != nil {
		closeErrs = append(closeErrs, value.(*srtp.SessionSRTCP).Close())
	}
	if t.conn != nil {
		// The endpoint under the connection may already be gone.
		if err := t.conn.Close(); err != nil && !errors.Is(err, dtls.ErrConnClosed) {
			closeErrs = append(closeErrs, err)
		}
	}

	return util.FlattenErrs(closeErrs)
}
