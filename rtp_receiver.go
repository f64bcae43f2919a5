//////////////////////////////////////////////////////////////////////////////
//
// RTPReceiver binds inbound RTP/RTCP streams through an interceptor chain
// and exposes them as remote tracks.
//
// Copyright (c) 2020 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package rtckit

import (
	"io"
	"sync"

	"github.com/lanikai/rtckit/internal/util"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/srtp/v2"
	"github.com/pkg/errors"
)

// defaultReceiveMTU is the largest packet a read allocates room for, the
// conventional Ethernet payload ceiling.
const defaultReceiveMTU = 1460

// trackStream is one bound pipeline: the descriptor registered with the
// interceptor chain plus the readers on both the RTP and RTCP planes. Any
// field may be nil while binding is deferred or partial.
type trackStream struct {
	streamInfo *interceptor.StreamInfo

	rtpReadStream  *srtp.ReadStreamSRTP
	rtpInterceptor interceptor.RTPReader

	rtcpReadStream  *srtp.ReadStreamSRTCP
	rtcpInterceptor interceptor.RTCPReader
}

// trackStreams pairs a track with its primary pipeline and, when
// retransmission is in play, its repair pipeline.
type trackStreams struct {
	track *TrackRemote

	stream       trackStream
	repairStream trackStream
}

// receiverState is the portion of a receiver shared with its tracks: the
// track collection and the two lifecycle signals. Tracks hold a non-owning
// reference so their reads can look up the bound pipeline.
type receiverState struct {
	mu     sync.RWMutex
	tracks []trackStreams

	// closed broadcasts teardown; received broadcasts that Receive has run
	// to completion. Both are closed exactly once.
	closed   chan struct{}
	received chan struct{}

	interceptor interceptor.Interceptor
}

// waitReceived blocks until Receive has completed or the receiver stopped.
// A stop that already happened wins over an open receive gate.
func (s *receiverState) waitReceived() error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}

	select {
	case <-s.received:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

// closedErr rewrites pipeline errors observed after a stop as the canonical
// closed-pipe signal. A read already in flight is not interrupted; it only
// reports differently once it returns.
func (s *receiverState) closedErr(err error) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
		return err
	}
}

func (s *receiverState) addTrack(t trackStreams) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// readRTP serves TrackRemote reads: wait for the receive gate, look up the
// track's bound RTP reader, then block on it.
func (s *receiverState) readRTP(b []byte, track *TrackRemote) (int, interceptor.Attributes, error) {
	if err := s.waitReceived(); err != nil {
		return 0, nil, err
	}

	s.mu.RLock()
	var rtpInterceptor interceptor.RTPReader
	for i := range s.tracks {
		if s.tracks[i].track == track {
			rtpInterceptor = s.tracks[i].stream.rtpInterceptor
			break
		}
	}
	s.mu.RUnlock()

	if rtpInterceptor == nil {
		return 0, nil, ErrInterceptorNotBound
	}

	n, attributes, err := rtpInterceptor.Read(b, interceptor.Attributes{})
	if err != nil {
		return n, attributes, s.closedErr(err)
	}
	return n, attributes, nil
}

// closeBoundStreams closes every bound pipeline, primary and repair, on both
// planes, and unbinds their descriptors from the interceptor chain. All
// close errors are collected; one failure does not stop the sweep.
func (s *receiverState) closeBoundStreams() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for i := range s.tracks {
		t := &s.tracks[i]

		if t.stream.rtcpReadStream != nil {
			errs = append(errs, t.stream.rtcpReadStream.Close())
		}
		if t.stream.rtpReadStream != nil {
			errs = append(errs, t.stream.rtpReadStream.Close())
		}
		if t.repairStream.rtcpReadStream != nil {
			errs = append(errs, t.repairStream.rtcpReadStream.Close())
		}
		if t.repairStream.rtpReadStream != nil {
			errs = append(errs, t.repairStream.rtpReadStream.Close())
		}

		if t.stream.streamInfo != nil {
			s.interceptor.UnbindRemoteStream(t.stream.streamInfo)
		}
		if t.repairStream.streamInfo != nil {
			s.interceptor.UnbindRemoteStream(t.repairStream.streamInfo)
		}
	}

	return util.FlattenErrs(errs)
}

// RTPReceiver receives media for one transceiver. Receive binds the streams
// signaling announced; the resulting tracks are then read until Stop tears
// the receiver down.
type RTPReceiver struct {
	kind      MediaKind
	transport *DTLSTransport

	receiveMTU       int
	codec            RTPCodecCapability
	headerExtensions []RTPHeaderExtensionParameter

	// mu serializes Receive and Stop so the one-shot gates are checked and
	// consumed atomically.
	mu sync.Mutex

	state *receiverState

	log logging.LeveledLogger
}

// ReceiverOptions tunes an RTPReceiver beyond its required collaborators.
type ReceiverOptions struct {
	// ReceiveMTU caps the size of a single inbound packet. Defaults to 1460.
	ReceiveMTU int

	// Codec describes the expected payload; it is recorded in the stream
	// descriptors handed to the interceptor chain.
	Codec RTPCodecCapability

	// HeaderExtensions are likewise recorded in the stream descriptors.
	HeaderExtensions []RTPHeaderExtensionParameter

	LoggerFactory logging.LoggerFactory
}

// NewRTPReceiver creates a receiver for the given media kind, reading
// through transport and binding streams via chain.
func NewRTPReceiver(kind MediaKind, transport *DTLSTransport, chain interceptor.Interceptor, opts ReceiverOptions) (*RTPReceiver, error) {
	if transport == nil {
		return nil, errReceiverNilTransport
	}
	if chain == nil {
		return nil, errReceiverNilInterceptor
	}
	if opts.ReceiveMTU <= 0 {
		opts.ReceiveMTU = defaultReceiveMTU
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &RTPReceiver{
		kind:             kind,
		transport:        transport,
		receiveMTU:       opts.ReceiveMTU,
		codec:            opts.Codec,
		headerExtensions: opts.HeaderExtensions,
		state: &receiverState{
			closed:      make(chan struct{}),
			received:    make(chan struct{}),
			interceptor: chain,
		},
		log: opts.LoggerFactory.NewLogger("receiver"),
	}, nil
}

// Kind reports which media kind this receiver serves.
func (r *RTPReceiver) Kind() MediaKind {
	return r.kind
}

// Track returns the receiver's track when it has exactly one, otherwise nil.
// Use Tracks when simulcast may be in play.
func (r *RTPReceiver) Track() *TrackRemote {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	if len(r.state.tracks) != 1 {
		return nil
	}
	return r.state.tracks[0].track
}

// Tracks returns a snapshot of all tracks on this receiver.
func (r *RTPReceiver) Tracks() []*TrackRemote {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	tracks := make([]*TrackRemote, 0, len(r.state.tracks))
	for i := range r.state.tracks {
		tracks = append(tracks, r.state.tracks[i].track)
	}
	return tracks
}

// Receive creates a track per encoding and binds each announced SSRC
// through the interceptor chain. An encoding with SSRC zero still gets its
// track, with binding deferred until the stream can be identified another
// way. Receive may be called at most once; the gate is consumed even when
// binding fails partway, so a failed Receive cannot be retried.
func (r *RTPReceiver) Receive(parameters RTPReceiveParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.haveReceived() {
		return ErrReceiveAlreadyCalled
	}
	// The gate opens when this call returns, success or not, unblocking any
	// reads that arrived early.
	defer close(r.state.received)

	for i := range parameters.Encodings {
		encoding := &parameters.Encodings[i]

		t := trackStreams{
			track: newTrackRemote(r.kind, encoding.SSRC, encoding.RID, encoding.PayloadType, r.receiveMTU, r.state),
		}

		if encoding.SSRC != 0 {
			t.stream.streamInfo = streamInfo("", encoding.SSRC, 0, r.codec, r.headerExtensions)
			var err error
			if t.stream.rtpReadStream, t.stream.rtpInterceptor, t.stream.rtcpReadStream, t.stream.rtcpInterceptor, err = r.transport.streamsForSSRC(encoding.SSRC, t.stream.streamInfo, r.state.interceptor); err != nil {
				return err
			}
		}

		r.state.addTrack(t)

		if rtxSSRC := encoding.RTX.SSRC; rtxSSRC != 0 {
			repair := trackStream{
				streamInfo: streamInfo("", rtxSSRC, 0, r.codec, r.headerExtensions),
			}
			var err error
			if repair.rtpReadStream, repair.rtpInterceptor, repair.rtcpReadStream, repair.rtcpInterceptor, err = r.transport.streamsForSSRC(rtxSSRC, repair.streamInfo, r.state.interceptor); err != nil {
				return err
			}
			if err := r.receiveForRtx(rtxSSRC, "", repair); err != nil {
				return err
			}
		}
	}

	return nil
}

// Read reads incoming RTCP for the receiver's primary track. It blocks
// until Receive has completed and data arrives, and fails with
// io.ErrClosedPipe once the receiver is stopped.
func (r *RTPReceiver) Read(b []byte) (int, interceptor.Attributes, error) {
	if err := r.state.waitReceived(); err != nil {
		return 0, nil, err
	}

	r.state.mu.RLock()
	var rtcpInterceptor interceptor.RTCPReader
	hasTracks := len(r.state.tracks) > 0
	if hasTracks {
		rtcpInterceptor = r.state.tracks[0].stream.rtcpInterceptor
	}
	r.state.mu.RUnlock()

	if !hasTracks {
		return 0, nil, ErrNoTracks
	}
	if rtcpInterceptor == nil {
		return 0, nil, ErrInterceptorNotBound
	}

	n, attributes, err := rtcpInterceptor.Read(b, interceptor.Attributes{})
	if err != nil {
		return n, attributes, r.state.closedErr(err)
	}
	return n, attributes, nil
}

// ReadSimulcast reads incoming RTCP for the track with the given RID.
func (r *RTPReceiver) ReadSimulcast(b []byte, rid string) (int, interceptor.Attributes, error) {
	if err := r.state.waitReceived(); err != nil {
		return 0, nil, err
	}

	r.state.mu.RLock()
	var rtcpInterceptor interceptor.RTCPReader
	found := false
	for i := range r.state.tracks {
		if r.state.tracks[i].track.RID() == rid {
			found = true
			rtcpInterceptor = r.state.tracks[i].stream.rtcpInterceptor
			break
		}
	}
	r.state.mu.RUnlock()

	if !found {
		return 0, nil, errors.Wrapf(ErrRIDStreamNotFound, "rid %q", rid)
	}
	if rtcpInterceptor == nil {
		return 0, nil, ErrInterceptorNotBound
	}

	n, attributes, err := rtcpInterceptor.Read(b, interceptor.Attributes{})
	if err != nil {
		return n, attributes, r.state.closedErr(err)
	}
	return n, attributes, nil
}

// ReadRTCP reads one batch of incoming RTCP packets for the primary track
// and deserializes it.
func (r *RTPReceiver) ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error) {
	b := make([]byte, r.receiveMTU)
	n, attributes, err := r.Read(b)
	if err != nil {
		return nil, nil, err
	}

	packets, err := rtcp.Unmarshal(b[:n])
	if err != nil {
		return nil, nil, err
	}
	return packets, attributes, nil
}

// ReadSimulcastRTCP reads one batch of incoming RTCP packets for the track
// with the given RID and deserializes it.
func (r *RTPReceiver) ReadSimulcastRTCP(rid string) ([]rtcp.Packet, interceptor.Attributes, error) {
	b := make([]byte, r.receiveMTU)
	n, attributes, err := r.ReadSimulcast(b, rid)
	if err != nil {
		return nil, nil, err
	}

	packets, err := rtcp.Unmarshal(b[:n])
	if err != nil {
		return nil, nil, err
	}
	return packets, attributes, nil
}

// haveReceived reports whether the receive gate has been consumed. Callers
// hold r.mu.
func (r *RTPReceiver) haveReceived() bool {
	select {
	case <-r.state.received:
		return true
	default:
		return false
	}
}

// Stop tears the receiver down. It first wakes every read blocked on the
// lifecycle signals, then, if Receive ever ran, closes each bound pipeline
// and unbinds its descriptor. Stop is idempotent and safe before Receive.
func (r *RTPReceiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.state.closed:
		return nil
	default:
	}
	close(r.state.closed)

	if !r.haveReceived() {
		return nil
	}

	return r.state.closeBoundStreams()
}

// receiveForRtx attaches an already bound repair pipeline to one of the
// receiver's tracks. With a nonzero SSRC and exactly one track the repair
// stream goes to that track; otherwise it goes to the track whose RID
// matches the repair stream identifier. A drain goroutine keeps the repair
// pipeline flowing through the chain; it exits on the first read failure
// and is not waited on by Stop.
func (r *RTPReceiver) receiveForRtx(ssrc SSRC, rsid string, repairStream trackStream) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()

	single := len(r.state.tracks) == 1
	for i := range r.state.tracks {
		t := &r.state.tracks[i]
		if (ssrc != 0 && single) || t.track.RID() == rsid {
			t.repairStream = repairStream

			rtpInterceptor := repairStream.rtpInterceptor
			go func() {
				if rtpInterceptor == nil {
					return
				}
				b := make([]byte, r.receiveMTU)
				for {
					if _, _, err := rtpInterceptor.Read(b, interceptor.Attributes{}); err != nil {
						return
					}
				}
			}()
			return nil
		}
	}

	return errors.Wrapf(ErrRIDStreamNotFound, "ssrc %d rsid %q", ssrc, rsid)
}

// Start bootstraps the receiver from signaled track metadata: one encoding
// per announced SSRC or RID, positionally paired, with the shared repair
// SSRC attached to every encoding. Start is best effort; a Receive failure
// is logged and swallowed rather than propagated, so one broken track does
// not block session setup.
func (r *RTPReceiver) Start(incoming TrackDetails) {
	encodingSize := len(incoming.SSRCs)
	if len(incoming.RIDs) > encodingSize {
		encodingSize = len(incoming.RIDs)
	}

	encodings := make([]RTPDecodingParameters, encodingSize)
	for i := range encodings {
		if i < len(incoming.RIDs) {
			encodings[i].RID = incoming.RIDs[i]
		}
		if i < len(incoming.SSRCs) {
			encodings[i].SSRC = incoming.SSRCs[i]
		}
		encodings[i].RTX.SSRC = incoming.RepairSSRC
	}

	if err := r.Receive(RTPReceiveParameters{Encodings: encodings}); err != nil {
		r.log.Warnf("receive failed: %v", err)
		return
	}

	// Back-fill the signaled identifiers so applications see them before
	// the first packet arrives.
	for _, track := range r.Tracks() {
		track.setID(incoming.ID)
		track.setStreamID(incoming.StreamID)
	}
}
