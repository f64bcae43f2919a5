package rtckit

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"github.com/pion/transport/v2/dpipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingChain is a pass-through interceptor chain that records the SSRC
// of every remote stream bound and unbound through it.
type recordingChain struct {
	interceptor.NoOp

	mu      sync.Mutex
	bound   []uint32
	unbound []uint32
}

func (c *recordingChain) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound = append(c.bound, info.SSRC)
	return reader
}

func (c *recordingChain) UnbindRemoteStream(info *interceptor.StreamInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbound = append(c.unbound, info.SSRC)
}

func (c *recordingChain) boundSSRCs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32{}, c.bound...)
}

func (c *recordingChain) unboundSSRCs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32{}, c.unbound...)
}

// mediaPair is a transport with live SRTP/SRTCP sessions wired straight to a
// remote pair over in-memory pipes, skipping the DTLS handshake.
type mediaPair struct {
	transport  *DTLSTransport
	remoteRTP  *srtp.SessionSRTP
	remoteRTCP *srtp.SessionSRTCP
}

func newMediaPair(t *testing.T) *mediaPair {
	t.Helper()

	keyA := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	saltA := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d}
	keyB := []byte{0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2a, 0x2b, 0x2c, 0x2d, 0x2e, 0x2f}
	saltB := []byte{0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39, 0x3a, 0x3b, 0x3c, 0x3d}

	localConfig := &srtp.Config{
		Profile: srtp.ProtectionProfileAes128CmHmacSha1_80,
		Keys: srtp.SessionKeys{
			LocalMasterKey:   keyA,
			LocalMasterSalt:  saltA,
			RemoteMasterKey:  keyB,
			RemoteMasterSalt: saltB,
		},
	}
	remoteConfig := &srtp.Config{
		Profile: srtp.ProtectionProfileAes128CmHmacSha1_80,
		Keys: srtp.SessionKeys{
			LocalMasterKey:   keyB,
			LocalMasterSalt:  saltB,
			RemoteMasterKey:  keyA,
			RemoteMasterSalt: saltA,
		},
	}

	rtpA, rtpB := dpipe.Pipe()
	rtcpA, rtcpB := dpipe.Pipe()

	localRTP, err := srtp.NewSessionSRTP(rtpA, localConfig)
	require.NoError(t, err)
	remoteRTP, err := srtp.NewSessionSRTP(rtpB, remoteConfig)
	require.NoError(t, err)
	localRTCP, err := srtp.NewSessionSRTCP(rtcpA, localConfig)
	require.NoError(t, err)
	remoteRTCP, err := srtp.NewSessionSRTCP(rtcpB, remoteConfig)
	require.NoError(t, err)

	transport := NewDTLSTransport(nil, nil, TransportOptions{})
	transport.srtpSession.Store(localRTP)
	transport.srtcpSession.Store(localRTCP)

	t.Cleanup(func() {
		_ = remoteRTP.Close()
		_ = remoteRTCP.Close()
		_ = transport.Stop()
	})

	return &mediaPair{
		transport:  transport,
		remoteRTP:  remoteRTP,
		remoteRTCP: remoteRTCP,
	}
}

func newTestReceiver(t *testing.T, transport *DTLSTransport, chain interceptor.Interceptor) *RTPReceiver {
	t.Helper()
	receiver, err := NewRTPReceiver(MediaKindVideo, transport, chain, ReceiverOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Stop() })
	return receiver
}

func oneEncoding(ssrc SSRC, rid string) RTPReceiveParameters {
	return RTPReceiveParameters{
		Encodings: []RTPDecodingParameters{
			{RTPCodingParameters: RTPCodingParameters{SSRC: ssrc, RID: rid}},
		},
	}
}

func TestReceiverRequiresCollaborators(t *testing.T) {
	_, err := NewRTPReceiver(MediaKindAudio, nil, &recordingChain{}, ReceiverOptions{})
	require.Error(t, err)

	_, err = NewRTPReceiver(MediaKindAudio, NewDTLSTransport(nil, nil, TransportOptions{}), nil, ReceiverOptions{})
	require.Error(t, err)
}

func TestReceiverReceiveCreatesTrack(t *testing.T) {
	chain := &recordingChain{}
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), chain)

	// SSRC zero: the track exists right away, binding waits until the
	// stream can be identified.
	require.NoError(t, receiver.Receive(RTPReceiveParameters{
		Encodings: []RTPDecodingParameters{
			{RTPCodingParameters: RTPCodingParameters{RID: "q", PayloadType: 96}},
		},
	}))

	track := receiver.Track()
	require.NotNil(t, track)
	assert.Equal(t, SSRC(0), track.SSRC())
	assert.Equal(t, "q", track.RID())
	assert.Equal(t, PayloadType(96), track.PayloadType())
	assert.Equal(t, MediaKindVideo, track.Kind())
	assert.Empty(t, chain.boundSSRCs())
}

func TestReceiverDoubleReceive(t *testing.T) {
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), &recordingChain{})

	require.NoError(t, receiver.Receive(oneEncoding(0, "a")))
	err := receiver.Receive(oneEncoding(0, "b"))
	require.ErrorIs(t, err, ErrReceiveAlreadyCalled)

	// The failed call left the track set alone.
	tracks := receiver.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, "a", tracks[0].RID())
}

func TestReceiverStopIdempotent(t *testing.T) {
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), &recordingChain{})

	require.NoError(t, receiver.Stop())
	require.NoError(t, receiver.Stop())

	_, _, err := receiver.Read(make([]byte, 16))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestReceiverReadBlocksUntilReceive(t *testing.T) {
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), &recordingChain{})

	readCh := make(chan error, 1)
	go func() {
		_, _, err := receiver.Read(make([]byte, 16))
		readCh <- err
	}()

	select {
	case <-readCh:
		t.Fatal("read returned before receive")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, receiver.Receive(oneEncoding(0, "a")))

	select {
	case err := <-readCh:
		// Unblocked, but the deferred stream is not bound yet.
		require.ErrorIs(t, err, ErrInterceptorNotBound)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after receive")
	}
}

func TestReceiverReadNoTracks(t *testing.T) {
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), &recordingChain{})

	require.NoError(t, receiver.Receive(RTPReceiveParameters{}))
	_, _, err := receiver.Read(make([]byte, 16))
	require.ErrorIs(t, err, ErrNoTracks)
}

func TestReceiverReadSimulcastUnknownRID(t *testing.T) {
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), &recordingChain{})

	require.NoError(t, receiver.Receive(oneEncoding(0, "r1")))

	_, _, err := receiver.ReadSimulcast(make([]byte, 16), "nope")
	require.ErrorIs(t, err, ErrRIDStreamNotFound)

	// The rid exists but its stream is not bound yet.
	_, _, err = receiver.ReadSimulcast(make([]byte, 16), "r1")
	require.ErrorIs(t, err, ErrInterceptorNotBound)
}

func TestReceiverTrackExactlyOne(t *testing.T) {
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), &recordingChain{})

	require.NoError(t, receiver.Receive(RTPReceiveParameters{
		Encodings: []RTPDecodingParameters{
			{RTPCodingParameters: RTPCodingParameters{RID: "a"}},
			{RTPCodingParameters: RTPCodingParameters{RID: "b"}},
		},
	}))

	assert.Nil(t, receiver.Track())
	assert.Len(t, receiver.Tracks(), 2)
}

func TestReceiverStopClosesAndUnbinds(t *testing.T) {
	pair := newMediaPair(t)
	chain := &recordingChain{}
	receiver := newTestReceiver(t, pair.transport, chain)

	require.NoError(t, receiver.Receive(RTPReceiveParameters{
		Encodings: []RTPDecodingParameters{
			{RTPCodingParameters: RTPCodingParameters{SSRC: 0x1234, RTX: RTPRtxParameters{SSRC: 0x5678}}},
		},
	}))
	assert.Equal(t, []uint32{0x1234, 0x5678}, chain.boundSSRCs())

	require.NoError(t, receiver.Stop())
	assert.Equal(t, []uint32{0x1234, 0x5678}, chain.unboundSSRCs())

	_, _, err := receiver.Read(make([]byte, 16))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.NoError(t, receiver.Stop())
}

func TestReceiverBlockedReadUnblocksOnStop(t *testing.T) {
	pair := newMediaPair(t)
	receiver := newTestReceiver(t, pair.transport, &recordingChain{})

	require.NoError(t, receiver.Receive(oneEncoding(0xAB, "")))
	track := receiver.Track()
	require.NotNil(t, track)

	readCh := make(chan error, 1)
	go func() {
		_, _, err := track.Read(make([]byte, 1500))
		readCh <- err
	}()

	select {
	case <-readCh:
		t.Fatal("read returned with no data")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, receiver.Stop())

	select {
	case err := <-readCh:
		require.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock on stop")
	}
}

func TestReceiverRtxMatchFailure(t *testing.T) {
	pair := newMediaPair(t)
	receiver := newTestReceiver(t, pair.transport, &recordingChain{})

	// With two tracks the repair stream needs a rid match, and the repair
	// stream identifier is unknown here.
	err := receiver.Receive(RTPReceiveParameters{
		Encodings: []RTPDecodingParameters{
			{RTPCodingParameters: RTPCodingParameters{SSRC: 1, RID: "a"}},
			{RTPCodingParameters: RTPCodingParameters{SSRC: 2, RID: "b", RTX: RTPRtxParameters{SSRC: 9}}},
		},
	})
	require.ErrorIs(t, err, ErrRIDStreamNotFound)
}

func TestReceiverRtxSingleTrackAttach(t *testing.T) {
	pair := newMediaPair(t)
	receiver := newTestReceiver(t, pair.transport, &recordingChain{})

	require.NoError(t, receiver.Receive(RTPReceiveParameters{
		Encodings: []RTPDecodingParameters{
			{RTPCodingParameters: RTPCodingParameters{SSRC: 1, RTX: RTPRtxParameters{SSRC: 9}}},
		},
	}))

	receiver.state.mu.RLock()
	defer receiver.state.mu.RUnlock()
	require.Len(t, receiver.state.tracks, 1)
	assert.NotNil(t, receiver.state.tracks[0].repairStream.streamInfo)
	assert.NotNil(t, receiver.state.tracks[0].repairStream.rtpInterceptor)
}

func TestReceiverStartHelper(t *testing.T) {
	pair := newMediaPair(t)
	chain := &recordingChain{}
	receiver := newTestReceiver(t, pair.transport, chain)

	receiver.Start(TrackDetails{
		ID:         "track-id",
		StreamID:   "stream-id",
		SSRCs:      []SSRC{10, 20},
		RepairSSRC: 99,
	})

	tracks := receiver.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, SSRC(10), tracks[0].SSRC())
	assert.Equal(t, SSRC(20), tracks[1].SSRC())
	for _, track := range tracks {
		assert.Equal(t, "track-id", track.ID())
		assert.Equal(t, "stream-id", track.StreamID())
	}

	// The shared repair SSRC is bound once per encoding.
	assert.Equal(t, []uint32{10, 99, 20, 99}, chain.boundSSRCs())
}

func TestReceiverStartSwallowsFailure(t *testing.T) {
	// No SRTP sessions on the transport, so binding cannot succeed.
	receiver := newTestReceiver(t, NewDTLSTransport(nil, nil, TransportOptions{}), &recordingChain{})

	receiver.Start(TrackDetails{SSRCs: []SSRC{5}})

	assert.Empty(t, receiver.Tracks())
	// The gate was still consumed by the failed attempt.
	err := receiver.Receive(oneEncoding(0, ""))
	require.ErrorIs(t, err, ErrReceiveAlreadyCalled)
}

func TestTrackRemoteReadRTP(t *testing.T) {
	pair := newMediaPair(t)
	receiver := newTestReceiver(t, pair.transport, &recordingChain{})

	require.NoError(t, receiver.Receive(oneEncoding(0xBEEF, "")))
	track := receiver.Track()
	require.NotNil(t, track)

	writeStream, err := pair.remoteRTP.OpenWriteStream()
	require.NoError(t, err)
	_, err = writeStream.WriteRTP(&rtp.Header{Version: 2, SSRC: 0xBEEF, SequenceNumber: 100}, []byte{9, 8, 7})
	require.NoError(t, err)

	type readResult struct {
		packet *rtp.Packet
		err    error
	}
	readCh := make(chan readResult, 1)
	go func() {
		packet, _, err := track.ReadRTP()
		readCh <- readResult{packet, err}
	}()

	select {
	case result := <-readCh:
		require.NoError(t, result.err)
		assert.Equal(t, uint32(0xBEEF), result.packet.SSRC)
		assert.Equal(t, uint16(100), result.packet.SequenceNumber)
		assert.Equal(t, []byte{9, 8, 7}, result.packet.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the rtp packet")
	}
}

func TestReceiverReadRTCP(t *testing.T) {
	pair := newMediaPair(t)
	receiver := newTestReceiver(t, pair.transport, &recordingChain{})

	require.NoError(t, receiver.Receive(oneEncoding(0xCAFE, "")))

	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 0xCAFE}})
	require.NoError(t, err)
	writeStream, err := pair.remoteRTCP.OpenWriteStream()
	require.NoError(t, err)
	_, err = writeStream.Write(raw)
	require.NoError(t, err)

	type readResult struct {
		packets []rtcp.Packet
		err     error
	}
	readCh := make(chan readResult, 1)
	go func() {
		packets, _, err := receiver.ReadRTCP()
		readCh <- readResult{packets, err}
	}()

	select {
	case result := <-readCh:
		require.NoError(t, result.err)
		require.Len(t, result.packets, 1)
		pli, ok := result.packets[0].(*rtcp.PictureLossIndication)
		require.True(t, ok)
		assert.Equal(t, uint32(0xCAFE), pli.MediaSSRC)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the rtcp packet")
	}
}

func TestReceiverReadSimulcastRTCP(t *testing.T) {
	pair := newMediaPair(t)
	receiver := newTestReceiver(t, pair.transport, &recordingChain{})

	require.NoError(t, receiver.Receive(oneEncoding(0xAA, "r1")))

	_, _, err := receiver.ReadSimulcastRTCP("zz")
	require.ErrorIs(t, err, ErrRIDStreamNotFound)

	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 0xAA}})
	require.NoError(t, err)
	writeStream, err := pair.remoteRTCP.OpenWriteStream()
	require.NoError(t, err)
	_, err = writeStream.Write(raw)
	require.NoError(t, err)

	type readResult struct {
		packets []rtcp.Packet
		err     error
	}
	readCh := make(chan readResult, 1)
	go func() {
		packets, _, err := receiver.ReadSimulcastRTCP("r1")
		readCh <- readResult{packets, err}
	}()

	select {
	case result := <-readCh:
		require.NoError(t, result.err)
		require.Len(t, result.packets, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the rtcp packet")
	}
}
