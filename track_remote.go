//////////////////////////////////////////////////////////////////////////////
//
// TrackRemote is a single inbound media stream delivered by an RTPReceiver.
//
// Copyright (c) 2020 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package rtckit

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// TrackRemote represents one stream of packets arriving from the remote
// peer, keyed by SSRC or RID. Tracks are created by RTPReceiver.Receive and
// read from until the receiver is stopped.
type TrackRemote struct {
	mu sync.RWMutex

	id       string
	streamID string

	payloadType PayloadType
	kind        MediaKind
	ssrc        SSRC
	rid         string

	receiveMTU int

	// Non-owning reference back to the receiver's shared state, used only to
	// look up this track's bound pipeline.
	state *receiverState
}

func newTrackRemote(kind MediaKind, ssrc SSRC, rid string, payloadType PayloadType, receiveMTU int, state *receiverState) *TrackRemote {
	return &TrackRemote{
		kind:        kind,
		ssrc:        ssrc,
		rid:         rid,
		payloadType: payloadType,
		receiveMTU:  receiveMTU,
		state:       state,
	}
}

// ID returns the track identifier. It may be empty until signaling supplies
// one.
func (t *TrackRemote) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

func (t *TrackRemote) setID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
}

// StreamID returns the group this track belongs to. It may be empty until
// signaling supplies one.
func (t *TrackRemote) StreamID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streamID
}

func (t *TrackRemote) setStreamID(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamID = streamID
}

// RID returns the restriction identifier of this track, or the empty string
// when the stream is not simulcast.
func (t *TrackRemote) RID() string {
	return t.rid
}

// SSRC returns the synchronization source this track is keyed by. Zero means
// the SSRC was not announced and the stream binds by RID instead.
func (t *TrackRemote) SSRC() SSRC {
	return t.ssrc
}

// Kind reports whether this is an audio or video track.
func (t *TrackRemote) Kind() MediaKind {
	return t.kind
}

// PayloadType returns the codec of this track as declared by signaling.
func (t *TrackRemote) PayloadType() PayloadType {
	return t.payloadType
}

// Read reads RTP for this track into b. It blocks until the receiver has
// completed Receive and a packet arrives, and fails with io.ErrClosedPipe
// once the receiver is stopped.
func (t *TrackRemote) Read(b []byte) (int, interceptor.Attributes, error) {
	return t.state.readRTP(b, t)
}

// ReadRTP reads one RTP packet and deserializes it.
func (t *TrackRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	b := make([]byte, t.receiveMTU)
	n, attributes, err := t.Read(b)
	if err != nil {
		return nil, nil, err
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(b[:n]); err != nil {
		return nil, nil, err
	}
	return packet, attributes, nil
}
