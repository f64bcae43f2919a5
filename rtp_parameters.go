package rtckit

import "github.com/pion/interceptor"

// SSRC identifies a synchronization source within an RTP session.
type SSRC uint32

// PayloadType identifies the codec of an RTP packet.
type PayloadType uint8

// MediaKind distinguishes audio tracks from video tracks.
type MediaKind int

const (
	// MediaKindAudio indicates an audio track.
	MediaKindAudio MediaKind = iota + 1

	// MediaKindVideo indicates a video track.
	MediaKindVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// RTCPFeedback signals use of an additional RTCP packet type, e.g. type
// "nack" with parameter "pli".
type RTCPFeedback struct {
	Type      string
	Parameter string
}

// RTPHeaderExtensionParameter is a negotiated RFC 8285 header extension.
type RTPHeaderExtensionParameter struct {
	URI string
	ID  int
}

// RTPCodecCapability describes a codec in terms independent of a payload
// type assignment.
type RTPCodecCapability struct {
	MimeType     string
	ClockRate    uint32
	Channels     uint16
	SDPFmtpLine  string
	RTCPFeedback []RTCPFeedback
}

// RTPCodecParameters is a codec capability bound to a payload type.
type RTPCodecParameters struct {
	RTPCodecCapability
	PayloadType PayloadType
}

// RTPRtxParameters describes the retransmission stream associated with a
// primary encoding, per RFC 4588.
type RTPRtxParameters struct {
	SSRC SSRC
}

// RTPCodingParameters describes a single encoding: its RTP stream identifier
// (RID, used by simulcast), its SSRC when known up front, and its repair
// stream.
type RTPCodingParameters struct {
	RID         string
	SSRC        SSRC
	PayloadType PayloadType
	RTX         RTPRtxParameters
}

// RTPDecodingParameters are the per-stream settings handed to a receiver.
type RTPDecodingParameters struct {
	RTPCodingParameters
}

// RTPReceiveParameters configures a Receive call: one entry per expected
// encoding.
type RTPReceiveParameters struct {
	Encodings []RTPDecodingParameters
}

// streamInfo renders codec and extension parameters into the descriptor the
// interceptor chain is bound with.
func streamInfo(id string, ssrc SSRC, payloadType PayloadType, codec RTPCodecCapability, extensions []RTPHeaderExtensionParameter) *interceptor.StreamInfo {
	headerExtensions := make([]interceptor.RTPHeaderExtension, 0, len(extensions))
	for _, ext := range extensions {
		headerExtensions = append(headerExtensions, interceptor.RTPHeaderExtension{
			URI: ext.URI,
			ID:  ext.ID,
		})
	}

	feedbacks := make([]interceptor.RTCPFeedback, 0, len(codec.RTCPFeedback))
	for _, fb := range codec.RTCPFeedback {
		feedbacks = append(feedbacks, interceptor.RTCPFeedback{
			Type:      fb.Type,
			Parameter: fb.Parameter,
		})
	}

	return &interceptor.StreamInfo{
		ID:                  id,
		Attributes:          interceptor.Attributes{},
		SSRC:                uint32(ssrc),
		PayloadType:         uint8(payloadType),
		RTPHeaderExtensions: headerExtensions,
		MimeType:            codec.MimeType,
		ClockRate:           codec.ClockRate,
		Channels:            codec.Channels,
		SDPFmtpLine:         codec.SDPFmtpLine,
		RTCPFeedback:        feedbacks,
	}
}
