package mux

// MatchFunc decides whether an incoming packet belongs to an endpoint, based
// on the packet's leading bytes.
type MatchFunc func([]byte) bool

// MatchAll matches every packet.
func MatchAll(buf []byte) bool {
	return true
}

// MatchRange matches packets whose first byte falls within [lower, upper].
func MatchRange(lower, upper byte) MatchFunc {
	return func(buf []byte) bool {
		if len(buf) < 1 {
			return false
		}
		return buf[0] >= lower && buf[0] <= upper
	}
}

// Demultiplexing of DTLS, RTP and RTCP arriving on the same port follows the
// first-byte ranges of https://tools.ietf.org/html/rfc7983#section-7:
//
//	[0..3]     STUN
//	[16..19]   ZRTP
//	[20..63]   DTLS
//	[64..79]   TURN channel
//	[128..191] RTP / RTCP

// MatchDTLS matches DTLS records.
func MatchDTLS(buf []byte) bool {
	return MatchRange(20, 63)(buf)
}

// MatchSRTPOrSRTCP matches the shared RTP/RTCP range.
func MatchSRTPOrSRTCP(buf []byte) bool {
	return MatchRange(128, 191)(buf)
}

// RTP and RTCP share the first-byte range above. The second byte tells them
// apart: RTCP packet types occupy [192..223], while an RTP packet carries its
// payload type there. See https://tools.ietf.org/html/rfc5761#section-4.
func isRTCP(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	return buf[1] >= 192 && buf[1] <= 223
}

// MatchSRTP matches SRTP packets, excluding SRTCP.
func MatchSRTP(buf []byte) bool {
	return MatchSRTPOrSRTCP(buf) && !isRTCP(buf)
}

// MatchSRTCP matches SRTCP packets, excluding SRTP.
func MatchSRTCP(buf []byte) bool {
	return MatchSRTPOrSRTCP(buf) && isRTCP(buf)
}
