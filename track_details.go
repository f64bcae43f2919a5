package rtckit

// TrackDetails describes an incoming media stream as announced by the remote
// peer: its identifiers plus the SSRCs and/or RIDs its packets arrive under.
// Simulcast tracks announce several SSRCs or several RIDs; a retransmission
// stream, when present, shares one repair SSRC across all of them.
type TrackDetails struct {
	MID      string
	Kind     MediaKind
	StreamID string
	ID       string

	SSRCs      []SSRC
	RepairSSRC SSRC
	RIDs       []string
}
