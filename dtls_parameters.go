package rtckit

// DTLSRole indicates which side of the handshake a transport takes.
type DTLSRole byte

const (
	// DTLSRoleAuto defers the role decision to the ICE arrangement: the
	// controlled agent acts as client, the controlling agent as server.
	DTLSRoleAuto DTLSRole = iota + 1

	// DTLSRoleClient indicates the transport initiates the handshake.
	DTLSRoleClient

	// DTLSRoleServer indicates the transport awaits the handshake.
	DTLSRoleServer
)

func (r DTLSRole) String() string {
	switch r {
	case DTLSRoleAuto:
		return "auto"
	case DTLSRoleClient:
		return "client"
	case DTLSRoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// DTLSFingerprint is a hash of a certificate, exchanged in signaling so the
// certificate presented during the handshake can be tied to the session
// description.
type DTLSFingerprint struct {
	// Algorithm is the hash function name, e.g. "sha-256".
	Algorithm string

	// Value is the lowercase hex digest, bytes separated by colons.
	Value string
}

// DTLSParameters describes one side of the DTLS negotiation: the role it is
// willing to take and the fingerprints of the certificates it may present.
type DTLSParameters struct {
	Role         DTLSRole
	Fingerprints []DTLSFingerprint
}
