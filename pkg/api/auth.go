package api

// Hello opens a session. On the first frame the client identifies itself
// and states its protocol revision; PublicKey is the base64-encoded
// ed25519 verification key for this identity. A client holding a valid
// session token presents it for quick resume and skips the challenge
// round-trip. After a Challenge, the client repeats the frame with
// Signature set to the base64-encoded ed25519 signature over the nonce.
type Hello struct {
	UserID    string `json:"user_id"`
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key,omitempty"`
	Protocol  int    `json:"protocol"`
	Token     string `json:"token,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Challenge carries the server nonce the client must sign.
type Challenge struct {
	Nonce string `json:"nonce"`
}

// Welcome completes session establishment. MinProtocol is the version
// gate: a client whose ProtocolVersion is below it must treat the session
// as unusable and surface a fatal incompatibility. Token is a JWT the
// client may present on the next Hello for quick resume; ExpiresIn is its
// lifetime in seconds.
type Welcome struct {
	UserOID       string `json:"user_oid"`
	Token         string `json:"token"`
	ExpiresIn     int64  `json:"expires_in"`
	MinProtocol   int    `json:"min_protocol"`
	PublicChannel string `json:"public_channel"`
}
