package transport

import "errors"

// Error taxonomy from spec.md §4.4/§7. HandshakeFailed/AuthenticationFailed
// abort the connection outright (no retry budget consumed, to deter
// downgrade attacks); DecryptFailed and NonceReuse are fatal to the
// session and force a fresh handshake; PeerDisconnected and Backpressure
// are ordinary operational conditions the caller may retry.
var (
	ErrHandshakeFailed     = errors.New("transport: handshake failed")
	ErrAuthenticationFailed = errors.New("transport: authentication failed")
	ErrDecryptFailed       = errors.New("transport: decrypt failed")
	ErrNonceReuse          = errors.New("transport: nonce reuse detected")
	ErrPeerDisconnected    = errors.New("transport: peer disconnected")
	ErrBackpressure        = errors.New("transport: send buffer backpressure")
	ErrFrameTooLarge       = errors.New("transport: frame exceeds maximum size")
)
