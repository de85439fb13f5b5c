package transport

import (
	"io"

	"github.com/qudag/node/crypto/aead"
	"github.com/qudag/node/crypto/hash"
	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/crypto/sig"
	"github.com/qudag/node/peer"
)

// HandshakeResult carries the outcome of a completed handshake: the
// remote peer's long-term identity and the two directional AEAD keys
// (spec.md §4.4 step 3: BLAKE3(kem_shared_secret || transcript_hash),
// domain-separated per direction so a reflected frame can never be
// replayed back at its sender).
type HandshakeResult struct {
	RemoteSignPub sig.PublicKey
	RemoteID      peer.ID
	SendKey       [aead.KeySize]byte
	RecvKey       [aead.KeySize]byte
}

// RunInitiator performs the initiator side of the handshake over rw
// (spec.md §4.4 steps 1-4).
func RunInitiator(rw io.ReadWriter, localSignPub sig.PublicKey, localSignPriv sig.PrivateKey) (*HandshakeResult, error) {
	ephPub, ephPriv, err := kem.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer ephPriv.Zero()

	h := &hello{SignPub: localSignPub, KEMEph: ephPub}
	h.Signature = sig.Sign(localSignPriv, h.signedBody())
	if err := h.Write(rw); err != nil {
		return nil, err
	}

	reply, err := readHelloReply(rw)
	if err != nil {
		return nil, err
	}
	if !sig.Verify(reply.SignPub, reply.signedBody(), reply.Signature) {
		return nil, ErrAuthenticationFailed
	}

	sharedSecret, err := kem.Decapsulate(ephPriv, reply.KEMCiphertext)
	if err != nil {
		return nil, ErrHandshakeFailed
	}

	transcript := hash.Sum(hash.DomainHandshake, h.signedBody(), reply.signedBody())
	sendKey, recvKey := deriveDirectionalKeys(sharedSecret, transcript[:], true)

	if err := confirmExchange(rw, sendKey, recvKey, true); err != nil {
		return nil, err
	}

	remoteID := peer.ID(hash.Sum(hash.DomainFingerprint, reply.SignPub.Bytes()))
	return &HandshakeResult{RemoteSignPub: reply.SignPub, RemoteID: remoteID, SendKey: sendKey, RecvKey: recvKey}, nil
}

// RunResponder performs the responder side of the handshake over rw
// (spec.md §4.4 steps 1-4).
func RunResponder(rw io.ReadWriter, localSignPub sig.PublicKey, localSignPriv sig.PrivateKey) (*HandshakeResult, error) {
	h, err := readHello(rw)
	if err != nil {
		return nil, err
	}
	if !sig.Verify(h.SignPub, h.signedBody(), h.Signature) {
		return nil, ErrAuthenticationFailed
	}

	ct, sharedSecret, err := kem.Encapsulate(h.KEMEph)
	if err != nil {
		return nil, err
	}

	reply := &helloReply{SignPub: localSignPub, KEMCiphertext: ct}
	reply.Signature = sig.Sign(localSignPriv, reply.signedBody())
	if err := reply.Write(rw); err != nil {
		return nil, err
	}

	transcript := hash.Sum(hash.DomainHandshake, h.signedBody(), reply.signedBody())
	// The responder's send direction is the initiator's recv direction
	// and vice versa, so the derived pair is assigned in swapped order
	// relative to RunInitiator.
	recvKey, sendKey := deriveDirectionalKeys(sharedSecret, transcript[:], true)

	if err := confirmExchange(rw, sendKey, recvKey, false); err != nil {
		return nil, err
	}

	remoteID := peer.ID(hash.Sum(hash.DomainFingerprint, h.SignPub.Bytes()))
	return &HandshakeResult{RemoteSignPub: h.SignPub, RemoteID: remoteID, SendKey: sendKey, RecvKey: recvKey}, nil
}

// deriveDirectionalKeys splits the handshake secret into two directional
// AEAD keys via domain-separated BLAKE3 keyed derivation. canonical is
// the (initiator->responder, responder->initiator) order; both sides
// derive the same pair of bytes and simply pick which one is "send".
func deriveDirectionalKeys(sharedSecret, transcript []byte, _ bool) (a, b [aead.KeySize]byte) {
	var mixKey [hash.Size]byte
	copy(mixKey[:], sharedSecret)

	initToResp := hash.Keyed(mixKey, hash.DomainSessionKey, transcript, []byte("i2r"))
	respToInit := hash.Keyed(mixKey, hash.DomainSessionKey, transcript, []byte("r2i"))
	copy(a[:], initToResp[:])
	copy(b[:], respToInit[:])
	return a, b
}

// confirmExchange performs the mutual confirmation-tag check (spec.md
// §4.4 step 4): each side proves it derived the same keys before any
// data frame is accepted.
func confirmExchange(rw io.ReadWriter, sendKey, recvKey [aead.KeySize]byte, sendFirst bool) error {
	myTag := hash.Sum(hash.DomainSessionKey+":confirm", sendKey[:])
	theirExpected := hash.Sum(hash.DomainSessionKey+":confirm", recvKey[:])

	send := func() error { return (&confirm{Tag: myTag[:]}).Write(rw) }
	recv := func() error {
		c, err := readConfirm(rw)
		if err != nil {
			return err
		}
		if len(c.Tag) != len(theirExpected) {
			return ErrAuthenticationFailed
		}
		for i := range theirExpected {
			if c.Tag[i] != theirExpected[i] {
				return ErrAuthenticationFailed
			}
		}
		return nil
	}

	if sendFirst {
		if err := send(); err != nil {
			return err
		}
		return recv()
	}
	if err := recv(); err != nil {
		return err
	}
	return send()
}
