package transport

import (
	"github.com/qudag/node/crypto/aead"
	"github.com/qudag/node/crypto/hash"
)

// DeriveRekeyedKeys mixes a fresh KEM shared secret with the session's
// outgoing epoch to produce the next generation of directional keys
// (spec.md §3 rekey-on-threshold policy), using the same keyed-BLAKE3
// construction as the initial handshake (transport/handshake.go's
// deriveDirectionalKeys) so both directions agree on which half of the
// derived pair is "send" without exchanging anything beyond the KEM
// ciphertext.
func DeriveRekeyedKeys(sharedSecret []byte, epoch uint32) (initToResp, respToInit [aead.KeySize]byte) {
	var mixKey [hash.Size]byte
	copy(mixKey[:], sharedSecret)

	var epochBytes [4]byte
	epochBytes[0] = byte(epoch >> 24)
	epochBytes[1] = byte(epoch >> 16)
	epochBytes[2] = byte(epoch >> 8)
	epochBytes[3] = byte(epoch)

	i2r := hash.Keyed(mixKey, hash.DomainSessionKey+":rekey", epochBytes[:], []byte("i2r"))
	r2i := hash.Keyed(mixKey, hash.DomainSessionKey+":rekey", epochBytes[:], []byte("r2i"))
	copy(initToResp[:], i2r[:])
	copy(respToInit[:], r2i[:])
	return initToResp, respToInit
}
