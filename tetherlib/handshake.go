package tetherlib

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"

	"github.com/oasisprotocol/ed25519"
	"github.com/pkg/errors"
)

// HandshakeFunc upgrades a freshly established conn before the transport
// reports it open. Returning an error aborts the connection.
type HandshakeFunc func(conn net.Conn) (net.Conn, error)

const handshakeNonceSize = 32

// SignedHandshake authenticates both ends of a connection with an ed25519
// challenge/response: each side sends a fresh nonce along with its public
// key, then must return a valid signature over the nonce it received. Both
// ends run the same exchange, so it works for dialers and listeners alike.
//
// Without trusted keys the exchange only proves the peer holds the key it
// advertised. Passing one or more trusted public keys pins the peer: the
// handshake fails unless the advertised key is one of them.
func SignedHandshake(secret ed25519.PrivateKey, trusted ...ed25519.PublicKey) HandshakeFunc {
	return func(conn net.Conn) (net.Conn, error) {
		pub := secret.Public().(ed25519.PublicKey)

		var nonce [handshakeNonceSize]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return conn, errors.Wrap(err, "handshake: nonce")
		}

		hello := make([]byte, 0, handshakeNonceSize+ed25519.PublicKeySize)
		hello = append(hello, nonce[:]...)
		hello = append(hello, pub...)
		if _, err := conn.Write(hello); err != nil {
			return conn, errors.Wrap(err, "handshake: hello")
		}

		peer := make([]byte, handshakeNonceSize+ed25519.PublicKeySize)
		if _, err := io.ReadFull(conn, peer); err != nil {
			return conn, errors.Wrap(err, "handshake: peer hello")
		}
		peerNonce := peer[:handshakeNonceSize]
		peerPub := ed25519.PublicKey(peer[handshakeNonceSize:])

		if len(trusted) > 0 && !trustedKey(trusted, peerPub) {
			return conn, errors.New("handshake: peer key not trusted")
		}

		if _, err := conn.Write(ed25519.Sign(secret, peerNonce)); err != nil {
			return conn, errors.Wrap(err, "handshake: proof")
		}

		proof := make([]byte, ed25519.SignatureSize)
		if _, err := io.ReadFull(conn, proof); err != nil {
			return conn, errors.Wrap(err, "handshake: peer proof")
		}
		if !ed25519.Verify(peerPub, nonce[:], proof) {
			return conn, errors.New("handshake: invalid peer signature")
		}
		return conn, nil
	}
}

func trustedKey(trusted []ed25519.PublicKey, pub ed25519.PublicKey) bool {
	for _, k := range trusted {
		if bytes.Equal(k, pub) {
			return true
		}
	}
	return false
}
