// Package crypto confirms that an endpoint holds the ML-KEM-768 private key behind the
// transport key published in its descriptor. The client encapsulates a fresh secret to
// that key; the endpoint answers with a fixed label sealed under the secret.
package crypto

import (
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

// TransportKeySize is the size of a published transport key.
const TransportKeySize = mlkem768.EncapsulationKeySize

var (
	ErrKeyMismatch = errors.New("endpoint failed key confirmation")
	ErrKeySize     = errors.New("bad transport key size")
)

// Challenge is one pending confirmation. Ciphertext goes to the endpoint; the secret
// never leaves the client.
type Challenge struct {
	Ciphertext []byte
	secret     []byte
}

// NewChallenge encapsulates a fresh secret to transportKey.
func NewChallenge(transportKey []byte) (*Challenge, error) {
	if len(transportKey) != TransportKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeySize, len(transportKey))
	}
	ct, secret, err := mlkem768.Encapsulate(transportKey)
	if err != nil {
		return nil, err
	}
	return &Challenge{Ciphertext: ct, secret: secret}, nil
}

// Verify accepts proof only if it is label sealed under this challenge's secret.
func (c *Challenge) Verify(proof []byte, label string) error {
	aead, err := sealer(c.secret)
	if err != nil {
		return err
	}
	ns := aead.NonceSize()
	if len(proof) < ns+aead.Overhead() {
		return ErrKeyMismatch
	}
	pt, err := aead.Open(nil, proof[:ns], proof[ns:], nil)
	if err != nil || subtle.ConstantTimeCompare(pt, []byte(label)) != 1 {
		return ErrKeyMismatch
	}
	return nil
}

func sealer(secret []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(secret)
}
