package crypto

import (
	"crypto/rand"

	"filippo.io/mlkem768"
)

// ExitKey is the private half of an exit's transport key.
type ExitKey struct {
	dk *mlkem768.DecapsulationKey
}

func GenerateExitKey() (*ExitKey, error) {
	dk, err := mlkem768.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &ExitKey{dk: dk}, nil
}

// ExitKeyFromSeed derives the key deterministically from a 64-byte seed.
func ExitKeyFromSeed(seed []byte) (*ExitKey, error) {
	dk, err := mlkem768.NewKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &ExitKey{dk: dk}, nil
}

// TransportKey is the public half, as published in exit descriptors.
func (k *ExitKey) TransportKey() []byte { return k.dk.EncapsulationKey() }

// Prove answers a challenge ciphertext: label sealed under the decapsulated secret,
// random nonce first.
func (k *ExitKey) Prove(ciphertext []byte, label string) ([]byte, error) {
	secret, err := mlkem768.Decapsulate(k.dk, ciphertext)
	if err != nil {
		return nil, err
	}
	aead, err := sealer(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(label)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, []byte(label), nil), nil
}
