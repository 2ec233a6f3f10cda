package encryption

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/nacl/box"
)

const (
	nonceSize = 24
	keySize   = 32
)

// EncryptSingleRecipient seals plaintext for one recipient. Every call uses a
// fresh ephemeral key pair and nonce.
func EncryptSingleRecipient(plaintext []byte, recipient ed25519.PublicKey) (*Envelope, error) {
	recipientKey, err := ConvertPublicKey(recipient)
	if err != nil {
		return nil, err
	}

	return sealDirect(plaintext, recipientKey)
}

// DecryptSingleRecipient opens a direct envelope with the recipient's secret key.
func DecryptSingleRecipient(env *Envelope, secret ed25519.PrivateKey) ([]byte, error) {
	secretKey, err := ConvertSecretKey(secret)
	if err != nil {
		return nil, err
	}

	return openDirect(env, secretKey)
}

func sealDirect(plaintext []byte, recipientKey *[32]byte) (*Envelope, error) {
	ephemeralPublic, ephemeralPrivate, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	out := box.Seal(nil, plaintext, &nonce, recipientKey, ephemeralPrivate)

	return &Envelope{
		Nonce:              nonce[:],
		Ciphertext:         out,
		EphemeralPublicKey: ephemeralPublic[:],
	}, nil
}

func openDirect(env *Envelope, secretKey *[32]byte) ([]byte, error) {
	if env == nil || env.IsHybrid() {
		return nil, ErrMalformedEnvelope
	}

	if len(env.Nonce) != nonceSize || len(env.EphemeralPublicKey) != keySize {
		return nil, ErrMalformedEnvelope
	}

	var (
		nonce     [nonceSize]byte
		ephemeral [keySize]byte
	)
	copy(nonce[:], env.Nonce)
	copy(ephemeral[:], env.EphemeralPublicKey)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeral, secretKey)
	if !ok {
		return nil, ErrDecryption
	}

	return plaintext, nil
}
