package encryption

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// HybridEncrypt seals plaintext once with a random message key and wraps the
// key for every recipient, so the cost of a large payload does not grow with
// the number of recipients. Duplicate recipients are wrapped once.
func HybridEncrypt(plaintext []byte, recipients []ed25519.PublicKey) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	// Convert up front so a bad key fails before any work is done.
	converted := make(map[string]*[32]byte, len(recipients))
	for _, pub := range recipients {
		key, err := ConvertPublicKey(pub)
		if err != nil {
			return nil, err
		}
		converted[RecipientID(pub)] = key
	}

	var (
		messageKey [keySize]byte
		nonce      [nonceSize]byte
	)

	if _, err := io.ReadFull(rand.Reader, messageKey[:]); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	env := &Envelope{
		EncryptedPayload: &SealedPayload{
			Nonce:      nonce[:],
			Ciphertext: secretbox.Seal(nil, plaintext, &nonce, &messageKey),
		},
		EncryptedKeys: make(map[string]WrappedKey, len(converted)),
	}

	for id, key := range converted {
		wrapped, err := sealDirect(messageKey[:], key)
		if err != nil {
			return nil, err
		}

		env.EncryptedKeys[id] = WrappedKey{
			Nonce:              wrapped.Nonce,
			EncryptedKey:       wrapped.Ciphertext,
			EphemeralPublicKey: wrapped.EphemeralPublicKey,
		}
	}

	return env, nil
}

// HybridDecrypt unwraps the caller's copy of the message key and opens the
// payload.
func HybridDecrypt(env *Envelope, public ed25519.PublicKey, secret ed25519.PrivateKey) ([]byte, error) {
	if env == nil || !env.IsHybrid() {
		return nil, ErrMalformedEnvelope
	}

	wrapped, ok := env.EncryptedKeys[RecipientID(public)]
	if !ok {
		return nil, ErrRecipientNotFound
	}

	secretKey, err := ConvertSecretKey(secret)
	if err != nil {
		return nil, err
	}

	messageKey, err := openDirect(wrapped.envelope(), secretKey)
	if err != nil {
		return nil, err
	}

	if len(messageKey) != keySize {
		return nil, fmt.Errorf("%w: message key is %d bytes", ErrDecryption, len(messageKey))
	}

	if len(env.EncryptedPayload.Nonce) != nonceSize {
		return nil, ErrMalformedEnvelope
	}

	var (
		key   [keySize]byte
		nonce [nonceSize]byte
	)
	copy(key[:], messageKey)
	copy(nonce[:], env.EncryptedPayload.Nonce)

	plaintext, ok := secretbox.Open(nil, env.EncryptedPayload.Ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrDecryption
	}

	return plaintext, nil
}
