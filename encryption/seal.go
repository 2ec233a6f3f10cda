package encryption

import (
	"crypto/ed25519"

	"go.uber.org/multierr"
)

// Seal encrypts plaintext for the given recipients, using a direct envelope
// for a single recipient and a hybrid one otherwise.
func Seal(plaintext []byte, recipients []ed25519.PublicKey) (*Envelope, error) {
	switch len(recipients) {
	case 0:
		return nil, ErrNoRecipients
	case 1:
		return EncryptSingleRecipient(plaintext, recipients[0])
	default:
		return HybridEncrypt(plaintext, recipients)
	}
}

// Open decrypts either envelope shape with a single identity.
func Open(env *Envelope, secret ed25519.PrivateKey) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}

	if !env.IsHybrid() {
		return DecryptSingleRecipient(env, secret)
	}

	public, err := PublicKeyOf(secret)
	if err != nil {
		return nil, err
	}

	return HybridDecrypt(env, public, secret)
}

// OpenWithAny tries each key in order and returns the plaintext of the first
// one that opens the envelope. When none does, the returned error combines
// the individual failures; errors.Is still matches ErrRecipientNotFound or
// ErrDecryption.
func OpenWithAny(env *Envelope, keys ...ed25519.PrivateKey) ([]byte, error) {
	var errs error

	for _, key := range keys {
		if len(key) == 0 {
			continue
		}

		plaintext, err := Open(env, key)
		if err == nil {
			return plaintext, nil
		}

		errs = multierr.Append(errs, err)
	}

	if errs == nil {
		return nil, ErrNoKey
	}

	return nil, errs
}
