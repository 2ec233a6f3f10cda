package encryption

import "errors"

var (
	// ErrKeyFormat is returned when a key has the wrong length or is not a
	// valid curve point.
	ErrKeyFormat = errors.New("encryption: malformed key")

	// ErrDecryption is returned when a ciphertext fails authentication, which
	// happens with the wrong key or a tampered envelope.
	ErrDecryption = errors.New("encryption: decryption failed")

	// ErrRecipientNotFound is returned by HybridDecrypt when the envelope has
	// no wrapped key for the caller.
	ErrRecipientNotFound = errors.New("encryption: not a recipient of this envelope")

	// ErrNoRecipients is returned when encrypting for an empty recipient list.
	ErrNoRecipients = errors.New("encryption: at least one recipient is required")

	// ErrNoKey is returned by OpenWithAny when it is given no usable key.
	ErrNoKey = errors.New("encryption: no decryption key available")

	// ErrMalformedEnvelope is returned when an envelope is neither direct nor
	// hybrid, or its fields are not valid base64.
	ErrMalformedEnvelope = errors.New("encryption: malformed envelope")
)
