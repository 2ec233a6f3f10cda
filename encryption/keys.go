package encryption

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"filippo.io/edwards25519"
)

// KeyPair is an Ed25519 identity.
type KeyPair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// GenerateKeyPair creates a new random identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{Public: pub, Secret: sec}, nil
}

// RecipientID is the stable identifier under which a hybrid envelope stores
// the wrapped message key for a recipient.
func RecipientID(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// PublicKeyOf returns the public half of an Ed25519 secret key.
func PublicKeyOf(sec ed25519.PrivateKey) (ed25519.PublicKey, error) {
	if len(sec) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: secret key is %d bytes, expected %d", ErrKeyFormat, len(sec), ed25519.PrivateKeySize)
	}

	return sec.Public().(ed25519.PublicKey), nil
}

// ConvertPublicKey maps an Ed25519 public key to the X25519 public key of
// the same identity (the birational map from Edwards to Montgomery form).
func ConvertPublicKey(pub ed25519.PublicKey) (*[32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, expected %d", ErrKeyFormat, len(pub), ed25519.PublicKeySize)
	}

	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	var out [32]byte
	copy(out[:], point.BytesMontgomery())

	return &out, nil
}

// ConvertSecretKey maps an Ed25519 secret key to its X25519 scalar. The
// scalar is the clamped first half of SHA-512(seed), the same value Ed25519
// signing derives.
func ConvertSecretKey(sec ed25519.PrivateKey) (*[32]byte, error) {
	if len(sec) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: secret key is %d bytes, expected %d", ErrKeyFormat, len(sec), ed25519.PrivateKeySize)
	}

	h := sha512.Sum512(sec.Seed())

	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64

	return &out, nil
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, expected %d", ErrKeyFormat, len(b), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(b), nil
}

// ParseSecretKey decodes a base64 Ed25519 secret key. Both the 64 byte
// expanded form and the 32 byte seed are accepted.
func ParseSecretKey(s string) (ed25519.PrivateKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, fmt.Errorf("%w: secret key is %d bytes", ErrKeyFormat, len(b))
	}
}
