package encryption

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope is the encrypted form of a payload. Exactly one of the direct
// fields (Nonce, Ciphertext, EphemeralPublicKey) or the hybrid fields
// (EncryptedPayload, EncryptedKeys) is set. Byte fields are base64 in JSON.
type Envelope struct {
	Nonce              []byte `json:"nonce,omitempty"`
	Ciphertext         []byte `json:"ciphertext,omitempty"`
	EphemeralPublicKey []byte `json:"ephemeralPublicKey,omitempty"`

	EncryptedPayload *SealedPayload        `json:"encryptedPayload,omitempty"`
	EncryptedKeys    map[string]WrappedKey `json:"encryptedKeys,omitempty"`
}

// SealedPayload is the payload of a hybrid envelope, sealed with the message key.
type SealedPayload struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// WrappedKey is the message key of a hybrid envelope sealed for one recipient.
type WrappedKey struct {
	Nonce              []byte `json:"nonce"`
	EncryptedKey       []byte `json:"encryptedKey"`
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
}

func (e *Envelope) IsHybrid() bool {
	return e.EncryptedPayload != nil
}

// Recipients lists the recipient ids of a hybrid envelope.
func (e *Envelope) Recipients() []string {
	ids := make([]string, 0, len(e.EncryptedKeys))
	for id := range e.EncryptedKeys {
		ids = append(ids, id)
	}

	return ids
}

func (e *Envelope) validate() error {
	if e.IsHybrid() {
		if len(e.EncryptedKeys) == 0 {
			return fmt.Errorf("%w: hybrid envelope has no recipients", ErrMalformedEnvelope)
		}

		if len(e.EncryptedPayload.Nonce) != nonceSize {
			return fmt.Errorf("%w: payload nonce is %d bytes", ErrMalformedEnvelope, len(e.EncryptedPayload.Nonce))
		}

		return nil
	}

	if len(e.Nonce) != nonceSize || len(e.EphemeralPublicKey) != keySize || len(e.Ciphertext) == 0 {
		return fmt.Errorf("%w: incomplete direct envelope", ErrMalformedEnvelope)
	}

	return nil
}

func (w WrappedKey) envelope() *Envelope {
	return &Envelope{
		Nonce:              w.Nonce,
		Ciphertext:         w.EncryptedKey,
		EphemeralPublicKey: w.EphemeralPublicKey,
	}
}

// Marshal encodes the envelope as JSON.
func Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes and validates a JSON envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

// EncodePayload renders the envelope the way it travels in a PUB command and
// in a record: base64 of the JSON document.
func EncodePayload(env *Envelope) (string, error) {
	data, err := Marshal(env)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(payload string) (*Envelope, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	return Unmarshal(data)
}
