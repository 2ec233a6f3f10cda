package client

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/luma/lumen/encryption"
	"github.com/luma/lumen/protocol"
)

// Message is a decrypted record delivered to handlers or returned by Replay.
type Message struct {
	Idem      string
	Block     string
	Topic     string
	Timestamp time.Time
	Payload   json.RawMessage
	Metadata  map[string]string
	Sender    string
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// DiscardStatus is the engine's answer to DISCARD.
type DiscardStatus struct {
	Status string
	Idem   string
}

// PublishResult identifies a published message.
type PublishResult struct {
	Idem  string
	Block string
}

// openRecord decrypts rec with the first key that works.
func openRecord(rec *protocol.Record, keys ...ed25519.PrivateKey) (*Message, error) {
	env, err := encryption.DecodePayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode payload of '%s': %w", rec.Idem, err)
	}

	plaintext, err := encryption.OpenWithAny(env, keys...)
	if err != nil {
		return nil, fmt.Errorf("Failed to decrypt '%s': %w", rec.Idem, err)
	}

	if !gjson.ValidBytes(plaintext) {
		return nil, fmt.Errorf("Failed to decode payload of '%s': %w", rec.Idem, protocol.ErrMalformedRecord)
	}

	return &Message{
		Idem:      rec.Idem,
		Block:     rec.Block,
		Topic:     rec.Topic,
		Timestamp: rec.Timestamp,
		Payload:   json.RawMessage(plaintext),
		Metadata:  rec.Metadata,
		Sender:    rec.Sender,
	}, nil
}
