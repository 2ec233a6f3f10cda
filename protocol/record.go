package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	topicKeys     = []string{"name", "event_name", "message_name"}
	idemKeys      = []string{"id", "idem"}
	timestampKeys = []string{"loggedAt", "timestamp"}
)

// Record is the JSON body of a +RECORD: or +REPLAY: frame.
type Record struct {
	Topic     string
	Idem      string
	Block     string
	Payload   string
	Metadata  map[string]string
	Timestamp time.Time
	Sender    string
}

// ParseRecord reads the fields of an event record. The engine has used
// several names for the topic, id and timestamp over time, the first one
// present wins.
func ParseRecord(data []byte) (*Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("Failed to parse record, invalid JSON: %w", ErrMalformedRecord)
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("Failed to parse record, not an object: %w", ErrMalformedRecord)
	}

	rec := &Record{
		Topic:   firstString(doc, topicKeys),
		Idem:    firstString(doc, idemKeys),
		Block:   doc.Get("block").String(),
		Payload: doc.Get("payload").String(),
		Sender:  doc.Get("sender").String(),
	}

	if rec.Topic == "" {
		return nil, fmt.Errorf("Failed to parse record, missing topic name: %w", ErrMalformedRecord)
	}

	if rec.Idem == "" {
		return nil, fmt.Errorf("Failed to parse record, missing id: %w", ErrMalformedRecord)
	}

	metadata, err := parseMetadata(doc.Get("metadata"))
	if err != nil {
		return nil, err
	}
	rec.Metadata = metadata

	for _, key := range timestampKeys {
		if ts := parseTimestamp(doc.Get(key)); !ts.IsZero() {
			rec.Timestamp = ts
			break
		}
	}

	return rec, nil
}

// BuildRecord serialises a record the way the engine pushes it.
func BuildRecord(rec *Record) ([]byte, error) {
	data := []byte("{}")

	metadata, err := EncodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		path  string
		value interface{}
	}{
		{"event_name", rec.Topic},
		{"idem", rec.Idem},
		{"block", rec.Block},
		{"payload", rec.Payload},
		{"metadata", metadata},
		{"loggedAt", rec.Timestamp.UnixMilli()},
	}

	for _, s := range sets {
		if data, err = sjson.SetBytes(data, s.path, s.value); err != nil {
			return nil, err
		}
	}

	if rec.Sender != "" {
		if data, err = sjson.SetBytes(data, "sender", rec.Sender); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// EncodeMetadata renders metadata as a flat JSON object.
func EncodeMetadata(metadata map[string]string) (string, error) {
	doc := "{}"

	for k, v := range metadata {
		var err error
		if doc, err = sjson.Set(doc, EscapePath(k), v); err != nil {
			return "", err
		}
	}

	return doc, nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(doc string) (map[string]string, error) {
	if strings.TrimSpace(doc) == "" {
		return map[string]string{}, nil
	}

	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("Failed to parse metadata: %w", ErrMalformedRecord)
	}

	return parseMetadata(gjson.Parse(doc))
}

// EscapePath escapes the characters that gjson and sjson treat as path syntax.
func EscapePath(key string) string {
	var b strings.Builder

	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}

func parseMetadata(value gjson.Result) (map[string]string, error) {
	metadata := make(map[string]string)

	switch {
	case !value.Exists(), value.Type == gjson.Null:
		return metadata, nil

	case value.Type == gjson.String:
		// metadata is usually a JSON document encoded as a string
		if strings.TrimSpace(value.Str) == "" {
			return metadata, nil
		}

		if !gjson.Valid(value.Str) {
			return nil, fmt.Errorf("Failed to parse record metadata: %w", ErrMalformedRecord)
		}

		value = gjson.Parse(value.Str)
	}

	if !value.IsObject() {
		return nil, fmt.Errorf("Failed to parse record metadata, not an object: %w", ErrMalformedRecord)
	}

	value.ForEach(func(k, v gjson.Result) bool {
		metadata[k.String()] = v.String()
		return true
	})

	return metadata, nil
}

func parseTimestamp(value gjson.Result) time.Time {
	switch value.Type {
	case gjson.Number:
		return time.UnixMilli(value.Int())

	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, value.Str); err == nil {
			return ts
		}

		if ms, err := strconv.ParseInt(value.Str, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}

	return time.Time{}
}

func firstString(doc gjson.Result, keys []string) string {
	for _, key := range keys {
		if v := doc.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}
