package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyFrame       = errors.New("Frame is empty")
	ErrMalformedCommand = errors.New("Command is malformed, a field is missing its '=:' separator")
	ErrMalformedBlock   = errors.New("Key value block is malformed, a pair is missing its '=' separator")
	ErrMalformedRecord  = errors.New("Record is malformed")
	ErrFrameTooLong     = errors.New("Frame exceeds the maximum frame size")

	PrefixPass   = []byte(RespPass)
	PrefixFail   = []byte(RespFail)
	PrefixRecord = []byte(RespRecord)
	PrefixReplay = []byte(RespReplay)
	PrefixPing   = []byte(PING)
)

// MaxFrameSize bounds a single line read by ReadFrame.
const MaxFrameSize = 16 << 20

// ReadFrame reads a single \n terminated frame from r, stripping the
// terminator and an optional trailing \r.
//
// The returned slice is a copy and is safe to retain.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var frame []byte

	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			return nil, err
		}

		frame = append(frame, chunk...)
		if len(frame) > MaxFrameSize {
			return nil, ErrFrameTooLong
		}

		if !more {
			break
		}
	}

	return frame, nil
}

// DecodeResponse classifies a frame received from the engine by its prefix.
// Unknown frames are returned as RespUnrecognized rather than as an error so
// the caller can log and carry on.
func DecodeResponse(raw []byte) (*Response, error) {
	raw = RemoveTrailingCR(bytes.TrimLeft(raw, " \t"))

	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}

	switch {
	case bytes.HasPrefix(raw, PrefixPass):
		return &Response{Type: RespPass, Body: raw[len(PrefixPass):]}, nil

	case bytes.HasPrefix(raw, PrefixFail):
		return &Response{Type: RespFail, Body: raw[len(PrefixFail):]}, nil

	case bytes.HasPrefix(raw, PrefixRecord):
		return &Response{Type: RespRecord, Body: raw[len(PrefixRecord):]}, nil

	case bytes.HasPrefix(raw, PrefixReplay):
		return &Response{Type: RespReplay, Body: raw[len(PrefixReplay):]}, nil

	case bytes.Equal(bytes.TrimSpace(raw), PrefixPing):
		return &Response{Type: RespPing}, nil

	default:
		return &Response{Type: RespUnrecognized, Body: raw}, nil
	}
}

// ParseCommand parses a VERB;KEY=:value line. It is the inverse of
// EncodeCommand and is used by engines and test doubles.
func ParseCommand(line []byte) (*Command, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyFrame
	}

	parts := strings.Split(string(line), CommandSeparator)
	cmd := &Command{
		Verb:   Verb(parts[0]),
		Fields: make([]Field, 0, len(parts)-1),
	}

	for _, part := range parts[1:] {
		idx := strings.Index(part, FieldSeparator)
		if idx < 0 {
			return nil, fmt.Errorf("Failed to parse '%s': %w", part, ErrMalformedCommand)
		}

		cmd.Fields = append(cmd.Fields, Field{
			Key:   part[:idx],
			Value: part[idx+len(FieldSeparator):],
		})
	}

	return cmd, nil
}

// ParseKeyValueBlock parses a flat key=value,key=value block, optionally
// wrapped in braces. Keys and values are trimmed; nesting is not supported.
func ParseKeyValueBlock(content string, braces bool) (map[string]string, error) {
	content = strings.TrimSpace(content)

	if braces {
		if !strings.HasPrefix(content, "{") || !strings.HasSuffix(content, "}") {
			return nil, fmt.Errorf("Failed to parse '%s', expected braces: %w", content, ErrMalformedBlock)
		}

		content = strings.TrimSpace(content[1 : len(content)-1])
	}

	values := make(map[string]string)
	if content == "" {
		return values, nil
	}

	for _, pair := range strings.Split(content, ",") {
		idx := strings.Index(pair, "=")
		if idx < 0 {
			return nil, fmt.Errorf("Failed to parse '%s': %w", pair, ErrMalformedBlock)
		}

		key := strings.TrimSpace(pair[:idx])
		if key == "" {
			return nil, fmt.Errorf("Failed to parse '%s', empty key: %w", pair, ErrMalformedBlock)
		}

		values[key] = strings.TrimSpace(pair[idx+1:])
	}

	return values, nil
}

func RemoveTrailingCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		// Remove the optional trailing \r
		return data[:len(data)-1]
	}

	return data
}
