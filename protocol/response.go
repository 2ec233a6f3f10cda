package protocol

import (
	"bytes"
	"errors"
	"strings"
)

type Response struct {
	Type ResponseType
	Body []byte
}

// ErrorOrNil returns an error carrying the engine's message if the response
// is a failure. Otherwise it returns nil.
func (r *Response) ErrorOrNil() error {
	if r.Type == RespFail {
		return errors.New(strings.TrimSpace(string(r.Body)))
	}

	return nil
}

// IsStreamed is true for frames pushed by the engine that are not a reply
// to any request.
func (r *Response) IsStreamed() bool {
	return r.Type == RespRecord
}

// IsKeepalive is true for the bare PING line.
func (r *Response) IsKeepalive() bool {
	return r.Type == RespPing
}

// Values parses the body as a key=value block. Braces are optional.
func (r *Response) Values() (map[string]string, error) {
	body := strings.TrimSpace(string(r.Body))
	return ParseKeyValueBlock(body, strings.HasPrefix(body, "{"))
}

// Text returns the body with surrounding whitespace removed.
func (r *Response) Text() string {
	return string(bytes.TrimSpace(r.Body))
}
