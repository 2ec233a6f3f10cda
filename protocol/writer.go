package protocol

import (
	"io"
	"strings"
)

const (
	CommandSeparator = ";"
	FieldSeparator   = "=:"
)

var (
	Terminal = []byte("\r\n")
)

// EncodeCommand produces VERB;KEY1=:val1;KEY2=:val2. Values are written as-is,
// callers must encode anything that may contain ';' or '='.
func EncodeCommand(verb Verb, fields ...Field) string {
	var b strings.Builder
	b.WriteString(string(verb))

	for _, f := range fields {
		b.WriteString(CommandSeparator)
		b.WriteString(f.Key)
		b.WriteString(FieldSeparator)
		b.WriteString(f.Value)
	}

	return b.String()
}

// WriteCommand writes a single \r\n terminated command line.
func WriteCommand(w io.Writer, cmd *Command) error {
	return WriteFrame(w, []byte(cmd.String()))
}

// WriteFrame writes data followed by the line terminator in a single Write.
func WriteFrame(w io.Writer, data []byte) error {
	b := make([]byte, 0, len(data)+len(Terminal))
	b = append(b, data...)
	b = append(b, Terminal...)

	_, err := w.Write(b)
	return err
}

// EncodeResponse prefixes body with the response type marker. The frame
// terminator is left to WriteFrame.
func EncodeResponse(t ResponseType, body []byte) []byte {
	b := make([]byte, 0, len(t)+len(body))
	b = append(b, t...)
	return append(b, body...)
}
