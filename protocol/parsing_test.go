package protocol_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/lumen/protocol"
)

var _ = Describe("Parsing", func() {
	Describe("DecodeResponse()", func() {
		It("returns an error for an empty frame", func() {
			_, err := protocol.DecodeResponse([]byte("\r"))
			Expect(err).To(MatchError(protocol.ErrEmptyFrame))
		})

		It("parses a +PASS: response", func() {
			resp, err := protocol.DecodeResponse([]byte("+PASS:{clientId=abc, clientHash=def}\r"))
			Expect(err).To(Succeed())
			Expect(resp.Type).To(Equal(protocol.RespPass))
			Expect(string(resp.Body)).To(Equal("{clientId=abc, clientHash=def}"))
			Expect(resp.ErrorOrNil()).To(Succeed())
		})

		It("parses a -FAIL: response and exposes the engine message", func() {
			resp, err := protocol.DecodeResponse([]byte("-FAIL:Invalid app key"))
			Expect(err).To(Succeed())
			Expect(resp.Type).To(Equal(protocol.RespFail))
			Expect(resp.ErrorOrNil()).To(MatchError("Invalid app key"))
		})

		It("distinguishes streamed records from replayed ones", func() {
			record, err := protocol.DecodeResponse([]byte(`+RECORD:{"name":"a"}`))
			Expect(err).To(Succeed())
			Expect(record.Type).To(Equal(protocol.RespRecord))
			Expect(record.IsStreamed()).To(BeTrue())

			replay, err := protocol.DecodeResponse([]byte(`+REPLAY:{"name":"a"}`))
			Expect(err).To(Succeed())
			Expect(replay.Type).To(Equal(protocol.RespReplay))
			Expect(replay.IsStreamed()).To(BeFalse())
			Expect(string(replay.Body)).To(Equal(`{"name":"a"}`))
		})

		It("recognises a bare PING as keepalive", func() {
			resp, err := protocol.DecodeResponse([]byte("PING\r"))
			Expect(err).To(Succeed())
			Expect(resp.IsKeepalive()).To(BeTrue())
		})

		It("returns unknown frames as unrecognized", func() {
			resp, err := protocol.DecodeResponse([]byte("HELLO"))
			Expect(err).To(Succeed())
			Expect(resp.Type).To(Equal(protocol.RespUnrecognized))
			Expect(string(resp.Body)).To(Equal("HELLO"))
		})
	})

	Describe("ParseKeyValueBlock()", func() {
		It("parses a brace wrapped block and trims whitespace", func() {
			values, err := protocol.ParseKeyValueBlock("{ clientId = abc ,clientHash=def }", true)
			Expect(err).To(Succeed())
			Expect(values).To(Equal(map[string]string{
				"clientId":   "abc",
				"clientHash": "def",
			}))
		})

		It("parses a block without braces", func() {
			values, err := protocol.ParseKeyValueBlock("status=discarded,idem=42", false)
			Expect(err).To(Succeed())
			Expect(values).To(HaveKeyWithValue("status", "discarded"))
			Expect(values).To(HaveKeyWithValue("idem", "42"))
		})

		It("keeps everything after the first '=' as the value", func() {
			values, err := protocol.ParseKeyValueBlock("{hash=YWJj==}", true)
			Expect(err).To(Succeed())
			Expect(values).To(HaveKeyWithValue("hash", "YWJj=="))
		})

		It("returns an error if a pair is missing '='", func() {
			_, err := protocol.ParseKeyValueBlock("{clientId=abc,clientHash}", true)
			Expect(errors.Is(err, protocol.ErrMalformedBlock)).To(BeTrue())
		})

		It("returns an error if braces are required but missing", func() {
			_, err := protocol.ParseKeyValueBlock("clientId=abc", true)
			Expect(errors.Is(err, protocol.ErrMalformedBlock)).To(BeTrue())
		})

		It("returns an empty map for an empty block", func() {
			values, err := protocol.ParseKeyValueBlock("{}", true)
			Expect(err).To(Succeed())
			Expect(values).To(BeEmpty())
		})
	})

	Describe("ParseCommand()", func() {
		It("parses the verb and ordered fields", func() {
			cmd, err := protocol.ParseCommand([]byte("SUB;EVENT=:orders/created;CLIENTID=:c1\r\n"))
			Expect(err).To(Succeed())
			Expect(cmd.Verb).To(Equal(protocol.SUB))
			Expect(cmd.Fields).To(Equal([]protocol.Field{
				protocol.F("EVENT", "orders/created"),
				protocol.F("CLIENTID", "c1"),
			}))
			Expect(cmd.Get(protocol.KeyClientID)).To(Equal("c1"))
			Expect(cmd.Get("MISSING")).To(BeEmpty())
		})

		It("parses a command with no fields", func() {
			cmd, err := protocol.ParseCommand([]byte("PONG"))
			Expect(err).To(Succeed())
			Expect(cmd.Verb).To(Equal(protocol.PONG))
			Expect(cmd.Fields).To(BeEmpty())
		})

		It("returns an error if a field is missing its separator", func() {
			_, err := protocol.ParseCommand([]byte("SUB;EVENT"))
			Expect(errors.Is(err, protocol.ErrMalformedCommand)).To(BeTrue())
		})

		It("round trips with EncodeCommand", func() {
			line := protocol.EncodeCommand(protocol.DEFER,
				protocol.F("IDEM", "m1"),
				protocol.F("DELAY", "1000"))

			cmd, err := protocol.ParseCommand([]byte(line))
			Expect(err).To(Succeed())
			Expect(cmd.String()).To(Equal(line))
		})
	})

	Describe("ReadFrame()", func() {
		It("reads consecutive lines and strips the terminators", func() {
			r := bufio.NewReader(strings.NewReader("+PASS:1\r\nPING\n"))

			frame, err := protocol.ReadFrame(r)
			Expect(err).To(Succeed())
			Expect(string(frame)).To(Equal("+PASS:1"))

			frame, err = protocol.ReadFrame(r)
			Expect(err).To(Succeed())
			Expect(string(frame)).To(Equal("PING"))

			_, err = protocol.ReadFrame(r)
			Expect(err).To(MatchError(io.EOF))
		})

		It("reads lines longer than the reader buffer", func() {
			long := strings.Repeat("x", 64)
			r := bufio.NewReaderSize(strings.NewReader(long+"\r\n"), 16)

			frame, err := protocol.ReadFrame(r)
			Expect(err).To(Succeed())
			Expect(string(frame)).To(Equal(long))
		})
	})

	Describe("RemoveTrailingCR()", func() {
		It("does nothing if the data does not end in CR", func() {
			data := []byte("I am awesome data")
			Expect(protocol.RemoveTrailingCR(data)).To(Equal(data))
		})

		It("removes the trailling CR", func() {
			input := []byte("I am awesome data\r")
			output := []byte("I am awesome data")
			Expect(protocol.RemoveTrailingCR(input)).To(Equal(output))
		})

		It("copes with empty input", func() {
			Expect(protocol.RemoveTrailingCR([]byte{})).To(BeEmpty())
			Expect(bytes.Equal(protocol.RemoveTrailingCR([]byte("\r")), []byte{})).To(BeTrue())
		})
	})
})
