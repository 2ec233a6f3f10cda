package protocol_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/lumen/protocol"
)

var _ = Describe("Records", func() {
	Describe("ParseRecord()", func() {
		It("reads the canonical field names", func() {
			rec, err := protocol.ParseRecord([]byte(`{
				"name": "orders/created",
				"id": "m-1",
				"block": 12,
				"payload": "ZW52",
				"metadata": "{\"source\":\"web\"}",
				"loggedAt": 1700000000000,
				"sender": "c-9"
			}`))
			Expect(err).To(Succeed())
			Expect(rec.Topic).To(Equal("orders/created"))
			Expect(rec.Idem).To(Equal("m-1"))
			Expect(rec.Block).To(Equal("12"))
			Expect(rec.Payload).To(Equal("ZW52"))
			Expect(rec.Metadata).To(Equal(map[string]string{"source": "web"}))
			Expect(rec.Timestamp).To(Equal(time.UnixMilli(1700000000000)))
			Expect(rec.Sender).To(Equal("c-9"))
		})

		It("falls back to the alternative field names", func() {
			rec, err := protocol.ParseRecord([]byte(`{
				"message_name": "t",
				"idem": "m-2",
				"metadata": {"a": "b"},
				"timestamp": "2023-11-14T22:13:20Z"
			}`))
			Expect(err).To(Succeed())
			Expect(rec.Topic).To(Equal("t"))
			Expect(rec.Idem).To(Equal("m-2"))
			Expect(rec.Metadata).To(HaveKeyWithValue("a", "b"))
			Expect(rec.Timestamp.UTC()).To(Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)))
		})

		It("rejects records without a topic", func() {
			_, err := protocol.ParseRecord([]byte(`{"id":"m-1"}`))
			Expect(errors.Is(err, protocol.ErrMalformedRecord)).To(BeTrue())
		})

		It("rejects invalid json", func() {
			_, err := protocol.ParseRecord([]byte(`{"name":`))
			Expect(errors.Is(err, protocol.ErrMalformedRecord)).To(BeTrue())
		})

		It("rejects metadata that is not an object", func() {
			_, err := protocol.ParseRecord([]byte(`{"name":"t","id":"1","metadata":"[1,2]"}`))
			Expect(errors.Is(err, protocol.ErrMalformedRecord)).To(BeTrue())
		})
	})

	Describe("BuildRecord()", func() {
		It("produces records that ParseRecord understands", func() {
			in := &protocol.Record{
				Topic:     "orders/created",
				Idem:      "m-3",
				Block:     "b-1",
				Payload:   "cGF5bG9hZA==",
				Metadata:  map[string]string{"trace.id": "t1"},
				Timestamp: time.UnixMilli(1700000000123),
				Sender:    "c-1",
			}

			data, err := protocol.BuildRecord(in)
			Expect(err).To(Succeed())

			out, err := protocol.ParseRecord(data)
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})
	})

	Describe("EncodeMetadata() / DecodeMetadata()", func() {
		It("keeps keys containing path characters intact", func() {
			doc, err := protocol.EncodeMetadata(map[string]string{"a.b": "1", "c": "2"})
			Expect(err).To(Succeed())
			Expect(doc).To(MatchJSON(`{"a.b":"1","c":"2"}`))

			metadata, err := protocol.DecodeMetadata(doc)
			Expect(err).To(Succeed())
			Expect(metadata).To(Equal(map[string]string{"a.b": "1", "c": "2"}))
		})

		It("decodes an empty document to an empty map", func() {
			metadata, err := protocol.DecodeMetadata("")
			Expect(err).To(Succeed())
			Expect(metadata).To(BeEmpty())
		})
	})
})
