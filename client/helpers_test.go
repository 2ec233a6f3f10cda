package client_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/gomega"

	"github.com/luma/lumen/encryption"
	"github.com/luma/lumen/protocol"
	"github.com/luma/lumen/transport"
)

var errNetworkDown = errors.New("network down")

// stubDialer hands out stubTransports that answer commands from a table of
// canned replies. Verbs without a reply are left for the test to answer.
type stubDialer struct {
	mu      sync.Mutex
	replies map[protocol.Verb]string
	conns   []*stubTransport
	fail    error
	dials   int
}

func newStubDialer() *stubDialer {
	return &stubDialer{
		replies: map[protocol.Verb]string{
			protocol.CONN:  "+PASS:{clientId=c1, clientHash=h1}",
			protocol.SUB:   "+PASS:{status=subscribed}",
			protocol.UNSUB: "+PASS:{status=unsubscribed}",
		},
	}
}

func (d *stubDialer) Dial(ctx context.Context, events transport.Events) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}

	t := newStubTransport(d, events)
	d.conns = append(d.conns, t)

	return t, nil
}

func (d *stubDialer) SetReply(verb protocol.Verb, frame string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.replies[verb] = frame
}

func (d *stubDialer) Silence(verb protocol.Verb) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.replies, verb)
}

func (d *stubDialer) FailDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fail = err
}

func (d *stubDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

func (d *stubDialer) Last() *stubTransport {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

func (d *stubDialer) reply(verb protocol.Verb) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	frame, ok := d.replies[verb]
	return frame, ok
}

type stubTransport struct {
	dialer *stubDialer
	events transport.Events

	frames chan string
	closed chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu   sync.Mutex
	sent []string
}

func newStubTransport(d *stubDialer, events transport.Events) *stubTransport {
	t := &stubTransport{
		dialer: d,
		events: events,
		frames: make(chan string, 256),
		closed: make(chan struct{}),
	}

	go t.loop()

	return t
}

func (t *stubTransport) loop() {
	for {
		select {
		case frame := <-t.frames:
			t.events.OnFrame([]byte(frame))

		case <-t.closed:
			t.events.OnClose(t.closeErr)
			return
		}
	}
}

func (t *stubTransport) Send(frame []byte) error {
	select {
	case <-t.closed:
		return transport.ErrClosed
	default:
	}

	t.mu.Lock()
	t.sent = append(t.sent, string(frame))
	t.mu.Unlock()

	cmd, err := protocol.ParseCommand(frame)
	if err != nil {
		return nil
	}

	// A canned reply may hold several lines, sent back to back
	if reply, ok := t.dialer.reply(cmd.Verb); ok {
		for _, frame := range strings.Split(reply, "\n") {
			t.frames <- frame
		}
	}

	return nil
}

func (t *stubTransport) Close() error {
	t.shutdown(transport.ErrClosed)
	return nil
}

// Drop simulates the network going away.
func (t *stubTransport) Drop() {
	t.shutdown(errNetworkDown)
}

func (t *stubTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.closeErr = err
		close(t.closed)
	})
}

// Push delivers a frame as if the engine sent it.
func (t *stubTransport) Push(frame string) {
	t.frames <- frame
}

func (t *stubTransport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.sent...)
}

// SentWithVerb returns the sent frames starting with verb.
func (t *stubTransport) SentWithVerb(verb protocol.Verb) []string {
	var out []string

	for _, frame := range t.Sent() {
		if strings.HasPrefix(frame, string(verb)+";") || frame == string(verb) {
			out = append(out, frame)
		}
	}

	return out
}

func mustKeyPair() *encryption.KeyPair {
	keys, err := encryption.GenerateKeyPair()
	Expect(err).To(Succeed())

	return keys
}

// recordJSON builds a record whose payload is sealed for recipients.
func recordJSON(topic, idem string, payload interface{}, recipients ...ed25519.PublicKey) string {
	plaintext, err := json.Marshal(payload)
	Expect(err).To(Succeed())

	env, err := encryption.Seal(plaintext, recipients)
	Expect(err).To(Succeed())

	encoded, err := encryption.EncodePayload(env)
	Expect(err).To(Succeed())

	data, err := protocol.BuildRecord(&protocol.Record{
		Topic:     topic,
		Idem:      idem,
		Block:     "blk-" + idem,
		Payload:   encoded,
		Metadata:  map[string]string{"source": "test"},
		Timestamp: time.UnixMilli(1700000000000),
	})
	Expect(err).To(Succeed())

	return string(data)
}

func recordFrame(topic, idem string, payload interface{}, recipients ...ed25519.PublicKey) string {
	return string(protocol.RespRecord) + recordJSON(topic, idem, payload, recipients...)
}
