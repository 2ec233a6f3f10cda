package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/luma/lumen/protocol"
)

const (
	MinDeferDelay = time.Second
	MaxDeferDelay = 24 * time.Hour
)

type handlerEntry struct {
	id      HandlerID
	handler Handler
}

// Subscription is the handle for one subscribed topic. Its handler list and
// paused flag are guarded by the dispatcher's lock.
type Subscription struct {
	d *Dispatcher

	topic         string
	autoAck       bool
	decryptionKey ed25519.PrivateKey

	handlers []handlerEntry
	paused   bool
	removed  bool

	// ready is closed once the first SUB has been answered, subErr holds
	// its failure
	ready  chan struct{}
	subErr error
}

func (s *Subscription) settle(err error) {
	s.d.mu.Lock()
	s.subErr = err
	s.d.mu.Unlock()

	close(s.ready)
}

// wait blocks until the first SUB for the topic has been answered.
func (s *Subscription) wait(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return s.subErr
}

func (s *Subscription) Topic() string {
	return s.topic
}

// On adds a handler and returns its id for Off.
func (s *Subscription) On(handler Handler) HandlerID {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return s.addLocked(handler)
}

func (s *Subscription) addLocked(handler Handler) HandlerID {
	s.d.nextHandlerID++
	id := s.d.nextHandlerID

	s.handlers = append(s.handlers, handlerEntry{id: id, handler: handler})
	return id
}

// Off removes a handler. Removing the last one unsubscribes from the topic.
func (s *Subscription) Off(ctx context.Context, id HandlerID) error {
	s.d.mu.Lock()
	for i, entry := range s.handlers {
		if entry.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			break
		}
	}
	empty := len(s.handlers) == 0 && !s.removed
	s.d.mu.Unlock()

	if !empty {
		return nil
	}

	return s.Unsubscribe(ctx)
}

// Handlers returns the number of registered handlers.
func (s *Subscription) Handlers() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return len(s.handlers)
}

func (s *Subscription) handlerSnapshot() []handlerEntry {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return append([]handlerEntry(nil), s.handlers...)
}

func (s *Subscription) decryptionKeys() []ed25519.PrivateKey {
	return []ed25519.PrivateKey{s.decryptionKey, s.d.defaultKey}
}

func (s *Subscription) Ack(ctx context.Context, idem, block string) error {
	_, err := s.send(ctx, protocol.ACK,
		protocol.F(protocol.KeyIdem, idem),
		protocol.F(protocol.KeyBlock, block),
	)
	return err
}

// Rollback tells the engine the message was not processed.
func (s *Subscription) Rollback(ctx context.Context, idem, block string) error {
	_, err := s.send(ctx, protocol.ROLLBACK,
		protocol.F(protocol.KeyIdem, idem),
		protocol.F(protocol.KeyBlock, block),
	)
	return err
}

// Defer asks for redelivery after delay. The delay must be zero, for
// immediate redelivery, or between one second and a day.
func (s *Subscription) Defer(ctx context.Context, idem string, delay time.Duration, reason string) error {
	if delay != 0 && (delay < MinDeferDelay || delay > MaxDeferDelay) {
		return fmt.Errorf("%w: defer delay %s must be 0 or between %s and %s",
			ErrValidation, delay, MinDeferDelay, MaxDeferDelay)
	}

	_, err := s.send(ctx, protocol.DEFER,
		protocol.F(protocol.KeyIdem, idem),
		protocol.F(protocol.KeyDelay, strconv.FormatInt(delay.Milliseconds(), 10)),
		protocol.F(protocol.KeyReason, encodeText(reason)),
	)
	return err
}

// Discard removes the message from future delivery.
func (s *Subscription) Discard(ctx context.Context, idem, reason string) (*DiscardStatus, error) {
	resp, err := s.send(ctx, protocol.DISCARD,
		protocol.F(protocol.KeyIdem, idem),
		protocol.F(protocol.KeyReason, encodeText(reason)),
	)
	if err != nil {
		return nil, err
	}

	status := &DiscardStatus{Idem: idem}

	values, err := resp.Values()
	if err != nil {
		status.Status = resp.Text()
		return status, nil
	}

	status.Status = values["status"]
	if v := values["idem"]; v != "" {
		status.Idem = v
	}

	return status, nil
}

// Replay fetches a past message directly. Handlers are not called.
func (s *Subscription) Replay(ctx context.Context, idem string) (*Message, error) {
	resp, err := s.send(ctx, protocol.REPLAY, protocol.F(protocol.KeyIdem, idem))
	if err != nil {
		return nil, err
	}

	rec, err := protocol.ParseRecord(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplay, err)
	}

	return openRecord(rec, s.decryptionKeys()...)
}

// Pause stops delivery for this subscription until Resume or a reconnect.
func (s *Subscription) Pause(ctx context.Context, reason string) error {
	if _, err := s.send(ctx, protocol.PAUSE, protocol.F(protocol.KeyReason, encodeText(reason))); err != nil {
		return err
	}

	s.setPaused(true)
	return nil
}

func (s *Subscription) Resume(ctx context.Context) error {
	if _, err := s.send(ctx, protocol.CONTINUE); err != nil {
		return err
	}

	s.setPaused(false)
	return nil
}

func (s *Subscription) Paused() bool {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return s.paused
}

func (s *Subscription) setPaused(paused bool) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	s.paused = paused
}

// Unsubscribe sends UNSUB and forgets the subscription. The connection stays
// open for other topics.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.d.mu.Lock()
	s.removed = true
	s.handlers = nil
	s.d.mu.Unlock()

	s.d.forget(s)

	_, err := s.d.conn.SendAuthenticated(ctx, protocol.UNSUB, protocol.F(protocol.KeyEvent, s.topic))
	return err
}

func (s *Subscription) send(ctx context.Context, verb protocol.Verb, fields ...protocol.Field) (*protocol.Response, error) {
	all := make([]protocol.Field, 0, len(fields)+1)
	all = append(all, protocol.F(protocol.KeyEvent, s.topic))
	all = append(all, fields...)

	return s.d.conn.SendAuthenticated(ctx, verb, all...)
}

// encodeText makes free text safe to carry as a field value.
func encodeText(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
