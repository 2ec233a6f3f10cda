// Package enginetest provides an in-process delivery engine that speaks the
// lumen wire protocol. It is used to exercise clients and transports
// end-to-end without a real engine.
//
// The engine is intentionally simple: every accepted app key is valid, pushed
// records go to every subscribed session that is not paused, and acks are
// recorded but change nothing.
package enginetest

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/lumen/protocol"
)

type Options struct {
	// AppKeys lists the app keys CONN accepts. When empty every key is accepted.
	AppKeys []string

	// Store holds published records. Defaults to a new InmemoryStore.
	Store Store

	Log *zap.Logger
}

type Engine struct {
	appKeys map[string]struct{}
	store   Store
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	commands []*protocol.Command
	failNext map[protocol.Verb][]string
	silent   map[protocol.Verb]int
	nextID   int
	closed   bool

	refuseDials bool
	dials       int

	stopWaiter sync.WaitGroup
}

type subscription struct {
	paused bool
}

type session struct {
	write func(frame []byte) error
	close func(err error)

	mu            sync.Mutex
	clientID      string
	clientHash    string
	authenticated bool

	// The previous credentials stay valid until the next renewal, so
	// commands already in flight survive a RENEW.
	prevClientID   string
	prevClientHash string

	subs          map[string]*subscription
}

func New(options Options) *Engine {
	store := options.Store
	if store == nil {
		store = NewInmemoryStore()
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		appKeys:  make(map[string]struct{}, len(options.AppKeys)),
		store:    store,
		log:      log.Named("engine"),
		sessions: make(map[*session]struct{}),
		failNext: make(map[protocol.Verb][]string),
		silent:   make(map[protocol.Verb]int),
	}

	for _, key := range options.AppKeys {
		e.appKeys[key] = struct{}{}
	}

	// Listen for storage updates
	updates := store.ListenToUpdates()
	e.stopWaiter.Add(1)
	go func() {
		defer e.stopWaiter.Done()

		for update := range updates {
			e.fanOut(update.Topic, update.Value)
		}
	}()

	return e
}

// Close drops every session and stops the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.DropConnections()

	err := e.store.Close()
	e.stopWaiter.Wait()

	return err
}

func (e *Engine) Store() Store {
	return e.store
}

// FailNext makes the next command with the given verb fail with message.
// Calls queue up.
func (e *Engine) FailNext(verb protocol.Verb, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failNext[verb] = append(e.failNext[verb], message)
}

// IgnoreNext makes the engine swallow the next n commands with the given verb
// without replying.
func (e *Engine) IgnoreNext(verb protocol.Verb, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.silent[verb] += n
}

// Commands returns every command received so far, in order.
func (e *Engine) Commands() []*protocol.Command {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*protocol.Command(nil), e.commands...)
}

// CommandsWithVerb returns the received commands with the given verb.
func (e *Engine) CommandsWithVerb(verb protocol.Verb) []*protocol.Command {
	var out []*protocol.Command

	for _, cmd := range e.Commands() {
		if cmd.Verb == verb {
			out = append(out, cmd)
		}
	}

	return out
}

// Sessions returns the number of live connections.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.sessions)
}

// Subscribers returns the number of sessions subscribed to topic.
func (e *Engine) Subscribers(topic string) int {
	n := 0

	for _, sess := range e.sessionList() {
		sess.mu.Lock()
		if _, ok := sess.subs[topic]; ok {
			n++
		}
		sess.mu.Unlock()
	}

	return n
}

// DropConnections closes every live session as if the network failed.
func (e *Engine) DropConnections() {
	for _, sess := range e.sessionList() {
		e.removeSession(sess)
		sess.close(fmt.Errorf("enginetest: connection dropped"))
	}
}

// Ping sends a keepalive PING to every session.
func (e *Engine) Ping() {
	for _, sess := range e.sessionList() {
		if err := sess.write([]byte(protocol.PING)); err != nil {
			e.log.Warn("Failed to ping", zap.Error(err))
		}
	}
}

// PushRaw sends frame as a +RECORD: to every session subscribed to topic.
func (e *Engine) PushRaw(topic string, record []byte) {
	e.fanOut(topic, record)
}

func (e *Engine) addSession(sess *session) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("enginetest: engine closed")
	}

	e.sessions[sess] = struct{}{}
	return nil
}

func (e *Engine) removeSession(sess *session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sessions, sess)
}

func (e *Engine) sessionList() []*session {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := make([]*session, 0, len(e.sessions))
	for sess := range e.sessions {
		list = append(list, sess)
	}

	return list
}

func (e *Engine) fanOut(topic string, record []byte) {
	frame := protocol.EncodeResponse(protocol.RespRecord, record)

	for _, sess := range e.sessionList() {
		sess.mu.Lock()
		sub, ok := sess.subs[topic]
		deliver := ok && !sub.paused
		sess.mu.Unlock()

		if !deliver {
			continue
		}

		if err := sess.write(frame); err != nil {
			e.log.Warn("Failed to push record", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// handle processes a single command line from sess and writes the reply.
func (e *Engine) handle(sess *session, line []byte) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		e.log.Warn("Failed to parse command", zap.ByteString("line", line), zap.Error(err))
		e.reply(sess, fail(err.Error()))
		return
	}

	e.mu.Lock()
	e.commands = append(e.commands, cmd)

	var (
		failure string
		failed  bool
		ignore  bool
	)

	if queue := e.failNext[cmd.Verb]; len(queue) > 0 {
		failure, failed = queue[0], true
		e.failNext[cmd.Verb] = queue[1:]
	} else if e.silent[cmd.Verb] > 0 {
		e.silent[cmd.Verb]--
		ignore = true
	}
	e.mu.Unlock()

	switch {
	case cmd.Verb == protocol.PONG:
		return
	case ignore:
		return
	case failed:
		e.reply(sess, fail(failure))
		return
	}

	e.reply(sess, e.dispatch(sess, cmd))
}

func (e *Engine) reply(sess *session, frame string) {
	if err := sess.write([]byte(frame)); err != nil {
		e.log.Warn("Failed to reply", zap.Error(err))
	}
}

func (e *Engine) dispatch(sess *session, cmd *protocol.Command) string {
	if cmd.Verb == protocol.CONN {
		return e.conn(sess, cmd)
	}

	if err := sess.authorize(cmd); err != nil {
		return fail(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	topic := cmd.Get(protocol.KeyEvent)

	switch cmd.Verb {
	case protocol.RENEW:
		return e.issueCredentials(sess)

	case protocol.PUB:
		return e.publish(ctx, sess, cmd)

	case protocol.SUB:
		sess.mu.Lock()
		sess.subs[topic] = &subscription{}
		sess.mu.Unlock()
		return pass("{status=subscribed,event=" + topic + "}")

	case protocol.UNSUB:
		sess.mu.Lock()
		delete(sess.subs, topic)
		sess.mu.Unlock()
		return pass("{status=unsubscribed}")

	case protocol.ACK:
		return pass("{status=acknowledged,idem=" + cmd.Get(protocol.KeyIdem) + "}")

	case protocol.ROLLBACK:
		return e.redeliver(ctx, cmd.Get(protocol.KeyIdem), 0, "rolledback")

	case protocol.DEFER:
		delay, err := strconv.Atoi(cmd.Get(protocol.KeyDelay))
		if err != nil {
			return fail("Invalid delay")
		}
		return e.redeliver(ctx, cmd.Get(protocol.KeyIdem), time.Duration(delay)*time.Millisecond, "deferred")

	case protocol.DISCARD:
		idem := cmd.Get(protocol.KeyIdem)
		if err := e.store.Delete(ctx, idem); err != nil {
			return fail(err.Error())
		}
		return pass("{status=discarded,idem=" + idem + "}")

	case protocol.REPLAY:
		value, err := e.store.Get(ctx, cmd.Get(protocol.KeyIdem))
		if err != nil {
			return fail(err.Error())
		}
		return string(protocol.EncodeResponse(protocol.RespReplay, value))

	case protocol.PAUSE, protocol.CONTINUE:
		sess.mu.Lock()
		defer sess.mu.Unlock()

		sub, ok := sess.subs[topic]
		if !ok {
			return fail("Not subscribed to " + topic)
		}
		sub.paused = cmd.Verb == protocol.PAUSE
		return pass("{status=ok}")

	default:
		return fail("Unknown command " + string(cmd.Verb))
	}
}

func (e *Engine) conn(sess *session, cmd *protocol.Command) string {
	if len(e.appKeys) > 0 {
		if _, ok := e.appKeys[cmd.Get(protocol.KeyAppKey)]; !ok {
			return fail("Invalid app key")
		}
	}

	return e.issueCredentials(sess)
}

func (e *Engine) issueCredentials(sess *session) string {
	id := e.nextSequence()

	sess.mu.Lock()
	sess.authenticated = true
	sess.prevClientID, sess.prevClientHash = sess.clientID, sess.clientHash
	sess.clientID = fmt.Sprintf("client-%d", id)
	sess.clientHash = fmt.Sprintf("hash-%d", id)
	body := fmt.Sprintf("{clientId=%s, clientHash=%s}", sess.clientID, sess.clientHash)
	sess.mu.Unlock()

	return pass(body)
}

func (e *Engine) publish(ctx context.Context, sess *session, cmd *protocol.Command) string {
	topic := cmd.Get(protocol.KeyEvent)
	if topic == "" {
		return fail("Missing event name")
	}

	metadata := map[string]string{}
	if raw := cmd.Get(protocol.KeyMetadata); raw != "" {
		doc, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fail("Invalid metadata encoding")
		}

		if metadata, err = protocol.DecodeMetadata(string(doc)); err != nil {
			return fail("Invalid metadata")
		}
	}

	id := e.nextSequence()

	sess.mu.Lock()
	sender := sess.clientID
	sess.mu.Unlock()

	rec := &protocol.Record{
		Topic:     topic,
		Idem:      fmt.Sprintf("msg-%06d", id),
		Block:     fmt.Sprintf("blk-%d", id),
		Payload:   cmd.Get(protocol.KeyPayload),
		Metadata:  metadata,
		Timestamp: time.Now(),
		Sender:    sender,
	}

	if err := e.store.Append(ctx, rec); err != nil {
		return fail(err.Error())
	}

	return pass("{idem=" + rec.Idem + ",block=" + rec.Block + "}")
}

func (e *Engine) redeliver(ctx context.Context, idem string, delay time.Duration, status string) string {
	value, err := e.store.Get(ctx, idem)
	if err != nil {
		return fail(err.Error())
	}

	rec, err := protocol.ParseRecord(value)
	if err != nil {
		return fail(err.Error())
	}

	time.AfterFunc(delay, func() {
		e.fanOut(rec.Topic, value)
	})

	return pass("{status=" + status + ",idem=" + idem + "}")
}

func (e *Engine) nextSequence() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	return e.nextID
}

func (s *session) authorize(cmd *protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authenticated {
		return fmt.Errorf("Not authenticated")
	}

	id, hash := cmd.Get(protocol.KeyClientID), cmd.Get(protocol.KeyHash)

	var expectedHash string
	switch {
	case id == s.clientID:
		expectedHash = s.clientHash
	case id != "" && id == s.prevClientID:
		expectedHash = s.prevClientHash
	default:
		return fmt.Errorf("Unknown client id")
	}

	// RENEW only proves the client id
	if cmd.Verb != protocol.RENEW && hash != expectedHash {
		return fmt.Errorf("Invalid client hash")
	}

	return nil
}

func newSession(write func([]byte) error, close func(error)) *session {
	return &session{
		write: write,
		close: close,
		subs:  make(map[string]*subscription),
	}
}

func pass(body string) string {
	return string(protocol.EncodeResponse(protocol.RespPass, []byte(body)))
}

func fail(message string) string {
	return string(protocol.EncodeResponse(protocol.RespFail, []byte(message)))
}
