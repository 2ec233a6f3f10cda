package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/luma/lumen/transport"
)

const pipeBufferSize = 1024

var ErrDialRefused = errors.New("enginetest: dial refused")

// RefuseDials makes every following dial through Dialer fail until it is
// called again with false.
func (e *Engine) RefuseDials(refuse bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.refuseDials = refuse
}

// Dials returns the number of dial attempts made through Dialer, refused ones
// included.
func (e *Engine) Dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dials
}

// Dialer connects clients to the engine over an in-memory pipe. Frames cross
// the pipe on their own goroutines, so Send never calls back into the caller.
func (e *Engine) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, events transport.Events) (transport.Transport, error) {
		e.mu.Lock()
		e.dials++
		refuse := e.refuseDials
		e.mu.Unlock()

		if refuse {
			return nil, ErrDialRefused
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := newPipe(e, events)
		if err := e.addSession(p.sess); err != nil {
			return nil, err
		}

		p.start()

		return p, nil
	})
}

type pipe struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine *Engine
	events transport.Events
	sess   *session

	toEngine chan []byte
	toClient chan []byte

	closeOnce sync.Once
	closeErr  error
}

func newPipe(engine *Engine, events transport.Events) *pipe {
	ctx, cancel := context.WithCancel(context.Background())

	p := &pipe{
		ctx:      ctx,
		cancel:   cancel,
		engine:   engine,
		events:   events,
		toEngine: make(chan []byte, pipeBufferSize),
		toClient: make(chan []byte, pipeBufferSize),
	}

	p.sess = newSession(p.write, p.shutdown)

	return p
}

func (p *pipe) start() {
	go p.engineLoop()
	go p.clientLoop()
}

func (p *pipe) engineLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return

		case frame := <-p.toEngine:
			p.engine.handle(p.sess, frame)
		}
	}
}

func (p *pipe) clientLoop() {
	for {
		select {
		case <-p.ctx.Done():
			p.engine.removeSession(p.sess)
			p.events.OnClose(p.closeErr)
			return

		case frame := <-p.toClient:
			p.events.OnFrame(frame)
		}
	}
}

// Send delivers a frame from the client to the engine.
func (p *pipe) Send(frame []byte) error {
	if !p.isRunning() {
		return transport.ErrClosed
	}

	select {
	case p.toEngine <- append([]byte(nil), frame...):
		return nil

	case <-p.ctx.Done():
		return transport.ErrClosed
	}
}

func (p *pipe) Close() error {
	p.shutdown(transport.ErrClosed)
	return nil
}

// write delivers a frame from the engine to the client.
func (p *pipe) write(frame []byte) error {
	select {
	case p.toClient <- append([]byte(nil), frame...):
		return nil

	case <-p.ctx.Done():
		return transport.ErrClosed
	}
}

func (p *pipe) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		p.cancel()
	})
}

// isRunning returns true if the pipe has not been shut down
func (p *pipe) isRunning() bool {
	select {
	case <-p.ctx.Done():
		return false

	default:
		return true
	}
}

var _ transport.Transport = (*pipe)(nil)
